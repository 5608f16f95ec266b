package policy

// DefaultRules is the built-in pre-screen catalog. It is a representative
// baseline, not an exhaustive denylist; deployments extend it through the
// policy section of the config file. Patterns match against the normalized
// (lowercased, whitespace-collapsed) command.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "recursive_root_delete",
			Match:    MatchRegex,
			Pattern:  `rm\s+-[a-z]*(r[a-z]*f|f[a-z]*r)[a-z]*\s+(/|/\*)(\s|$)`,
			Severity: "block",
			Reason:   "recursive forced deletion of the filesystem root",
		},
		{
			Name:     "no_preserve_root",
			Match:    MatchSubstring,
			Pattern:  "--no-preserve-root",
			Severity: "block",
			Reason:   "explicitly disables rm's root protection",
		},
		{
			Name:     "fork_bomb",
			Match:    MatchSubstring,
			Pattern:  ":(){",
			Severity: "block",
			Reason:   "shell fork bomb",
		},
		{
			Name:     "fork_bomb_generic",
			Match:    MatchRegex,
			Pattern:  `\w+\(\)\s*{\s*\w+\s*\|\s*\w+\s*&\s*}`,
			Severity: "block",
			Reason:   "self-replicating function definition (fork bomb)",
		},
		{
			Name:     "remote_script_pipe",
			Match:    MatchRegex,
			Pattern:  `(curl|wget)\s[^|;&]*\|\s*(sudo\s+)?(ba|z|da|fi)?sh\b`,
			Severity: "block",
			Reason:   "pipes a remote script directly into a shell interpreter",
		},
		{
			Name:     "mkfs",
			Match:    MatchRegex,
			Pattern:  `\bmkfs(\.[a-z0-9]+)?\b`,
			Severity: "block",
			Reason:   "formats a block device",
		},
		{
			Name:     "dd_to_device",
			Match:    MatchRegex,
			Pattern:  `\bdd\s+[^;|&]*of=/dev/(sd|hd|nvme|vd|xvd|mmcblk)`,
			Severity: "block",
			Reason:   "writes raw data over a block device",
		},
		{
			Name:     "sudo",
			Match:    MatchRegex,
			Pattern:  `(^|[;&|]\s*)sudo\s`,
			Severity: "warn",
			Reason:   "privilege escalation has no effect inside the sandbox",
		},
		{
			Name:     "system_power",
			Match:    MatchRegex,
			Pattern:  `(^|[;&|]\s*)(shutdown|reboot|poweroff|halt)\b`,
			Severity: "warn",
			Reason:   "host power management command",
		},
	}
}
