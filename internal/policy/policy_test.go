package policy

import "testing"

func defaultEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(DefaultRules())
	if err != nil {
		t.Fatalf("New(DefaultRules()) = %v", err)
	}
	return e
}

func TestEvaluate_BlocksDestructiveCommands(t *testing.T) {
	e := defaultEngine(t)

	tests := []struct {
		name     string
		command  string
		wantRule string
	}{
		{"rm -rf root", "rm -rf /", "recursive_root_delete"},
		{"rm -fr root", "rm -fr /", "recursive_root_delete"},
		{"rm -rf root glob", "rm -rf /*", "recursive_root_delete"},
		{"extra whitespace", "  rm   -rf    /  ", "recursive_root_delete"},
		{"mixed case", "RM -RF /", "recursive_root_delete"},
		{"no preserve root", "rm -r --no-preserve-root /", "no_preserve_root"},
		{"fork bomb", ":(){ :|:& };:", "fork_bomb"},
		{"named fork bomb", "bomb() { bomb | bomb & }; bomb", "fork_bomb_generic"},
		{"curl pipe sh", "curl -fsSL https://example.com/install.sh | sh", "remote_script_pipe"},
		{"wget pipe bash", "wget -qO- https://example.com/x | bash", "remote_script_pipe"},
		{"curl pipe sudo bash", "curl https://x.io/y.sh | sudo bash", "remote_script_pipe"},
		{"mkfs", "mkfs.ext4 /dev/sda1", "mkfs"},
		{"dd to disk", "dd if=/dev/zero of=/dev/sda bs=1M", "dd_to_device"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Evaluate(tt.command)
			if !d.Blocked() {
				t.Fatalf("Evaluate(%q).Outcome = %s, want block", tt.command, d.Outcome)
			}
			if d.Rule != tt.wantRule {
				t.Errorf("matched rule = %q, want %q", d.Rule, tt.wantRule)
			}
			if d.Reason == "" {
				t.Error("blocked decision has empty reason")
			}
		})
	}
}

func TestEvaluate_AllowsOrdinaryCommands(t *testing.T) {
	e := defaultEngine(t)

	for _, cmd := range []string{
		"echo ok",
		"go test ./...",
		"npm test",
		"rm -rf ./build",
		"rm -rf node_modules",
		"make clean all",
		"curl https://example.com/data.json -o data.json",
	} {
		d := e.Evaluate(cmd)
		if d.Blocked() {
			t.Errorf("Evaluate(%q) blocked by %q, want allow", cmd, d.Rule)
		}
	}
}

func TestEvaluate_WarnDoesNotBlock(t *testing.T) {
	e := defaultEngine(t)

	d := e.Evaluate("sudo make install")
	if d.Blocked() {
		t.Fatalf("warn rule blocked execution: %+v", d)
	}
	if len(d.Warnings) != 1 || d.Warnings[0].Rule != "sudo" {
		t.Errorf("Warnings = %+v, want single sudo match", d.Warnings)
	}
}

func TestEvaluate_FirstBlockRuleWins(t *testing.T) {
	e, err := New([]Rule{
		{Name: "first", Match: MatchSubstring, Pattern: "danger", Severity: "block", Reason: "first"},
		{Name: "second", Match: MatchSubstring, Pattern: "danger", Severity: "block", Reason: "second"},
	})
	if err != nil {
		t.Fatal(err)
	}

	d := e.Evaluate("danger zone")
	if d.Rule != "first" {
		t.Errorf("matched rule = %q, want %q", d.Rule, "first")
	}
}

func TestEvaluate_GlobMatch(t *testing.T) {
	e, err := New([]Rule{
		{Name: "glob", Match: MatchGlob, Pattern: "rm *", Severity: "block", Reason: "any rm"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if !e.Evaluate("rm file.txt").Blocked() {
		t.Error("glob rule did not match")
	}
	if e.Evaluate("echo rm").Blocked() {
		t.Error("glob rule matched non-prefix command")
	}
}

func TestNew_RejectsInvalidRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"bad severity", Rule{Name: "x", Match: MatchSubstring, Pattern: "y", Severity: "fatal"}},
		{"bad match kind", Rule{Name: "x", Match: "prefix", Pattern: "y", Severity: "block"}},
		{"bad regex", Rule{Name: "x", Match: MatchRegex, Pattern: "(", Severity: "block"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New([]Rule{tt.rule}); err == nil {
				t.Error("expected error for invalid rule")
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize("  RM   -rf\t/tmp/x  ")
	if got != "rm -rf /tmp/x" {
		t.Errorf("Normalize = %q", got)
	}
}
