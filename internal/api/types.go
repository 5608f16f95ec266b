package api

import (
	"time"

	"snapcheck/internal/policy"
)

// SnapRequest asks the service to run one command against a repository
// snapshot and triage the result.
type SnapRequest struct {
	RepoPath   string            `json:"repo_path"`
	Command    string            `json:"command"`
	Timeout    Duration          `json:"timeout,omitempty"`
	Subdir     string            `json:"subdir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	IncludeGit bool              `json:"include_git,omitempty"`
}

// AnalyzeRequest classifies raw log text without running anything.
type AnalyzeRequest struct {
	LogText string `json:"log_text"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// BlockedResponse is returned with 403 when the policy engine refuses a
// command. The refusal is persisted; ID points at the stored record.
type BlockedResponse struct {
	ID       string             `json:"id"`
	Status   string             `json:"status"`
	Rule     string             `json:"rule"`
	Reason   string             `json:"reason"`
	Warnings []policy.RuleMatch `json:"warnings,omitempty"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	OK         bool   `json:"ok"`
	Status     string `json:"status"`
	Store      bool   `json:"store"`
	ActiveRuns int64  `json:"active_runs"`
	Uptime     string `json:"uptime"`
}
