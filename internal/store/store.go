package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"snapcheck/internal/analyzer"
	"snapcheck/internal/policy"
	"snapcheck/internal/sandbox"
)

// Run lifecycle statuses as persisted.
const (
	StatusBlocked    = "blocked"     // policy refused the command; nothing ran
	StatusSetupError = "setup_error" // sandbox could not be materialized
	StatusExecError  = "exec_error"  // command could not be started
	StatusTimeout    = "timeout"     // deadline hit; partial output analyzed
	StatusCompleted  = "completed"   // command ran to completion
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("run result not found")

// StorageError marks persistence failures, the one class of failure callers
// surface as an internal error rather than a run outcome.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %s", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RunResult is the full persisted record of one triage run.
type RunResult struct {
	ID        string           `json:"id"`
	Seq       uint64           `json:"seq"`
	CreatedAt time.Time        `json:"created_at"`
	Status    string           `json:"status"`
	Request   sandbox.Request  `json:"request"`
	Decision  policy.Decision  `json:"decision"`
	Outcome   *sandbox.Outcome `json:"outcome,omitempty"`
	Analysis  *analyzer.Result `json:"analysis,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Summary is the listing projection of a record.
type Summary struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
	Command   string    `json:"command"`
	Verdict   string    `json:"verdict,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
}

// Page selects a window of the listing, newest first.
type Page struct {
	Limit  int
	Offset int
	Status string // optional status filter
}

// Store persists run results. Save assigns ID, Seq and CreatedAt when unset;
// ids sort in insertion order.
type Store interface {
	Save(ctx context.Context, rec *RunResult) error
	Get(ctx context.Context, id string) (*RunResult, error)
	List(ctx context.Context, page Page) ([]Summary, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// summarize projects a record for listings.
func summarize(rec *RunResult) Summary {
	s := Summary{
		ID:        rec.ID,
		Seq:       rec.Seq,
		CreatedAt: rec.CreatedAt,
		Status:    rec.Status,
		Command:   rec.Request.Command,
	}
	if rec.Analysis != nil {
		s.Verdict = string(rec.Analysis.Verdict)
	}
	if rec.Outcome != nil {
		code := rec.Outcome.ExitCode
		s.ExitCode = &code
	}
	return s
}

// formatID derives a sortable, human-scannable id from the creation time and
// the global sequence number.
func formatID(t time.Time, seq uint64) string {
	return fmt.Sprintf("%s-%08d", t.UTC().Format("20060102T150405"), seq)
}
