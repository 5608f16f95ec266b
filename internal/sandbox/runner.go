package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Request describes one command run against a snapshot of a repository.
type Request struct {
	RepoPath   string            `json:"repo_path"`
	Command    string            `json:"command"`
	Timeout    time.Duration     `json:"timeout"`
	Subdir     string            `json:"subdir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	IncludeGit bool              `json:"include_git,omitempty"`
}

// Outcome is what happened when the command ran. A non-zero exit code is a
// result, not an error.
type Outcome struct {
	ExitCode        int           `json:"exit_code"`
	TimedOut        bool          `json:"timed_out"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	StdoutTruncated bool          `json:"stdout_truncated,omitempty"`
	StderrTruncated bool          `json:"stderr_truncated,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Backend executes requests in disposable sandboxes. On timeout
// implementations return the partial Outcome captured so far together with
// ErrTimeout, so callers can still analyze what the command printed.
type Backend interface {
	Run(ctx context.Context, runID string, req Request) (*Outcome, error)
	RunStreaming(ctx context.Context, runID string, req Request, stdout, stderr io.Writer) (*Outcome, error)
	ActiveCount() int64
	Close() error
}

// validateRequest rejects requests the backends must never see.
func validateRequest(req Request) error {
	if strings.TrimSpace(req.Command) == "" {
		return fmt.Errorf("%w: command is empty", ErrInvalidRequest)
	}
	if req.RepoPath == "" {
		return fmt.Errorf("%w: repo_path is empty", ErrInvalidRequest)
	}
	info, err := os.Stat(req.RepoPath)
	if err != nil {
		return fmt.Errorf("%w: repo_path: %v", ErrInvalidRequest, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: repo_path is not a directory", ErrInvalidRequest)
	}
	if req.Subdir != "" {
		cleaned := filepath.Clean(req.Subdir)
		if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: subdir escapes the repository", ErrInvalidRequest)
		}
	}
	for k := range req.Env {
		if !validEnvKey(k) {
			return fmt.Errorf("%w: env key %q is invalid", ErrInvalidRequest, k)
		}
	}
	return nil
}

func validEnvKey(key string) bool {
	if key == "" {
		return false
	}
	for _, c := range key {
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// clampTimeout applies the configured default and ceiling.
func clampTimeout(requested, def, max time.Duration) time.Duration {
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}

// sandboxEnv builds the minimal environment handed to the command. Nothing
// from the server process leaks in.
func sandboxEnv(home string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=C.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter captures up to max bytes and discards the rest, recording
// that truncation happened. An optional mirror receives the full stream.
type limitedWriter struct {
	buf       bytes.Buffer
	max       int64
	truncated bool
	mirror    io.Writer
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.mirror != nil {
		_, _ = w.mirror.Write(p)
	}
	n := len(p)
	remaining := w.max - int64(w.buf.Len())
	if remaining <= 0 {
		w.truncated = true
		return n, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
		w.truncated = true
	}
	w.buf.Write(p)
	return n, nil
}

func (w *limitedWriter) String() string { return w.buf.String() }
