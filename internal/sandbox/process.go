package sandbox

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"snapcheck/internal/config"
)

// ProcessBackend runs commands as host processes, each inside a throwaway
// copy of the repository.
//
// Isolation properties:
//   - Each run gets its own directory under the work root, removed after
//   - The command runs in its own process group; the whole group is killed
//     on timeout or cancellation
//   - The environment is built from scratch, never inherited
//   - stdout/stderr capture is capped per stream
type ProcessBackend struct {
	cfg    config.SandboxConfig
	active atomic.Int64
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewProcessBackend creates the process backend and sweeps any run
// directories left behind by a previous crash.
func NewProcessBackend(cfg config.SandboxConfig) (*ProcessBackend, error) {
	if err := os.MkdirAll(cfg.WorkRoot, 0750); err != nil {
		return nil, &RunError{Op: "create_work_root", Err: err}
	}

	b := &ProcessBackend{cfg: cfg}
	b.sweepOrphans()
	return b, nil
}

// sweepOrphans removes stale run directories. Safe on startup: nothing is
// running yet, so every run-* entry is an orphan.
func (b *ProcessBackend) sweepOrphans() {
	entries, err := os.ReadDir(b.cfg.WorkRoot)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "run-") {
			continue
		}
		dir := filepath.Join(b.cfg.WorkRoot, e.Name())
		log.Warn().Str("dir", dir).Msg("removing orphaned sandbox directory")
		_ = os.RemoveAll(dir)
	}
}

func (b *ProcessBackend) Run(ctx context.Context, runID string, req Request) (*Outcome, error) {
	return b.runInternal(ctx, runID, req, nil, nil)
}

func (b *ProcessBackend) RunStreaming(ctx context.Context, runID string, req Request, stdout, stderr io.Writer) (*Outcome, error) {
	return b.runInternal(ctx, runID, req, stdout, stderr)
}

func (b *ProcessBackend) runInternal(ctx context.Context, runID string, req Request, stdoutMirror, stderrMirror io.Writer) (*Outcome, error) {
	if runID == "" {
		runID = uuid.New().String()
	}

	logger := log.With().
		Str("run_id", runID).
		Str("backend", "process").
		Logger()

	if err := validateRequest(req); err != nil {
		return nil, &RunError{RunID: runID, Op: "validate", Err: err}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, &RunError{RunID: runID, Op: "acquire", Err: errors.New("backend is closed")}
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	b.active.Add(1)
	defer b.active.Add(-1)

	dir, err := os.MkdirTemp(b.cfg.WorkRoot, "run-"+runID[:8]+"-*")
	if err != nil {
		return nil, &RunError{RunID: runID, Op: "create_sandbox_dir", Err: errors.Join(ErrSetup, err)}
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logger.Warn().Err(rmErr).Str("dir", dir).Msg("sandbox dir cleanup failed")
		}
	}()

	if err := copyTree(req.RepoPath, dir, req.IncludeGit); err != nil {
		if errors.Is(err, ErrSymlinkEscape) {
			return nil, &RunError{RunID: runID, Op: "materialize", Err: err}
		}
		return nil, &RunError{RunID: runID, Op: "materialize", Err: errors.Join(ErrSetup, err)}
	}

	workDir := dir
	if req.Subdir != "" {
		workDir = filepath.Join(dir, req.Subdir)
		info, statErr := os.Stat(workDir)
		if statErr != nil || !info.IsDir() {
			return nil, &RunError{RunID: runID, Op: "resolve_subdir",
				Err: errors.Join(ErrSetup, errors.New("subdir does not exist in the repository"))}
		}
	}

	timeout := clampTimeout(req.Timeout, b.cfg.DefaultTimeout, b.cfg.MaxTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", req.Command) // #nosec G204 -- screening happens in the policy layer
	cmd.Dir = workDir
	cmd.Env = sandboxEnv(dir, req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid kills the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout := &limitedWriter{max: b.cfg.MaxOutputBytes, mirror: stdoutMirror}
	stderr := &limitedWriter{max: b.cfg.MaxOutputBytes, mirror: stderrMirror}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Info().
		Str("dir", workDir).
		Dur("timeout", timeout).
		Msg("sandbox run starting")

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	outcome := &Outcome{
		ExitCode:        0,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		Duration:        duration,
	}

	if runErr != nil {
		// Deadline or caller cancellation: either way the group was killed
		// mid-flight, so the partial output is what there is to triage.
		if runCtx.Err() != nil {
			logger.Warn().
				AnErr("cause", runCtx.Err()).
				Dur("timeout", timeout).
				Msg("sandbox run interrupted, process group killed")
			outcome.ExitCode = -1
			outcome.TimedOut = true
			return outcome, &RunError{RunID: runID, Op: "run", Err: ErrTimeout}
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			outcome.ExitCode = exitErr.ExitCode()
		} else {
			return nil, &RunError{RunID: runID, Op: "start", Err: errors.Join(ErrStart, runErr)}
		}
	}

	logger.Info().
		Int("exit_code", outcome.ExitCode).
		Dur("duration", duration).
		Int("stdout_bytes", len(outcome.Stdout)).
		Int("stderr_bytes", len(outcome.Stderr)).
		Msg("sandbox run completed")

	return outcome, nil
}

// ActiveCount returns the number of in-flight runs.
func (b *ProcessBackend) ActiveCount() int64 {
	return b.active.Load()
}

// Close waits for active runs to drain, up to 30 seconds.
func (b *ProcessBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", b.active.Load()).Msg("timed out waiting for sandbox runs to drain")
	}
	return nil
}

var _ Backend = (*ProcessBackend)(nil)
