package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"snapcheck/internal/analyzer"
	"snapcheck/internal/config"
	"snapcheck/internal/monitor"
	"snapcheck/internal/policy"
	"snapcheck/internal/sandbox"
	"snapcheck/internal/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, store.Store) {
	t.Helper()

	eng, err := policy.New(policy.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}

	backend, err := sandbox.NewProcessBackend(config.SandboxConfig{
		WorkRoot:       t.TempDir(),
		DefaultTimeout: 10 * time.Second,
		MaxTimeout:     20 * time.Second,
		MaxOutputBytes: 1 << 16,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	p := New(eng, backend, "process", analyzer.Default(), st, monitor.NewMetrics(), 2)
	return p, st
}

func makeRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	if err := os.WriteFile(filepath.Join(repo, "data.txt"), []byte("payload\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return repo
}

func TestSubmit_BlockedCommandIsPersisted(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	rec, err := p.Submit(ctx, sandbox.Request{
		RepoPath: makeRepo(t),
		Command:  "rm -rf /",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusBlocked {
		t.Errorf("Status = %s, want blocked", rec.Status)
	}
	if !rec.Decision.Blocked() || rec.Decision.Rule == "" {
		t.Errorf("Decision = %+v, want a named block rule", rec.Decision)
	}
	if rec.Outcome != nil || rec.Analysis != nil {
		t.Error("blocked run must not carry an outcome or analysis")
	}

	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("blocked run not persisted: %v", err)
	}
	if got.Status != store.StatusBlocked {
		t.Errorf("persisted Status = %s", got.Status)
	}
}

func TestSubmit_CleanRunPasses(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	rec, err := p.Submit(ctx, sandbox.Request{
		RepoPath: makeRepo(t),
		Command:  "cat data.txt",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("Status = %s, want completed", rec.Status)
	}
	if rec.Outcome == nil || rec.Outcome.ExitCode != 0 {
		t.Fatalf("Outcome = %+v", rec.Outcome)
	}
	if rec.Analysis == nil || rec.Analysis.Verdict != analyzer.VerdictPass {
		t.Errorf("Analysis = %+v, want pass", rec.Analysis)
	}

	if _, err := st.Get(ctx, rec.ID); err != nil {
		t.Errorf("completed run not persisted: %v", err)
	}
}

func TestSubmit_ErrorOutputFails(t *testing.T) {
	p, _ := newTestPipeline(t)

	rec, err := p.Submit(context.Background(), sandbox.Request{
		RepoPath: makeRepo(t),
		Command:  `echo "Error: broken at main.js:7" >&2; exit 1`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusCompleted {
		t.Fatalf("Status = %s, want completed (non-zero exit still completes)", rec.Status)
	}
	if rec.Outcome.ExitCode != 1 {
		t.Errorf("ExitCode = %d", rec.Outcome.ExitCode)
	}
	if rec.Analysis.Verdict != analyzer.VerdictFail {
		t.Errorf("Verdict = %s, want fail", rec.Analysis.Verdict)
	}
	if len(rec.Analysis.Findings) == 0 || rec.Analysis.Findings[0].File != "main.js" {
		t.Errorf("Findings = %+v", rec.Analysis.Findings)
	}
}

func TestSubmit_TimeoutStillAnalyzed(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	rec, err := p.Submit(ctx, sandbox.Request{
		RepoPath: makeRepo(t),
		Command:  "echo 'error: stuck before hang'; sleep 30",
		Timeout:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusTimeout {
		t.Fatalf("Status = %s, want timeout", rec.Status)
	}
	if rec.Outcome == nil || !rec.Outcome.TimedOut {
		t.Fatalf("Outcome = %+v, want TimedOut", rec.Outcome)
	}
	if rec.Analysis == nil {
		t.Fatal("partial output must still be analyzed")
	}
	if rec.Analysis.Verdict != analyzer.VerdictFail {
		t.Errorf("Verdict = %s, want fail from partial output", rec.Analysis.Verdict)
	}

	if _, err := st.Get(ctx, rec.ID); err != nil {
		t.Errorf("timed-out run not persisted: %v", err)
	}
}

func TestSubmit_SetupErrorIsPersisted(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	rec, err := p.Submit(ctx, sandbox.Request{
		RepoPath: makeRepo(t),
		Command:  "true",
		Subdir:   "does-not-exist",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusSetupError {
		t.Fatalf("Status = %s, want setup_error", rec.Status)
	}
	if rec.Error == "" {
		t.Error("setup_error record should carry the error text")
	}
	if rec.Outcome != nil || rec.Analysis != nil {
		t.Error("setup_error has no outcome to analyze")
	}

	if _, err := st.Get(ctx, rec.ID); err != nil {
		t.Errorf("setup_error run not persisted: %v", err)
	}
}

func TestSubmit_WarningsRideAlong(t *testing.T) {
	p, _ := newTestPipeline(t)

	rec, err := p.Submit(context.Background(), sandbox.Request{
		RepoPath: makeRepo(t),
		Command:  "sudo -n true 2>/dev/null; echo done",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status == store.StatusBlocked {
		t.Fatal("warn rules must not block")
	}
	if len(rec.Decision.Warnings) == 0 {
		t.Errorf("Decision = %+v, want a sudo warning", rec.Decision)
	}
}

func TestSubmitStreaming_MirrorsOutput(t *testing.T) {
	p, _ := newTestPipeline(t)

	var stdout, stderr strings.Builder
	rec, err := p.SubmitStreaming(context.Background(), sandbox.Request{
		RepoPath: makeRepo(t),
		Command:  "echo streamed",
	}, &stdout, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	if stdout.String() != "streamed\n" {
		t.Errorf("mirrored stdout = %q", stdout.String())
	}
	if rec.Outcome.Stdout != "streamed\n" {
		t.Errorf("captured stdout = %q", rec.Outcome.Stdout)
	}
}

func TestAnalyze_Standalone(t *testing.T) {
	p, _ := newTestPipeline(t)

	r := p.Analyze("Error: foo at file.js:10")
	if r.Verdict != analyzer.VerdictFail {
		t.Errorf("Verdict = %s, want fail", r.Verdict)
	}
	if len(r.Findings) != 1 || r.Findings[0].File != "file.js" {
		t.Errorf("Findings = %+v", r.Findings)
	}
}
