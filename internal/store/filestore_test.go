package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"snapcheck/internal/analyzer"
	"snapcheck/internal/policy"
	"snapcheck/internal/sandbox"
)

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

func sampleResult(command string) *RunResult {
	return &RunResult{
		Status:   StatusCompleted,
		Request:  sandbox.Request{RepoPath: "/tmp/repo", Command: command},
		Decision: policy.Decision{Outcome: policy.OutcomeAllow},
		Outcome:  &sandbox.Outcome{ExitCode: 0, Stdout: "ok\n"},
		Analysis: &analyzer.Result{Verdict: analyzer.VerdictPass, Confidence: 0.8},
	}
}

func TestFileStore_SaveAssignsIDAndRoundTrips(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := sampleResult("make test")
	if err := s.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" || rec.Seq != 1 || rec.CreatedAt.IsZero() {
		t.Fatalf("identity not assigned: %+v", rec)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Request.Command != "make test" {
		t.Errorf("Command = %q", got.Request.Command)
	}
	if got.Analysis == nil || got.Analysis.Verdict != analyzer.VerdictPass {
		t.Errorf("Analysis = %+v", got.Analysis)
	}
	if got.Outcome == nil || got.Outcome.Stdout != "ok\n" {
		t.Errorf("Outcome = %+v", got.Outcome)
	}
}

func TestFileStore_GetUnknownID(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFileStore_ListNewestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Save(ctx, sampleResult(fmt.Sprintf("cmd-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.List(ctx, Page{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Command != "cmd-4" || got[2].Command != "cmd-2" {
		t.Errorf("order wrong: %q, %q", got[0].Command, got[2].Command)
	}

	rest, err := s.List(ctx, Page{Limit: 10, Offset: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 || rest[0].Command != "cmd-1" {
		t.Errorf("offset page = %+v", rest)
	}
}

func TestFileStore_ListFiltersByStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	blocked := sampleResult("rm -rf /")
	blocked.Status = StatusBlocked
	blocked.Outcome = nil
	blocked.Analysis = nil
	if err := s.Save(ctx, blocked); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, sampleResult("echo ok")); err != nil {
		t.Fatal(err)
	}

	got, err := s.List(ctx, Page{Limit: 10, Status: StatusBlocked})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Status != StatusBlocked {
		t.Fatalf("filtered = %+v", got)
	}
	if got[0].ExitCode != nil || got[0].Verdict != "" {
		t.Errorf("blocked summary should carry no outcome fields: %+v", got[0])
	}
}

func TestFileStore_ConcurrentSaves(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Save(ctx, sampleResult(fmt.Sprintf("concurrent-%d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.List(ctx, Page{Limit: n * 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != n {
		t.Fatalf("len = %d, want %d", len(got), n)
	}
	seen := map[uint64]bool{}
	for _, sum := range got {
		if seen[sum.Seq] {
			t.Fatalf("duplicate seq %d", sum.Seq)
		}
		seen[sum.Seq] = true
	}
	for i := uint64(1); i <= n; i++ {
		if !seen[i] {
			t.Errorf("seq %d missing, sequence has gaps", i)
		}
	}
}

func TestFileStore_ReopenResumesSequence(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Save(ctx, sampleResult(fmt.Sprintf("first-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	rec := sampleResult("after-reopen")
	if err := reopened.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if rec.Seq != 4 {
		t.Errorf("Seq = %d, want 4 after reopen", rec.Seq)
	}

	got, err := reopened.List(ctx, Page{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 || got[0].Command != "after-reopen" {
		t.Errorf("list after reopen = %+v", got)
	}
}

func TestFileStore_SkipsCorruptFiles(t *testing.T) {
	s, dir := newTestStore(t)
	if err := s.Save(context.Background(), sampleResult("good")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := reopened.List(context.Background(), Page{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("len = %d, want 1 (corrupt file skipped)", len(got))
	}
}

func TestFileStore_Healthy(t *testing.T) {
	s, dir := newTestStore(t)
	if !s.Healthy(context.Background()) {
		t.Error("fresh store should be healthy")
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if s.Healthy(context.Background()) {
		t.Error("store with a missing directory should be unhealthy")
	}
}
