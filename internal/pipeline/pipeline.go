package pipeline

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"snapcheck/internal/analyzer"
	"snapcheck/internal/monitor"
	"snapcheck/internal/policy"
	"snapcheck/internal/sandbox"
	"snapcheck/internal/store"
)

// Pipeline runs the full triage flow for one command: policy screen,
// sandboxed execution, log analysis, persistence. Every decision is
// persisted, including refusals; only a persistence failure surfaces as an
// error to the caller.
type Pipeline struct {
	policy      *policy.Engine
	backend     sandbox.Backend
	backendName string
	analyzer    *analyzer.Analyzer
	store       store.Store
	metrics     *monitor.Metrics
	tracer      *monitor.Tracer
	sem         *semaphore.Weighted
}

func New(
	pol *policy.Engine,
	backend sandbox.Backend,
	backendName string,
	an *analyzer.Analyzer,
	st store.Store,
	metrics *monitor.Metrics,
	maxConcurrent int,
) *Pipeline {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pipeline{
		policy:      pol,
		backend:     backend,
		backendName: backendName,
		analyzer:    an,
		store:       st,
		metrics:     metrics,
		tracer:      monitor.NewTracer(),
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Submit runs one triage request to completion and returns the persisted
// record. A blocked command or a failed run is a normal record, not an
// error; err is non-nil only when the request never became a record.
func (p *Pipeline) Submit(ctx context.Context, req sandbox.Request) (*store.RunResult, error) {
	return p.run(ctx, req, nil, nil)
}

// SubmitStreaming is Submit with live output mirroring.
func (p *Pipeline) SubmitStreaming(ctx context.Context, req sandbox.Request, stdout, stderr io.Writer) (*store.RunResult, error) {
	return p.run(ctx, req, stdout, stderr)
}

func (p *Pipeline) run(ctx context.Context, req sandbox.Request, stdout, stderr io.Writer) (*store.RunResult, error) {
	runID := uuid.New().String()
	cmdHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Command)))[:16]

	logger := log.With().
		Str("run_id", runID).
		Str("command_hash", cmdHash).
		Logger()

	ctx, span := p.tracer.StartSpan(ctx, "run",
		monitor.AttrRunID.String(runID),
		monitor.AttrCommandHash.String(cmdHash),
	)
	defer span.End()

	decision := p.policy.Evaluate(req.Command)
	rec := &store.RunResult{
		Request:  req,
		Decision: decision,
	}

	if decision.Blocked() {
		rec.Status = store.StatusBlocked
		p.metrics.PolicyBlocks.WithLabelValues(decision.Rule).Inc()
		p.metrics.RunsTotal.WithLabelValues(store.StatusBlocked).Inc()
		span.SetAttributes(
			monitor.AttrStatus.String(rec.Status),
			monitor.AttrRule.String(decision.Rule),
		)
		logger.Info().Str("rule", decision.Rule).Msg("run refused by policy")
		return p.persist(ctx, rec)
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring run slot: %w", err)
	}
	defer p.sem.Release(1)

	p.metrics.ActiveRuns.Inc()
	defer p.metrics.ActiveRuns.Dec()

	sandboxCtx, sandboxSpan := p.tracer.StartSpan(ctx, "sandbox")
	outcome, runErr := p.runBackend(sandboxCtx, runID, req, stdout, stderr)
	sandboxSpan.End()

	if errors.Is(runErr, sandbox.ErrInvalidRequest) {
		return nil, runErr
	}

	rec.Outcome = outcome

	switch {
	case runErr == nil:
		rec.Status = store.StatusCompleted
	case sandbox.IsTimeout(runErr):
		rec.Status = store.StatusTimeout
		p.metrics.RecordError("timeout")
	case sandbox.IsSetup(runErr):
		rec.Status = store.StatusSetupError
		rec.Error = runErr.Error()
		p.metrics.RecordError("setup")
		logger.Error().Err(runErr).Msg("sandbox setup failed")
	default:
		rec.Status = store.StatusExecError
		rec.Error = runErr.Error()
		p.metrics.RecordError("exec")
		logger.Error().Err(runErr).Msg("run failed before producing an outcome")
	}

	// Timed-out runs still carry partial output worth analyzing.
	if outcome != nil {
		combined := combineStreams(outcome.Stdout, outcome.Stderr)
		result := p.analyzer.Analyze(combined)
		rec.Analysis = &result

		p.metrics.OutputSizeBytes.Observe(float64(len(combined)))
		p.metrics.RecordAnalysis(string(result.Verdict), countFindings(result.Findings))
		span.SetAttributes(
			monitor.AttrExitCode.Int(outcome.ExitCode),
			monitor.AttrVerdict.String(string(result.Verdict)),
			monitor.AttrDurationMS.Int64(outcome.Duration.Milliseconds()),
		)
		p.metrics.RecordRun(rec.Status, p.backendName, outcome.Duration.Seconds())
	} else {
		p.metrics.RunsTotal.WithLabelValues(rec.Status).Inc()
	}

	span.SetAttributes(monitor.AttrStatus.String(rec.Status))
	return p.persist(ctx, rec)
}

func (p *Pipeline) runBackend(ctx context.Context, runID string, req sandbox.Request, stdout, stderr io.Writer) (*sandbox.Outcome, error) {
	if stdout != nil || stderr != nil {
		return p.backend.RunStreaming(ctx, runID, req, stdout, stderr)
	}
	return p.backend.Run(ctx, runID, req)
}

func (p *Pipeline) persist(ctx context.Context, rec *store.RunResult) (*store.RunResult, error) {
	// The run already happened; persistence must not inherit a deadline the
	// sandbox consumed.
	saveCtx := context.WithoutCancel(ctx)
	if err := p.store.Save(saveCtx, rec); err != nil {
		log.Error().Err(err).Str("status", rec.Status).Msg("persisting run result failed")
		return nil, err
	}
	return rec, nil
}

// Analyze classifies standalone log text, recording analysis metrics.
func (p *Pipeline) Analyze(text string) analyzer.Result {
	result := p.analyzer.Analyze(text)
	p.metrics.LogSizeBytes.Observe(float64(len(text)))
	p.metrics.RecordAnalysis(string(result.Verdict), countFindings(result.Findings))
	return result
}

// Healthy reports whether the pipeline's dependencies can serve requests.
func (p *Pipeline) Healthy(ctx context.Context) bool {
	return p.store.Healthy(ctx)
}

// ActiveRuns returns the number of commands currently executing.
func (p *Pipeline) ActiveRuns() int64 {
	return p.backend.ActiveCount()
}

func combineStreams(stdout, stderr string) string {
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return strings.TrimSuffix(stdout, "\n") + "\n" + stderr
	}
}

func countFindings(findings []analyzer.Finding) map[string]int {
	counts := make(map[string]int, 4)
	for _, f := range findings {
		n := f.Repeat
		if n < 1 {
			n = 1
		}
		counts[string(f.Kind)] += n
	}
	return counts
}
