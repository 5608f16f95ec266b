package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"snapcheck/internal/config"
)

// Client wraps the containerd client with connection management.
type Client struct {
	inner     *containerd.Client
	socket    string
	namespace string

	mu     sync.RWMutex
	closed bool
}

// NewClient connects to containerd and verifies the connection.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}

	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

// WithNamespace returns a context carrying the configured namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy reports whether the containerd connection is alive.
func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	_, err := c.inner.Version(ctx)
	return err == nil
}

// PullImage fetches an image unless it is already present.
func (c *Client) PullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)

	image, err := c.inner.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	image, err = c.inner.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return image, nil
}

// Close shuts down the containerd client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// ContainerdBackend runs commands in throwaway containers. The repository
// snapshot is bind-mounted read-write at /workspace; the rootfs stays
// read-only and the network namespace is never shared with the host.
type ContainerdBackend struct {
	client *Client
	cfg    config.SandboxConfig
	active atomic.Int64
	mu     sync.Mutex
	closed bool
}

func NewContainerdBackend(ctx context.Context, cfg config.SandboxConfig) (*ContainerdBackend, error) {
	client, err := NewClient(ctx, cfg.ContainerdSocket, cfg.Namespace)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.WorkRoot, 0750); err != nil {
		_ = client.Close()
		return nil, &RunError{Op: "create_work_root", Err: err}
	}
	return &ContainerdBackend{client: client, cfg: cfg}, nil
}

func (b *ContainerdBackend) Run(ctx context.Context, runID string, req Request) (*Outcome, error) {
	return b.runInternal(ctx, runID, req, nil, nil)
}

func (b *ContainerdBackend) RunStreaming(ctx context.Context, runID string, req Request, stdout, stderr io.Writer) (*Outcome, error) {
	return b.runInternal(ctx, runID, req, stdout, stderr)
}

func (b *ContainerdBackend) runInternal(ctx context.Context, runID string, req Request, stdoutMirror, stderrMirror io.Writer) (*Outcome, error) {
	if runID == "" {
		runID = uuid.New().String()
	}

	logger := log.With().
		Str("run_id", runID).
		Str("backend", "containerd").
		Logger()

	if err := validateRequest(req); err != nil {
		return nil, &RunError{RunID: runID, Op: "validate", Err: err}
	}

	b.active.Add(1)
	defer b.active.Add(-1)

	dir, err := os.MkdirTemp(b.cfg.WorkRoot, "run-"+runID[:8]+"-*")
	if err != nil {
		return nil, &RunError{RunID: runID, Op: "create_sandbox_dir", Err: errors.Join(ErrSetup, err)}
	}
	defer os.RemoveAll(dir)

	if err := copyTree(req.RepoPath, dir, req.IncludeGit); err != nil {
		if errors.Is(err, ErrSymlinkEscape) {
			return nil, &RunError{RunID: runID, Op: "materialize", Err: err}
		}
		return nil, &RunError{RunID: runID, Op: "materialize", Err: errors.Join(ErrSetup, err)}
	}

	timeout := clampTimeout(req.Timeout, b.cfg.DefaultTimeout, b.cfg.MaxTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	image, err := b.client.PullImage(runCtx, b.cfg.Image)
	if err != nil {
		return nil, &RunError{RunID: runID, Op: "pull_image", Err: errors.Join(ErrSetup, err)}
	}

	workDir := "/workspace"
	if req.Subdir != "" {
		workDir = "/workspace/" + filepath.ToSlash(filepath.Clean(req.Subdir))
	}

	container, err := b.createContainer(runCtx, runID, image, dir, workDir, req)
	if err != nil {
		return nil, &RunError{RunID: runID, Op: "create_container", Err: errors.Join(ErrSetup, err)}
	}
	defer func() {
		nsCtx := b.client.WithNamespace(context.Background())
		if delErr := container.Delete(nsCtx, containerd.WithSnapshotCleanup); delErr != nil {
			logger.Error().Err(delErr).Msg("container cleanup failed")
		}
	}()

	stdout := &limitedWriter{max: b.cfg.MaxOutputBytes, mirror: stdoutMirror}
	stderr := &limitedWriter{max: b.cfg.MaxOutputBytes, mirror: stderrMirror}

	nsCtx := b.client.WithNamespace(runCtx)
	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return nil, &RunError{RunID: runID, Op: "create_task", Err: errors.Join(ErrSetup, err)}
	}
	defer func() {
		cleanCtx := b.client.WithNamespace(context.Background())
		if _, delErr := task.Delete(cleanCtx, containerd.WithProcessKill); delErr != nil {
			logger.Error().Err(delErr).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return nil, &RunError{RunID: runID, Op: "task_wait", Err: errors.Join(ErrSetup, err)}
	}

	start := time.Now()
	if err := task.Start(nsCtx); err != nil {
		return nil, &RunError{RunID: runID, Op: "task_start", Err: errors.Join(ErrStart, err)}
	}

	logger.Info().Dur("timeout", timeout).Msg("container task started")

	outcome := &Outcome{}

	select {
	case status := <-exitCh:
		outcome.ExitCode = int(status.ExitCode())

	case <-runCtx.Done():
		logger.Warn().Dur("timeout", timeout).Msg("container run timed out, killing task")
		killCtx := b.client.WithNamespace(context.Background())
		if killErr := task.Kill(killCtx, 9); killErr != nil {
			logger.Error().Err(killErr).Msg("failed to kill timed out task")
		}
		<-exitCh

		outcome.ExitCode = -1
		outcome.TimedOut = true
		outcome.Duration = time.Since(start)
		outcome.Stdout = stdout.String()
		outcome.Stderr = stderr.String()
		outcome.StdoutTruncated = stdout.truncated
		outcome.StderrTruncated = stderr.truncated
		return outcome, &RunError{RunID: runID, Op: "run", Err: ErrTimeout}
	}

	outcome.Duration = time.Since(start)
	outcome.Stdout = stdout.String()
	outcome.Stderr = stderr.String()
	outcome.StdoutTruncated = stdout.truncated
	outcome.StderrTruncated = stderr.truncated

	logger.Info().
		Int("exit_code", outcome.ExitCode).
		Dur("duration", outcome.Duration).
		Msg("container run completed")

	return outcome, nil
}

func (b *ContainerdBackend) createContainer(
	ctx context.Context,
	runID string,
	image containerd.Image,
	hostDir, workDir string,
	req Request,
) (containerd.Container, error) {
	nsCtx := b.client.WithNamespace(ctx)
	id := "snapcheck-" + runID

	return b.client.inner.NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs("/bin/sh", "-c", req.Command),
			oci.WithProcessCwd(workDir),
			oci.WithHostname("snapcheck"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				applyIsolation(s, defaultIsolation())
				applyLimits(s, b.cfg.Limits.CPUShares, b.cfg.Limits.MemoryMB, b.cfg.Limits.PidsLimit)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      hostDir,
					Options:     []string{"rbind", "rw"},
				})

				s.Process.Env = sandboxEnv("/tmp", req.Env)
				return nil
			},
		),
	)
}

// ActiveCount returns the number of in-flight runs.
func (b *ContainerdBackend) ActiveCount() int64 {
	return b.active.Load()
}

// Close shuts down the backend and its containerd connection.
func (b *ContainerdBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.client.Close()
}

var _ Backend = (*ContainerdBackend)(nil)
