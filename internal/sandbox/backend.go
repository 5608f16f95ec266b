package sandbox

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"snapcheck/internal/config"
)

// NewBackend selects the execution backend from configuration. The process
// backend needs nothing beyond a POSIX shell; containerd gives stronger
// isolation when a daemon is available.
func NewBackend(ctx context.Context, cfg config.SandboxConfig) (Backend, error) {
	switch cfg.Backend {
	case "process", "":
		log.Info().Str("work_root", cfg.WorkRoot).Msg("using process sandbox backend")
		return NewProcessBackend(cfg)
	case "containerd":
		log.Info().
			Str("socket", cfg.ContainerdSocket).
			Str("image", cfg.Image).
			Msg("using containerd sandbox backend")
		return NewContainerdBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}
}
