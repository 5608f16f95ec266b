package api

import (
	"context"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"snapcheck/internal/config"
	"snapcheck/internal/monitor"
	"snapcheck/internal/pipeline"
	"snapcheck/internal/store"
)

// Server is the HTTP surface of the triage service.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer wires routes and the middleware chain.
func NewServer(cfg *config.Config, p *pipeline.Pipeline, st store.Store, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(p, st, metrics, cfg.Store.PageSize)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(p))
	mux.HandleFunc("POST /analyze", handlers.HandleAnalyze)
	mux.HandleFunc("POST /snap", handlers.HandleSnap)
	mux.HandleFunc("POST /snap/stream", handlers.HandleSnapStream)
	// Listings and stored records compress well; the run endpoints stream.
	mux.Handle("GET /results", gzhttp.GzipHandler(http.HandlerFunc(handlers.HandleListResults)))
	mux.Handle("GET /results/{id}", gzhttp.GzipHandler(http.HandlerFunc(handlers.HandleGetResult)))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Middleware chain, outermost first.
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests.
func (s *Server) Start() error {
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storeOK := p.Healthy(r.Context())

		resp := HealthResponse{
			OK:         true,
			Status:     "ok",
			Store:      storeOK,
			ActiveRuns: p.ActiveRuns(),
			Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		}

		status := http.StatusOK
		if !storeOK {
			resp.OK = false
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
