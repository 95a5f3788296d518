package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"compile-sandbox/internal/config"
	"compile-sandbox/internal/monitor"
	"compile-sandbox/internal/queue"
	"compile-sandbox/internal/store"
)

// HealthCheck is one dependency probed by /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Store       store.Store
	Queue       queue.Queue
	Redeliverer Redeliverer
	Slots       SlotLister
	Archive     ArchiveReader // nil when no archive driver is configured
	Metrics     *monitor.Metrics
	Checks      []HealthCheck
}

// Server is the HTTP front end: submission, result polling, admin and health.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	queue      queue.Queue
	metrics    *monitor.Metrics
	checks     []HealthCheck
	cfg        *config.Config
	startTime  time.Time
	stop       context.CancelFunc
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewMetrics()
	}
	handlers := NewHandlers(deps)

	bgCtx, stop := context.WithCancel(context.Background())
	s := &Server{
		handlers:  handlers,
		queue:     deps.Queue,
		metrics:   deps.Metrics,
		checks:    deps.Checks,
		cfg:       cfg,
		startTime: time.Now(),
		stop:      stop,
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all API requests will be rejected")
		}
	}

	r := chi.NewRouter()
	r.Use(
		RecoveryMiddleware,
		RequestIDMiddleware,
		LoggingMiddleware,
		SecurityHeadersMiddleware,
		MaxBodyMiddleware(cfg.Server.MaxRequestBody),
		RateLimitMiddleware(bgCtx, cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst),
		MetricsMiddleware(deps.Metrics),
	)

	// Health and metrics bypass auth.
	r.Get("/health", s.handleHealth)
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Metrics.Path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Security.AllowedKeys, cfg.Security.APIKeyHeader, cfg.Security.AllowUnauthenticated))

		r.Post("/compile/run", handlers.HandleRun)
		r.Get("/compile/result/{jobId}", handlers.HandleResult)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/processing", handlers.HandleProcessing)
			r.Post("/processing/{jobId}/requeue", handlers.HandleRequeue)
			r.Get("/dlq", handlers.HandleDeadLetters)
			r.Post("/callbacks/redeliver", handlers.HandleRedeliver)
			r.Get("/slots", handlers.HandleSlots)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "not found", "NOT_FOUND", http.StatusNotFound, r)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	s.stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status: "ok",
		Checks: make(map[string]string, len(s.checks)),
		Uptime: Duration{time.Since(s.startTime).Round(time.Second)},
	}

	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	if s.queue != nil {
		if depth, err := s.queue.PendingLen(ctx); err == nil {
			resp.QueueDepth = depth
			s.metrics.QueueDepth.Set(float64(depth))
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
