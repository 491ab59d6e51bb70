package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"loopcast/internal/api"
	"loopcast/internal/observability/logging"
	"loopcast/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	Security  SecurityConfig
	CORS      CORSConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

// New builds the routed, middleware-wrapped HTTP server for the dashboard.
func New(handler *api.Handler, auth *api.AuthHandler, cfg Config) (*Server, error) {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.New()
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	rl := newRateLimiter(cfg.RateLimit)

	router := chi.NewRouter()
	router.Use(requestIDMiddleware(cfg.Logger))
	router.Use(logging.RequestLogger(cfg.Logger))
	router.Use(metrics.RequestMiddleware(recorder))
	router.Use(securityHeadersMiddleware(cfg.Security))
	router.Use(corsMiddleware(policy, cfg.Logger))
	router.Use(rateLimitMiddleware(rl, cfg.Logger))

	router.Get("/healthz", handler.Health)
	router.Method(http.MethodGet, "/metrics", recorder.Handler())
	router.Route("/api", func(r chi.Router) {
		r.Post("/sessions", handler.CreateSession)
		r.Get("/sessions", handler.ListSessions)
		r.Get("/sessions/{sessionID}", handler.GetSession)
		r.Delete("/sessions/{sessionID}", handler.StopSession)
		r.Get("/history", handler.ListHistory)
		r.Get("/events", handler.StreamEvents)
		if auth != nil {
			r.Get("/auth/youtube", auth.Begin)
			r.Get("/auth/youtube/callback", auth.Callback)
			r.Get("/auth/status", auth.Status)
		}
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// The event stream holds connections open indefinitely, so no
		// blanket write timeout.
		IdleTimeout: 60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// HTTPServer exposes the underlying server for the runtime loop.
func (s *Server) HTTPServer() *http.Server { return s.httpServer }

func (s *Server) Start() error {
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
