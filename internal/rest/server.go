// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tokensession.
//
// go-tokensession is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/text/language"

	"github.com/jeremyhahn/go-tokensession/pkg/auth"
	"github.com/jeremyhahn/go-tokensession/pkg/correlation"
	"github.com/jeremyhahn/go-tokensession/pkg/metrics"
	"github.com/jeremyhahn/go-tokensession/pkg/ratelimit"
	"github.com/jeremyhahn/go-tokensession/pkg/service"
)

// Server represents the REST API server.
type Server struct {
	server        *http.Server
	handlers      *HandlerContext
	tlsConfig     *tls.Config
	authenticator auth.Authenticator
	limiter       *ratelimit.Limiter
	locale        language.Tag
	metricsPath   string
	healthEnabled bool
	logger        *slog.Logger
}

// Config holds the REST server configuration.
type Config struct {
	// Address is host:port to listen on (default: 127.0.0.1:8443)
	Address string

	Service *service.Service

	// Authenticator identifies the user each request acts for. Defaults
	// to the X-User-ID header.
	Authenticator auth.Authenticator

	// Limiter throttles session opens and signatures per user (optional)
	Limiter *ratelimit.Limiter

	// HealthChecker backs the /health probes (optional)
	HealthChecker HealthChecker

	// HealthEnabled mounts the /health endpoints.
	HealthEnabled bool

	// MetricsPath mounts the Prometheus handler when non-empty.
	MetricsPath string

	// Locale is used for messages when a request has no Accept-Language.
	Locale string

	Version   string
	TLSConfig *tls.Config
	Logger    *slog.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewServer creates a new REST API server.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("service is required")
	}

	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8443"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	// Signing can wait on a token for the full sign timeout.
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 90 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}

	authenticator := cfg.Authenticator
	if authenticator == nil {
		authenticator = auth.NewHeaderAuthenticator(auth.DefaultUserHeader)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	handlers := NewHandlerContext(cfg.Service, cfg.Version)
	handlers.SetHealthChecker(cfg.HealthChecker)

	s := &Server{
		handlers:      handlers,
		tlsConfig:     cfg.TLSConfig,
		authenticator: authenticator,
		limiter:       cfg.Limiter,
		locale:        parseLocale(cfg.Locale),
		metricsPath:   cfg.MetricsPath,
		healthEnabled: cfg.HealthEnabled,
		logger:        log.With(slog.String("component", "rest")),
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.setupRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		TLSConfig:    cfg.TLSConfig,
	}
	return s, nil
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(correlation.Middleware)
	r.Use(s.RecoveryMiddleware())
	r.Use(s.LoggingMiddleware())
	r.Use(metrics.HTTPMiddleware)
	r.Use(CORSMiddleware)
	r.Use(s.LanguageMiddleware())

	if s.healthEnabled {
		r.Get("/health", s.handlers.HealthHandler)
		r.Head("/health", s.handlers.HealthHandler)
		r.Get("/health/live", s.handlers.LivenessHandler)
		r.Get("/health/ready", s.handlers.ReadinessHandler)
		r.Get("/health/startup", s.handlers.StartupHandler)
	}
	if s.metricsPath != "" {
		r.Handle(s.metricsPath, promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.AuthenticationMiddleware())

		r.Group(func(r chi.Router) {
			r.Use(s.RateLimitMiddleware())
			r.Post("/session", s.handlers.OpenSessionHandler)
			r.Post("/sign", s.handlers.SignHandler)
		})
		r.Get("/session", s.handlers.GetSessionHandler)
		r.Delete("/session", s.handlers.DeleteSessionHandler)

		r.Get("/tokens", s.handlers.ListTokensHandler)
		r.Get("/certificates", s.handlers.ListCertificatesHandler)
		r.Get("/certificates/{thumbprint}", s.handlers.GetCertificateHandler)

		r.Get("/providers", s.handlers.ListProvidersHandler)
		r.Post("/providers/reload", s.handlers.ReloadProvidersHandler)
	})

	return r
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting REST server",
		slog.String("address", ln.Addr().String()),
		slog.Bool("tls", s.tlsConfig != nil),
		slog.String("auth", s.authenticator.Name()))

	var err error
	if s.tlsConfig != nil {
		err = s.server.ServeTLS(ln, "", "")
	} else {
		err = s.server.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("REST server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the REST API server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down REST server")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shutdown REST server", slog.Any("error", err))
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info("REST server stopped")
	return nil
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.server.Addr
}
