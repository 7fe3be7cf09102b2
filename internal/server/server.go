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

// Package server wires the signing service into a long-running daemon.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/jeremyhahn/go-tokensession/internal/config"
	"github.com/jeremyhahn/go-tokensession/internal/rest"
	"github.com/jeremyhahn/go-tokensession/pkg/discovery"
	"github.com/jeremyhahn/go-tokensession/pkg/driver"
	"github.com/jeremyhahn/go-tokensession/pkg/driver/pkcs11"
	"github.com/jeremyhahn/go-tokensession/pkg/health"
	"github.com/jeremyhahn/go-tokensession/pkg/logging"
	"github.com/jeremyhahn/go-tokensession/pkg/metrics"
	"github.com/jeremyhahn/go-tokensession/pkg/provider"
	"github.com/jeremyhahn/go-tokensession/pkg/ratelimit"
	"github.com/jeremyhahn/go-tokensession/pkg/service"
	"github.com/jeremyhahn/go-tokensession/pkg/session"
	"github.com/jeremyhahn/go-tokensession/pkg/signing"
)

// metricsInterval is how often session and provider gauges are sampled.
const metricsInterval = 15 * time.Second

// Server owns every long-lived component of the daemon.
type Server struct {
	mu         sync.RWMutex
	config     *config.Config
	configPath string
	logger     *slog.Logger
	level      *slog.LevelVar
	logOutput  io.Writer

	driver   driver.Driver
	registry *provider.Registry
	store    *session.Store
	manager  *session.Manager
	service  *service.Service

	restServer    *rest.Server
	limiter       *ratelimit.Limiter
	healthChecker *health.Checker
	sweeper       *session.Sweeper
	collector     *metrics.Collector

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Option customizes a Server.
type Option func(*Server)

// WithDriver replaces the PKCS#11 driver.
func WithDriver(d driver.Driver) Option {
	return func(s *Server) { s.driver = d }
}

// WithConfigPath records the file the configuration came from so it can
// be watched and re-read on SIGHUP.
func WithConfigPath(path string) Option {
	return func(s *Server) { s.configPath = path }
}

// WithLogOutput sends logs to w instead of stdout.
func WithLogOutput(w io.Writer) Option {
	return func(s *Server) { s.logOutput = w }
}

// New builds the daemon from cfg without starting anything.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		logOutput: os.Stdout,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger, s.level = logging.New(cfg.Logging.Level, cfg.Logging.Format, s.logOutput)
	if s.driver == nil {
		s.driver = pkcs11.New()
	}

	if err := s.initializeSessions(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize sessions: %w", err)
	}
	s.initializeHealth()
	if err := s.initializeREST(); err != nil {
		cancel()
		s.manager.Close()
		return nil, fmt.Errorf("failed to initialize REST server: %w", err)
	}
	return s, nil
}

func (s *Server) initializeSessions() error {
	var err error
	s.registry, err = provider.NewRegistry(provider.SourceFunc(func() ([]provider.Entry, error) {
		return s.Config().Providers, nil
	}))
	if err != nil {
		return err
	}
	s.logger.Info("provider registry loaded", slog.Int("providers", s.registry.Len()))

	cfg := s.config
	s.store = session.NewStore(cfg.Session.Timeout())
	s.manager, err = session.NewManager(session.ManagerConfig{
		Registry:    s.registry,
		Discoverer:  discovery.New(s.driver, discovery.WithLogger(s.logger)),
		Store:       s.store,
		OpenTimeout: cfg.Session.OpenTimeout,
		Logger:      s.logger,
	})
	if err != nil {
		return err
	}

	facade := signing.NewFacade(signing.Config{
		Primitive: signing.CMS{Detached: cfg.Signing.Detached},
		Store:     s.store,
		Timeout:   cfg.Session.SignTimeout,
		Logger:    s.logger,
	})
	s.service, err = service.New(service.Config{
		Manager: s.manager,
		Facade:  facade,
		Logger:  s.logger,
	})
	return err
}

func (s *Server) initializeHealth() {
	s.healthChecker = health.NewChecker()
	s.healthChecker.RegisterCheck("providers", health.ProviderCheck(s.registry, discovery.LibraryExists))
	s.healthChecker.RegisterCheck("sessions", health.SessionCheck(s.store.Len))
}

func (s *Server) initializeREST() error {
	cfg := s.config

	authenticator, err := cfg.Auth.CreateAuthenticator()
	if err != nil {
		return err
	}
	tlsConfig, err := cfg.Server.TLS.Load()
	if err != nil {
		return err
	}
	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.New(&ratelimit.Config{
			Enabled:           true,
			RequestsPerMinute: cfg.RateLimit.RequestsPerMin,
			Burst:             cfg.RateLimit.Burst,
		})
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}

	restConfig := &rest.Config{
		Address:       cfg.Server.Address(),
		Service:       s.service,
		Authenticator: authenticator,
		Limiter:       s.limiter,
		HealthEnabled: cfg.Health.Enabled,
		MetricsPath:   metricsPath,
		Locale:        cfg.Locale,
		Version:       BuildVersion(),
		TLSConfig:     tlsConfig,
		Logger:        s.logger,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		IdleTimeout:   cfg.Server.IdleTimeout,
	}
	if cfg.Health.Enabled {
		restConfig.HealthChecker = s.healthChecker
	}
	s.restServer, err = rest.NewServer(restConfig)
	return err
}

// BuildVersion returns the module version or VCS revision the binary was
// built from, or "dev".
func BuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			if len(setting.Value) >= 7 {
				return setting.Value[:7]
			}
			return setting.Value
		}
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// Start launches background workers and the REST listener and returns.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.restServer.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.restServer.Address(), err)
	}
	return s.Serve(ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	cfg := s.Config()
	s.logger.Info("starting token signing server",
		slog.String("version", BuildVersion()),
		slog.Duration("session_timeout", cfg.Session.Timeout()),
		slog.Bool("detached", cfg.Signing.Detached))

	s.sweeper = session.StartSweeper(s.ctx, s.store, cfg.Session.SweepInterval, s.logger)

	if cfg.Metrics.Enabled {
		metrics.Enable()
		s.collector = metrics.NewCollector(s.ctx, metricsInterval, s.store.Len,
			health.ProviderCounts(s.registry, discovery.LibraryExists))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.collector.Start()
		}()
	} else {
		metrics.Disable()
	}

	if s.configPath != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := config.Watch(s.ctx, s.configPath, s.logger, s.applyReload); err != nil {
				s.logger.Error("config watch stopped", slog.Any("error", err))
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.restServer.Serve(ln); err != nil {
			s.logger.Error("REST server error", slog.Any("error", err))
		}
	}()

	s.healthChecker.MarkStarted()
	s.logger.Info("server started", slog.String("address", ln.Addr().String()))
	return nil
}

// Shutdown stops the listener and workers and disposes every session.
// It is safe to call more than once.
func (s *Server) Shutdown() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down server")
		s.healthChecker.MarkNotStarted()

		timeout := s.Config().Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if stopErr := s.restServer.Stop(ctx); stopErr != nil {
			err = stopErr
		}
		if s.collector != nil {
			s.collector.Stop()
		}
		if s.sweeper != nil {
			s.sweeper.Stop()
		}
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("shutdown timeout exceeded, forcing stop")
		}

		s.manager.Close()
		if s.limiter != nil {
			s.limiter.Stop()
		}
		s.logger.Info("server stopped")
	})
	return err
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		slog.Info("received shutdown signal")
		cancel()
	}()
	return ctx
}

// Config returns the active configuration.
func (s *Server) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Service returns the signing service.
func (s *Server) Service() *service.Service {
	return s.service
}

// RESTServer returns the REST server.
func (s *Server) RESTServer() *rest.Server {
	return s.restServer
}

// HealthChecker returns the probe checker.
func (s *Server) HealthChecker() *health.Checker {
	return s.healthChecker
}
