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

package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeremyhahn/go-tokensession/internal/config"
	"github.com/jeremyhahn/go-tokensession/pkg/logging"
)

// Reload applies the parts of cfg that can change at runtime: the log
// level and the provider list. Other settings need a restart and are
// reported when they differ.
func (s *Server) Reload(cfg *config.Config) error {
	s.mu.Lock()
	old := s.config
	s.config = cfg
	s.mu.Unlock()

	s.logger.Info("reloading server configuration")

	if cfg.Logging.Level != old.Logging.Level {
		s.level.Set(logging.ParseLevel(cfg.Logging.Level))
		s.logger.Info("log level updated",
			slog.String("old_level", old.Logging.Level),
			slog.String("new_level", cfg.Logging.Level))
	}
	if cfg.Logging.Format != old.Logging.Format {
		s.logger.Warn("log format change requires a restart",
			slog.String("format", old.Logging.Format))
	}
	if cfg.Server.Address() != old.Server.Address() || cfg.Session != old.Session || cfg.Auth.Enabled != old.Auth.Enabled {
		s.logger.Warn("server, session and auth changes require a restart")
	}

	providers, err := s.service.ReloadProviders()
	if err != nil {
		s.mu.Lock()
		s.config.Providers = old.Providers
		s.mu.Unlock()
		return fmt.Errorf("failed to reload providers: %w", err)
	}
	s.logger.Info("server configuration reloaded", slog.Int("providers", len(providers)))
	return nil
}

// applyReload is the config watch callback.
func (s *Server) applyReload(cfg *config.Config) {
	if err := s.Reload(cfg); err != nil {
		s.logger.Error("configuration reload failed", slog.Any("error", err))
	}
}

// HandleReloadSignal re-reads the configuration file on SIGHUP until ctx
// is done.
func (s *Server) HandleReloadSignal(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			s.logger.Info("received SIGHUP")
			cfg, err := config.Load(s.configPath)
			if err != nil {
				s.logger.Error("failed to load configuration", slog.Any("error", err))
				continue
			}
			s.applyReload(cfg)
		}
	}
}
