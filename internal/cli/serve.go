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

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-tokensession/internal/server"
)

func newServeCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the signing REST server",
		Long: `Run the token signing server in the foreground until interrupted.
SIGHUP and edits to the --config file reload the log level and the
provider list.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			daemonCfg, err := cfg.loadDaemonConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			opts := []server.Option{
				server.WithConfigPath(cfg.settings.GetString(keyConfig)),
				server.WithLogOutput(cfg.Stderr),
			}
			if cfg.Driver != nil {
				opts = append(opts, server.WithDriver(cfg.Driver))
			}
			srv, err := server.New(daemonCfg, opts...)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			if err := srv.Start(); err != nil {
				return err
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if cfg.settings.GetString(keyConfig) != "" {
				go srv.HandleReloadSignal(ctx)
			}

			cfg.verbosef("listening on %s", daemonCfg.Server.Address())
			<-ctx.Done()
			return srv.Shutdown()
		},
	}
}
