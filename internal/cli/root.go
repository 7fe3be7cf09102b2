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

// Package cli implements tokenctl, the command-line client for hardware
// signing tokens.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the command tree around cfg.
func NewRootCommand(cfg *Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tokenctl",
		Short: "tokenctl - sign documents with PKCS#11 hardware tokens",
		Long: `tokenctl lists the signing tokens connected to this machine and signs
documents with them, producing CMS (PKCS#7) signatures.

Token drivers are configured as providers in the config file or with
TOKENSIGN_PROVIDERS="name=/path/to/lib.so;other=/path/to/other.so".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(cfg.Stdout)
	rootCmd.SetErr(cfg.Stderr)

	flags := rootCmd.PersistentFlags()
	flags.String(keyConfig, "", "config file")
	flags.StringP(keyOutput, "o", string(OutputFormatText), "output format (text, json, table)")
	flags.BoolP(keyVerbose, "v", false, "verbose output")
	flags.String(keyLocale, "", "language for messages (en, es)")
	for _, name := range []string{keyConfig, keyOutput, keyVerbose, keyLocale} {
		_ = cfg.settings.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		newVersionCmd(cfg),
		newProvidersCmd(cfg),
		newTokensCmd(cfg),
		newCertsCmd(cfg),
		newSignCmd(cfg),
		newVerifyCmd(cfg),
		newServeCmd(cfg),
	)
	return rootCmd
}

// Execute runs tokenctl with the process arguments and reports a
// failure on stderr.
func Execute() error {
	cfg := NewConfig()
	if err := NewRootCommand(cfg).Execute(); err != nil {
		_ = NewPrinter(cfg.OutputFormat(), os.Stderr).PrintError(err)
		return err
	}
	return nil
}
