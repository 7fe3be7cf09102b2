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
	"github.com/spf13/cobra"
)

func newProvidersCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured token providers",
		Long: `List the PKCS#11 libraries tokenctl searches for tokens and whether each
library is installed on this machine.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := cfg.openLocal(nil)
			if err != nil {
				return err
			}
			defer svc.Close()
			return cfg.printer().PrintProviders(svc.Providers())
		},
	}
}

func newTokensCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "tokens",
		Short: "List connected tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := cfg.openLocal(nil)
			if err != nil {
				return err
			}
			defer svc.Close()
			tokens := svc.ListTokens(svc.context(cmd.Context()))
			cfg.verbosef("found %d token(s)", len(tokens))
			return cfg.printer().PrintTokens(tokens)
		},
	}
}

func newCertsCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "certs [thumbprint]",
		Short: "List token certificates or show one by thumbprint",
		Long: `List the certificates stored on connected tokens. With a SHA-1
thumbprint argument, show that certificate in detail.

No PIN is needed: only public certificate objects are read.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := cfg.openLocal(nil)
			if err != nil {
				return err
			}
			defer svc.Close()
			ctx := svc.context(cmd.Context())
			if len(args) == 0 {
				return cfg.printer().PrintCertificates(svc.ListCertificates(ctx))
			}
			info, err := svc.CertificateInfo(ctx, args[0])
			if err != nil {
				return err
			}
			return cfg.printer().PrintCertificate(info)
		},
	}
}
