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
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-tokensession/pkg/signing"
)

func newSignCmd(cfg *Config) *cobra.Command {
	var (
		in       string
		out      string
		attached bool
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a file with a connected token",
		Long: `Sign a file with the first valid certificate found on a connected token,
writing a DER-encoded CMS signature. The PIN is read from --pin,
TOKENSIGN_PIN, or prompted for on the terminal.`,
		Example: `  tokenctl sign --in contract.pdf
  tokenctl sign --in contract.pdf --out contract.p7s --attached
  cat data.bin | tokenctl sign --in - --out data.p7s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				if in == "-" {
					return errors.New("--out is required when signing stdin")
				}
				out = in + ".p7s"
			}
			data, err := readInput(cmd.InOrStdin(), in)
			if err != nil {
				return err
			}

			supplier, err := cfg.pinSupplier()
			if err != nil {
				return err
			}
			detached := !attached
			svc, err := cfg.openLocal(&detached)
			if err != nil {
				return err
			}
			defer svc.Close()

			userID := currentUser()
			cfg.verbosef("signing %d bytes from %s as %s", len(data), in, userID)
			res, err := svc.Sign(svc.context(cmd.Context()), userID, data, supplier)
			if err != nil {
				if res != nil && res.Message != "" {
					return fmt.Errorf("%s: %w", res.Message, err)
				}
				return err
			}
			if err := os.WriteFile(out, res.Signature, 0o644); err != nil {
				return fmt.Errorf("failed to write signature: %w", err)
			}
			return cfg.printer().PrintSignResult(res, out)
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "file to sign, or - for stdin")
	cmd.Flags().StringVar(&out, "out", "", "signature output file (default <in>.p7s)")
	cmd.Flags().BoolVar(&attached, "attached", false, "embed the signed content in the signature")
	cmd.Flags().String(keyPIN, "", "token PIN (prefer TOKENSIGN_PIN or the prompt)")
	_ = cmd.MarkFlagRequired("in")
	_ = cfg.settings.BindPFlag(keyPIN, cmd.Flags().Lookup(keyPIN))
	return cmd
}

func newVerifyCmd(cfg *Config) *cobra.Command {
	var (
		in  string
		sig string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a CMS signature",
		Long: `Verify a signature produced by sign. Detached signatures need the
signed file in --in; attached signatures carry their content.

Only the signature is checked, not the signer's certificate chain.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			der, err := os.ReadFile(sig)
			if err != nil {
				return fmt.Errorf("failed to read signature: %w", err)
			}
			var data []byte
			if in != "" {
				if data, err = readInput(cmd.InOrStdin(), in); err != nil {
					return err
				}
			}
			cert, err := signing.Verify(der, data)
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			cfg.verbosef("signer serial %s", cert.SerialNumber.Text(16))
			return cfg.printer().PrintVerified(cert)
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "signed file for detached signatures, or - for stdin")
	cmd.Flags().StringVar(&sig, "sig", "", "signature file")
	_ = cmd.MarkFlagRequired("sig")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return data, nil
}
