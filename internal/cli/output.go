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
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jeremyhahn/go-tokensession/pkg/discovery"
	"github.com/jeremyhahn/go-tokensession/pkg/service"
	"github.com/jeremyhahn/go-tokensession/pkg/signing"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText  OutputFormat = "text"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatTable OutputFormat = "table"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{format: OutputFormat(format), writer: writer}
}

// PrintProviders prints the configured providers.
func (p *Printer) PrintProviders(providers []service.ProviderStatus) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{"providers": providers})
	case OutputFormatTable:
		if len(providers) == 0 {
			fmt.Fprintln(p.writer, "No providers configured")
			return nil
		}
		fmt.Fprintf(p.writer, "%-16s %-9s %s\n", "NAME", "PRESENT", "LIBRARY")
		fmt.Fprintln(p.writer, strings.Repeat("-", 72))
		for _, pr := range providers {
			fmt.Fprintf(p.writer, "%-16s %-9t %s\n", pr.Name, pr.Present, pr.Library)
		}
		return nil
	case OutputFormatText:
		if len(providers) == 0 {
			fmt.Fprintln(p.writer, "No providers configured")
			return nil
		}
		fmt.Fprintln(p.writer, "Providers:")
		for _, pr := range providers {
			state := "installed"
			if !pr.Present {
				state = "missing"
			}
			fmt.Fprintf(p.writer, "  - %s (%s, %s)\n", pr.Name, pr.Library, state)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintTokens prints connected tokens.
func (p *Printer) PrintTokens(tokens []discovery.ConnectedToken) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{"tokens": nonNil(tokens)})
	case OutputFormatTable:
		if len(tokens) == 0 {
			fmt.Fprintln(p.writer, "No tokens connected")
			return nil
		}
		fmt.Fprintf(p.writer, "%-16s %-6s %-20s %-20s %s\n", "PROVIDER", "SLOT", "SERIAL", "LABEL", "MODEL")
		fmt.Fprintln(p.writer, strings.Repeat("-", 80))
		for _, t := range tokens {
			fmt.Fprintf(p.writer, "%-16s %-6d %-20s %-20s %s\n", t.Provider, t.Slot, t.Serial, t.Label, t.Model)
		}
		return nil
	case OutputFormatText:
		if len(tokens) == 0 {
			fmt.Fprintln(p.writer, "No tokens connected")
			return nil
		}
		fmt.Fprintln(p.writer, "Tokens:")
		for _, t := range tokens {
			fmt.Fprintf(p.writer, "  - %s (serial %s, %s slot %d)\n", t.Label, t.Serial, t.Provider, t.Slot)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintCertificates prints token certificates.
func (p *Printer) PrintCertificates(certs []discovery.CertificateInfo) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{"certificates": nonNil(certs)})
	case OutputFormatTable:
		if len(certs) == 0 {
			fmt.Fprintln(p.writer, "No certificates found")
			return nil
		}
		fmt.Fprintf(p.writer, "%-42s %-28s %-12s %s\n", "THUMBPRINT", "SUBJECT", "EXPIRES", "VALID")
		fmt.Fprintln(p.writer, strings.Repeat("-", 92))
		for _, c := range certs {
			fmt.Fprintf(p.writer, "%-42s %-28s %-12s %t\n", c.Thumbprint, c.SubjectCN, c.ValidTo.Format(time.DateOnly), c.IsValid)
		}
		return nil
	case OutputFormatText:
		if len(certs) == 0 {
			fmt.Fprintln(p.writer, "No certificates found")
			return nil
		}
		fmt.Fprintln(p.writer, "Certificates:")
		for _, c := range certs {
			fmt.Fprintf(p.writer, "  - %s %s (expires %s)\n", c.Thumbprint, c.SubjectCN, c.ValidTo.Format(time.DateOnly))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintCertificate prints one certificate in detail.
func (p *Printer) PrintCertificate(c discovery.CertificateInfo) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(c)
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, "Certificate Information:")
		fmt.Fprintf(p.writer, "  Thumbprint: %s\n", c.Thumbprint)
		fmt.Fprintf(p.writer, "  Subject:    %s\n", c.SubjectCN)
		fmt.Fprintf(p.writer, "  Issuer:     %s\n", c.IssuerCN)
		fmt.Fprintf(p.writer, "  Serial:     %s\n", c.SerialNumber)
		fmt.Fprintf(p.writer, "  Valid From: %s\n", c.ValidFrom.Format(time.RFC3339))
		fmt.Fprintf(p.writer, "  Valid To:   %s\n", c.ValidTo.Format(time.RFC3339))
		fmt.Fprintf(p.writer, "  Valid Now:  %t\n", c.IsValid)
		fmt.Fprintf(p.writer, "  Token:      %s (serial %s)\n", c.TokenLabel, c.TokenSerial)
		fmt.Fprintf(p.writer, "  Provider:   %s (%s)\n", c.Provider, c.Library)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSignResult prints the outcome of a signature written to out.
func (p *Printer) PrintSignResult(res *signing.Result, out string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"success":        res.Success,
			"message":        res.Message,
			"signer":         res.Signer,
			"serial_number":  res.SerialNumber,
			"thumbprint":     res.Thumbprint,
			"hash_algorithm": res.HashAlgorithm,
			"signed_at":      res.SignedAt,
			"output":         out,
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, res.Message)
		fmt.Fprintf(p.writer, "  Signer:     %s\n", res.Signer)
		fmt.Fprintf(p.writer, "  Thumbprint: %s\n", res.Thumbprint)
		fmt.Fprintf(p.writer, "  Hash:       %s\n", res.HashAlgorithm)
		fmt.Fprintf(p.writer, "  Output:     %s\n", out)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintVerified prints the signer of a verified signature.
func (p *Printer) PrintVerified(cert *x509.Certificate) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"status":     "verified",
			"signer":     cert.Subject.CommonName,
			"issuer":     cert.Issuer.CommonName,
			"thumbprint": discovery.Thumbprint(cert),
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintf(p.writer, "Signature verified, signed by %s\n", cert.Subject.CommonName)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{"status": "success", "message": message})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{"status": "error", "error": err.Error()})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

func (p *Printer) printJSON(v any) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
