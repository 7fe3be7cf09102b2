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

package discovery

import (
	"context"
	"log/slog"

	"github.com/jeremyhahn/go-tokensession/pkg/driver"
	"github.com/jeremyhahn/go-tokensession/pkg/provider"
	"github.com/jeremyhahn/go-tokensession/pkg/tokenerr"
)

// ConnectedToken is a present token as seen through one provider.
type ConnectedToken struct {
	Provider     string `json:"provider"`
	Serial       string `json:"serial"`
	Label        string `json:"label"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Slot         uint   `json:"slot"`
}

// ListTokens opens the provider's library, reads token metadata and
// releases the library again. Nothing is cached and no login happens.
func (d *Discoverer) ListTokens(ctx context.Context, entry provider.Entry) ([]ConnectedToken, error) {
	if err := d.checkLibrary(entry); err != nil {
		return nil, err
	}
	return run(ctx, "list tokens", func() ([]ConnectedToken, error) {
		mod, err := d.driver.Open(entry.Library)
		if err != nil {
			return nil, driver.Classify("open "+entry.Name, err, tokenerr.ProviderUnavailable)
		}
		defer func() { _ = mod.Close() }()

		tokens, err := mod.Tokens()
		if err != nil {
			return nil, driver.Classify("list tokens "+entry.Name, err, tokenerr.ProviderUnavailable)
		}
		out := make([]ConnectedToken, 0, len(tokens))
		for _, t := range tokens {
			out = append(out, ConnectedToken{
				Provider:     entry.Name,
				Serial:       t.Serial,
				Label:        t.Label,
				Manufacturer: t.Manufacturer,
				Model:        t.Model,
				Slot:         t.SlotID,
			})
		}
		return out, nil
	}, nil)
}

// ListCertificates returns the public certificates on every token behind
// the provider. Private key presence cannot be determined without a login
// and is reported as false.
func (d *Discoverer) ListCertificates(ctx context.Context, entry provider.Entry) ([]TokenCertificate, error) {
	if err := d.checkLibrary(entry); err != nil {
		return nil, err
	}
	return run(ctx, "list certificates", func() ([]TokenCertificate, error) {
		mod, err := d.driver.Open(entry.Library)
		if err != nil {
			return nil, driver.Classify("open "+entry.Name, err, tokenerr.ProviderUnavailable)
		}
		defer func() { _ = mod.Close() }()

		tokens, err := mod.Tokens()
		if err != nil {
			return nil, driver.Classify("list tokens "+entry.Name, err, tokenerr.ProviderUnavailable)
		}
		var out []TokenCertificate
		for _, tok := range tokens {
			certs, err := mod.Certificates(tok.SlotID)
			if err != nil {
				d.logger.Warn("failed to list token certificates",
					slog.String("provider", entry.Name),
					slog.String("token_serial", tok.Serial),
					slog.Any("error", err))
				continue
			}
			for _, c := range certs {
				if c.Certificate == nil {
					continue
				}
				out = append(out, NewTokenCertificate(entry, tok, c))
			}
		}
		return out, nil
	}, nil)
}

// run executes fn in its own goroutine and waits for it or for ctx.
// Driver calls cannot be interrupted, so on timeout fn keeps running and
// its eventual result is passed to discard.
func run[T any](ctx context.Context, op string, fn func() (T, error), discard func(T)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, driver.Classify(op, err, tokenerr.DeviceUnresponsive)
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		if discard != nil {
			go func() {
				r := <-ch
				discard(r.v)
			}()
		}
		return zero, driver.Classify(op, ctx.Err(), tokenerr.DeviceUnresponsive)
	}
}
