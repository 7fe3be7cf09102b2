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

// Package discovery finds a usable signing certificate on the tokens
// behind one provider.
//
// A certificate is usable when the current time lies within its validity
// window and a private signing key is paired with it. The first usable
// certificate wins. Its token session and module reference are handed to
// the caller as a driver.Handle; everything opened for rejected candidates
// is released before Discover returns.
package discovery

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jeremyhahn/go-tokensession/pkg/driver"
	"github.com/jeremyhahn/go-tokensession/pkg/metrics"
	"github.com/jeremyhahn/go-tokensession/pkg/pin"
	"github.com/jeremyhahn/go-tokensession/pkg/provider"
	"github.com/jeremyhahn/go-tokensession/pkg/tokenerr"
)

// ReasonNoPrivateKey is the rejection reason for certificates without a
// paired signing key.
const ReasonNoPrivateKey = "no_private_key"

// Match is a usable certificate and the resources backing it. The caller
// owns Handle and must close it exactly once.
type Match struct {
	Certificate TokenCertificate
	Handle      driver.Handle
}

// Rejection is a candidate certificate that failed selection. Kind is
// CertificateNotYetValid, CertificateExpired or NoUsableToken.
type Rejection struct {
	Certificate TokenCertificate
	Kind        tokenerr.Kind
	Reason      string
}

// Outcome is the result of one discovery pass. Match is nil when no
// usable certificate was found; that is not an error.
type Outcome struct {
	Match    *Match
	Rejected []Rejection
}

// Found reports whether the pass produced a match.
func (o Outcome) Found() bool {
	return o.Match != nil
}

// Discoverer runs discovery against one driver.
type Discoverer struct {
	driver driver.Driver
	logger *slog.Logger
	now    func() time.Time
	exists func(path string) bool
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Discoverer) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the clock used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(d *Discoverer) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLibraryCheck overrides the filesystem existence check performed
// before a library is loaded.
func WithLibraryCheck(exists func(path string) bool) Option {
	return func(d *Discoverer) {
		if exists != nil {
			d.exists = exists
		}
	}
}

// New returns a Discoverer for drv.
func New(drv driver.Driver, opts ...Option) *Discoverer {
	d := &Discoverer{
		driver: drv,
		logger: slog.Default(),
		now:    time.Now,
		exists: LibraryExists,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// LibraryExists reports whether path names an existing regular file.
func LibraryExists(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

// Now returns the discoverer's clock reading.
func (d *Discoverer) Now() time.Time {
	return d.now()
}

// Discover searches the tokens behind entry for a usable certificate.
//
// A missing or unloadable library is reported as ProviderUnavailable. A
// wrong PIN on a token does not stop the search; it is returned as
// PinRejected only when no other token matched. A cancelled PIN entry
// stops the search with UserCancelled. When ctx expires first the call
// returns DeviceUnresponsive and any late match is released in the
// background.
func (d *Discoverer) Discover(ctx context.Context, entry provider.Entry, supplier pin.Supplier) (Outcome, error) {
	start := time.Now()
	if err := d.checkLibrary(entry); err != nil {
		metrics.RecordDiscovery(entry.Name, tokenerr.ProviderUnavailable.String(), time.Since(start))
		return Outcome{}, err
	}

	out, err := run(ctx, "discover", func() (Outcome, error) {
		return d.search(entry, supplier)
	}, func(late Outcome) {
		if late.Match != nil {
			d.logger.Warn("releasing late discovery match",
				slog.String("provider", entry.Name),
				slog.String("thumbprint", late.Match.Certificate.Thumbprint))
			_ = late.Match.Handle.Close()
		}
	})

	result := metrics.ResultNoMatch
	switch {
	case err != nil:
		result = tokenerr.KindOf(err).String()
	case out.Found():
		result = metrics.ResultMatched
	}
	metrics.RecordDiscovery(entry.Name, result, time.Since(start))
	return out, err
}

func (d *Discoverer) checkLibrary(entry provider.Entry) error {
	if entry.Library == "" {
		return tokenerr.New(tokenerr.ProviderUnavailable, "discover", "no driver library configured for "+entry.Name, nil)
	}
	if !d.exists(entry.Library) {
		return tokenerr.New(tokenerr.ProviderUnavailable, "discover",
			fmt.Sprintf("driver library for %s not found: %s", entry.Name, entry.Library), nil)
	}
	return nil
}

func (d *Discoverer) search(entry provider.Entry, supplier pin.Supplier) (Outcome, error) {
	log := d.logger.With(slog.String("provider", entry.Name))

	mod, err := d.driver.Open(entry.Library)
	if err != nil {
		return Outcome{}, driver.Classify("open "+entry.Name, err, tokenerr.ProviderUnavailable)
	}
	tokens, err := mod.Tokens()
	if err != nil {
		_ = mod.Close()
		return Outcome{}, driver.Classify("list tokens "+entry.Name, err, tokenerr.ProviderUnavailable)
	}
	log.Debug("tokens enumerated", slog.Int("count", len(tokens)))

	var (
		out    Outcome
		pinErr error
	)
	for _, tok := range tokens {
		tlog := log.With(slog.String("token_serial", tok.Serial), slog.String("token_label", tok.Label))

		secret, err := supplier.PIN()
		if err != nil {
			_ = mod.Close()
			return out, driver.Classify("pin", err, tokenerr.UserCancelled)
		}

		sess, err := mod.Login(tok.SlotID, secret)
		if err != nil {
			cerr := driver.Classify("login "+entry.Name, err, tokenerr.ProviderUnavailable)
			switch tokenerr.KindOf(cerr) {
			case tokenerr.PinRejected:
				tlog.Warn("token rejected pin", slog.Any("error", err))
				pinErr = cerr
				continue
			case tokenerr.UserCancelled:
				_ = mod.Close()
				return out, cerr
			default:
				tlog.Warn("token login failed", slog.Any("error", err))
				continue
			}
		}

		cert, signer, rejected, err := d.selectCertificate(entry, tok, sess, tlog)
		out.Rejected = append(out.Rejected, rejected...)
		if err != nil {
			tlog.Warn("certificate enumeration failed", slog.Any("error", err))
		}
		if signer != nil {
			out.Match = &Match{Certificate: cert, Handle: driver.NewHandle(signer, sess, mod)}
			tlog.Info("usable certificate found",
				slog.String("subject", cert.SubjectCN),
				slog.String("thumbprint", cert.Thumbprint))
			return out, nil
		}
		_ = sess.Close()
	}

	_ = mod.Close()
	if pinErr != nil {
		return out, pinErr
	}
	return out, nil
}

// selectCertificate applies the selection predicate to every certificate
// on the token and returns the first usable one with its signer.
func (d *Discoverer) selectCertificate(entry provider.Entry, tok driver.TokenInfo, sess driver.TokenSession, log *slog.Logger) (TokenCertificate, crypto.Signer, []Rejection, error) {
	certs, err := sess.Certificates()
	if err != nil {
		return TokenCertificate{}, nil, nil, err
	}
	now := d.now()

	var rejected []Rejection
	for _, c := range certs {
		if c.Certificate == nil {
			continue
		}
		tc := NewTokenCertificate(entry, tok, c)

		if kind := Validity(tc.NotBefore, tc.NotAfter, now); kind != tokenerr.Unknown {
			log.Info("certificate outside validity window",
				slog.String("subject", tc.SubjectCN),
				slog.String("thumbprint", tc.Thumbprint),
				slog.String("reason", kind.String()),
				slog.Time("not_before", tc.NotBefore),
				slog.Time("not_after", tc.NotAfter))
			metrics.RecordRejectedCertificate(entry.Name, kind.String())
			rejected = append(rejected, Rejection{Certificate: tc, Kind: kind, Reason: kind.String()})
			continue
		}
		if !c.HasPrivateKey {
			log.Debug("certificate has no private key", slog.String("thumbprint", tc.Thumbprint))
			metrics.RecordRejectedCertificate(entry.Name, ReasonNoPrivateKey)
			rejected = append(rejected, Rejection{Certificate: tc, Kind: tokenerr.NoUsableToken, Reason: ReasonNoPrivateKey})
			continue
		}
		signer, err := sess.Signer(c)
		if err != nil {
			if errors.Is(err, driver.ErrDeviceRemoved) {
				return TokenCertificate{}, nil, rejected, err
			}
			log.Debug("private key unusable", slog.String("thumbprint", tc.Thumbprint), slog.Any("error", err))
			metrics.RecordRejectedCertificate(entry.Name, ReasonNoPrivateKey)
			rejected = append(rejected, Rejection{Certificate: tc, Kind: tokenerr.NoUsableToken, Reason: ReasonNoPrivateKey})
			continue
		}
		return tc, signer, rejected, nil
	}
	return TokenCertificate{}, nil, rejected, nil
}
