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

// Package signing performs exclusive signing operations against a cached
// token session and classifies every failure.
package signing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jeremyhahn/go-tokensession/pkg/discovery"
	"github.com/jeremyhahn/go-tokensession/pkg/driver"
	"github.com/jeremyhahn/go-tokensession/pkg/metrics"
	"github.com/jeremyhahn/go-tokensession/pkg/session"
	"github.com/jeremyhahn/go-tokensession/pkg/tokenerr"
)

// Result describes one signing call. Signature is set only on success and
// Failure only on failure.
type Result struct {
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	Signature     []byte        `json:"signature,omitempty"`
	Signer        string        `json:"signer,omitempty"`
	SerialNumber  string        `json:"serial_number,omitempty"`
	Thumbprint    string        `json:"thumbprint,omitempty"`
	SignedAt      time.Time     `json:"signed_at"`
	HashAlgorithm string        `json:"hash_algorithm,omitempty"`
	Failure       tokenerr.Kind `json:"-"`
}

// FailureName returns the failure kind name, or "" on success.
func (r *Result) FailureName() string {
	if r.Success {
		return ""
	}
	return r.Failure.String()
}

// Config holds Facade settings.
type Config struct {
	Primitive Primitive

	// Store is refreshed after a successful signature. It may be nil.
	Store *session.Store

	// Timeout bounds lock wait plus signing when the caller's context has
	// no deadline. Zero means no bound.
	Timeout time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Facade signs data with a session's token key.
type Facade struct {
	primitive Primitive
	store     *session.Store
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewFacade returns a facade. A nil primitive selects detached CMS.
func NewFacade(cfg Config) *Facade {
	f := &Facade{
		primitive: cfg.Primitive,
		store:     cfg.Store,
		timeout:   cfg.Timeout,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
	if f.primitive == nil {
		f.primitive = CMS{Detached: true}
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// HashAlgorithm returns the primitive's hash algorithm name.
func (f *Facade) HashAlgorithm() string {
	return f.primitive.HashAlgorithm()
}

type outcome struct {
	sig      []byte
	err      error
	duration time.Duration
}

// Sign acquires the session lock, checks the certificate window at the
// current time, runs the primitive and releases the lock on every path.
//
// A timeout while waiting for the lock or for the token yields
// DeviceUnresponsive; the session is left in place. When the deadline
// passes during signing the lock stays held until the token returns, so
// no second signature can start on the same token in the meantime.
func (f *Facade) Sign(ctx context.Context, s *session.Session, data []byte) (*Result, error) {
	if _, ok := ctx.Deadline(); !ok && f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	log := f.logger.With(slog.String("session_id", s.ID), slog.String("user_id", s.UserID))

	waitStart := time.Now()
	if err := s.Acquire(ctx); err != nil {
		metrics.RecordLockWait(time.Since(waitStart))
		return f.fail(ctx, s, driver.Classify("sign", err, tokenerr.DeviceUnresponsive), 0)
	}
	metrics.RecordLockWait(time.Since(waitStart))

	if s.Invalidated() {
		s.Release()
		return f.fail(ctx, s, tokenerr.New(tokenerr.SessionExpired, "sign", "", nil), 0)
	}

	cert := s.Certificate
	if kind := discovery.Validity(cert.NotBefore, cert.NotAfter, f.now()); kind != tokenerr.Unknown {
		s.Release()
		detail := fmt.Sprintf("certificate %s valid from %s to %s", cert.Thumbprint,
			cert.NotBefore.UTC().Format(time.RFC3339), cert.NotAfter.UTC().Format(time.RFC3339))
		return f.fail(ctx, s, tokenerr.New(kind, "sign", detail, nil), 0)
	}

	done := make(chan outcome, 1)
	go func() {
		defer s.Release()
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic in signing primitive: %v", r), duration: time.Since(start)}
			}
		}()
		sig, err := f.primitive.Sign(data, cert.Certificate, s.Signer())
		done <- outcome{sig: sig, err: err, duration: time.Since(start)}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		log.Warn("token did not respond before deadline", slog.Any("error", ctx.Err()))
		return f.fail(ctx, s, driver.Classify("sign", ctx.Err(), tokenerr.DeviceUnresponsive), 0)
	}
	if o.err != nil {
		log.Warn("signing failed", slog.Any("error", o.err))
		return f.fail(ctx, s, driver.Classify("sign", o.err, tokenerr.SigningFailed), o.duration)
	}

	if f.store != nil {
		f.store.RefreshSession(s)
	}
	metrics.RecordSignature(metrics.ResultSuccess, o.duration)
	log.Info("document signed",
		slog.String("thumbprint", cert.Thumbprint),
		slog.Int("bytes", len(data)),
		slog.Duration("duration", o.duration))

	return &Result{
		Success:       true,
		Message:       tokenerr.SignedMessage(tokenerr.LanguageFrom(ctx)),
		Signature:     o.sig,
		Signer:        cert.SubjectCN,
		SerialNumber:  cert.SerialNumber,
		Thumbprint:    cert.Thumbprint,
		SignedAt:      f.now(),
		HashAlgorithm: f.primitive.HashAlgorithm(),
	}, nil
}

func (f *Facade) fail(ctx context.Context, s *session.Session, err error, d time.Duration) (*Result, error) {
	metrics.RecordSignature(tokenerr.KindOf(err).String(), d)
	res := f.Failure(ctx, err)
	res.Signer = s.Certificate.SubjectCN
	res.SerialNumber = s.Certificate.SerialNumber
	res.Thumbprint = s.Certificate.Thumbprint
	return res, err
}

// Failure builds the result reported for err when no signature was
// attempted, for example because no session could be opened.
func (f *Facade) Failure(ctx context.Context, err error) *Result {
	return &Result{
		Success:       false,
		Message:       tokenerr.UserMessage(err, tokenerr.LanguageFrom(ctx)),
		SignedAt:      f.now(),
		HashAlgorithm: f.primitive.HashAlgorithm(),
		Failure:       tokenerr.KindOf(err),
	}
}
