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

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jeremyhahn/go-tokensession/pkg/discovery"
	"github.com/jeremyhahn/go-tokensession/pkg/metrics"
	"github.com/jeremyhahn/go-tokensession/pkg/pin"
	"github.com/jeremyhahn/go-tokensession/pkg/provider"
	"github.com/jeremyhahn/go-tokensession/pkg/tokenerr"
)

// noTokenDetail is the one diagnostic surfaced when every provider came
// up empty.
const noTokenDetail = "check that the token is plugged in and its driver is installed"

// ManagerConfig holds the collaborators of a Manager.
type ManagerConfig struct {
	Registry   *provider.Registry
	Discoverer *discovery.Discoverer
	Store      *Store

	// OpenTimeout bounds one full discovery pass across providers when
	// the caller's context has no deadline. Zero means no bound.
	OpenTimeout time.Duration

	Logger *slog.Logger
}

// Manager hands out usable sessions, reusing live ones and running
// discovery across providers otherwise.
type Manager struct {
	registry    *provider.Registry
	discoverer  *discovery.Discoverer
	store       *Store
	openTimeout time.Duration
	logger      *slog.Logger
	opens       singleflight.Group
	locks       *tokenLocks
}

// NewManager validates cfg and returns a manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Registry == nil || cfg.Discoverer == nil || cfg.Store == nil {
		return nil, ErrInvalidConfig
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:    cfg.Registry,
		discoverer:  cfg.Discoverer,
		store:       cfg.Store,
		openTimeout: cfg.OpenTimeout,
		logger:      logger,
		locks:       newTokenLocks(),
	}, nil
}

// Store returns the manager's session store.
func (m *Manager) Store() *Store {
	return m.store
}

// Registry returns the provider registry.
func (m *Manager) Registry() *provider.Registry {
	return m.registry
}

// Open returns a usable session for userID.
//
// A live session is refreshed and returned without consulting supplier.
// Otherwise providers are tried in registry order and the first usable
// certificate becomes the new session. Concurrent opens for the same user
// share one discovery pass, and the PIN is requested at most once per pass.
//
// When no provider yields a certificate the error is, in order of
// precedence, UserCancelled, DeviceUnresponsive, PinRejected or
// NoUsableToken. Individual provider failures are logged, not returned.
func (m *Manager) Open(ctx context.Context, userID string, supplier pin.Supplier) (*Session, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if s, ok := m.reuse(userID); ok {
		return s, nil
	}

	v, err, _ := m.opens.Do(userID, func() (any, error) {
		if s, ok := m.reuse(userID); ok {
			return s, nil
		}
		return m.open(ctx, userID, supplier)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) reuse(userID string) (*Session, bool) {
	s, ok := m.store.Get(userID)
	if !ok {
		return nil, false
	}
	// Get and refresh are two steps. If the session expires in between it
	// is swept and the next call runs discovery again.
	m.store.RefreshSession(s)
	metrics.RecordSessionOpen(metrics.ResultReused)
	return s, true
}

func (m *Manager) open(ctx context.Context, userID string, supplier pin.Supplier) (*Session, error) {
	if _, ok := ctx.Deadline(); !ok && m.openTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.openTimeout)
		defer cancel()
	}
	log := m.logger.With(slog.String("user_id", userID))
	supplier = pin.Once(supplier)

	var pinErr, timeoutErr error
	for _, entry := range m.registry.List() {
		out, err := m.discoverer.Discover(ctx, entry, supplier)
		if err != nil {
			switch tokenerr.KindOf(err) {
			case tokenerr.UserCancelled:
				log.Info("session open cancelled", slog.String("provider", entry.Name))
				metrics.RecordSessionOpen(tokenerr.UserCancelled.String())
				return nil, err
			case tokenerr.PinRejected:
				pinErr = err
			case tokenerr.DeviceUnresponsive:
				timeoutErr = err
			}
			log.Warn("provider skipped", slog.String("provider", entry.Name), slog.Any("error", err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		for _, r := range out.Rejected {
			log.Debug("certificate rejected",
				slog.String("provider", entry.Name),
				slog.String("thumbprint", r.Certificate.Thumbprint),
				slog.String("reason", r.Reason))
		}
		if !out.Found() {
			continue
		}

		lock, unlock := m.locks.hold(out.Match.Certificate)
		s := newSession(userID, out.Match, m.store.Now(), m.store.Timeout(), lock, unlock)
		if prev := m.store.Put(s); prev != nil {
			prev.dispose()
			metrics.RecordEviction(metrics.ReasonReplaced)
		}
		metrics.RecordSessionOpen(metrics.ResultSuccess)
		log.Info("session opened",
			slog.String("session_id", s.ID),
			slog.String("provider", s.Provider),
			slog.String("token_serial", s.Certificate.TokenSerial),
			slog.String("subject", s.Certificate.SubjectCN),
			slog.Time("expires_at", s.Expiry()))
		return s, nil
	}

	var err error
	switch {
	case timeoutErr != nil:
		err = timeoutErr
	case pinErr != nil:
		err = pinErr
	default:
		err = tokenerr.New(tokenerr.NoUsableToken, "open", noTokenDetail, nil)
	}
	metrics.RecordSessionOpen(tokenerr.KindOf(err).String())
	return nil, err
}

// GetActive returns the live session for userID without refreshing it.
// It never runs discovery.
func (m *Manager) GetActive(userID string) (*Session, bool) {
	return m.store.Get(userID)
}

// Invalidate removes and disposes userID's session. It reports whether a
// session was removed; a second call is a no-op.
func (m *Manager) Invalidate(userID string) bool {
	s, ok := m.store.Invalidate(userID)
	if !ok {
		return false
	}
	s.dispose()
	metrics.RecordEviction(metrics.ReasonInvalidated)
	m.logger.Info("session invalidated",
		slog.String("session_id", s.ID),
		slog.String("user_id", userID))
	return true
}

// Evict removes s if it is still the stored session for its user and
// disposes it. It is used when a signing failure shows the token is gone.
func (m *Manager) Evict(s *Session, reason string) bool {
	if !m.store.Remove(s) {
		return false
	}
	s.dispose()
	metrics.RecordEviction(reason)
	m.logger.Info("session evicted",
		slog.String("session_id", s.ID),
		slog.String("user_id", s.UserID),
		slog.String("reason", reason))
	return true
}

// ListConnectedTokens opens every provider independently of any session,
// reads the present tokens and releases the provider again. Providers
// that fail are logged and skipped.
func (m *Manager) ListConnectedTokens(ctx context.Context) []discovery.ConnectedToken {
	out := []discovery.ConnectedToken{}
	for _, entry := range m.registry.List() {
		tokens, err := m.discoverer.ListTokens(ctx, entry)
		if err != nil {
			m.logger.Debug("provider not listed", slog.String("provider", entry.Name), slog.Any("error", err))
			continue
		}
		out = append(out, tokens...)
	}
	return out
}

// ListCertificates returns every certificate reachable through live
// sessions and public token listings, one entry per thumbprint.
func (m *Manager) ListCertificates(ctx context.Context) []discovery.CertificateInfo {
	now := m.store.Now()
	seen := make(map[string]bool)
	out := []discovery.CertificateInfo{}

	for _, s := range m.store.Snapshot() {
		if seen[s.Certificate.Thumbprint] {
			continue
		}
		seen[s.Certificate.Thumbprint] = true
		out = append(out, s.Certificate.Info(now))
	}
	for _, entry := range m.registry.List() {
		certs, err := m.discoverer.ListCertificates(ctx, entry)
		if err != nil {
			m.logger.Debug("provider not listed", slog.String("provider", entry.Name), slog.Any("error", err))
			continue
		}
		for _, c := range certs {
			if seen[c.Thumbprint] {
				continue
			}
			seen[c.Thumbprint] = true
			out = append(out, c.Info(now))
		}
	}
	return out
}

// CertificateInfo looks up a certificate by SHA-1 thumbprint, checking
// live sessions before scanning providers.
func (m *Manager) CertificateInfo(ctx context.Context, thumbprint string) (discovery.CertificateInfo, error) {
	want := discovery.NormalizeThumbprint(thumbprint)
	now := m.store.Now()

	for _, s := range m.store.Snapshot() {
		if s.Certificate.Thumbprint == want {
			return s.Certificate.Info(now), nil
		}
	}
	for _, entry := range m.registry.List() {
		certs, err := m.discoverer.ListCertificates(ctx, entry)
		if err != nil {
			continue
		}
		for _, c := range certs {
			if c.Thumbprint == want {
				return c.Info(now), nil
			}
		}
	}
	return discovery.CertificateInfo{}, fmt.Errorf("%w: %s", ErrCertificateNotFound, want)
}

// Close disposes every session.
func (m *Manager) Close() {
	m.store.Close()
}
