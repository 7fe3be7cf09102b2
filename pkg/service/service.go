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

// Package service is the inbound API of the token session manager. It
// ties the session manager and the signing facade together for callers
// that only know a user identity and a PIN source.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jeremyhahn/go-tokensession/pkg/discovery"
	"github.com/jeremyhahn/go-tokensession/pkg/metrics"
	"github.com/jeremyhahn/go-tokensession/pkg/pin"
	"github.com/jeremyhahn/go-tokensession/pkg/provider"
	"github.com/jeremyhahn/go-tokensession/pkg/session"
	"github.com/jeremyhahn/go-tokensession/pkg/signing"
	"github.com/jeremyhahn/go-tokensession/pkg/tokenerr"
)

// ErrInvalidConfig is returned when the service is built without a
// manager or facade.
var ErrInvalidConfig = errors.New("service: manager and facade are required")

// Config holds the collaborators of a Service.
type Config struct {
	Manager *session.Manager
	Facade  *signing.Facade
	Logger  *slog.Logger
}

// Service exposes session and signing operations keyed by user.
type Service struct {
	manager *session.Manager
	facade  *signing.Facade
	logger  *slog.Logger
}

// SessionInfo is the public view of a session.
type SessionInfo struct {
	ID          string                    `json:"id"`
	UserID      string                    `json:"user_id"`
	Provider    string                    `json:"provider"`
	Certificate discovery.CertificateInfo `json:"certificate"`
	CreatedAt   time.Time                 `json:"created_at"`
	ExpiresAt   time.Time                 `json:"expires_at"`
}

// ProviderStatus describes one configured provider.
type ProviderStatus struct {
	Name    string `json:"name"`
	Library string `json:"library"`
	Present bool   `json:"present"`
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Manager == nil || cfg.Facade == nil {
		return nil, ErrInvalidConfig
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{manager: cfg.Manager, facade: cfg.Facade, logger: logger}, nil
}

// OpenSession returns the user's live session, opening one if needed.
func (s *Service) OpenSession(ctx context.Context, userID string, supplier pin.Supplier) (*SessionInfo, error) {
	sess, err := s.manager.Open(ctx, userID, supplier)
	if err != nil {
		return nil, err
	}
	return s.info(sess), nil
}

// Sign signs data for userID, opening a session first when there is no
// live one. The PIN is requested at most once per call.
//
// A session that expired between lookup and signing is reopened and the
// signature retried once. A session whose token was removed is evicted so
// the next call runs discovery again.
func (s *Service) Sign(ctx context.Context, userID string, data []byte, supplier pin.Supplier) (*signing.Result, error) {
	if len(data) == 0 {
		err := tokenerr.New(tokenerr.SigningFailed, "sign", "no data to sign", signing.ErrEmptyData)
		return s.facade.Failure(ctx, err), err
	}
	supplier = pin.Once(supplier)

	res, sess, err := s.sign(ctx, userID, data, supplier)
	if tokenerr.KindOf(err) == tokenerr.SessionExpired {
		s.logger.Info("session expired before signing, reopening", slog.String("user_id", userID))
		res, sess, err = s.sign(ctx, userID, data, supplier)
	}
	if sess != nil && tokenerr.KindOf(err) == tokenerr.DeviceRemoved {
		s.manager.Evict(sess, metrics.ReasonRemoved)
	}
	return res, err
}

func (s *Service) sign(ctx context.Context, userID string, data []byte, supplier pin.Supplier) (*signing.Result, *session.Session, error) {
	sess, err := s.manager.Open(ctx, userID, supplier)
	if err != nil {
		return s.facade.Failure(ctx, err), nil, err
	}
	res, err := s.facade.Sign(ctx, sess, data)
	return res, sess, err
}

// InvalidateSession ends the user's session. It reports whether one
// existed.
func (s *Service) InvalidateSession(userID string) bool {
	return s.manager.Invalidate(userID)
}

// ActiveSession returns the user's live session without refreshing it.
func (s *Service) ActiveSession(userID string) (*SessionInfo, bool) {
	sess, ok := s.manager.GetActive(userID)
	if !ok {
		return nil, false
	}
	return s.info(sess), true
}

// ListTokens returns the tokens currently connected across providers.
func (s *Service) ListTokens(ctx context.Context) []discovery.ConnectedToken {
	return s.manager.ListConnectedTokens(ctx)
}

// ListCertificates returns every certificate visible without a PIN plus
// those held by active sessions.
func (s *Service) ListCertificates(ctx context.Context) []discovery.CertificateInfo {
	return s.manager.ListCertificates(ctx)
}

// CertificateInfo looks a certificate up by thumbprint.
func (s *Service) CertificateInfo(ctx context.Context, thumbprint string) (discovery.CertificateInfo, error) {
	return s.manager.CertificateInfo(ctx, thumbprint)
}

// Providers returns the configured providers in order and whether each
// library exists on this machine.
func (s *Service) Providers() []ProviderStatus {
	entries := s.manager.Registry().List()
	out := make([]ProviderStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, ProviderStatus{Name: e.Name, Library: e.Library, Present: discovery.LibraryExists(e.Library)})
	}
	return out
}

// ReloadProviders re-reads the provider list. Existing sessions are kept.
func (s *Service) ReloadProviders() ([]ProviderStatus, error) {
	if err := s.manager.Registry().Reload(); err != nil {
		return nil, err
	}
	providers := s.Providers()
	present := 0
	for _, p := range providers {
		if p.Present {
			present++
		}
	}
	metrics.SetProviders(present, len(providers)-present)
	s.logger.Info("providers reloaded", slog.Int("count", len(providers)), slog.Int("present", present))
	return providers, nil
}

// Registry returns the provider registry.
func (s *Service) Registry() *provider.Registry {
	return s.manager.Registry()
}

func (s *Service) info(sess *session.Session) *SessionInfo {
	return &SessionInfo{
		ID:          sess.ID,
		UserID:      sess.UserID,
		Provider:    sess.Provider,
		Certificate: sess.Certificate.Info(s.manager.Store().Now()),
		CreatedAt:   sess.CreatedAt,
		ExpiresAt:   sess.Expiry(),
	}
}
