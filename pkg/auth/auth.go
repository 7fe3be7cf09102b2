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

// Package auth resolves the user identity that owns a token session from
// an HTTP request.
package auth

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrNoCredentials is returned when a request carries no identity.
	ErrNoCredentials = errors.New("auth: no credentials")

	// ErrInvalidCredentials is returned when the presented identity
	// cannot be verified.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Identity is an authenticated caller. Subject is the user ID sessions are
// keyed by.
type Identity struct {
	Subject string
	Method  string
	Claims  map[string]any
}

// Authenticator extracts an identity from a request.
type Authenticator interface {
	AuthenticateHTTP(r *http.Request) (*Identity, error)
	Name() string
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by WithIdentity, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// Middleware authenticates every request and stores the identity in its
// context. Failures are written by onError.
func Middleware(a Authenticator, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.AuthenticateHTTP(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
