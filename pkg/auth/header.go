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

package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// DefaultUserHeader carries the user ID set by a trusted front end.
const DefaultUserHeader = "X-User-ID"

// HeaderAuthenticator trusts a user ID header set by a reverse proxy or
// the embedding web application. Use it only behind such a front end.
type HeaderAuthenticator struct {
	header string
}

// NewHeaderAuthenticator reads the user from header, or DefaultUserHeader
// when header is empty.
func NewHeaderAuthenticator(header string) *HeaderAuthenticator {
	if header == "" {
		header = DefaultUserHeader
	}
	return &HeaderAuthenticator{header: header}
}

// AuthenticateHTTP implements Authenticator.
func (a *HeaderAuthenticator) AuthenticateHTTP(r *http.Request) (*Identity, error) {
	user := strings.TrimSpace(r.Header.Get(a.header))
	if user == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrNoCredentials, a.header)
	}
	return &Identity{Subject: user, Method: "header"}, nil
}

// Name implements Authenticator.
func (a *HeaderAuthenticator) Name() string {
	return "header"
}
