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
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures bearer token verification.
type JWTConfig struct {
	// Key verifies signatures: a []byte secret for HS* or a public key
	// for RS*, PS* and ES*.
	Key any

	// Algorithms lists the accepted "alg" values. Empty accepts the
	// family matching Key.
	Algorithms []string

	Issuer   string
	Audience string

	// SubjectClaim names the claim holding the user ID. Defaults to "sub".
	SubjectClaim string
}

// JWTAuthenticator verifies "Authorization: Bearer" tokens.
type JWTAuthenticator struct {
	key    any
	claim  string
	parser *jwt.Parser
}

// NewJWTAuthenticator validates cfg and returns an authenticator.
func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if cfg.Key == nil {
		return nil, errors.New("auth: jwt verification key is required")
	}
	algs := cfg.Algorithms
	if len(algs) == 0 {
		switch cfg.Key.(type) {
		case []byte:
			algs = []string{"HS256", "HS384", "HS512"}
		case crypto.PublicKey:
			algs = []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384", "ES512"}
		}
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(algs), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	claim := cfg.SubjectClaim
	if claim == "" {
		claim = "sub"
	}
	return &JWTAuthenticator{key: cfg.Key, claim: claim, parser: jwt.NewParser(opts...)}, nil
}

// AuthenticateHTTP implements Authenticator.
func (a *JWTAuthenticator) AuthenticateHTTP(r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrNoCredentials)
	}

	claims := jwt.MapClaims{}
	_, err := a.parser.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	subject, _ := claims[a.claim].(string)
	if subject == "" {
		return nil, fmt.Errorf("%w: claim %q is empty", ErrInvalidCredentials, a.claim)
	}
	return &Identity{Subject: subject, Method: "jwt", Claims: claims}, nil
}

// Name implements Authenticator.
func (a *JWTAuthenticator) Name() string {
	return "jwt"
}
