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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jeremyhahn/go-tokensession/pkg/auth"
)

// AuthConfig selects how callers identify themselves.
//
// With Enabled false the user ID is taken from UserHeader, which is only
// appropriate behind a trusted proxy. With Enabled true a bearer JWT is
// required.
type AuthConfig struct {
	Enabled    bool       `yaml:"enabled"`
	UserHeader string     `yaml:"user_header"`
	JWT        *JWTConfig `yaml:"jwt"`
}

// JWTConfig configures bearer token verification.
type JWTConfig struct {
	Secret        string `yaml:"secret"`
	PublicKeyFile string `yaml:"public_key_file"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	Algorithm     string `yaml:"algorithm"`
	SubjectClaim  string `yaml:"subject_claim"`
}

func (cfg AuthConfig) validate() error {
	if !cfg.Enabled {
		if cfg.UserHeader == "" {
			return fmt.Errorf("auth user_header is required when auth is disabled")
		}
		return nil
	}
	if cfg.JWT == nil {
		return fmt.Errorf("auth jwt settings are required when auth is enabled")
	}
	if cfg.JWT.Secret == "" && cfg.JWT.PublicKeyFile == "" {
		return fmt.Errorf("auth jwt requires a secret or public_key_file")
	}
	return nil
}

// CreateAuthenticator builds the authenticator described by the
// configuration.
func (cfg AuthConfig) CreateAuthenticator() (auth.Authenticator, error) {
	if !cfg.Enabled {
		return auth.NewHeaderAuthenticator(cfg.UserHeader), nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	key, err := cfg.JWT.verificationKey()
	if err != nil {
		return nil, err
	}
	var algs []string
	if cfg.JWT.Algorithm != "" {
		algs = []string{cfg.JWT.Algorithm}
	}
	return auth.NewJWTAuthenticator(auth.JWTConfig{
		Key:          key,
		Algorithms:   algs,
		Issuer:       cfg.JWT.Issuer,
		Audience:     cfg.JWT.Audience,
		SubjectClaim: cfg.JWT.SubjectClaim,
	})
}

func (cfg *JWTConfig) verificationKey() (any, error) {
	if cfg.Secret != "" {
		return []byte(cfg.Secret), nil
	}

	// #nosec G304 - key path from trusted config
	data, err := os.ReadFile(cfg.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read jwt public key: %w", err)
	}
	if strings.HasPrefix(cfg.Algorithm, "ES") {
		return jwt.ParseECPublicKeyFromPEM(data)
	}
	if strings.HasPrefix(cfg.Algorithm, "Ed") {
		return jwt.ParseEdPublicKeyFromPEM(data)
	}
	if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unsupported jwt public key in %s", cfg.PublicKeyFile)
}
