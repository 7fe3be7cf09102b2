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
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jeremyhahn/go-tokensession/pkg/provider"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if got := cfg.Session.Timeout(); got != 30*time.Minute {
		t.Errorf("Session.Timeout() = %v, want 30m", got)
	}
	if cfg.Auth.UserHeader != "X-User-ID" {
		t.Errorf("Auth.UserHeader = %q, want X-User-ID", cfg.Auth.UserHeader)
	}
}

func TestLoad_Success(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "0.0.0.0"
  port: 9443
  read_timeout: 10s
logging:
  level: debug
  format: text
session:
  timeout_minutes: 5
  sweep_interval: 15s
  sign_timeout: 45s
providers:
  - name: safenet
    library: /usr/lib/libeTPkcs11.so
  - name: opensc
    library: /usr/lib/opensc-pkcs11.so
signing:
  detached: false
locale: es
ratelimit:
  enabled: true
  requests_per_min: 10
  burst: 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address() != "0.0.0.0:9443" {
		t.Errorf("Server.Address() = %q", cfg.Server.Address())
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("ReadTimeout = %v, want 10s", cfg.Server.ReadTimeout)
	}
	// Unset keys keep their defaults.
	if cfg.Server.WriteTimeout != Default().Server.WriteTimeout {
		t.Errorf("WriteTimeout = %v, want default", cfg.Server.WriteTimeout)
	}
	if cfg.Session.Timeout() != 5*time.Minute {
		t.Errorf("Session.Timeout() = %v, want 5m", cfg.Session.Timeout())
	}
	if cfg.Session.SweepInterval != 15*time.Second {
		t.Errorf("SweepInterval = %v, want 15s", cfg.Session.SweepInterval)
	}
	if cfg.Session.OpenTimeout != 30*time.Second {
		t.Errorf("OpenTimeout = %v, want 30s", cfg.Session.OpenTimeout)
	}
	if len(cfg.Providers) != 2 || cfg.Providers[1].Name != "opensc" {
		t.Errorf("Providers = %+v", cfg.Providers)
	}
	if cfg.Signing.Detached {
		t.Error("Signing.Detached = true, want false")
	}
	if cfg.Locale != "es" {
		t.Errorf("Locale = %q, want es", cfg.Locale)
	}
	if cfg.RateLimit.RequestsPerMin != 10 || cfg.RateLimit.Burst != 2 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Server.Port != Default().Server.Port {
		t.Errorf("Port = %d, want default", cfg.Server.Port)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid yaml", "server: [unclosed"},
		{"bad port", "server:\n  port: 70000\n"},
		{"bad level", "logging:\n  level: chatty\n"},
		{"zero timeout", "session:\n  timeout_minutes: 0\n"},
		{"duplicate provider", "providers:\n  - {name: a, library: /x}\n  - {name: A, library: /y}\n"},
		{"unnamed provider", "providers:\n  - {library: /x}\n"},
		{"bad locale", "locale: \"not a locale!\"\n"},
		{"jwt without key", "auth:\n  enabled: true\n  jwt:\n    issuer: x\n"},
		{"tls without files", "server:\n  tls:\n    enabled: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Errorf("Load() error = nil, want error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) error = nil, want error")
	}
}

func TestLoad_DuplicateProviderWrapsSentinel(t *testing.T) {
	_, err := Load(writeConfig(t, "providers:\n  - {name: a, library: /x}\n  - {name: a, library: /y}\n"))
	if !errors.Is(err, provider.ErrDuplicateProvider) {
		t.Errorf("Load() error = %v, want ErrDuplicateProvider", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TOKENSIGN_PORT", "9000")
	t.Setenv("TOKENSIGN_LOG_LEVEL", "warn")
	t.Setenv("TOKENSIGN_SESSION_TIMEOUT_MINUTES", "12")
	t.Setenv("TOKENSIGN_SESSION_SIGN_TIMEOUT", "5s")
	t.Setenv("TOKENSIGN_SIGNING_DETACHED", "false")
	t.Setenv("TOKENSIGN_AUTH_ENABLED", "true")
	t.Setenv("TOKENSIGN_JWT_SECRET", "s3cret")
	t.Setenv("TOKENSIGN_PROVIDERS", "safenet=/usr/lib/a.so; opensc = /usr/lib/b.so;broken")

	cfg, err := Load(writeConfig(t, "server:\n  port: 8000\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000 from environment", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Session.TimeoutMinutes != 12 {
		t.Errorf("TimeoutMinutes = %d, want 12", cfg.Session.TimeoutMinutes)
	}
	if cfg.Session.SignTimeout != 5*time.Second {
		t.Errorf("SignTimeout = %v, want 5s", cfg.Session.SignTimeout)
	}
	if cfg.Signing.Detached {
		t.Error("Signing.Detached = true, want false")
	}
	if !cfg.Auth.Enabled || cfg.Auth.JWT == nil || cfg.Auth.JWT.Secret != "s3cret" {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	want := []provider.Entry{
		{Name: "safenet", Library: "/usr/lib/a.so"},
		{Name: "opensc", Library: "/usr/lib/b.so"},
	}
	if len(cfg.Providers) != len(want) {
		t.Fatalf("Providers = %+v, want %+v", cfg.Providers, want)
	}
	for i := range want {
		if cfg.Providers[i] != want[i] {
			t.Errorf("Providers[%d] = %+v, want %+v", i, cfg.Providers[i], want[i])
		}
	}
}

func TestEnvOverrides_InvalidValuesIgnored(t *testing.T) {
	t.Setenv("TOKENSIGN_PORT", "not-a-number")
	t.Setenv("TOKENSIGN_METRICS_ENABLED", "maybe")
	t.Setenv("TOKENSIGN_SESSION_SWEEP_INTERVAL", "soon")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := Default()
	if cfg.Server.Port != def.Server.Port {
		t.Errorf("Port = %d, want default", cfg.Server.Port)
	}
	if cfg.Metrics.Enabled != def.Metrics.Enabled {
		t.Errorf("Metrics.Enabled = %v, want default", cfg.Metrics.Enabled)
	}
	if cfg.Session.SweepInterval != def.Session.SweepInterval {
		t.Errorf("SweepInterval = %v, want default", cfg.Session.SweepInterval)
	}
}

func TestProviderSource_RereadsFile(t *testing.T) {
	path := writeConfig(t, "providers:\n  - {name: a, library: /a.so}\n")
	src := ProviderSource(path)

	entries, err := src.Providers()
	if err != nil {
		t.Fatalf("Providers() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}

	if err := os.WriteFile(path, []byte("providers:\n  - {name: a, library: /a.so}\n  - {name: b, library: /b.so}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	entries, err = src.Providers()
	if err != nil {
		t.Fatalf("Providers() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("len(entries) = %d after edit, want 2", len(entries))
	}

	if err := os.WriteFile(path, []byte("providers:\n  - {name: a}\n  - {name: a}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := src.Providers(); err == nil {
		t.Error("Providers() error = nil for invalid file")
	}
}
