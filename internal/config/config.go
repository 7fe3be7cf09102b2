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

// Package config loads the daemon configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-tokensession/pkg/provider"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TOKENSIGN_"

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Session   SessionConfig    `yaml:"session"`
	Providers []provider.Entry `yaml:"providers"`
	Signing   SigningConfig    `yaml:"signing"`
	Locale    string           `yaml:"locale"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Health    HealthConfig     `yaml:"health"`
	Auth      AuthConfig       `yaml:"auth"`
	RateLimit RateLimitConfig  `yaml:"ratelimit"`
}

// ServerConfig controls the REST listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SessionConfig bounds session lifetime and token operations.
type SessionConfig struct {
	// TimeoutMinutes is the sliding inactivity timeout.
	TimeoutMinutes int           `yaml:"timeout_minutes"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
	SignTimeout    time.Duration `yaml:"sign_timeout"`
}

// Timeout returns the inactivity timeout as a duration.
func (s SessionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// SigningConfig selects the signature format.
type SigningConfig struct {
	// Detached omits the document from the CMS structure.
	Detached bool `yaml:"detached"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HealthConfig controls the probe endpoints.
type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RateLimitConfig controls per-user throttling of opens and signatures.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	Burst          int  `yaml:"burst"`
}

// Default returns the configuration used when a setting is absent.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8443,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Session: SessionConfig{
			TimeoutMinutes: 30,
			SweepInterval:  60 * time.Second,
			OpenTimeout:    30 * time.Second,
			SignTimeout:    30 * time.Second,
		},
		Signing:   SigningConfig{Detached: true},
		Locale:    "en",
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
		Health:    HealthConfig{Enabled: true},
		Auth:      AuthConfig{UserHeader: "X-User-ID"},
		RateLimit: RateLimitConfig{Enabled: true, RequestsPerMin: 30, Burst: 5},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads defaults and environment
// only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 - config path is supplied by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ProviderSource returns a provider source that re-reads the provider
// list from path on every call, for Registry.Reload.
func ProviderSource(path string) provider.Source {
	return provider.SourceFunc(func() ([]provider.Entry, error) {
		cfg, err := Load(path)
		if err != nil {
			return nil, err
		}
		return cfg.Providers, nil
	})
}

func applyEnvOverrides(cfg *Config) {
	envString("HOST", &cfg.Server.Host)
	envInt("PORT", &cfg.Server.Port)
	envString("LOG_LEVEL", &cfg.Logging.Level)
	envString("LOG_FORMAT", &cfg.Logging.Format)
	envInt("SESSION_TIMEOUT_MINUTES", &cfg.Session.TimeoutMinutes)
	envDuration("SESSION_SWEEP_INTERVAL", &cfg.Session.SweepInterval)
	envDuration("SESSION_OPEN_TIMEOUT", &cfg.Session.OpenTimeout)
	envDuration("SESSION_SIGN_TIMEOUT", &cfg.Session.SignTimeout)
	envBool("SIGNING_DETACHED", &cfg.Signing.Detached)
	envString("LOCALE", &cfg.Locale)
	envBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	envBool("HEALTH_ENABLED", &cfg.Health.Enabled)
	envBool("AUTH_ENABLED", &cfg.Auth.Enabled)
	envString("AUTH_USER_HEADER", &cfg.Auth.UserHeader)
	envBool("RATELIMIT_ENABLED", &cfg.RateLimit.Enabled)
	envInt("RATELIMIT_REQUESTS_PER_MIN", &cfg.RateLimit.RequestsPerMin)
	envInt("RATELIMIT_BURST", &cfg.RateLimit.Burst)

	if secret := os.Getenv(EnvPrefix + "JWT_SECRET"); secret != "" {
		if cfg.Auth.JWT == nil {
			cfg.Auth.JWT = &JWTConfig{}
		}
		cfg.Auth.JWT.Secret = secret
	}

	// TOKENSIGN_PROVIDERS="safenet=/usr/lib/libeTPkcs11.so;opensc=/usr/lib/opensc-pkcs11.so"
	if list := os.Getenv(EnvPrefix + "PROVIDERS"); list != "" {
		var entries []provider.Entry
		for _, item := range strings.Split(list, ";") {
			name, lib, ok := strings.Cut(strings.TrimSpace(item), "=")
			if !ok {
				slog.Warn("ignoring malformed provider override", slog.String("value", item))
				continue
			}
			entries = append(entries, provider.Entry{Name: strings.TrimSpace(name), Library: strings.TrimSpace(lib)})
		}
		cfg.Providers = entries
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid environment override",
			slog.String("variable", EnvPrefix+key), slog.String("value", v), slog.Any("error", err))
		return
	}
	*dst = n
}

func envBool(key string, dst *bool) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring invalid environment override",
			slog.String("variable", EnvPrefix+key), slog.String("value", v), slog.Any("error", err))
		return
	}
	*dst = b
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring invalid environment override",
			slog.String("variable", EnvPrefix+key), slog.String("value", v), slog.Any("error", err))
		return
	}
	*dst = d
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn or error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Session.TimeoutMinutes <= 0 {
		return fmt.Errorf("session timeout_minutes must be positive, got %d", c.Session.TimeoutMinutes)
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session sweep_interval must be positive, got %s", c.Session.SweepInterval)
	}
	if c.Session.OpenTimeout < 0 || c.Session.SignTimeout < 0 {
		return fmt.Errorf("session timeouts must not be negative")
	}

	if err := provider.Validate(c.Providers); err != nil {
		return err
	}

	if _, err := language.Parse(c.Locale); err != nil {
		return fmt.Errorf("invalid locale %q: %w", c.Locale, err)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /: %q", c.Metrics.Path)
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMin <= 0 {
		return fmt.Errorf("ratelimit requests_per_min must be positive when enabled")
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS cert_file and key_file are required when TLS is enabled")
		}
	}
	return nil
}
