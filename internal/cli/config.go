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

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"

	"github.com/spf13/viper"
	"golang.org/x/text/language"

	"github.com/jeremyhahn/go-tokensession/internal/config"
	"github.com/jeremyhahn/go-tokensession/pkg/discovery"
	"github.com/jeremyhahn/go-tokensession/pkg/driver"
	"github.com/jeremyhahn/go-tokensession/pkg/driver/pkcs11"
	"github.com/jeremyhahn/go-tokensession/pkg/logging"
	"github.com/jeremyhahn/go-tokensession/pkg/pin"
	"github.com/jeremyhahn/go-tokensession/pkg/provider"
	"github.com/jeremyhahn/go-tokensession/pkg/service"
	"github.com/jeremyhahn/go-tokensession/pkg/session"
	"github.com/jeremyhahn/go-tokensession/pkg/signing"
	"github.com/jeremyhahn/go-tokensession/pkg/tokenerr"
)

// Settings keys bound to flags and TOKENSIGN_* environment variables.
const (
	keyConfig  = "config"
	keyOutput  = "output"
	keyVerbose = "verbose"
	keyPIN     = "pin"
	keyLocale  = "locale"
)

// Config holds the CLI dependencies. Fields left nil get production
// defaults.
type Config struct {
	// Driver loads token libraries.
	Driver driver.Driver

	// PIN supplies the token PIN when --pin and TOKENSIGN_PIN are unset.
	// Defaults to an interactive prompt.
	PIN pin.Supplier

	Stdout io.Writer
	Stderr io.Writer

	settings *viper.Viper
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	v := viper.New()
	v.SetEnvPrefix("TOKENSIGN")
	v.AutomaticEnv()
	v.SetDefault(keyOutput, string(OutputFormatText))
	return &Config{
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		settings: v,
	}
}

// OutputFormat returns the selected output format.
func (c *Config) OutputFormat() string {
	return c.settings.GetString(keyOutput)
}

// printer returns a Printer on stdout in the selected format.
func (c *Config) printer() *Printer {
	return NewPrinter(c.OutputFormat(), c.Stdout)
}

// loadDaemonConfig reads the YAML file named by --config, if any.
func (c *Config) loadDaemonConfig() (*config.Config, error) {
	cfg, err := config.Load(c.settings.GetString(keyConfig))
	if err != nil {
		return nil, err
	}
	if locale := c.settings.GetString(keyLocale); locale != "" {
		cfg.Locale = locale
	}
	return cfg, nil
}

// language returns the language for user-facing messages.
func (c *Config) language(cfg *config.Config) language.Tag {
	tag, err := language.Parse(cfg.Locale)
	if err != nil {
		return language.English
	}
	return tokenerr.Match(tag)
}

// pinSupplier returns the PIN source: --pin or TOKENSIGN_PIN first, then
// the configured supplier.
func (c *Config) pinSupplier() (pin.Supplier, error) {
	if secret := c.settings.GetString(keyPIN); secret != "" {
		return pin.Static(secret)
	}
	if c.PIN != nil {
		return c.PIN, nil
	}
	prompt := pin.NewPrompt("Token PIN")
	prompt.Out = c.Stderr
	return prompt, nil
}

// localService is a service bound directly to the tokens on this machine.
type localService struct {
	*service.Service
	manager *session.Manager
	lang    language.Tag
}

// Close disposes every session the command opened.
func (l *localService) Close() {
	l.manager.Close()
}

// context returns ctx carrying the message language.
func (l *localService) context(ctx context.Context) context.Context {
	return tokenerr.WithLanguage(ctx, l.lang)
}

// openLocal builds a service against the configured providers. detached
// overrides the configured signature format when non-nil.
func (c *Config) openLocal(detached *bool) (*localService, error) {
	cfg, err := c.loadDaemonConfig()
	if err != nil {
		return nil, err
	}

	level := "warn"
	if c.settings.GetBool(keyVerbose) {
		level = "debug"
	}
	logger, _ := logging.New(level, "text", c.Stderr)

	var source provider.Source = provider.StaticSource(cfg.Providers)
	if path := c.settings.GetString(keyConfig); path != "" {
		source = config.ProviderSource(path)
	}
	registry, err := provider.NewRegistry(source)
	if err != nil {
		return nil, err
	}

	drv := c.Driver
	if drv == nil {
		drv = pkcs11.New()
	}
	store := session.NewStore(cfg.Session.Timeout())
	manager, err := session.NewManager(session.ManagerConfig{
		Registry:    registry,
		Discoverer:  discovery.New(drv, discovery.WithLogger(logger)),
		Store:       store,
		OpenTimeout: cfg.Session.OpenTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	cms := signing.CMS{Detached: cfg.Signing.Detached}
	if detached != nil {
		cms.Detached = *detached
	}
	svc, err := service.New(service.Config{
		Manager: manager,
		Facade: signing.NewFacade(signing.Config{
			Primitive: cms,
			Store:     store,
			Timeout:   cfg.Session.SignTimeout,
			Logger:    logger,
		}),
		Logger: logger,
	})
	if err != nil {
		manager.Close()
		return nil, err
	}
	return &localService{Service: svc, manager: manager, lang: c.language(cfg)}, nil
}

// currentUser names the session the CLI signs under.
func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}

// verbosef writes to stderr when --verbose is set.
func (c *Config) verbosef(format string, args ...any) {
	if c.settings.GetBool(keyVerbose) {
		fmt.Fprintf(c.Stderr, "[VERBOSE] "+format+"\n", args...)
	}
}
