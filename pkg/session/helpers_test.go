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
	"crypto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeremyhahn/go-tokensession/pkg/discovery"
	"github.com/jeremyhahn/go-tokensession/pkg/driver"
	"github.com/jeremyhahn/go-tokensession/pkg/driver/mock"
	"github.com/jeremyhahn/go-tokensession/pkg/pin"
	"github.com/jeremyhahn/go-tokensession/pkg/provider"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeHandle struct {
	closes atomic.Int32
}

func (h *fakeHandle) Signer() crypto.Signer { return nil }

func (h *fakeHandle) Close() error {
	h.closes.Add(1)
	return nil
}

func newTestSession(userID string, now time.Time, timeout time.Duration) (*Session, *fakeHandle) {
	h := &fakeHandle{}
	m := &discovery.Match{
		Certificate: discovery.TokenCertificate{Provider: "vendor", Thumbprint: "AA"},
		Handle:      h,
	}
	return New(userID, m, now, timeout), h
}

func library(t *testing.T, drv *mock.Driver, name string, tokens ...*mock.Token) provider.Entry {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".so")
	require.NoError(t, os.WriteFile(path, []byte("ELF"), 0o600))
	drv.AddLibrary(path, tokens...)
	return provider.Entry{Name: name, Library: path}
}

func validToken(serial, cn string) *mock.Token {
	cert, key := mock.ValidCertificate(cn)
	return &mock.Token{
		Info:    driver.TokenInfo{Serial: serial, Label: strings.ToUpper(cn)},
		PIN:     "1234",
		Objects: []*mock.Object{{Certificate: cert, Key: key}},
	}
}

func staticPIN(t *testing.T, secret string) pin.Supplier {
	t.Helper()
	s, err := pin.Static(secret)
	require.NoError(t, err)
	return s
}

type fixture struct {
	drv     *mock.Driver
	clock   *fakeClock
	store   *Store
	manager *Manager
}

func newFixture(t *testing.T, drv *mock.Driver, entries ...provider.Entry) *fixture {
	t.Helper()
	reg, err := provider.NewRegistry(provider.StaticSource(entries))
	require.NoError(t, err)
	clock := newFakeClock()
	store := NewStore(30*time.Minute, WithStoreClock(clock.Now))
	m, err := NewManager(ManagerConfig{
		Registry:   reg,
		Discoverer: discovery.New(drv),
		Store:      store,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return &fixture{drv: drv, clock: clock, store: store, manager: m}
}
