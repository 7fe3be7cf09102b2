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

package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-tokensession/pkg/discovery"
	"github.com/jeremyhahn/go-tokensession/pkg/driver"
	"github.com/jeremyhahn/go-tokensession/pkg/driver/mock"
	"github.com/jeremyhahn/go-tokensession/pkg/pin"
	"github.com/jeremyhahn/go-tokensession/pkg/provider"
	"github.com/jeremyhahn/go-tokensession/pkg/session"
	"github.com/jeremyhahn/go-tokensession/pkg/signing"
	"github.com/jeremyhahn/go-tokensession/pkg/tokenerr"
)

var document = []byte("contract v3")

type harness struct {
	svc     *Service
	drv     *mock.Driver
	manager *session.Manager

	mu      sync.Mutex
	entries []provider.Entry
}

func newHarness(t *testing.T, tokens ...*mock.Token) *harness {
	t.Helper()
	h := &harness{drv: mock.New()}
	path := filepath.Join(t.TempDir(), "vendor.so")
	require.NoError(t, os.WriteFile(path, []byte("ELF"), 0o600))
	h.drv.AddLibrary(path, tokens...)
	h.entries = []provider.Entry{{Name: "vendor", Library: path}}

	reg, err := provider.NewRegistry(provider.SourceFunc(func() ([]provider.Entry, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		return append([]provider.Entry(nil), h.entries...), nil
	}))
	require.NoError(t, err)

	store := session.NewStore(30 * time.Minute)
	h.manager, err = session.NewManager(session.ManagerConfig{
		Registry:   reg,
		Discoverer: discovery.New(h.drv),
		Store:      store,
	})
	require.NoError(t, err)
	t.Cleanup(h.manager.Close)

	h.svc, err = New(Config{
		Manager: h.manager,
		Facade:  signing.NewFacade(signing.Config{Store: store, Timeout: 5 * time.Second}),
	})
	require.NoError(t, err)
	return h
}

func token(serial, cn string) *mock.Token {
	cert, key := mock.ValidCertificate(cn)
	return &mock.Token{
		Info:    driver.TokenInfo{Serial: serial, Label: "SIGN"},
		PIN:     "1234",
		Objects: []*mock.Object{{Certificate: cert, Key: key}},
	}
}

// countingPIN returns a supplier that answers "1234" and counts how often
// it was asked.
func countingPIN() (pin.Supplier, *atomic.Int32) {
	var n atomic.Int32
	return pin.SupplierFunc(func() (string, error) {
		n.Add(1)
		return "1234", nil
	}), &n
}

var refusePIN = pin.SupplierFunc(func() (string, error) {
	return "", errors.New("PIN must not be requested")
})

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOpenAndInvalidateSession(t *testing.T) {
	h := newHarness(t, token("S-1", "Dr. Ada"))
	ctx := context.Background()

	_, ok := h.svc.ActiveSession("alice")
	assert.False(t, ok)

	supplier, asked := countingPIN()
	info, err := h.svc.OpenSession(ctx, "alice", supplier)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.UserID)
	assert.Equal(t, "vendor", info.Provider)
	assert.Equal(t, "Dr. Ada", info.Certificate.SubjectCN)
	assert.True(t, info.Certificate.IsValid)
	assert.True(t, info.ExpiresAt.After(info.CreatedAt))
	assert.Equal(t, int32(1), asked.Load())

	again, err := h.svc.OpenSession(ctx, "alice", refusePIN)
	require.NoError(t, err)
	assert.Equal(t, info.ID, again.ID)

	active, ok := h.svc.ActiveSession("alice")
	require.True(t, ok)
	assert.Equal(t, info.ID, active.ID)

	assert.True(t, h.svc.InvalidateSession("alice"))
	assert.False(t, h.svc.InvalidateSession("alice"))
	_, ok = h.svc.ActiveSession("alice")
	assert.False(t, ok)
}

func TestSignOpensSessionOnDemand(t *testing.T) {
	h := newHarness(t, token("S-1", "Dr. Ada"))
	ctx := context.Background()

	supplier, asked := countingPIN()
	res, err := h.svc.Sign(ctx, "alice", document, supplier)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(1), asked.Load())

	_, err = signing.Verify(res.Signature, document)
	assert.NoError(t, err)

	// The second signature reuses the session without a PIN.
	res, err = h.svc.Sign(ctx, "alice", document, refusePIN)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, h.drv.Logins(), 1)
}

func TestSignReportsOpenFailure(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.Sign(context.Background(), "alice", document, refusePIN)
	assert.ErrorIs(t, err, tokenerr.ErrNoUsableToken)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, tokenerr.NoUsableToken, res.Failure)
	assert.Contains(t, res.Message, "plugged in")
}

func TestSignRejectsEmptyData(t *testing.T) {
	h := newHarness(t, token("S-1", "Dr. Ada"))
	res, err := h.svc.Sign(context.Background(), "alice", nil, refusePIN)
	assert.ErrorIs(t, err, signing.ErrEmptyData)
	assert.False(t, res.Success)
	assert.Empty(t, h.drv.Logins())
}

func TestSignRetriesOnceAfterSessionExpired(t *testing.T) {
	h := newHarness(t, token("S-1", "Dr. Ada"))
	ctx := context.Background()

	supplier, asked := countingPIN()
	info, err := h.svc.OpenSession(ctx, "alice", supplier)
	require.NoError(t, err)
	sess, ok := h.manager.GetActive("alice")
	require.True(t, ok)

	// Hold the lock so Sign queues behind it, then invalidate the session
	// while Sign is waiting.
	require.NoError(t, sess.Acquire(ctx))
	done := make(chan *signing.Result, 1)
	go func() {
		res, _ := h.svc.Sign(ctx, "alice", document, supplier)
		done <- res
	}()
	time.Sleep(50 * time.Millisecond)
	require.True(t, h.svc.InvalidateSession("alice"))
	sess.Release()

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.True(t, res.Success, res.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("sign did not return")
	}

	active, ok := h.svc.ActiveSession("alice")
	require.True(t, ok)
	assert.NotEqual(t, info.ID, active.ID)
	assert.Len(t, h.drv.Logins(), 2)
	assert.Equal(t, int32(2), asked.Load())
}

func TestSignEvictsSessionWhenTokenRemoved(t *testing.T) {
	tok := token("S-1", "Dr. Ada")
	tok.SignErr = driver.ErrDeviceRemoved
	h := newHarness(t, tok)

	supplier, _ := countingPIN()
	res, err := h.svc.Sign(context.Background(), "alice", document, supplier)
	assert.ErrorIs(t, err, tokenerr.ErrDeviceRemoved)
	assert.Equal(t, "device_removed", res.FailureName())

	_, ok := h.svc.ActiveSession("alice")
	assert.False(t, ok)
	sessions := h.drv.Sessions()
	require.Len(t, sessions, 1)
	assert.Eventually(t, func() bool { return sessions[0].Closes() == 1 }, time.Second, 10*time.Millisecond)
}

func TestListingOperations(t *testing.T) {
	tok := token("S-1", "Dr. Ada")
	h := newHarness(t, tok)
	ctx := context.Background()

	tokens := h.svc.ListTokens(ctx)
	require.Len(t, tokens, 1)
	assert.Equal(t, "S-1", tokens[0].Serial)

	certs := h.svc.ListCertificates(ctx)
	require.Len(t, certs, 1)
	thumb := discovery.Thumbprint(tok.Objects[0].Certificate)
	assert.Equal(t, thumb, certs[0].Thumbprint)

	info, err := h.svc.CertificateInfo(ctx, thumb)
	require.NoError(t, err)
	assert.Equal(t, "Dr. Ada", info.SubjectCN)

	_, err = h.svc.CertificateInfo(ctx, "00")
	assert.ErrorIs(t, err, session.ErrCertificateNotFound)
}

func TestProvidersAndReload(t *testing.T) {
	h := newHarness(t, token("S-1", "Dr. Ada"))

	providers := h.svc.Providers()
	require.Len(t, providers, 1)
	assert.True(t, providers[0].Present)

	h.mu.Lock()
	h.entries = append(h.entries, provider.Entry{Name: "missing", Library: "/nonexistent/lib.so"})
	h.mu.Unlock()

	providers, err := h.svc.ReloadProviders()
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "missing", providers[1].Name)
	assert.False(t, providers[1].Present)

	h.mu.Lock()
	h.entries = []provider.Entry{{Name: "", Library: ""}}
	h.mu.Unlock()
	_, err = h.svc.ReloadProviders()
	assert.Error(t, err)
	assert.Len(t, h.svc.Providers(), 2)
}
