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

package discovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeremyhahn/go-tokensession/pkg/driver"
	"github.com/jeremyhahn/go-tokensession/pkg/driver/mock"
	"github.com/jeremyhahn/go-tokensession/pkg/pin"
	"github.com/jeremyhahn/go-tokensession/pkg/provider"
	"github.com/jeremyhahn/go-tokensession/pkg/tokenerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// library registers tokens under a real file so the existence check passes.
func library(t *testing.T, drv *mock.Driver, name string, tokens ...*mock.Token) provider.Entry {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".so")
	require.NoError(t, os.WriteFile(path, []byte("ELF"), 0o600))
	drv.AddLibrary(path, tokens...)
	return provider.Entry{Name: name, Library: path}
}

func staticPIN(t *testing.T, secret string) pin.Supplier {
	t.Helper()
	s, err := pin.Static(secret)
	require.NoError(t, err)
	return s
}

func validToken(serial, cn string) *mock.Token {
	cert, key := mock.ValidCertificate(cn)
	return &mock.Token{
		Info:    driver.TokenInfo{Serial: serial, Label: strings.ToUpper(cn)},
		PIN:     "1234",
		Objects: []*mock.Object{{Certificate: cert, Key: key}},
	}
}

func TestDiscoverMissingLibrary(t *testing.T) {
	d := New(mock.New())

	_, err := d.Discover(context.Background(), provider.Entry{Name: "a", Library: "/nonexistent/lib.so"}, staticPIN(t, "1234"))
	assert.ErrorIs(t, err, tokenerr.ErrProviderUnavailable)

	_, err = d.Discover(context.Background(), provider.Entry{Name: "a"}, staticPIN(t, "1234"))
	assert.ErrorIs(t, err, tokenerr.ErrProviderUnavailable)
}

func TestDiscoverOpenFailure(t *testing.T) {
	drv := mock.New()
	entry := library(t, drv, "broken")
	drv.AddLibrary(entry.Library).OpenErr = driver.ErrLibraryUnavailable

	_, err := New(drv).Discover(context.Background(), entry, staticPIN(t, "1234"))
	assert.ErrorIs(t, err, tokenerr.ErrProviderUnavailable)
}

func TestDiscoverNoTokens(t *testing.T) {
	drv := mock.New()
	entry := library(t, drv, "empty")

	calls := 0
	supplier := pin.SupplierFunc(func() (string, error) {
		calls++
		return "1234", nil
	})
	out, err := New(drv).Discover(context.Background(), entry, supplier)
	require.NoError(t, err)
	assert.False(t, out.Found())
	assert.Zero(t, calls, "no token, no PIN request")
	assert.Equal(t, 1, drv.Opens(entry.Library))
	assert.Equal(t, 1, drv.ModuleCloses(entry.Library))
}

func TestDiscoverMatch(t *testing.T) {
	drv := mock.New()
	entry := library(t, drv, "vendor", validToken("0001", "Dr. Ada"))

	out, err := New(drv).Discover(context.Background(), entry, staticPIN(t, "1234"))
	require.NoError(t, err)
	require.True(t, out.Found())

	c := out.Match.Certificate
	assert.Equal(t, "vendor", c.Provider)
	assert.Equal(t, "0001", c.TokenSerial)
	assert.Equal(t, "Dr. Ada", c.SubjectCN)
	assert.True(t, c.HasPrivateKey)
	assert.NotNil(t, out.Match.Handle.Signer())

	// Ownership of the session and module passed to the caller.
	assert.Equal(t, 1, drv.OpenModules())
	assert.Equal(t, 1, drv.OpenSessions())

	require.NoError(t, out.Match.Handle.Close())
	require.NoError(t, out.Match.Handle.Close())
	assert.Equal(t, 0, drv.OpenModules())
	sessions := drv.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].Closes())
}

func TestDiscoverRejectsOutOfWindowCertificates(t *testing.T) {
	now := time.Now()
	expired, expiredKey := mock.NewCertificate("expired", now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	future, futureKey := mock.NewCertificate("future", now.Add(24*time.Hour), now.Add(48*time.Hour))
	keyless, _ := mock.ValidCertificate("keyless")

	drv := mock.New()
	entry := library(t, drv, "vendor", &mock.Token{
		Info: driver.TokenInfo{Serial: "0002"},
		Objects: []*mock.Object{
			{Certificate: expired, Key: expiredKey},
			{Certificate: future, Key: futureKey},
			{Certificate: keyless},
		},
	})

	out, err := New(drv).Discover(context.Background(), entry, staticPIN(t, "1234"))
	require.NoError(t, err)
	assert.False(t, out.Found())
	require.Len(t, out.Rejected, 3)
	assert.Equal(t, tokenerr.CertificateExpired, out.Rejected[0].Kind)
	assert.Equal(t, tokenerr.CertificateNotYetValid, out.Rejected[1].Kind)
	assert.Equal(t, ReasonNoPrivateKey, out.Rejected[2].Reason)

	// Nothing is retained for rejected candidates.
	assert.Equal(t, 0, drv.OpenModules())
	assert.Equal(t, 0, drv.OpenSessions())
}

func TestDiscoverWrongPIN(t *testing.T) {
	drv := mock.New()
	entry := library(t, drv, "vendor", validToken("0001", "Dr. Ada"))

	out, err := New(drv).Discover(context.Background(), entry, staticPIN(t, "9999"))
	assert.ErrorIs(t, err, tokenerr.ErrPinRejected)
	assert.False(t, out.Found())
	assert.Equal(t, 0, drv.OpenModules())
}

func TestDiscoverWrongPINOnOneTokenContinues(t *testing.T) {
	drv := mock.New()
	other := validToken("0001", "Other")
	other.PIN = "0000"
	entry := library(t, drv, "vendor", other, validToken("0002", "Dr. Ada"))

	out, err := New(drv).Discover(context.Background(), entry, staticPIN(t, "1234"))
	require.NoError(t, err)
	require.True(t, out.Found())
	assert.Equal(t, "0002", out.Match.Certificate.TokenSerial)
	require.NoError(t, out.Match.Handle.Close())
}

func TestDiscoverCancelledPIN(t *testing.T) {
	drv := mock.New()
	entry := library(t, drv, "vendor", validToken("0001", "a"), validToken("0002", "b"))

	supplier := pin.SupplierFunc(func() (string, error) { return "", pin.ErrCancelled })
	_, err := New(drv).Discover(context.Background(), entry, supplier)
	assert.ErrorIs(t, err, tokenerr.ErrUserCancelled)
	assert.Empty(t, drv.Logins())
	assert.Equal(t, 0, drv.OpenModules())
}

func TestDiscoverTokenCancelledLogin(t *testing.T) {
	drv := mock.New()
	tok := validToken("0001", "a")
	tok.LoginErr = driver.ErrCancelled
	entry := library(t, drv, "vendor", tok, validToken("0002", "b"))

	_, err := New(drv).Discover(context.Background(), entry, staticPIN(t, "1234"))
	assert.ErrorIs(t, err, tokenerr.ErrUserCancelled)
	assert.Len(t, drv.Logins(), 1, "search stops at the cancelled token")
}

func TestDiscoverRemovedTokenSkipped(t *testing.T) {
	drv := mock.New()
	gone := validToken("0001", "gone")
	gone.LoginErr = driver.ErrDeviceRemoved
	entry := library(t, drv, "vendor", gone, validToken("0002", "b"))

	out, err := New(drv).Discover(context.Background(), entry, staticPIN(t, "1234"))
	require.NoError(t, err)
	require.True(t, out.Found())
	assert.Equal(t, "0002", out.Match.Certificate.TokenSerial)
	require.NoError(t, out.Match.Handle.Close())
}

func TestDiscoverDeadline(t *testing.T) {
	drv := mock.New()
	slow := validToken("0001", "slow")
	slow.LoginDelay = 200 * time.Millisecond
	entry := library(t, drv, "vendor", slow)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := New(drv).Discover(ctx, entry, staticPIN(t, "1234"))
	assert.ErrorIs(t, err, tokenerr.ErrDeviceUnresponsive)

	// The late match is released once the token answers.
	assert.Eventually(t, func() bool {
		return drv.OpenModules() == 0 && drv.OpenSessions() == 0 && len(drv.Sessions()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDiscoverUsesClock(t *testing.T) {
	drv := mock.New()
	entry := library(t, drv, "vendor", validToken("0001", "a"))

	later := time.Now().Add(72 * time.Hour)
	out, err := New(drv, WithClock(func() time.Time { return later })).
		Discover(context.Background(), entry, staticPIN(t, "1234"))
	require.NoError(t, err)
	assert.False(t, out.Found())
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, tokenerr.CertificateExpired, out.Rejected[0].Kind)
}

func TestListTokens(t *testing.T) {
	drv := mock.New()
	entry := library(t, drv, "vendor", validToken("0001", "a"), validToken("0002", "b"))

	tokens, err := New(drv).ListTokens(context.Background(), entry)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "0001", tokens[0].Serial)
	assert.Equal(t, "vendor", tokens[1].Provider)
	assert.Equal(t, 0, drv.OpenModules())
	assert.Empty(t, drv.Logins())
}

func TestListCertificates(t *testing.T) {
	drv := mock.New()
	entry := library(t, drv, "vendor", validToken("0001", "a"))

	certs, err := New(drv).ListCertificates(context.Background(), entry)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "a", certs[0].SubjectCN)
	assert.False(t, certs[0].HasPrivateKey)
	assert.Equal(t, 0, drv.OpenModules())
}

func TestThumbprint(t *testing.T) {
	cert, _ := mock.ValidCertificate("a")
	sum := sha1.Sum(cert.Raw)
	assert.Equal(t, strings.ToUpper(hex.EncodeToString(sum[:])), Thumbprint(cert))

	lower := strings.ToLower(Thumbprint(cert))
	assert.Equal(t, Thumbprint(cert), NormalizeThumbprint(lower))
	assert.Equal(t, "ABCD", NormalizeThumbprint("ab:cd"))
}

func TestValidity(t *testing.T) {
	nb := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	na := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, tokenerr.Unknown, Validity(nb, na, nb))
	assert.Equal(t, tokenerr.Unknown, Validity(nb, na, na))
	assert.Equal(t, tokenerr.CertificateNotYetValid, Validity(nb, na, nb.Add(-time.Second)))
	assert.Equal(t, tokenerr.CertificateExpired, Validity(nb, na, na.Add(time.Second)))
}
