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

package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-tokensession/pkg/driver/mock"
)

func rsaCertificate(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "RSA Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func TestCMSDetachedRSA(t *testing.T) {
	cert, key := rsaCertificate(t)
	der, err := CMS{Detached: true}.Sign(document, cert, key)
	require.NoError(t, err)

	got, err := Verify(der, document)
	require.NoError(t, err)
	assert.True(t, got.Equal(cert))

	_, err = Verify(der, nil)
	assert.ErrorIs(t, err, ErrEmptyData)
}

func TestCMSAttachedECDSA(t *testing.T) {
	cert, key := mock.ValidCertificate("EC Signer")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	der, err := CMS{Now: func() time.Time { return fixed }}.Sign(document, cert, key)
	require.NoError(t, err)

	// The content travels with the signature.
	got, err := Verify(der, nil)
	require.NoError(t, err)
	assert.True(t, got.Equal(cert))

	_, err = Verify(der, []byte("other"))
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestCMSRejectsBadInput(t *testing.T) {
	cert, key := mock.ValidCertificate("EC Signer")
	_, err := CMS{}.Sign(nil, cert, key)
	assert.ErrorIs(t, err, ErrEmptyData)

	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = CMS{}.Sign(document, cert, edKey)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	_, err = Verify([]byte{0x30, 0x00}, document)
	assert.ErrorIs(t, err, errMalformedMessage)
}

func TestCMSSignatureFromOtherKeyFails(t *testing.T) {
	cert, _ := mock.ValidCertificate("Claimed")
	_, otherKey := mock.ValidCertificate("Actual")
	der, err := CMS{Detached: true}.Sign(document, cert, otherKey)
	require.NoError(t, err)

	_, err = Verify(der, document)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}
