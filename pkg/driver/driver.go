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

// Package driver describes the PKCS#11 capability the session manager
// depends on: load a library, enumerate tokens and certificates, log in,
// obtain a signer and release everything again.
//
// The production implementation lives in driver/pkcs11 and is compiled
// with the pkcs11 build tag. driver/mock provides an instrumented
// in-memory implementation.
package driver

import (
	"crypto"
	"crypto/x509"
	"errors"
)

var (
	// ErrLibraryUnavailable is returned when the driver library cannot be loaded.
	ErrLibraryUnavailable = errors.New("driver: library unavailable")

	// ErrPinIncorrect is returned when the token rejects the PIN.
	ErrPinIncorrect = errors.New("driver: pin incorrect")

	// ErrPinLocked is returned when the token PIN is blocked.
	ErrPinLocked = errors.New("driver: pin locked")

	// ErrCancelled is returned when the token or its PIN dialog cancelled
	// the operation.
	ErrCancelled = errors.New("driver: operation cancelled")

	// ErrDeviceRemoved is returned when the token went away mid-operation.
	ErrDeviceRemoved = errors.New("driver: device removed")

	// ErrNoPrivateKey is returned when no signing key pairs with a certificate.
	ErrNoPrivateKey = errors.New("driver: no private key for certificate")

	// ErrClosed is returned when a closed resource is used.
	ErrClosed = errors.New("driver: resource closed")
)

// Driver loads PKCS#11 libraries.
type Driver interface {
	// Open loads the library at path and initializes it.
	Open(path string) (Module, error)
}

// Module is a loaded, initialized library. Close releases it.
type Module interface {
	// Tokens lists the tokens currently present, in slot order.
	Tokens() ([]TokenInfo, error)

	// Certificates lists the public certificate objects on a token
	// without logging in. HasPrivateKey is always false here because
	// private objects are only visible after login.
	Certificates(slot uint) ([]Certificate, error)

	// Login opens a session on slot and authenticates with pin.
	Login(slot uint, pin string) (TokenSession, error)

	Close() error
}

// TokenSession is an authenticated session on one token.
type TokenSession interface {
	// Certificates lists certificates with private key presence resolved.
	Certificates() ([]Certificate, error)

	// Signer returns a signer backed by the private key paired with cert.
	Signer(cert Certificate) (crypto.Signer, error)

	Close() error
}

// TokenInfo describes a present token.
type TokenInfo struct {
	SlotID       uint
	Serial       string
	Label        string
	Manufacturer string
	Model        string
}

// Certificate is a certificate object read from a token.
type Certificate struct {
	Certificate   *x509.Certificate
	ID            []byte
	Label         string
	HasPrivateKey bool
}

// Handle is an owned driver resource that backs a session. Close releases
// the token session and the module reference exactly once; later calls
// return nil.
type Handle interface {
	Signer() crypto.Signer
	Close() error
}
