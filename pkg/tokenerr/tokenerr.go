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

// Package tokenerr defines the failure taxonomy shared by discovery,
// session management and signing.
//
// Driver level errors never cross a package boundary raw. They are
// classified into a Kind and wrapped in an *Error, which callers inspect
// with errors.Is against the sentinels below or with KindOf.
package tokenerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// Unknown is the zero value; it is never produced by this module.
	Unknown Kind = iota

	// ProviderUnavailable means the driver library is missing or cannot be loaded.
	ProviderUnavailable

	// NoUsableToken means no provider yielded a time-valid certificate
	// with a private key.
	NoUsableToken

	// CertificateNotYetValid means the certificate validity window has not started.
	CertificateNotYetValid

	// CertificateExpired means the certificate validity window has ended.
	CertificateExpired

	// PinRejected means the token refused the PIN.
	PinRejected

	// UserCancelled means PIN entry or the token operation was cancelled.
	UserCancelled

	// SessionExpired means the session was invalidated while waiting for its lock.
	SessionExpired

	// DeviceUnresponsive means a deadline passed during driver I/O.
	DeviceUnresponsive

	// DeviceRemoved means the token disappeared during an operation.
	DeviceRemoved

	// SigningFailed covers every other cryptographic failure.
	SigningFailed
)

var kindNames = map[Kind]string{
	Unknown:                "unknown",
	ProviderUnavailable:    "provider_unavailable",
	NoUsableToken:          "no_usable_token",
	CertificateNotYetValid: "certificate_not_yet_valid",
	CertificateExpired:     "certificate_expired",
	PinRejected:            "pin_rejected",
	UserCancelled:          "user_cancelled",
	SessionExpired:         "session_expired",
	DeviceUnresponsive:     "device_unresponsive",
	DeviceRemoved:          "device_removed",
	SigningFailed:          "signing_failed",
}

// String returns the snake_case name used in logs, metrics labels and
// JSON responses.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Kinds returns every defined kind except Unknown, in declaration order.
func Kinds() []Kind {
	return []Kind{
		ProviderUnavailable, NoUsableToken, CertificateNotYetValid,
		CertificateExpired, PinRejected, UserCancelled, SessionExpired,
		DeviceUnresponsive, DeviceRemoved, SigningFailed,
	}
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrProviderUnavailable    = &Error{Kind: ProviderUnavailable}
	ErrNoUsableToken          = &Error{Kind: NoUsableToken}
	ErrCertificateNotYetValid = &Error{Kind: CertificateNotYetValid}
	ErrCertificateExpired     = &Error{Kind: CertificateExpired}
	ErrPinRejected            = &Error{Kind: PinRejected}
	ErrUserCancelled          = &Error{Kind: UserCancelled}
	ErrSessionExpired         = &Error{Kind: SessionExpired}
	ErrDeviceUnresponsive     = &Error{Kind: DeviceUnresponsive}
	ErrDeviceRemoved          = &Error{Kind: DeviceRemoved}
	ErrSigningFailed          = &Error{Kind: SigningFailed}
)

// Error is a classified failure.
type Error struct {
	Kind Kind

	// Op names the operation that failed, e.g. "discover" or "sign".
	Op string

	// Detail is diagnostic text safe to show to the end user. For
	// PinRejected and SigningFailed it carries the driver's wording.
	Detail string

	// Err is the underlying cause, kept for logging and errors.As.
	Err error
}

// New returns a classified error.
func New(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
