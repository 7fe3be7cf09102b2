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

package driver

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
)

// ErrAlreadyLoggedIn is returned by a raw token login when the token is
// already in the user state for this application. Tokens report it before
// looking at the PIN.
var ErrAlreadyLoggedIn = errors.New("driver: user already logged in")

// Argon2id parameters for remembered PINs. Memory is in KiB.
const (
	pinHashTime    = 1
	pinHashMemory  = 8 * 1024
	pinHashThreads = 1
	pinHashLength  = 32
	pinSaltLength  = 16
)

// LoginLedger remembers, per library and slot, an Argon2id hash of the
// PIN that moved the token into the user state, and how many token
// sessions rely on that login.
//
// PKCS#11 login state belongs to the token, not to a session, so a second
// C_Login on a logged in token answers CKR_USER_ALREADY_LOGGED_IN whatever
// PIN it was given. The ledger lets such a login succeed only when the
// caller knows the PIN that is already in effect.
type LoginLedger struct {
	// logins serializes Login so a token between C_Login and record is
	// never seen as logged in by a holder this ledger does not know.
	logins  sync.Mutex
	mu      sync.Mutex
	entries map[loginKey]*loginEntry
}

type loginKey struct {
	library string
	slot    uint
}

type loginEntry struct {
	salt     []byte
	hash     []byte
	sessions int
}

// NewLoginLedger returns an empty ledger.
func NewLoginLedger() *LoginLedger {
	return &LoginLedger{entries: make(map[loginKey]*loginEntry)}
}

// Login authenticates pin on library/slot through login, the raw token
// login. A nil error means the caller now holds one reference on the
// slot's login and must call Release when its token session closes.
//
// When login reports ErrAlreadyLoggedIn the PIN is checked against the
// recorded one and ErrPinIncorrect is returned on mismatch. A token that
// is logged in without a ledger entry has no session depending on it
// here, so logout is called and the login retried once. logout may be
// nil.
func (l *LoginLedger) Login(library string, slot uint, pin string, login, logout func() error) error {
	l.logins.Lock()
	defer l.logins.Unlock()

	err := login()
	switch {
	case err == nil:
		return l.record(library, slot, pin)
	case !errors.Is(err, ErrAlreadyLoggedIn):
		return err
	}

	known, match := l.verify(library, slot, pin)
	switch {
	case match:
		return nil
	case known:
		return ErrPinIncorrect
	}
	// The token may have left the user state since the first attempt.
	if logout != nil {
		_ = logout()
	}
	if err := login(); err != nil {
		if errors.Is(err, ErrAlreadyLoggedIn) {
			return fmt.Errorf("%w: token logged in by another holder", ErrPinIncorrect)
		}
		return err
	}
	return l.record(library, slot, pin)
}

// Release drops one reference on the slot's login. The recorded PIN hash
// is forgotten with the last reference.
func (l *LoginLedger) Release(library string, slot uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := loginKey{library, slot}
	e, ok := l.entries[key]
	if !ok {
		return
	}
	e.sessions--
	if e.sessions <= 0 {
		delete(l.entries, key)
	}
}

// Sessions returns how many token sessions rely on the slot's login.
func (l *LoginLedger) Sessions(library string, slot uint) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[loginKey{library, slot}]; ok {
		return e.sessions
	}
	return 0
}

func (l *LoginLedger) record(library string, slot uint, pin string) error {
	salt := make([]byte, pinSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	hash := hashPIN(pin, salt)

	l.mu.Lock()
	defer l.mu.Unlock()
	key := loginKey{library, slot}
	e, ok := l.entries[key]
	if !ok {
		e = &loginEntry{}
		l.entries[key] = e
	}
	// A fresh C_Login succeeded, so this PIN is the one in effect.
	e.salt, e.hash = salt, hash
	e.sessions++
	return nil
}

// verify reports whether a login is recorded for the slot and whether pin
// matches it. A match takes a reference.
func (l *LoginLedger) verify(library string, slot uint, pin string) (known, match bool) {
	key := loginKey{library, slot}
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		l.mu.Unlock()
		return false, false
	}
	salt, want := e.salt, e.hash
	l.mu.Unlock()

	got := hashPIN(pin, salt)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return true, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// The last holder may have released while the hash was computed.
	if cur, ok := l.entries[key]; !ok || cur != e {
		return false, false
	}
	e.sessions++
	return true, true
}

func hashPIN(pin string, salt []byte) []byte {
	return argon2.IDKey([]byte(pin), salt, pinHashTime, pinHashMemory, pinHashThreads, pinHashLength)
}
