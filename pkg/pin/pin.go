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

// Package pin supplies token unlock secrets.
//
// A Supplier is consulted at most once per discovery pass. Suppliers that
// hold a secret in memory zero it on Clear.
package pin

import (
	"errors"
	"sync"
)

var (
	// ErrEmptyPIN is returned when an empty PIN is provided.
	ErrEmptyPIN = errors.New("pin: pin cannot be empty")

	// ErrCancelled is returned when the user declines to enter a PIN.
	ErrCancelled = errors.New("pin: entry cancelled")

	// ErrCleared is returned when the PIN has been zeroed.
	ErrCleared = errors.New("pin: pin has been cleared")
)

// Supplier returns the secret used to unlock a token.
type Supplier interface {
	PIN() (string, error)
}

// SupplierFunc adapts a function to the Supplier interface.
type SupplierFunc func() (string, error)

// PIN calls f.
func (f SupplierFunc) PIN() (string, error) {
	return f()
}

// StaticPIN is a Supplier holding a secret given at construction.
type StaticPIN struct {
	mu  sync.RWMutex
	pin []byte
}

// Static returns a Supplier for secret. The string is copied.
func Static(secret string) (*StaticPIN, error) {
	if secret == "" {
		return nil, ErrEmptyPIN
	}
	return &StaticPIN{pin: []byte(secret)}, nil
}

// PIN returns a copy of the stored secret. Go strings are immutable, so
// the returned copy is not wiped by Clear.
func (s *StaticPIN) PIN() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pin == nil {
		return "", ErrCleared
	}
	return string(s.pin), nil
}

// Clear zeroes the stored bytes. Subsequent PIN calls return ErrCleared.
// Strings already handed out by PIN are unaffected.
func (s *StaticPIN) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pin == nil {
		return
	}
	clear(s.pin)
	s.pin = nil
}

// Once wraps s so that it is consulted at most once. The first result,
// secret or error, is returned to every later caller.
func Once(s Supplier) Supplier {
	if s == nil {
		return SupplierFunc(func() (string, error) { return "", ErrCancelled })
	}
	if _, ok := s.(*onceSupplier); ok {
		return s
	}
	return &onceSupplier{next: s}
}

type onceSupplier struct {
	once sync.Once
	next Supplier
	pin  string
	err  error
}

func (o *onceSupplier) PIN() (string, error) {
	o.once.Do(func() {
		o.pin, o.err = o.next.PIN()
		if o.err == nil && o.pin == "" {
			o.err = ErrEmptyPIN
		}
	})
	return o.pin, o.err
}

var (
	_ Supplier = (*StaticPIN)(nil)
	_ Supplier = SupplierFunc(nil)
)
