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

// Package session caches authenticated token sessions per user.
//
// A Session owns the driver handle produced by discovery. The Store maps
// user identities to sessions and is the only place sessions are removed,
// so exactly one caller ends up disposing each handle. The Manager drives
// discovery across providers on a miss, and the Sweeper evicts expired
// sessions in the background.
package session

import (
	"context"
	"crypto"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jeremyhahn/go-tokensession/pkg/discovery"
	"github.com/jeremyhahn/go-tokensession/pkg/driver"
)

// Session is a user's authenticated, time-bounded hold on one token
// certificate.
type Session struct {
	ID          string
	UserID      string
	Provider    string
	Certificate discovery.TokenCertificate
	CreatedAt   time.Time

	handle driver.Handle

	// lock has capacity one and is held for every operation that touches
	// handle, including the final Close. Sessions opened by a Manager on
	// the same physical token share it.
	lock   *semaphore.Weighted
	unlock func()

	mu     sync.Mutex
	expiry time.Time

	invalidated atomic.Bool
	disposed    atomic.Bool
	released    chan struct{}
	closeErr    error
}

// CloseError returns the error from closing the driver handle. It is only
// meaningful after Released is closed.
func (s *Session) CloseError() error {
	select {
	case <-s.released:
		return s.closeErr
	default:
		return nil
	}
}

// New builds a session around a discovery match with a lock of its own.
// Ownership of the match handle moves to the session.
func New(userID string, match *discovery.Match, now time.Time, timeout time.Duration) *Session {
	return newSession(userID, match, now, timeout, semaphore.NewWeighted(1), nil)
}

// newSession builds a session guarded by lock. unlock, if set, runs once
// the handle is closed.
func newSession(userID string, match *discovery.Match, now time.Time, timeout time.Duration, lock *semaphore.Weighted, unlock func()) *Session {
	return &Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		Provider:    match.Certificate.Provider,
		Certificate: match.Certificate,
		CreatedAt:   now,
		handle:      match.Handle,
		lock:        lock,
		unlock:      unlock,
		expiry:      now.Add(timeout),
		released:    make(chan struct{}),
	}
}

// Acquire takes the exclusive-use lock of the session's token, waiting
// until ctx is done.
func (s *Session) Acquire(ctx context.Context) error {
	return s.lock.Acquire(ctx, 1)
}

// Release returns the exclusive-use lock.
func (s *Session) Release() {
	s.lock.Release(1)
}

// Signer returns the token signer. Callers must hold the lock.
func (s *Session) Signer() crypto.Signer {
	return s.handle.Signer()
}

// Expiry returns the current expiry time.
func (s *Session) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

// Invalidated reports whether the session was removed from its store.
// A signer that acquires the lock of an invalidated session must not use
// the handle.
func (s *Session) Invalidated() bool {
	return s.invalidated.Load()
}

// Released is closed once the driver handle has been closed.
func (s *Session) Released() <-chan struct{} {
	return s.released
}

// liveAt reports whether the session has not expired at now.
func (s *Session) liveAt(now time.Time) bool {
	return s.Expiry().After(now)
}

// refresh moves expiry to now+timeout. Expiry never goes backwards and
// every refresh moves it forward by at least one nanosecond.
func (s *Session) refresh(now time.Time, timeout time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := now.Add(timeout)
	if !next.After(s.expiry) {
		next = s.expiry.Add(time.Nanosecond)
	}
	s.expiry = next
	return next
}

// dispose marks the session invalidated and closes its handle exactly
// once. When a signer holds the lock, the close waits for it in the
// background so the handle is never closed under a running operation.
func (s *Session) dispose() {
	s.invalidated.Store(true)
	if s.disposed.Swap(true) {
		return
	}
	if s.lock.TryAcquire(1) {
		s.closeHandle()
		return
	}
	go func() {
		_ = s.lock.Acquire(context.Background(), 1)
		s.closeHandle()
	}()
}

func (s *Session) closeHandle() {
	if s.handle != nil {
		s.closeErr = s.handle.Close()
	}
	s.lock.Release(1)
	if s.unlock != nil {
		s.unlock()
	}
	close(s.released)
}
