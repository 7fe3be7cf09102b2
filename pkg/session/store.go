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
	"sync"
	"time"

	"github.com/jeremyhahn/go-tokensession/pkg/metrics"
)

// DefaultTimeout is the session lifetime after creation or last use.
const DefaultTimeout = 30 * time.Minute

// Store maps user identities to sessions. All map operations are
// linearizable. The store protects the map only; the hardware is
// protected by each session's own lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timeout  time.Duration
	now      func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreClock overrides the store clock.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(st *Store) {
		if now != nil {
			st.now = now
		}
	}
}

// NewStore returns an empty store. A non-positive timeout selects
// DefaultTimeout.
func NewStore(timeout time.Duration, opts ...StoreOption) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	st := &Store{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Timeout returns the session lifetime.
func (st *Store) Timeout() time.Duration {
	return st.timeout
}

// Now returns the store clock reading.
func (st *Store) Now() time.Time {
	return st.now()
}

// Get returns the session for userID if its expiry lies in the future.
// It never changes expiry.
func (st *Store) Get(userID string) (*Session, bool) {
	st.mu.RLock()
	s, ok := st.sessions[userID]
	st.mu.RUnlock()
	if !ok || !s.liveAt(st.now()) {
		return nil, false
	}
	return s, true
}

// Put stores s under its user, replacing any previous entry. The previous
// session is returned and is not disposed; that is the caller's job.
func (st *Store) Put(s *Session) *Session {
	st.mu.Lock()
	prev := st.sessions[s.UserID]
	st.sessions[s.UserID] = s
	n := len(st.sessions)
	st.mu.Unlock()

	metrics.SetSessionsActive(n)
	return prev
}

// Refresh pushes the expiry of userID's session forward. It reports
// whether a session was present.
func (st *Store) Refresh(userID string) bool {
	st.mu.RLock()
	s, ok := st.sessions[userID]
	st.mu.RUnlock()
	if !ok {
		return false
	}
	s.refresh(st.now(), st.timeout)
	return true
}

// RefreshSession pushes the expiry of s forward if s is still the stored
// session for its user.
func (st *Store) RefreshSession(s *Session) bool {
	st.mu.RLock()
	cur, ok := st.sessions[s.UserID]
	st.mu.RUnlock()
	if !ok || cur != s {
		return false
	}
	s.refresh(st.now(), st.timeout)
	return true
}

// Invalidate removes userID's session and returns it. Exactly one caller
// receives a given session; that caller disposes it.
func (st *Store) Invalidate(userID string) (*Session, bool) {
	st.mu.Lock()
	s, ok := st.sessions[userID]
	if ok {
		delete(st.sessions, userID)
	}
	n := len(st.sessions)
	st.mu.Unlock()

	if ok {
		metrics.SetSessionsActive(n)
	}
	return s, ok
}

// Remove deletes s if it is still the stored session for its user.
func (st *Store) Remove(s *Session) bool {
	st.mu.Lock()
	cur, ok := st.sessions[s.UserID]
	if ok && cur == s {
		delete(st.sessions, s.UserID)
	} else {
		ok = false
	}
	n := len(st.sessions)
	st.mu.Unlock()

	if ok {
		metrics.SetSessionsActive(n)
	}
	return ok
}

// Sweep removes every session whose expiry is before now and disposes
// them outside the map lock. It returns the evicted sessions.
func (st *Store) Sweep(now time.Time) []*Session {
	st.mu.Lock()
	var expired []*Session
	for id, s := range st.sessions {
		if s.Expiry().Before(now) {
			expired = append(expired, s)
			delete(st.sessions, id)
		}
	}
	n := len(st.sessions)
	st.mu.Unlock()

	for _, s := range expired {
		s.dispose()
		metrics.RecordEviction(metrics.ReasonExpired)
	}
	if len(expired) > 0 {
		metrics.SetSessionsActive(n)
	}
	return expired
}

// Len returns the number of stored sessions, live or not yet swept.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Snapshot returns the stored sessions that are live at the store clock.
func (st *Store) Snapshot() []*Session {
	now := st.now()
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		if s.liveAt(now) {
			out = append(out, s)
		}
	}
	return out
}

// Close removes and disposes every session.
func (st *Store) Close() {
	st.mu.Lock()
	all := st.sessions
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()

	for _, s := range all {
		s.dispose()
		metrics.RecordEviction(metrics.ReasonShutdown)
	}
	metrics.SetSessionsActive(0)
}
