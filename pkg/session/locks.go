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

	"golang.org/x/sync/semaphore"

	"github.com/jeremyhahn/go-tokensession/pkg/discovery"
)

// tokenLocks hands out one exclusive-use lock per physical token. Every
// session on the same token shares it, so signatures by different users
// against one device never overlap.
type tokenLocks struct {
	mu    sync.Mutex
	locks map[tokenKey]*tokenLock
}

// tokenKey identifies a physical token. Tokens without a serial fall back
// to their label.
type tokenKey struct {
	library string
	token   string
}

type tokenLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newTokenLocks() *tokenLocks {
	return &tokenLocks{locks: make(map[tokenKey]*tokenLock)}
}

func keyOf(c discovery.TokenCertificate) tokenKey {
	if c.TokenSerial != "" {
		return tokenKey{library: c.Library, token: "serial:" + c.TokenSerial}
	}
	return tokenKey{library: c.Library, token: "label:" + c.TokenLabel}
}

// hold returns the lock for c's token and a func that drops the
// reference. The entry is forgotten with its last reference.
func (t *tokenLocks) hold(c discovery.TokenCertificate) (*semaphore.Weighted, func()) {
	key := keyOf(c)
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &tokenLock{sem: semaphore.NewWeighted(1)}
		t.locks[key] = l
	}
	l.refs++

	var once sync.Once
	return l.sem, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			l.refs--
			if l.refs == 0 {
				delete(t.locks, key)
			}
		})
	}
}

// len returns the number of tokens with at least one session.
func (t *tokenLocks) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
