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
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often expired sessions are evicted. It must
// stay well below the shortest session timeout.
const DefaultSweepInterval = 60 * time.Second

// Sweeper periodically evicts expired sessions so their hardware handles
// are released even when no requests arrive.
type Sweeper struct {
	ctx      context.Context
	cancel   context.CancelFunc
	store    *Store
	interval time.Duration
	logger   *slog.Logger
	done     chan struct{}
}

// NewSweeper creates a sweeper for store. A non-positive interval selects
// DefaultSweepInterval.
//
// Example:
//
//	sweeper := session.NewSweeper(ctx, store, time.Minute, logger)
//	go sweeper.Start()
//	defer sweeper.Stop()
func NewSweeper(ctx context.Context, store *Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	return &Sweeper{
		ctx:      sweepCtx,
		cancel:   cancel,
		store:    store,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start sweeps at the configured interval until Stop is called or the
// parent context is cancelled. It blocks.
func (s *Sweeper) Start() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs a single sweep at the store clock and returns the number
// of evicted sessions.
func (s *Sweeper) SweepOnce() int {
	evicted := s.store.Sweep(s.store.Now())
	for _, sess := range evicted {
		s.logger.Info("session expired",
			slog.String("session_id", sess.ID),
			slog.String("user_id", sess.UserID),
			slog.String("provider", sess.Provider))
	}
	return len(evicted)
}

// Stop halts the sweeper and waits for a running sweep to finish. It must
// only be called after Start.
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.done
}

// StartSweeper creates a sweeper and runs it in a goroutine.
func StartSweeper(ctx context.Context, store *Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	s := NewSweeper(ctx, store, interval, logger)
	go s.Start()
	return s
}
