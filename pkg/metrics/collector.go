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

package metrics

import (
	"context"
	"time"
)

// GaugeSource reports a value sampled by the Collector.
type GaugeSource func() int

// Collector periodically samples session and provider state into gauges.
type Collector struct {
	ctx       context.Context
	cancel    context.CancelFunc
	interval  time.Duration
	started   time.Time
	sessions  GaugeSource
	providers func() (present, missing int)
}

// NewCollector creates a collector that samples at interval. Either source
// may be nil.
//
// Example:
//
//	collector := metrics.NewCollector(ctx, 30*time.Second, store.Len, health.ProviderCounts(registry, discovery.LibraryExists))
//	go collector.Start()
//	defer collector.Stop()
func NewCollector(ctx context.Context, interval time.Duration, sessions GaugeSource, providers func() (int, int)) *Collector {
	collectorCtx, cancel := context.WithCancel(ctx)
	return &Collector{
		ctx:       collectorCtx,
		cancel:    cancel,
		interval:  interval,
		started:   time.Now(),
		sessions:  sessions,
		providers: providers,
	}
}

// Start samples at the configured interval until Stop is called or the
// parent context is cancelled. It blocks.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop halts the collector.
func (c *Collector) Stop() {
	c.cancel()
}

func (c *Collector) collect() {
	if !IsEnabled() {
		return
	}
	if c.sessions != nil {
		SetSessionsActive(c.sessions())
	}
	if c.providers != nil {
		SetProviders(c.providers())
	}
	ServerUptime.Set(time.Since(c.started).Seconds())
}
