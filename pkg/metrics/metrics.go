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

// Package metrics provides Prometheus instrumentation for token sessions,
// provider discovery and signing.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all token session metrics
	Namespace = "tokensign"

	// Label names
	LabelProvider   = "provider"
	LabelResult     = "result"
	LabelReason     = "reason"
	LabelMethod     = "method"
	LabelStatusCode = "status_code"

	// Result values
	ResultSuccess  = "success"
	ResultReused   = "reused"
	ResultNoMatch  = "no_match"
	ResultMatched  = "matched"
	ResultRejected = "rejected"

	// Eviction reasons
	ReasonExpired     = "expired"
	ReasonInvalidated = "invalidated"
	ReasonReplaced    = "replaced"
	ReasonShutdown    = "shutdown"
	ReasonRemoved     = "device_removed"
)

var (
	// SessionsActive tracks the number of sessions currently held in the store.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of cached token sessions",
		},
	)

	// SessionOpensTotal counts session open requests by result. The result
	// is "reused", "success" or a failure kind.
	SessionOpensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "opens_total",
			Help:      "Total number of session open requests by result",
		},
		[]string{LabelResult},
	)

	// SessionEvictionsTotal counts sessions removed from the store by reason.
	SessionEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "evictions_total",
			Help:      "Total number of sessions removed from the store by reason",
		},
		[]string{LabelReason},
	)

	// DiscoveryTotal counts discovery passes per provider and result.
	DiscoveryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "discovery",
			Name:      "attempts_total",
			Help:      "Total number of provider discovery attempts by provider and result",
		},
		[]string{LabelProvider, LabelResult},
	)

	// DiscoveryDuration tracks how long one provider discovery pass takes,
	// including driver load, login and certificate enumeration.
	DiscoveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "discovery",
			Name:      "duration_seconds",
			Help:      "Duration of provider discovery in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{LabelProvider},
	)

	// CertificatesRejectedTotal counts candidate certificates discovery skipped.
	CertificatesRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "discovery",
			Name:      "certificates_rejected_total",
			Help:      "Total number of candidate certificates rejected by reason",
		},
		[]string{LabelProvider, LabelReason},
	)

	// SignaturesTotal counts signing calls by result.
	SignaturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "signing",
			Name:      "signatures_total",
			Help:      "Total number of signing calls by result",
		},
		[]string{LabelResult},
	)

	// SignDuration tracks time spent inside the token producing a signature.
	SignDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "signing",
			Name:      "duration_seconds",
			Help:      "Duration of signature generation in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// LockWaitDuration tracks how long signers wait for the session lock.
	LockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "signing",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the per-session exclusive lock in seconds",
			Buckets:   []float64{.0001, .001, .01, .05, .1, .5, 1, 5, 10},
		},
	)

	// HTTPRequestsTotal tracks the total number of HTTP requests by method and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	// HTTPRequestDuration tracks the duration of HTTP requests in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// HTTPRequestsInFlight tracks HTTP requests currently being served.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being served",
		},
	)

	// ProvidersConfigured tracks configured providers and how many have a
	// driver library present on disk.
	ProvidersConfigured = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "providers",
			Help:      "Number of configured providers by library state",
		},
		[]string{"state"},
	)

	// ServerUptime tracks the server uptime in seconds since startup.
	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// SetSessionsActive sets the active session gauge.
func SetSessionsActive(n int) {
	if !enabled.Load() {
		return
	}
	SessionsActive.Set(float64(n))
}

// RecordSessionOpen records the outcome of a session open request.
func RecordSessionOpen(result string) {
	if !enabled.Load() {
		return
	}
	SessionOpensTotal.WithLabelValues(result).Inc()
}

// RecordEviction records a session leaving the store.
func RecordEviction(reason string) {
	if !enabled.Load() {
		return
	}
	SessionEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordDiscovery records one provider discovery pass.
//
// Example:
//
//	start := time.Now()
//	out, err := discoverer.Discover(ctx, entry, supplier)
//	metrics.RecordDiscovery(entry.Name, result, time.Since(start))
func RecordDiscovery(provider, result string, duration time.Duration) {
	if !enabled.Load() {
		return
	}
	DiscoveryTotal.WithLabelValues(provider, result).Inc()
	DiscoveryDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordRejectedCertificate records a candidate certificate discovery skipped.
func RecordRejectedCertificate(provider, reason string) {
	if !enabled.Load() {
		return
	}
	CertificatesRejectedTotal.WithLabelValues(provider, reason).Inc()
}

// RecordSignature records a signing call. duration is the time spent in
// the signing primitive and is ignored when zero.
func RecordSignature(result string, duration time.Duration) {
	if !enabled.Load() {
		return
	}
	SignaturesTotal.WithLabelValues(result).Inc()
	if duration > 0 {
		SignDuration.Observe(duration.Seconds())
	}
}

// RecordLockWait records time spent waiting for a session lock.
func RecordLockWait(duration time.Duration) {
	if !enabled.Load() {
		return
	}
	LockWaitDuration.Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request with its duration and status.
func RecordHTTPRequest(method, statusCode string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration)
}

// SetProviders sets the configured provider gauges.
func SetProviders(present, missing int) {
	if !enabled.Load() {
		return
	}
	ProvidersConfigured.WithLabelValues("present").Set(float64(present))
	ProvidersConfigured.WithLabelValues("missing").Set(float64(missing))
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
