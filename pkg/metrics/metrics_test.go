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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsEnabled(t *testing.T) {
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled by default")
	}

	Disable()
	if IsEnabled() {
		t.Error("Expected metrics to be disabled after Disable()")
	}

	Enable()
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled after Enable()")
	}
}

func TestRecordSessionLifecycle(t *testing.T) {
	Enable()
	SessionOpensTotal.Reset()
	SessionEvictionsTotal.Reset()

	RecordSessionOpen(ResultSuccess)
	RecordSessionOpen(ResultReused)
	RecordSessionOpen(ResultReused)
	RecordSessionOpen("pin_rejected")
	RecordEviction(ReasonExpired)
	RecordEviction(ReasonRemoved)

	if got := testutil.ToFloat64(SessionOpensTotal.WithLabelValues(ResultReused)); got != 2 {
		t.Errorf("Expected 2 reused opens, got %v", got)
	}
	if got := testutil.CollectAndCount(SessionOpensTotal); got != 3 {
		t.Errorf("Expected 3 open result series, got %d", got)
	}
	if got := testutil.ToFloat64(SessionEvictionsTotal.WithLabelValues(ReasonRemoved)); got != 1 {
		t.Errorf("Expected 1 device_removed eviction, got %v", got)
	}

	SetSessionsActive(4)
	if got := testutil.ToFloat64(SessionsActive); got != 4 {
		t.Errorf("Expected 4 active sessions, got %v", got)
	}
}

func TestRecordDiscovery(t *testing.T) {
	Enable()
	DiscoveryTotal.Reset()
	DiscoveryDuration.Reset()
	CertificatesRejectedTotal.Reset()

	RecordDiscovery("safenet", ResultMatched, 120*time.Millisecond)
	RecordDiscovery("safenet", ResultNoMatch, 30*time.Millisecond)
	RecordRejectedCertificate("safenet", "certificate_expired")

	if got := testutil.ToFloat64(DiscoveryTotal.WithLabelValues("safenet", ResultMatched)); got != 1 {
		t.Errorf("Expected 1 matched discovery, got %v", got)
	}
	if got := testutil.CollectAndCount(DiscoveryDuration); got != 1 {
		t.Errorf("Expected 1 duration series, got %d", got)
	}
	if got := testutil.ToFloat64(CertificatesRejectedTotal.WithLabelValues("safenet", "certificate_expired")); got != 1 {
		t.Errorf("Expected 1 rejected certificate, got %v", got)
	}
}

func TestRecordSignature(t *testing.T) {
	Enable()
	SignaturesTotal.Reset()

	RecordSignature(ResultSuccess, 50*time.Millisecond)
	RecordSignature("device_unresponsive", 0)
	RecordLockWait(time.Millisecond)

	if got := testutil.ToFloat64(SignaturesTotal.WithLabelValues(ResultSuccess)); got != 1 {
		t.Errorf("Expected 1 successful signature, got %v", got)
	}
	if got := testutil.ToFloat64(SignaturesTotal.WithLabelValues("device_unresponsive")); got != 1 {
		t.Errorf("Expected 1 unresponsive signature, got %v", got)
	}
}

func TestRecordWhenDisabled(t *testing.T) {
	Disable()
	defer Enable()

	SignaturesTotal.Reset()
	SessionOpensTotal.Reset()

	RecordSignature(ResultSuccess, time.Second)
	RecordSessionOpen(ResultSuccess)

	if got := testutil.CollectAndCount(SignaturesTotal); got != 0 {
		t.Errorf("Expected no signatures recorded when disabled, got %d", got)
	}
	if got := testutil.CollectAndCount(SessionOpensTotal); got != 0 {
		t.Errorf("Expected no opens recorded when disabled, got %d", got)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	Enable()
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("busy"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sign", nil))

	if rec.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodPost, "409")); got != 1 {
		t.Errorf("Expected 1 POST 409 request, got %v", got)
	}
	if got := testutil.ToFloat64(HTTPRequestsInFlight); got != 0 {
		t.Errorf("Expected no requests in flight, got %v", got)
	}
}

func TestResponseWriterDefaultsToOK(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	_, _ = rw.Write([]byte("ok"))
	rw.WriteHeader(http.StatusTeapot)

	if rw.statusCode != http.StatusOK {
		t.Errorf("Expected first status to stick, got %d", rw.statusCode)
	}
}

func TestCollector(t *testing.T) {
	Enable()
	sessions := 0
	c := NewCollector(context.Background(), 10*time.Millisecond,
		func() int { return 3 },
		func() (int, int) { return 2, 1 })

	done := make(chan struct{})
	go func() {
		c.Start()
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for sessions != 3 {
		select {
		case <-deadline:
			t.Fatal("collector did not sample sessions")
		case <-time.After(5 * time.Millisecond):
			sessions = int(testutil.ToFloat64(SessionsActive))
		}
	}
	if got := testutil.ToFloat64(ProvidersConfigured.WithLabelValues("missing")); got != 1 {
		t.Errorf("Expected 1 missing provider, got %v", got)
	}

	c.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}
