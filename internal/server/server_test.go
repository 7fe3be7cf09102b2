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

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-tokensession/internal/config"
	"github.com/jeremyhahn/go-tokensession/internal/rest"
	"github.com/jeremyhahn/go-tokensession/pkg/driver"
	"github.com/jeremyhahn/go-tokensession/pkg/driver/mock"
	"github.com/jeremyhahn/go-tokensession/pkg/provider"
	"github.com/jeremyhahn/go-tokensession/pkg/signing"
)

func testConfig(t *testing.T) (*config.Config, *mock.Driver) {
	t.Helper()
	lib := filepath.Join(t.TempDir(), "vendor.so")
	require.NoError(t, os.WriteFile(lib, []byte("ELF"), 0o600))

	cert, key := mock.ValidCertificate("Ada Lovelace")
	drv := mock.New()
	drv.AddLibrary(lib, &mock.Token{
		Info:    driver.TokenInfo{Serial: "S-1", Label: "SIGN"},
		PIN:     "1234",
		Objects: []*mock.Object{{Certificate: cert, Key: key}},
	})

	cfg := config.Default()
	cfg.Providers = []provider.Entry{{Name: "vendor", Library: lib}}
	require.NoError(t, cfg.Validate())
	return cfg, drv
}

func startServer(t *testing.T, cfg *config.Config, drv *mock.Driver) (*Server, string) {
	t.Helper()
	srv, err := New(cfg, WithDriver(drv), WithLogOutput(io.Discard))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Serve(ln))
	t.Cleanup(func() { _ = srv.Shutdown() })
	return srv, "http://" + ln.Addr().String()
}

func post(t *testing.T, url, user string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", user)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServerSignsOverHTTP(t *testing.T) {
	cfg, drv := testConfig(t)
	srv, base := startServer(t, cfg, drv)
	assert.True(t, srv.HealthChecker().IsStarted())

	resp, err := http.Get(base + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	document := []byte("lease agreement")
	resp = post(t, base+"/api/v1/sign", "alice", rest.SignRequest{Data: document, PIN: "1234"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var signed rest.SignResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&signed))
	assert.True(t, signed.Success)
	_, err = signing.Verify(signed.Signature, document)
	assert.NoError(t, err)

	assert.Equal(t, 1, drv.OpenSessions())
	require.NoError(t, srv.Shutdown())
	assert.Equal(t, 0, drv.OpenSessions(), "shutdown must dispose every session")
	assert.False(t, srv.HealthChecker().IsStarted())

	// A second shutdown is a no-op.
	assert.NoError(t, srv.Shutdown())
}

func TestServerAttachedSigning(t *testing.T) {
	cfg, drv := testConfig(t)
	cfg.Signing.Detached = false
	_, base := startServer(t, cfg, drv)

	resp := post(t, base+"/api/v1/sign", "alice", rest.SignRequest{Data: []byte("memo"), PIN: "1234"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var signed rest.SignResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&signed))

	// The content travels inside the structure.
	_, err := signing.Verify(signed.Signature, nil)
	assert.NoError(t, err)
}

func TestServerReadinessWithoutLibraries(t *testing.T) {
	cfg, drv := testConfig(t)
	cfg.Providers = []provider.Entry{{Name: "absent", Library: "/nonexistent/lib.so"}}
	_, base := startServer(t, cfg, drv)

	resp, err := http.Get(base + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReloadAppliesProvidersAndLevel(t *testing.T) {
	cfg, drv := testConfig(t)
	srv, err := New(cfg, WithDriver(drv), WithLogOutput(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { srv.manager.Close() })

	updated := *cfg
	updated.Logging.Level = "debug"
	updated.Providers = append([]provider.Entry{{Name: "second", Library: "/opt/other.so"}}, cfg.Providers...)
	require.NoError(t, srv.Reload(&updated))

	assert.Equal(t, slog.LevelDebug, srv.level.Level())
	providers := srv.Service().Providers()
	require.Len(t, providers, 2)
	assert.Equal(t, "second", providers[0].Name)
	assert.False(t, providers[0].Present)
	assert.Same(t, &updated, srv.Config())
}

func TestNewRejectsBadAuth(t *testing.T) {
	cfg, drv := testConfig(t)
	cfg.Auth = config.AuthConfig{Enabled: true}
	_, err := New(cfg, WithDriver(drv), WithLogOutput(io.Discard))
	assert.Error(t, err)
}

func TestStartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg, drv := testConfig(t)
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	srv, err := New(cfg, WithDriver(drv), WithLogOutput(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { srv.manager.Close() })

	err = srv.Start()
	assert.ErrorContains(t, err, fmt.Sprintf(":%d", cfg.Server.Port))
}
