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

package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-tokensession/pkg/discovery"
	"github.com/jeremyhahn/go-tokensession/pkg/driver"
	"github.com/jeremyhahn/go-tokensession/pkg/driver/mock"
	"github.com/jeremyhahn/go-tokensession/pkg/pin"
	"github.com/jeremyhahn/go-tokensession/pkg/signing"
)

type fixture struct {
	dir        string
	configFile string
	drv        *mock.Driver
	thumbprint string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	lib := filepath.Join(dir, "vendor.so")
	require.NoError(t, os.WriteFile(lib, []byte("ELF"), 0o600))

	cert, key := mock.ValidCertificate("Grace Hopper")
	drv := mock.New()
	drv.AddLibrary(lib, &mock.Token{
		Info:    driver.TokenInfo{Serial: "S-42", Label: "SIGN", Model: "Model 7"},
		PIN:     "1234",
		Objects: []*mock.Object{{Certificate: cert, Key: key}},
	})

	configFile := filepath.Join(dir, "tokensession.yaml")
	yaml := fmt.Sprintf(`providers:
  - name: vendor
    library: %s
  - name: absent
    library: %s
`, lib, filepath.Join(dir, "absent.so"))
	require.NoError(t, os.WriteFile(configFile, []byte(yaml), 0o600))

	return &fixture{dir: dir, configFile: configFile, drv: drv, thumbprint: discovery.Thumbprint(cert)}
}

// run executes tokenctl against the fixture and returns stdout and stderr.
func (f *fixture) run(t *testing.T, supplier pin.Supplier, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cfg := NewConfig()
	cfg.Driver = f.drv
	cfg.PIN = supplier
	cfg.Stdout = &stdout
	cfg.Stderr = &stderr

	cmd := NewRootCommand(cfg)
	cmd.SetArgs(append([]string{"--config", f.configFile}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	f := newFixture(t)

	out, _, err := f.run(t, nil, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tokenctl version")

	out, _, err = f.run(t, nil, "version", "-o", "json")
	require.NoError(t, err)
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.NotEmpty(t, v["version"])
	assert.NotEmpty(t, v["go_version"])
}

func TestProvidersCommand(t *testing.T) {
	f := newFixture(t)

	out, _, err := f.run(t, nil, "providers")
	require.NoError(t, err)
	assert.Contains(t, out, "vendor")
	assert.Contains(t, out, "installed")
	assert.Contains(t, out, "missing")

	out, _, err = f.run(t, nil, "providers", "-o", "json")
	require.NoError(t, err)
	var resp struct {
		Providers []struct {
			Name    string `json:"name"`
			Present bool   `json:"present"`
		} `json:"providers"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Providers, 2)
	assert.Equal(t, "vendor", resp.Providers[0].Name)
	assert.True(t, resp.Providers[0].Present)
	assert.False(t, resp.Providers[1].Present)
}

func TestTokensCommand(t *testing.T) {
	f := newFixture(t)

	out, _, err := f.run(t, nil, "tokens", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "SERIAL")
	assert.Contains(t, out, "S-42")
	assert.Contains(t, out, "Model 7")
	assert.Empty(t, f.drv.Logins(), "listing tokens must not log in")
}

func TestCertsCommand(t *testing.T) {
	f := newFixture(t)

	out, _, err := f.run(t, nil, "certs")
	require.NoError(t, err)
	assert.Contains(t, out, f.thumbprint)
	assert.Contains(t, out, "Grace Hopper")

	out, _, err = f.run(t, nil, "certs", strings.ToLower(f.thumbprint))
	require.NoError(t, err)
	assert.Contains(t, out, "Subject:    Grace Hopper")
	assert.Contains(t, out, "S-42")

	_, _, err = f.run(t, nil, "certs", strings.Repeat("0", 40))
	assert.Error(t, err)
}

func TestSignAndVerifyDetached(t *testing.T) {
	f := newFixture(t)
	doc := filepath.Join(f.dir, "contract.txt")
	require.NoError(t, os.WriteFile(doc, []byte("terms and conditions"), 0o600))

	out, _, err := f.run(t, nil, "sign", "--in", doc, "--pin", "1234")
	require.NoError(t, err)
	assert.Contains(t, out, "Grace Hopper")

	sig := doc + ".p7s"
	der, err := os.ReadFile(sig)
	require.NoError(t, err)
	_, err = signing.Verify(der, []byte("terms and conditions"))
	require.NoError(t, err)
	assert.Equal(t, 0, f.drv.OpenSessions(), "the command must close its session")

	out, _, err = f.run(t, nil, "verify", "--in", doc, "--sig", sig)
	require.NoError(t, err)
	assert.Contains(t, out, "Signature verified, signed by Grace Hopper")

	require.NoError(t, os.WriteFile(doc, []byte("tampered"), 0o600))
	_, _, err = f.run(t, nil, "verify", "--in", doc, "--sig", sig)
	assert.ErrorIs(t, err, signing.ErrSignatureMismatch)
}

func TestSignAttachedWithSupplier(t *testing.T) {
	f := newFixture(t)
	doc := filepath.Join(f.dir, "memo.txt")
	out := filepath.Join(f.dir, "memo.p7m")
	require.NoError(t, os.WriteFile(doc, []byte("memo"), 0o600))

	supplier, err := pin.Static("1234")
	require.NoError(t, err)
	stdout, _, err := f.run(t, supplier, "sign", "--in", doc, "--out", out, "--attached", "-o", "json")
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, true, res["success"])
	assert.Equal(t, f.thumbprint, res["thumbprint"])
	assert.Equal(t, out, res["output"])

	_, _, err = f.run(t, nil, "verify", "--sig", out)
	assert.NoError(t, err)
}

func TestSignStdinRequiresOut(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.run(t, nil, "sign", "--in", "-", "--pin", "1234")
	assert.ErrorContains(t, err, "--out is required")
}

func TestSignWrongPIN(t *testing.T) {
	f := newFixture(t)
	doc := filepath.Join(f.dir, "contract.txt")
	require.NoError(t, os.WriteFile(doc, []byte("terms"), 0o600))

	_, _, err := f.run(t, nil, "sign", "--in", doc, "--pin", "0000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "The token rejected the PIN.")
	assert.NoFileExists(t, doc+".p7s")

	_, _, err = f.run(t, nil, "--locale", "es", "sign", "--in", doc, "--pin", "0000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "El token rechazó el PIN.")
}

func TestSignPINFromEnvironment(t *testing.T) {
	f := newFixture(t)
	t.Setenv("TOKENSIGN_PIN", "1234")
	doc := filepath.Join(f.dir, "contract.txt")
	require.NoError(t, os.WriteFile(doc, []byte("terms"), 0o600))

	_, _, err := f.run(t, nil, "sign", "--in", doc)
	require.NoError(t, err)
	assert.FileExists(t, doc+".p7s")
}

func TestUnknownOutputFormat(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.run(t, nil, "providers", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestInvalidConfigFile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.configFile, []byte("server:\n  port: 0\n"), 0o600))
	_, _, err := f.run(t, nil, "tokens")
	assert.Error(t, err)
}

func TestPrinterError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPrinter("json", &buf).PrintError(fmt.Errorf("boom")))
	assert.JSONEq(t, `{"status":"error","error":"boom"}`, buf.String())

	buf.Reset()
	require.NoError(t, NewPrinter("text", &buf).PrintError(fmt.Errorf("boom")))
	assert.Equal(t, "Error: boom\n", buf.String())
}
