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

package driver

import (
	"crypto"
	"errors"
	"fmt"
	"testing"

	"github.com/jeremyhahn/go-tokensession/pkg/pin"
	"github.com/jeremyhahn/go-tokensession/pkg/tokenerr"
	"github.com/stretchr/testify/assert"
)

type closer struct {
	calls int
	err   error
	order *[]string
	name  string
}

func (c *closer) Close() error {
	c.calls++
	*c.order = append(*c.order, c.name)
	return c.err
}

type fakeSession struct{ closer }

func (s *fakeSession) Certificates() ([]Certificate, error)      { return nil, nil }
func (s *fakeSession) Signer(Certificate) (crypto.Signer, error) { return nil, nil }

type fakeModule struct{ closer }

func (m *fakeModule) Tokens() ([]TokenInfo, error)             { return nil, nil }
func (m *fakeModule) Certificates(uint) ([]Certificate, error) { return nil, nil }
func (m *fakeModule) Login(uint, string) (TokenSession, error) { return nil, nil }

func TestHandleClosesOnceInOrder(t *testing.T) {
	var order []string
	s := &fakeSession{closer{order: &order, name: "session"}}
	m := &fakeModule{closer{order: &order, name: "module", err: errors.New("finalize failed")}}

	h := NewHandle(nil, s, m)
	err := h.Close()
	assert.Error(t, err)
	assert.NoError(t, h.Close())

	assert.Equal(t, 1, s.calls)
	assert.Equal(t, 1, m.calls)
	assert.Equal(t, []string{"session", "module"}, order)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		fallback tokenerr.Kind
		want     tokenerr.Kind
	}{
		{"pin incorrect", fmt.Errorf("login: %w", ErrPinIncorrect), tokenerr.SigningFailed, tokenerr.PinRejected},
		{"pin locked", ErrPinLocked, tokenerr.SigningFailed, tokenerr.PinRejected},
		{"empty pin", pin.ErrEmptyPIN, tokenerr.SigningFailed, tokenerr.PinRejected},
		{"driver cancel", ErrCancelled, tokenerr.SigningFailed, tokenerr.UserCancelled},
		{"prompt cancel", pin.ErrCancelled, tokenerr.SigningFailed, tokenerr.UserCancelled},
		{"removed", ErrDeviceRemoved, tokenerr.SigningFailed, tokenerr.DeviceRemoved},
		{"library", ErrLibraryUnavailable, tokenerr.SigningFailed, tokenerr.ProviderUnavailable},
		{"other", errors.New("CKR_MECHANISM_INVALID"), tokenerr.SigningFailed, tokenerr.SigningFailed},
		{"other discovery", errors.New("CKR_GENERAL_ERROR"), tokenerr.ProviderUnavailable, tokenerr.ProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("op", tt.err, tt.fallback)
			assert.Equal(t, tt.want, tokenerr.KindOf(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassifyKeepsSigningDetail(t *testing.T) {
	err := Classify("sign", errors.New("CKR_DATA_LEN_RANGE"), tokenerr.SigningFailed)
	var te *tokenerr.Error
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, "CKR_DATA_LEN_RANGE", te.Detail)
}

func TestClassifyPassesThrough(t *testing.T) {
	orig := tokenerr.New(tokenerr.SessionExpired, "sign", "", nil)
	assert.Same(t, orig, Classify("other", orig, tokenerr.SigningFailed))
	assert.NoError(t, Classify("op", nil, tokenerr.SigningFailed))
}
