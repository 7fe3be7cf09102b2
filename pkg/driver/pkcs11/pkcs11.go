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

//go:build pkcs11

package pkcs11

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/miekg/pkcs11"

	"github.com/jeremyhahn/go-tokensession/pkg/driver"
)

// findBatch is the number of object handles requested per C_FindObjects call.
const findBatch = 32

// libraryRef tracks the reference count for a loaded library.
type libraryRef struct {
	ctx      *pkcs11.Ctx
	refCount int
}

// Driver loads PKCS#11 libraries through github.com/miekg/pkcs11.
//
// A library is initialized once per path and shared between every module
// opened on it. C_Finalize runs when the last module is closed, so a
// long-lived session keeps its library loaded while discovery and token
// listing open and close the same library around it.
//
// Login state is per token, so logins go through a driver.LoginLedger: a
// user joining a token that is already logged in must present the PIN
// that is in effect.
type Driver struct {
	mu        sync.Mutex
	libraries map[string]*libraryRef
	logins    *driver.LoginLedger
}

// New returns a driver with an empty library cache.
func New() *Driver {
	return &Driver{
		libraries: make(map[string]*libraryRef),
		logins:    driver.NewLoginLedger(),
	}
}

// Open implements driver.Driver.
func (d *Driver) Open(path string) (driver.Module, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ref, ok := d.libraries[path]; ok {
		ref.refCount++
		return &module{drv: d, path: path, ctx: ref.ctx}, nil
	}

	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, fmt.Errorf("%w: failed to load PKCS#11 library: %s", driver.ErrLibraryUnavailable, path)
	}
	if err := ctx.Initialize(); err != nil {
		if !isCode(err, pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
			ctx.Destroy()
			return nil, fmt.Errorf("%w: failed to initialize PKCS#11: %v", driver.ErrLibraryUnavailable, err)
		}
	}
	d.libraries[path] = &libraryRef{ctx: ctx, refCount: 1}
	return &module{drv: d, path: path, ctx: ctx}, nil
}

func (d *Driver) release(path string) error {
	d.mu.Lock()
	ref, ok := d.libraries[path]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	ref.refCount--
	if ref.refCount > 0 {
		d.mu.Unlock()
		return nil
	}
	// Last reference: finalize and unload.
	delete(d.libraries, path)
	d.mu.Unlock()

	err := ref.ctx.Finalize()
	ref.ctx.Destroy()
	if err != nil {
		return fmt.Errorf("failed to finalize PKCS#11 library: %w", err)
	}
	return nil
}

type module struct {
	drv    *Driver
	path   string
	ctx    *pkcs11.Ctx
	closed atomic.Bool
}

func (m *module) Tokens() ([]driver.TokenInfo, error) {
	if m.closed.Load() {
		return nil, driver.ErrClosed
	}
	slots, err := m.ctx.GetSlotList(true)
	if err != nil {
		return nil, fmt.Errorf("failed to get slot list: %w", mapError(err))
	}
	tokens := make([]driver.TokenInfo, 0, len(slots))
	for _, slot := range slots {
		info, err := m.ctx.GetTokenInfo(slot)
		if err != nil {
			// The token was pulled between the two calls.
			continue
		}
		tokens = append(tokens, driver.TokenInfo{
			SlotID:       slot,
			Serial:       trim(info.SerialNumber),
			Label:        trim(info.Label),
			Manufacturer: trim(info.ManufacturerID),
			Model:        trim(info.Model),
		})
	}
	return tokens, nil
}

func (m *module) Certificates(slot uint) ([]driver.Certificate, error) {
	if m.closed.Load() {
		return nil, driver.ErrClosed
	}
	sh, err := m.ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", mapError(err))
	}
	defer func() { _ = m.ctx.CloseSession(sh) }()
	return findCertificates(m.ctx, sh, false)
}

func (m *module) Login(slot uint, pin string) (driver.TokenSession, error) {
	if m.closed.Load() {
		return nil, driver.ErrClosed
	}
	sh, err := m.ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", mapError(err))
	}
	// C_Logout is only called when no session of ours relies on the
	// token's login: it logs out every session on the token.
	err = m.drv.logins.Login(m.path, slot, pin,
		func() error {
			if err := m.ctx.Login(sh, pkcs11.CKU_USER, pin); err != nil {
				if isCode(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
					return driver.ErrAlreadyLoggedIn
				}
				return mapError(err)
			}
			return nil
		},
		func() error { return m.ctx.Logout(sh) })
	if err != nil {
		_ = m.ctx.CloseSession(sh)
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	return &tokenSession{ctx: m.ctx, sh: sh, release: func() { m.drv.logins.Release(m.path, slot) }}, nil
}

func (m *module) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.drv.release(m.path)
}

type tokenSession struct {
	ctx     *pkcs11.Ctx
	sh      pkcs11.SessionHandle
	release func()
	closed  atomic.Bool
}

func (s *tokenSession) Certificates() ([]driver.Certificate, error) {
	if s.closed.Load() {
		return nil, driver.ErrClosed
	}
	return findCertificates(s.ctx, s.sh, true)
}

func (s *tokenSession) Signer(cert driver.Certificate) (crypto.Signer, error) {
	if s.closed.Load() {
		return nil, driver.ErrClosed
	}
	key, ok, err := findPrivateKey(s.ctx, s.sh, cert.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, driver.ErrNoPrivateKey
	}
	return &signer{session: s, key: key, pub: cert.Certificate.PublicKey}, nil
}

func (s *tokenSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	defer s.release()
	if err := s.ctx.CloseSession(s.sh); err != nil {
		return fmt.Errorf("failed to close session: %w", mapError(err))
	}
	return nil
}

func findCertificates(ctx *pkcs11.Ctx, sh pkcs11.SessionHandle, resolveKeys bool) ([]driver.Certificate, error) {
	handles, err := findObjects(ctx, sh, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
	}, 0)
	if err != nil {
		return nil, err
	}

	certs := make([]driver.Certificate, 0, len(handles))
	for _, h := range handles {
		attrs, err := ctx.GetAttributeValue(sh, h, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate attributes: %w", mapError(err))
		}
		var c driver.Certificate
		var der []byte
		for _, a := range attrs {
			switch a.Type {
			case pkcs11.CKA_VALUE:
				der = a.Value
			case pkcs11.CKA_ID:
				c.ID = a.Value
			case pkcs11.CKA_LABEL:
				c.Label = string(a.Value)
			}
		}
		parsed, err := x509.ParseCertificate(der)
		if err != nil {
			// Not every certificate object holds a parseable X.509 value.
			continue
		}
		c.Certificate = parsed
		if resolveKeys && len(c.ID) > 0 {
			_, c.HasPrivateKey, err = findPrivateKey(ctx, sh, c.ID)
			if err != nil {
				return nil, err
			}
		}
		certs = append(certs, c)
	}
	return certs, nil
}

func findPrivateKey(ctx *pkcs11.Ctx, sh pkcs11.SessionHandle, id []byte) (pkcs11.ObjectHandle, bool, error) {
	if len(id) == 0 {
		return 0, false, nil
	}
	handles, err := findObjects(ctx, sh, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
	}, 1)
	if err != nil {
		return 0, false, err
	}
	if len(handles) == 0 {
		return 0, false, nil
	}
	return handles[0], true, nil
}

// findObjects runs a complete C_FindObjects* cycle. limit of zero means
// no limit.
func findObjects(ctx *pkcs11.Ctx, sh pkcs11.SessionHandle, tmpl []*pkcs11.Attribute, limit int) ([]pkcs11.ObjectHandle, error) {
	if err := ctx.FindObjectsInit(sh, tmpl); err != nil {
		return nil, fmt.Errorf("failed to init find objects: %w", mapError(err))
	}
	var out []pkcs11.ObjectHandle
	for {
		objs, _, err := ctx.FindObjects(sh, findBatch)
		if err != nil {
			_ = ctx.FindObjectsFinal(sh)
			return nil, fmt.Errorf("failed to find objects: %w", mapError(err))
		}
		if len(objs) == 0 {
			break
		}
		out = append(out, objs...)
		if limit > 0 && len(out) >= limit {
			out = out[:limit]
			break
		}
	}
	if err := ctx.FindObjectsFinal(sh); err != nil {
		return nil, fmt.Errorf("failed to finalize find objects: %w", mapError(err))
	}
	return out, nil
}

type signer struct {
	session *tokenSession
	key     pkcs11.ObjectHandle
	pub     crypto.PublicKey
}

func (s *signer) Public() crypto.PublicKey {
	return s.pub
}

// Sign signs a precomputed digest with the token key. RSA keys use
// PKCS#1 v1.5 over a DigestInfo, or PSS when opts is *rsa.PSSOptions.
// ECDSA keys return an ASN.1 encoded signature.
func (s *signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if s.session.closed.Load() {
		return nil, driver.ErrClosed
	}
	var (
		mech *pkcs11.Mechanism
		data []byte
	)
	switch pub := s.pub.(type) {
	case *rsa.PublicKey:
		if pss, ok := opts.(*rsa.PSSOptions); ok {
			params, err := pssParams(pss, opts.HashFunc())
			if err != nil {
				return nil, err
			}
			mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, params)
			data = digest
		} else {
			wrapped, err := digestInfo(opts.HashFunc(), digest)
			if err != nil {
				return nil, err
			}
			mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
			data = wrapped
		}
	case *ecdsa.PublicKey:
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
		data = digest
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}

	ctx, sh := s.session.ctx, s.session.sh
	if err := ctx.SignInit(sh, []*pkcs11.Mechanism{mech}, s.key); err != nil {
		return nil, fmt.Errorf("failed to init sign: %w", mapError(err))
	}
	sig, err := ctx.Sign(sh, data)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", mapError(err))
	}
	if _, ok := s.pub.(*ecdsa.PublicKey); ok {
		return ecdsaASN1(sig)
	}
	return sig, nil
}

func pssParams(opts *rsa.PSSOptions, hash crypto.Hash) ([]byte, error) {
	var mechHash, mgf uint
	switch hash {
	case crypto.SHA256:
		mechHash, mgf = pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256
	case crypto.SHA384:
		mechHash, mgf = pkcs11.CKM_SHA384, pkcs11.CKG_MGF1_SHA384
	case crypto.SHA512:
		mechHash, mgf = pkcs11.CKM_SHA512, pkcs11.CKG_MGF1_SHA512
	default:
		return nil, fmt.Errorf("%w: PSS with %v", ErrUnsupportedHash, hash)
	}
	salt := opts.SaltLength
	if salt <= 0 {
		salt = hash.Size()
	}
	return pkcs11.NewPSSParams(mechHash, mgf, uint(salt)), nil
}

func isCode(err error, code uint) bool {
	var e pkcs11.Error
	return errors.As(err, &e) && uint(e) == code
}

// mapError converts CKR codes the session manager reacts to into driver
// sentinels. The original error stays in the chain.
func mapError(err error) error {
	var e pkcs11.Error
	if !errors.As(err, &e) {
		return err
	}
	var sentinel error
	switch uint(e) {
	case pkcs11.CKR_PIN_INCORRECT, pkcs11.CKR_PIN_INVALID, pkcs11.CKR_PIN_LEN_RANGE, pkcs11.CKR_PIN_EXPIRED:
		sentinel = driver.ErrPinIncorrect
	case pkcs11.CKR_PIN_LOCKED:
		sentinel = driver.ErrPinLocked
	case pkcs11.CKR_FUNCTION_CANCELED, pkcs11.CKR_CANCEL:
		sentinel = driver.ErrCancelled
	case pkcs11.CKR_DEVICE_REMOVED, pkcs11.CKR_TOKEN_NOT_PRESENT, pkcs11.CKR_DEVICE_ERROR,
		pkcs11.CKR_SESSION_HANDLE_INVALID, pkcs11.CKR_SESSION_CLOSED, pkcs11.CKR_TOKEN_NOT_RECOGNIZED:
		sentinel = driver.ErrDeviceRemoved
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func trim(s string) string {
	return strings.TrimRight(s, " \x00")
}

var _ driver.Driver = (*Driver)(nil)
