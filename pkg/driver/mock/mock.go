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

// Package mock provides an instrumented in-memory driver.Driver.
//
// Libraries are registered by path. Each library carries tokens, and each
// token carries certificates with an optional private key. Every open,
// login, close and signature is recorded so tests can assert on resource
// lifetimes and on the ordering of signing calls.
//
// Example usage:
//
//	drv := mock.New()
//	cert, key := mock.NewCertificate("Dr. Ada", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
//	drv.AddLibrary("/usr/lib/vendor.so", &mock.Token{
//	    Info: driver.TokenInfo{Serial: "0001", Label: "ADA"},
//	    PIN:  "1234",
//	    Objects: []*mock.Object{{Certificate: cert, Key: key}},
//	})
package mock

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeremyhahn/go-tokensession/pkg/driver"
)

// Library is a simulated PKCS#11 library.
type Library struct {
	Path string

	// OpenErr is returned by Open when set.
	OpenErr error

	// OpenDelay is slept before Open returns.
	OpenDelay time.Duration

	// TokensErr is returned by Module.Tokens when set.
	TokensErr error

	Tokens []*Token
}

// Token is a simulated token in a slot.
type Token struct {
	Info driver.TokenInfo

	// PIN is the accepted user PIN. Empty accepts any PIN.
	PIN string

	// LoginErr is returned by Login when set, regardless of PIN.
	LoginErr error

	// LoginDelay is slept before Login returns.
	LoginDelay time.Duration

	// SignDelay is slept inside every signature.
	SignDelay time.Duration

	// SignErr is returned by every signature when set.
	SignErr error

	// SharedLogin makes login state belong to the token, as on real
	// hardware: while any session is open a further login reports
	// driver.ErrAlreadyLoggedIn to the driver before the PIN is looked
	// at, and the driver checks the PIN through its login ledger.
	SharedLogin bool

	Objects []*Object

	// loggedIn counts open sessions on a SharedLogin token.
	loggedIn int
}

// Object is a certificate object with an optional paired private key.
type Object struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
	ID          []byte
	Label       string
}

// Interval records the time a signature spent inside the token.
type Interval struct {
	Enter time.Time
	Exit  time.Time
}

// LoginCall records one login attempt.
type LoginCall struct {
	Library string
	Slot    uint
	Err     error
}

// Driver is the mock driver.
type Driver struct {
	mu        sync.Mutex
	libraries map[string]*Library

	opens         map[string]int
	moduleCloses  map[string]int
	logins        []LoginCall
	sessions      []*Session
	intervals     []Interval
	inFlight      atomic.Int32
	maxConcurrent atomic.Int32
	ledger        *driver.LoginLedger
}

// New returns an empty mock driver.
func New() *Driver {
	return &Driver{
		libraries:    make(map[string]*Library),
		opens:        make(map[string]int),
		moduleCloses: make(map[string]int),
		ledger:       driver.NewLoginLedger(),
	}
}

// AddLibrary registers a library at path with the given tokens.
func (d *Driver) AddLibrary(path string, tokens ...*Token) *Library {
	lib := &Library{Path: path, Tokens: tokens}
	for i, t := range tokens {
		if t.Info.SlotID == 0 {
			t.Info.SlotID = uint(i)
		}
	}
	d.mu.Lock()
	d.libraries[path] = lib
	d.mu.Unlock()
	return lib
}

// Open implements driver.Driver.
func (d *Driver) Open(path string) (driver.Module, error) {
	d.mu.Lock()
	lib, ok := d.libraries[path]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", driver.ErrLibraryUnavailable, path)
	}
	if lib.OpenDelay > 0 {
		time.Sleep(lib.OpenDelay)
	}
	if lib.OpenErr != nil {
		return nil, lib.OpenErr
	}
	d.mu.Lock()
	d.opens[path]++
	d.mu.Unlock()
	return &module{drv: d, lib: lib}, nil
}

// Opens returns how many times path was successfully opened.
func (d *Driver) Opens(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens[path]
}

// ModuleCloses returns how many times a module for path was closed.
func (d *Driver) ModuleCloses(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.moduleCloses[path]
}

// OpenModules returns opens minus closes across all libraries.
func (d *Driver) OpenModules() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for p, c := range d.opens {
		n += c - d.moduleCloses[p]
	}
	return n
}

// Logins returns the recorded login attempts.
func (d *Driver) Logins() []LoginCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]LoginCall, len(d.logins))
	copy(out, d.logins)
	return out
}

// Sessions returns every token session created so far.
func (d *Driver) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Session, len(d.sessions))
	copy(out, d.sessions)
	return out
}

// OpenSessions counts token sessions that have not been closed.
func (d *Driver) OpenSessions() int {
	n := 0
	for _, s := range d.Sessions() {
		if s.Closes() == 0 {
			n++
		}
	}
	return n
}

// SignIntervals returns the recorded signature intervals in completion order.
func (d *Driver) SignIntervals() []Interval {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Interval, len(d.intervals))
	copy(out, d.intervals)
	return out
}

// MaxConcurrentSigns returns the highest number of signatures observed
// inside the token at the same time.
func (d *Driver) MaxConcurrentSigns() int {
	return int(d.maxConcurrent.Load())
}

type module struct {
	drv    *Driver
	lib    *Library
	closed atomic.Bool
}

func (m *module) Tokens() ([]driver.TokenInfo, error) {
	if m.closed.Load() {
		return nil, driver.ErrClosed
	}
	if m.lib.TokensErr != nil {
		return nil, m.lib.TokensErr
	}
	out := make([]driver.TokenInfo, 0, len(m.lib.Tokens))
	for _, t := range m.lib.Tokens {
		out = append(out, t.Info)
	}
	return out, nil
}

func (m *module) token(slot uint) (*Token, error) {
	for _, t := range m.lib.Tokens {
		if t.Info.SlotID == slot {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: slot %d", driver.ErrDeviceRemoved, slot)
}

func (m *module) Certificates(slot uint) ([]driver.Certificate, error) {
	if m.closed.Load() {
		return nil, driver.ErrClosed
	}
	tok, err := m.token(slot)
	if err != nil {
		return nil, err
	}
	return certificates(tok, false), nil
}

func (m *module) Login(slot uint, pin string) (driver.TokenSession, error) {
	if m.closed.Load() {
		return nil, driver.ErrClosed
	}
	tok, err := m.token(slot)
	if err != nil {
		return nil, err
	}
	if tok.LoginDelay > 0 {
		time.Sleep(tok.LoginDelay)
	}
	var release func()
	switch {
	case tok.LoginErr != nil:
		err = tok.LoginErr
	case tok.SharedLogin:
		err = m.drv.ledger.Login(m.lib.Path, slot, pin, func() error { return m.drv.rawLogin(tok, pin) }, nil)
		if err == nil {
			m.drv.mu.Lock()
			tok.loggedIn++
			m.drv.mu.Unlock()
			release = func() { m.drv.logout(m.lib.Path, slot, tok) }
		}
	case tok.PIN != "" && pin != tok.PIN:
		err = driver.ErrPinIncorrect
	}

	m.drv.mu.Lock()
	m.drv.logins = append(m.drv.logins, LoginCall{Library: m.lib.Path, Slot: slot, Err: err})
	m.drv.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s := &Session{drv: m.drv, token: tok, release: release}
	m.drv.mu.Lock()
	m.drv.sessions = append(m.drv.sessions, s)
	m.drv.mu.Unlock()
	return s, nil
}

// rawLogin behaves like C_Login on a token whose login state is shared
// by every session.
func (d *Driver) rawLogin(tok *Token, pin string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tok.loggedIn > 0 {
		return driver.ErrAlreadyLoggedIn
	}
	if tok.PIN != "" && pin != tok.PIN {
		return driver.ErrPinIncorrect
	}
	return nil
}

// logout drops one session from a SharedLogin token. Closing the last
// one returns the token to the public state.
func (d *Driver) logout(path string, slot uint, tok *Token) {
	d.ledger.Release(path, slot)
	d.mu.Lock()
	tok.loggedIn--
	d.mu.Unlock()
}

// LoggedIn reports whether a SharedLogin token is in the user state.
func (d *Driver) LoggedIn(tok *Token) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return tok.loggedIn > 0
}

func (m *module) Close() error {
	if m.closed.Swap(true) {
		return driver.ErrClosed
	}
	m.drv.mu.Lock()
	m.drv.moduleCloses[m.lib.Path]++
	m.drv.mu.Unlock()
	return nil
}

func certificates(tok *Token, private bool) []driver.Certificate {
	out := make([]driver.Certificate, 0, len(tok.Objects))
	for i, o := range tok.Objects {
		id := o.ID
		if id == nil {
			id = []byte{byte(i + 1)}
		}
		out = append(out, driver.Certificate{
			Certificate:   o.Certificate,
			ID:            id,
			Label:         o.Label,
			HasPrivateKey: private && o.Key != nil,
		})
	}
	return out
}

// Session is a mock authenticated token session.
type Session struct {
	drv     *Driver
	token   *Token
	release func()
	closes  atomic.Int32
}

// Closes returns how many times Close was called. Anything other than
// zero or one indicates a double release.
func (s *Session) Closes() int {
	return int(s.closes.Load())
}

// Token returns the token this session is logged into.
func (s *Session) Token() *Token {
	return s.token
}

func (s *Session) Certificates() ([]driver.Certificate, error) {
	if s.closes.Load() > 0 {
		return nil, driver.ErrClosed
	}
	return certificates(s.token, true), nil
}

func (s *Session) Signer(cert driver.Certificate) (crypto.Signer, error) {
	for _, o := range s.token.Objects {
		if o.Certificate == cert.Certificate {
			if o.Key == nil {
				return nil, driver.ErrNoPrivateKey
			}
			return &signer{session: s, key: o.Key}, nil
		}
	}
	return nil, driver.ErrNoPrivateKey
}

func (s *Session) Close() error {
	if s.closes.Add(1) == 1 && s.release != nil {
		s.release()
	}
	return nil
}

type signer struct {
	session *Session
	key     crypto.Signer
}

func (s *signer) Public() crypto.PublicKey {
	return s.key.Public()
}

func (s *signer) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	d := s.session.drv
	n := d.inFlight.Add(1)
	for {
		cur := d.maxConcurrent.Load()
		if n <= cur || d.maxConcurrent.CompareAndSwap(cur, n) {
			break
		}
	}
	enter := time.Now()
	defer func() {
		exit := time.Now()
		d.inFlight.Add(-1)
		d.mu.Lock()
		d.intervals = append(d.intervals, Interval{Enter: enter, Exit: exit})
		d.mu.Unlock()
	}()

	if s.session.closes.Load() > 0 {
		return nil, errors.Join(driver.ErrDeviceRemoved, driver.ErrClosed)
	}
	tok := s.session.token
	if tok.SignDelay > 0 {
		time.Sleep(tok.SignDelay)
	}
	if tok.SignErr != nil {
		return nil, tok.SignErr
	}
	return s.key.Sign(rand, digest, opts)
}

var (
	_ driver.Driver       = (*Driver)(nil)
	_ driver.Module       = (*module)(nil)
	_ driver.TokenSession = (*Session)(nil)
)
