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

package discovery

import (
	"crypto/sha1" // #nosec G505 -- thumbprints are identifiers, not signatures
	"crypto/x509"
	"encoding/hex"
	"strings"
	"time"

	"github.com/jeremyhahn/go-tokensession/pkg/driver"
	"github.com/jeremyhahn/go-tokensession/pkg/provider"
	"github.com/jeremyhahn/go-tokensession/pkg/tokenerr"
)

// TokenCertificate is a certificate found on a token, with the token and
// provider it came from. It is re-derived on every discovery pass.
type TokenCertificate struct {
	Provider      string
	Library       string
	TokenSerial   string
	TokenLabel    string
	Subject       string
	Issuer        string
	SubjectCN     string
	IssuerCN      string
	SerialNumber  string
	NotBefore     time.Time
	NotAfter      time.Time
	HasPrivateKey bool
	Thumbprint    string
	Certificate   *x509.Certificate
}

// NewTokenCertificate describes c as found on tok through entry.
func NewTokenCertificate(entry provider.Entry, tok driver.TokenInfo, c driver.Certificate) TokenCertificate {
	cert := c.Certificate
	return TokenCertificate{
		Provider:      entry.Name,
		Library:       entry.Library,
		TokenSerial:   tok.Serial,
		TokenLabel:    tok.Label,
		Subject:       cert.Subject.String(),
		Issuer:        cert.Issuer.String(),
		SubjectCN:     cert.Subject.CommonName,
		IssuerCN:      cert.Issuer.CommonName,
		SerialNumber:  strings.ToUpper(cert.SerialNumber.Text(16)),
		NotBefore:     cert.NotBefore,
		NotAfter:      cert.NotAfter,
		HasPrivateKey: c.HasPrivateKey,
		Thumbprint:    Thumbprint(cert),
		Certificate:   cert,
	}
}

// Thumbprint returns the SHA-1 fingerprint of the DER certificate in
// upper case hex.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw) // #nosec G401
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// NormalizeThumbprint upper-cases a thumbprint and strips separators so
// "ab:cd ef" and "ABCDEF" compare equal.
func NormalizeThumbprint(s string) string {
	return strings.ToUpper(strings.NewReplacer(":", "", " ", "", "-", "").Replace(s))
}

// Validity checks now against the certificate window. Both bounds are
// inclusive. It returns tokenerr.Unknown when the certificate is valid.
func Validity(notBefore, notAfter, now time.Time) tokenerr.Kind {
	switch {
	case now.Before(notBefore):
		return tokenerr.CertificateNotYetValid
	case now.After(notAfter):
		return tokenerr.CertificateExpired
	default:
		return tokenerr.Unknown
	}
}

// ValidAt reports whether now lies within the certificate window.
func (c TokenCertificate) ValidAt(now time.Time) bool {
	return Validity(c.NotBefore, c.NotAfter, now) == tokenerr.Unknown
}

// CertificateInfo is the listing view of a token certificate.
type CertificateInfo struct {
	Thumbprint    string    `json:"thumbprint"`
	SubjectCN     string    `json:"subject_cn"`
	IssuerCN      string    `json:"issuer_cn"`
	SerialNumber  string    `json:"serial_number"`
	ValidFrom     time.Time `json:"valid_from"`
	ValidTo       time.Time `json:"valid_to"`
	IsValid       bool      `json:"is_valid"`
	HasPrivateKey bool      `json:"has_private_key"`
	Provider      string    `json:"provider"`
	Library       string    `json:"library"`
	TokenSerial   string    `json:"token_serial"`
	TokenLabel    string    `json:"token_label"`
}

// Info returns the listing view of c evaluated at now.
func (c TokenCertificate) Info(now time.Time) CertificateInfo {
	return CertificateInfo{
		Thumbprint:    c.Thumbprint,
		SubjectCN:     c.SubjectCN,
		IssuerCN:      c.IssuerCN,
		SerialNumber:  c.SerialNumber,
		ValidFrom:     c.NotBefore,
		ValidTo:       c.NotAfter,
		IsValid:       c.ValidAt(now),
		HasPrivateKey: c.HasPrivateKey,
		Provider:      c.Provider,
		Library:       c.Library,
		TokenSerial:   c.TokenSerial,
		TokenLabel:    c.TokenLabel,
	}
}
