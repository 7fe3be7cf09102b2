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

package signing

import (
	"crypto"
	"crypto/x509"
	"errors"
)

// HashSHA256 is the hash algorithm identifier reported for CMS signatures.
const HashSHA256 = "SHA-256"

// ErrEmptyData is returned when there is nothing to sign.
var ErrEmptyData = errors.New("signing: data is empty")

// Primitive turns data into a signature with a token key.
type Primitive interface {
	Sign(data []byte, cert *x509.Certificate, key crypto.Signer) ([]byte, error)
	HashAlgorithm() string
}

// PrimitiveFunc adapts a function to Primitive with the given hash name.
type PrimitiveFunc struct {
	Hash string
	Fn   func(data []byte, cert *x509.Certificate, key crypto.Signer) ([]byte, error)
}

// Sign calls Fn.
func (p PrimitiveFunc) Sign(data []byte, cert *x509.Certificate, key crypto.Signer) ([]byte, error) {
	return p.Fn(data, cert, key)
}

// HashAlgorithm returns Hash.
func (p PrimitiveFunc) HashAlgorithm() string {
	return p.Hash
}

var _ Primitive = PrimitiveFunc{}
