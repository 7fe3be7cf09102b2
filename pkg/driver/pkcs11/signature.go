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

// Package pkcs11 implements driver.Driver on top of github.com/miekg/pkcs11.
//
// The implementation is compiled with the pkcs11 build tag. Without it the
// package provides a driver that reports every library as unavailable, so
// binaries built without cgo still start and fall through to other
// providers.
package pkcs11

import (
	"crypto"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	// ErrUnsupportedKey is returned for keys other than RSA and ECDSA.
	ErrUnsupportedKey = errors.New("pkcs11: unsupported key type")

	// ErrUnsupportedHash is returned for hash functions without a DigestInfo prefix.
	ErrUnsupportedHash = errors.New("pkcs11: unsupported hash function")

	// ErrMalformedSignature is returned when the token returns an odd-length ECDSA signature.
	ErrMalformedSignature = errors.New("pkcs11: malformed ECDSA signature")
)

// DER encoded DigestInfo prefixes for CKM_RSA_PKCS, RFC 8017 section 9.2.
var digestInfoPrefix = map[crypto.Hash][]byte{
	crypto.SHA1:   {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	crypto.SHA224: {0x30, 0x2d, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x04, 0x05, 0x00, 0x04, 0x1c},
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// digestInfo prepends the DigestInfo prefix for hash. A zero hash signs
// the input as is.
func digestInfo(hash crypto.Hash, digest []byte) ([]byte, error) {
	if hash == 0 {
		return digest, nil
	}
	prefix, ok := digestInfoPrefix[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedHash, hash)
	}
	if len(digest) != hash.Size() {
		return nil, fmt.Errorf("pkcs11: digest length %d does not match %v", len(digest), hash)
	}
	out := make([]byte, 0, len(prefix)+len(digest))
	out = append(out, prefix...)
	return append(out, digest...), nil
}

// ecdsaASN1 converts the raw r||s form returned by CKM_ECDSA into the
// ASN.1 SEQUENCE expected by crypto/ecdsa and CMS.
func ecdsaASN1(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, ErrMalformedSignature
	}
	n := len(raw) / 2
	r := new(big.Int).SetBytes(raw[:n])
	s := new(big.Int).SetBytes(raw[n:])

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}
