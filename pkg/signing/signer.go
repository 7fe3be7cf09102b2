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
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
)

// Signer wraps a token key and restricts it to the algorithms a CMS
// signature over SHA-256 can name: RSA PKCS#1 v1.5 and ECDSA.
//
// Only Public is called before signing, so a token resident key is never
// asked to do work it cannot express.
type Signer struct {
	signer    crypto.Signer
	algorithm x509.PublicKeyAlgorithm
}

// NewSigner wraps key, rejecting nil and unsupported key types.
func NewSigner(key crypto.Signer) (*Signer, error) {
	if key == nil {
		return nil, ErrSignerRequired
	}
	s := &Signer{signer: key}
	switch pub := key.Public().(type) {
	case *rsa.PublicKey:
		s.algorithm = x509.RSA
	case *ecdsa.PublicKey:
		s.algorithm = x509.ECDSA
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, pub)
	}
	return s, nil
}

// Public returns the public key corresponding to the wrapped signer.
func (s *Signer) Public() crypto.PublicKey {
	return s.signer.Public()
}

// Sign implements crypto.Signer. With *SignerOpts the digest may be
// computed from the blob data.
func (s *Signer) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	signerOpts, ok := opts.(*SignerOpts)
	if !ok {
		return s.signer.Sign(rand, digest, opts)
	}
	actual, err := signerOpts.GetDigest(digest)
	if err != nil {
		return nil, fmt.Errorf("failed to get digest: %w", err)
	}
	return s.signer.Sign(rand, actual, signerOpts.Hash)
}

// KeyAlgorithm returns the public key algorithm of the wrapped signer.
func (s *Signer) KeyAlgorithm() x509.PublicKeyAlgorithm {
	return s.algorithm
}

// signatureAlgorithm returns the CMS signatureAlgorithm identifier for a
// SHA-256 signature by this key.
func (s *Signer) signatureAlgorithm() pkix.AlgorithmIdentifier {
	if s.algorithm == x509.RSA {
		return pkix.AlgorithmIdentifier{Algorithm: oidSHA256WithRSA, Parameters: asn1.NullRawValue}
	}
	return pkix.AlgorithmIdentifier{Algorithm: oidECDSAWithSHA256}
}
