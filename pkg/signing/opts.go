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
)

// SignerOpts is a crypto.SignerOpts that can carry the message instead
// of its digest. When BlobData is set the Signer hashes it with Hash
// before handing the digest to the token.
type SignerOpts struct {
	// Hash is the digest algorithm.
	Hash crypto.Hash

	// BlobData is the raw message to sign.
	BlobData []byte
}

// HashFunc implements crypto.SignerOpts.
func (opts *SignerOpts) HashFunc() crypto.Hash {
	return opts.Hash
}

// NewSignerOpts creates a new SignerOpts with the specified hash function.
func NewSignerOpts(hash crypto.Hash) *SignerOpts {
	return &SignerOpts{Hash: hash}
}

// WithBlobData sets the blob data and returns the opts for chaining.
func (opts *SignerOpts) WithBlobData(data []byte) *SignerOpts {
	opts.BlobData = data
	return opts
}

// GetDigest returns the digest to sign: the hash of BlobData when set,
// otherwise precomputed.
func (opts *SignerOpts) GetDigest(precomputed []byte) ([]byte, error) {
	if opts.BlobData == nil {
		return precomputed, nil
	}
	if !opts.Hash.Available() {
		return nil, ErrInvalidHashFunction
	}
	hasher := opts.Hash.New()
	if _, err := hasher.Write(opts.BlobData); err != nil {
		return nil, err
	}
	return hasher.Sum(nil), nil
}
