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
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"
)

var (
	oidData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidSignedData    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}

	oidSHA256          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
)

var (
	errMalformedMessage = errors.New("signing: malformed CMS message")
)

// ErrSignatureMismatch is returned by Verify when the signature does not
// cover the supplied content.
var ErrSignatureMismatch = errors.New("signing: signature does not match content")

// Wire structures follow RFC 5652. Content and EContent hold the complete
// [0] wrapper so encoding and decoding are symmetric.
type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue
}

type signedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,set,tag:0"`
	SignerInfos      []signerInfo    `asn1:"set"`
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"optional"`
}

type signerInfo struct {
	Version            int
	SID                issuerAndSerialNumber
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        []attribute `asn1:"optional,set,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// CMS produces a DER encoded CMS SignedData (RFC 5652) over SHA-256 with
// the signer certificate embedded. Detached signatures omit the content.
//
// Only the public half of the key is inspected, so any crypto.Signer
// backed by RSA or ECDSA works, including token resident keys.
type CMS struct {
	Detached bool

	// Now supplies the signing-time attribute. Nil means time.Now.
	Now func() time.Time
}

// Sign implements Primitive.
func (c CMS) Sign(data []byte, cert *x509.Certificate, key crypto.Signer) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	if cert == nil || key == nil {
		return nil, errors.New("signing: certificate and key are required")
	}
	signer, err := NewSigner(key)
	if err != nil {
		return nil, err
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	digest := sha256.Sum256(data)
	attrs, err := signedAttributes(digest[:], now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to build signed attributes: %w", err)
	}
	attrsDER, err := marshalAttributes(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed attributes: %w", err)
	}
	signature, err := signer.Sign(rand.Reader, nil, NewSignerOpts(crypto.SHA256).WithBlobData(attrsDER))
	if err != nil {
		return nil, err
	}

	digestAlg := pkix.AlgorithmIdentifier{Algorithm: oidSHA256}
	sd := signedData{
		Version:          1,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{digestAlg},
		EncapContentInfo: encapsulatedContentInfo{EContentType: oidData},
		Certificates:     []asn1.RawValue{{FullBytes: cert.Raw}},
		SignerInfos: []signerInfo{{
			Version: 1,
			SID: issuerAndSerialNumber{
				Issuer:       asn1.RawValue{FullBytes: cert.RawIssuer},
				SerialNumber: cert.SerialNumber,
			},
			DigestAlgorithm:    digestAlg,
			SignedAttrs:        attrs,
			SignatureAlgorithm: signer.signatureAlgorithm(),
			Signature:          signature,
		}},
	}
	if !c.Detached {
		octets, err := asn1.Marshal(data)
		if err != nil {
			return nil, err
		}
		sd.EncapContentInfo.EContent = explicit(octets)
	}

	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}
	return asn1.Marshal(contentInfo{ContentType: oidSignedData, Content: explicit(sdDER)})
}

// HashAlgorithm implements Primitive.
func (c CMS) HashAlgorithm() string {
	return HashSHA256
}

// Verify checks a SignedData produced by CMS and returns the embedded
// signer certificate. data is required for detached signatures and, when
// given for an attached one, must equal the encapsulated content. The
// certificate chain is not validated.
func Verify(der, data []byte) (*x509.Certificate, error) {
	var ci contentInfo
	if rest, err := asn1.Unmarshal(der, &ci); err != nil || len(rest) > 0 {
		return nil, fmt.Errorf("%w: content info", errMalformedMessage)
	}
	if !ci.ContentType.Equal(oidSignedData) {
		return nil, fmt.Errorf("%w: content type %s", errMalformedMessage, ci.ContentType)
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	if len(sd.SignerInfos) != 1 || len(sd.Certificates) == 0 {
		return nil, fmt.Errorf("%w: expected one signer with a certificate", errMalformedMessage)
	}

	content := data
	if len(sd.EncapContentInfo.EContent.Bytes) > 0 {
		var embedded []byte
		if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent.Bytes, &embedded); err != nil {
			return nil, fmt.Errorf("%w: encapsulated content", errMalformedMessage)
		}
		if data != nil && !bytes.Equal(data, embedded) {
			return nil, ErrSignatureMismatch
		}
		content = embedded
	}
	if content == nil {
		return nil, ErrEmptyData
	}

	si := sd.SignerInfos[0]
	cert, err := signerCertificate(sd.Certificates, si.SID)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(content)
	var found bool
	for _, a := range si.SignedAttrs {
		if !a.Type.Equal(oidMessageDigest) || len(a.Values) != 1 {
			continue
		}
		var md []byte
		if _, err := asn1.Unmarshal(a.Values[0].FullBytes, &md); err != nil {
			return nil, fmt.Errorf("%w: message digest", errMalformedMessage)
		}
		if !bytes.Equal(md, digest[:]) {
			return nil, ErrSignatureMismatch
		}
		found = true
	}
	if !found {
		return nil, fmt.Errorf("%w: missing message digest", errMalformedMessage)
	}

	attrsDER, err := marshalAttributes(si.SignedAttrs)
	if err != nil {
		return nil, err
	}
	var alg x509.SignatureAlgorithm
	switch {
	case si.SignatureAlgorithm.Algorithm.Equal(oidSHA256WithRSA):
		alg = x509.SHA256WithRSA
	case si.SignatureAlgorithm.Algorithm.Equal(oidECDSAWithSHA256):
		alg = x509.ECDSAWithSHA256
	default:
		return nil, fmt.Errorf("%w: signature algorithm %s", errMalformedMessage, si.SignatureAlgorithm.Algorithm)
	}
	if err := cert.CheckSignature(alg, attrsDER, si.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return cert, nil
}

func signerCertificate(raw []asn1.RawValue, sid issuerAndSerialNumber) (*x509.Certificate, error) {
	for _, r := range raw {
		cert, err := x509.ParseCertificate(r.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedMessage, err)
		}
		if bytes.Equal(cert.RawIssuer, sid.Issuer.FullBytes) && cert.SerialNumber.Cmp(sid.SerialNumber) == 0 {
			return cert, nil
		}
	}
	return nil, fmt.Errorf("%w: signer certificate not embedded", errMalformedMessage)
}

func signedAttributes(digest []byte, signingTime time.Time) ([]attribute, error) {
	values := []struct {
		oid asn1.ObjectIdentifier
		v   any
	}{
		{oidContentType, oidData},
		{oidMessageDigest, digest},
		{oidSigningTime, signingTime},
	}
	attrs := make([]attribute, 0, len(values))
	for _, a := range values {
		der, err := asn1.Marshal(a.v)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attribute{Type: a.oid, Values: []asn1.RawValue{{FullBytes: der}}})
	}

	// DER orders SET OF members by their encoding.
	encoded := make([][]byte, len(attrs))
	for i := range attrs {
		der, err := asn1.Marshal(attrs[i])
		if err != nil {
			return nil, err
		}
		encoded[i] = der
	}
	idx := make([]int, len(attrs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return bytes.Compare(encoded[idx[a]], encoded[idx[b]]) < 0 })
	sorted := make([]attribute, len(attrs))
	for i, j := range idx {
		sorted[i] = attrs[j]
	}
	return sorted, nil
}

// marshalAttributes encodes signed attributes with a SET tag, which is
// what the signature covers instead of the [0] tag used on the wire.
func marshalAttributes(attrs []attribute) ([]byte, error) {
	der, err := asn1.Marshal(struct {
		A []attribute `asn1:"set"`
	}{attrs})
	if err != nil {
		return nil, err
	}
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(der, &raw); err != nil {
		return nil, err
	}
	return raw.Bytes, nil
}

func explicit(inner []byte) asn1.RawValue {
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner}
}

var _ Primitive = CMS{}
