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

package rest

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-tokensession/pkg/discovery"
)

const (
	// MaxSignPayload bounds the document accepted by POST /api/v1/sign.
	MaxSignPayload = 32 << 20

	// maxPINLength is the longest PIN accepted. PKCS#11 tokens commonly
	// cap PINs well below this.
	maxPINLength = 256
)

// ValidateThumbprint normalizes a SHA-1 certificate thumbprint and
// rejects anything that is not 40 hex digits.
func ValidateThumbprint(thumbprint string) (string, error) {
	normalized := discovery.NormalizeThumbprint(thumbprint)
	if len(normalized) != 40 {
		return "", fmt.Errorf("%w: thumbprint must be 40 hex digits", ErrInvalidRequest)
	}
	if _, err := hex.DecodeString(normalized); err != nil {
		return "", fmt.Errorf("%w: thumbprint contains invalid characters", ErrInvalidRequest)
	}
	return normalized, nil
}

// ValidatePIN rejects PINs that no token would accept.
func ValidatePIN(pin string, required bool) error {
	if pin == "" {
		if required {
			return fmt.Errorf("%w: pin is required", ErrInvalidRequest)
		}
		return nil
	}
	if len(pin) > maxPINLength {
		return fmt.Errorf("%w: pin too long (max %d characters)", ErrInvalidRequest, maxPINLength)
	}
	if strings.ContainsRune(pin, 0) {
		return fmt.Errorf("%w: pin contains invalid characters", ErrInvalidRequest)
	}
	return nil
}

// ValidateSignRequest checks the body of a sign request.
func ValidateSignRequest(req *SignRequest) error {
	if len(req.Data) == 0 {
		return fmt.Errorf("%w: data is required", ErrInvalidRequest)
	}
	if len(req.Data) > MaxSignPayload {
		return fmt.Errorf("%w: data exceeds %d bytes", ErrInvalidRequest, MaxSignPayload)
	}
	return ValidatePIN(req.PIN, false)
}
