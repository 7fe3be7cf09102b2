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
	"context"
	"errors"

	"github.com/jeremyhahn/go-tokensession/pkg/pin"
	"github.com/jeremyhahn/go-tokensession/pkg/tokenerr"
)

// Classify converts a driver or PIN supplier error into the failure
// taxonomy. Errors that are already classified pass through unchanged.
// fallback is used for anything unrecognized.
func Classify(op string, err error, fallback tokenerr.Kind) error {
	if err == nil {
		return nil
	}
	var te *tokenerr.Error
	if errors.As(err, &te) {
		return err
	}
	kind := fallback
	detail := ""
	switch {
	case errors.Is(err, ErrPinIncorrect):
		kind, detail = tokenerr.PinRejected, "incorrect PIN"
	case errors.Is(err, ErrPinLocked):
		kind, detail = tokenerr.PinRejected, "PIN locked"
	case errors.Is(err, pin.ErrEmptyPIN):
		kind, detail = tokenerr.PinRejected, "empty PIN"
	case errors.Is(err, ErrCancelled), errors.Is(err, pin.ErrCancelled), errors.Is(err, context.Canceled):
		kind = tokenerr.UserCancelled
	case errors.Is(err, ErrDeviceRemoved):
		kind = tokenerr.DeviceRemoved
	case errors.Is(err, context.DeadlineExceeded):
		kind = tokenerr.DeviceUnresponsive
	case errors.Is(err, ErrLibraryUnavailable):
		kind = tokenerr.ProviderUnavailable
	case fallback == tokenerr.SigningFailed:
		detail = err.Error()
	}
	return tokenerr.New(kind, op, detail, err)
}
