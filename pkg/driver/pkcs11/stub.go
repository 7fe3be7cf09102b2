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

//go:build !pkcs11

package pkcs11

import (
	"fmt"

	"github.com/jeremyhahn/go-tokensession/pkg/driver"
)

// Driver is a placeholder used when the binary is built without the
// pkcs11 tag. Every Open fails with driver.ErrLibraryUnavailable, which
// discovery reports as an unavailable provider.
type Driver struct{}

// New returns the placeholder driver.
func New() *Driver {
	return &Driver{}
}

// Open implements driver.Driver.
func (d *Driver) Open(path string) (driver.Module, error) {
	return nil, fmt.Errorf("%w: built without pkcs11 support: %s", driver.ErrLibraryUnavailable, path)
}

var _ driver.Driver = (*Driver)(nil)
