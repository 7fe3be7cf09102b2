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

package session

import "errors"

var (
	// ErrInvalidUser is returned when a user identity is empty.
	ErrInvalidUser = errors.New("session: user id is required")

	// ErrCertificateNotFound is returned when no provider exposes a
	// certificate with the requested thumbprint.
	ErrCertificateNotFound = errors.New("session: certificate not found")

	// ErrInvalidConfig is returned when a manager is built without its
	// collaborators.
	ErrInvalidConfig = errors.New("session: invalid manager configuration")
)
