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
	"crypto"
	"errors"
	"sync"
)

type handle struct {
	signer  crypto.Signer
	session TokenSession
	module  Module
	once    sync.Once
}

// NewHandle bundles a signer with the resources that back it. Close
// releases session first and module second.
func NewHandle(signer crypto.Signer, session TokenSession, module Module) Handle {
	return &handle{signer: signer, session: session, module: module}
}

func (h *handle) Signer() crypto.Signer {
	return h.signer
}

func (h *handle) Close() error {
	var err error
	h.once.Do(func() {
		var errs []error
		if h.session != nil {
			errs = append(errs, h.session.Close())
		}
		if h.module != nil {
			errs = append(errs, h.module.Close())
		}
		err = errors.Join(errs...)
	})
	return err
}
