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
	"github.com/jeremyhahn/go-tokensession/pkg/discovery"
	"github.com/jeremyhahn/go-tokensession/pkg/service"
	"github.com/jeremyhahn/go-tokensession/pkg/signing"
)

// OpenSessionRequest is the body of POST /api/v1/session.
type OpenSessionRequest struct {
	PIN string `json:"pin"`
}

// SignRequest is the body of POST /api/v1/sign. Data is base64 in JSON.
// PIN is only consulted when the caller has no live session.
type SignRequest struct {
	Data []byte `json:"data"`
	PIN  string `json:"pin,omitempty"`
}

// SignResponse is the signing result plus the failure kind name.
type SignResponse struct {
	*signing.Result
	Failure string `json:"failure,omitempty"`
}

// TokensResponse lists connected tokens.
type TokensResponse struct {
	Tokens []discovery.ConnectedToken `json:"tokens"`
}

// CertificatesResponse lists token certificates.
type CertificatesResponse struct {
	Certificates []discovery.CertificateInfo `json:"certificates"`
}

// ProvidersResponse lists configured providers.
type ProvidersResponse struct {
	Providers []service.ProviderStatus `json:"providers"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime,omitempty"`
}
