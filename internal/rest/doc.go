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

// Package rest exposes the token signing service over HTTP.
//
// # API Endpoints
//
// Health and metrics (no authentication):
//   - GET /health - Overall status and version
//   - GET /health/live, /health/ready, /health/startup - Probes
//   - GET /metrics - Prometheus metrics when enabled
//
// Sessions, keyed by the authenticated user:
//   - POST /api/v1/session - Open a session with {"pin": "..."}
//   - GET /api/v1/session - Describe the caller's live session
//   - DELETE /api/v1/session - Invalidate the caller's session
//
// Signing:
//   - POST /api/v1/sign - Sign {"data": "<base64>"} with the caller's
//     session, opening one with the optional "pin" if none is live
//
// Tokens and providers:
//   - GET /api/v1/tokens - Connected tokens across providers
//   - GET /api/v1/certificates - Certificates on connected tokens
//   - GET /api/v1/certificates/{thumbprint} - One certificate
//   - GET /api/v1/providers - Configured providers
//   - POST /api/v1/providers/reload - Re-read the provider list
//
// # Errors
//
// Failures are returned as JSON with the failure kind and a message
// localized from the Accept-Language header:
//
//	{"error": "pin_rejected", "message": "The token rejected the PIN.", "code": 403}
//
// A failed signature returns the full signing result with "success"
// false and the same status mapping.
package rest
