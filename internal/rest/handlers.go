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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jeremyhahn/go-tokensession/pkg/auth"
	"github.com/jeremyhahn/go-tokensession/pkg/pin"
	"github.com/jeremyhahn/go-tokensession/pkg/service"
)

// maxRequestBody bounds JSON bodies; sign payloads are base64 so they
// need a third more than MaxSignPayload.
const maxRequestBody = MaxSignPayload/3*4 + 4096

// HandlerContext holds the dependencies shared by all handlers.
type HandlerContext struct {
	service       *service.Service
	version       string
	started       time.Time
	HealthChecker HealthChecker
}

// NewHandlerContext creates handlers backed by svc.
func NewHandlerContext(svc *service.Service, version string) *HandlerContext {
	return &HandlerContext{service: svc, version: version, started: time.Now()}
}

// SetHealthChecker sets the checker used by the probe endpoints.
func (h *HandlerContext) SetHealthChecker(checker HealthChecker) {
	h.HealthChecker = checker
}

// HealthHandler handles GET /health.
func (h *HandlerContext) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	}, http.StatusOK)
}

// OpenSessionHandler handles POST /api/v1/session.
func (h *HandlerContext) OpenSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	if err := ValidatePIN(req.PIN, true); err != nil {
		handleError(w, r, err)
		return
	}
	supplier, err := pin.Static(req.PIN)
	if err != nil {
		handleError(w, r, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	defer supplier.Clear()

	info, err := h.service.OpenSession(r.Context(), subject(r), supplier)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, info, http.StatusCreated)
}

// GetSessionHandler handles GET /api/v1/session.
func (h *HandlerContext) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	info, ok := h.service.ActiveSession(subject(r))
	if !ok {
		handleError(w, r, ErrNoSession)
		return
	}
	writeJSON(w, info, http.StatusOK)
}

// DeleteSessionHandler handles DELETE /api/v1/session.
func (h *HandlerContext) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !h.service.InvalidateSession(subject(r)) {
		handleError(w, r, ErrNoSession)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SignHandler handles POST /api/v1/sign.
func (h *HandlerContext) SignHandler(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	if err := ValidateSignRequest(&req); err != nil {
		handleError(w, r, err)
		return
	}

	// A nil supplier cancels if a session has to be opened.
	var supplier pin.Supplier
	if req.PIN != "" {
		static, err := pin.Static(req.PIN)
		if err != nil {
			handleError(w, r, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
			return
		}
		defer static.Clear()
		supplier = static
	}

	res, err := h.service.Sign(r.Context(), subject(r), req.Data, supplier)
	if err != nil {
		if res == nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, SignResponse{Result: res, Failure: res.FailureName()}, mapErrorToStatusCode(err))
		return
	}
	writeJSON(w, SignResponse{Result: res}, http.StatusOK)
}

// ListTokensHandler handles GET /api/v1/tokens.
func (h *HandlerContext) ListTokensHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, TokensResponse{Tokens: nonNil(h.service.ListTokens(r.Context()))}, http.StatusOK)
}

// ListCertificatesHandler handles GET /api/v1/certificates.
func (h *HandlerContext) ListCertificatesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, CertificatesResponse{Certificates: nonNil(h.service.ListCertificates(r.Context()))}, http.StatusOK)
}

// GetCertificateHandler handles GET /api/v1/certificates/{thumbprint}.
func (h *HandlerContext) GetCertificateHandler(w http.ResponseWriter, r *http.Request) {
	thumbprint, err := ValidateThumbprint(chi.URLParam(r, "thumbprint"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	info, err := h.service.CertificateInfo(r.Context(), thumbprint)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, info, http.StatusOK)
}

// ListProvidersHandler handles GET /api/v1/providers.
func (h *HandlerContext) ListProvidersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ProvidersResponse{Providers: nonNil(h.service.Providers())}, http.StatusOK)
}

// ReloadProvidersHandler handles POST /api/v1/providers/reload.
func (h *HandlerContext) ReloadProvidersHandler(w http.ResponseWriter, r *http.Request) {
	providers, err := h.service.ReloadProviders()
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, ProvidersResponse{Providers: nonNil(providers)}, http.StatusOK)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// subject returns the authenticated user. Routes under /api/v1 always
// run behind the authentication middleware.
func subject(r *http.Request) string {
	if id := auth.FromContext(r.Context()); id != nil {
		return id.Subject
	}
	return ""
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
