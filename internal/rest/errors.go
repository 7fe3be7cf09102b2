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
	"errors"
	"log/slog"
	"net/http"

	"github.com/jeremyhahn/go-tokensession/pkg/auth"
	"github.com/jeremyhahn/go-tokensession/pkg/provider"
	"github.com/jeremyhahn/go-tokensession/pkg/session"
	"github.com/jeremyhahn/go-tokensession/pkg/signing"
	"github.com/jeremyhahn/go-tokensession/pkg/tokenerr"
)

// Common errors
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrNoSession       = errors.New("no active session")
	ErrInternalError   = errors.New("internal server error")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// ErrorResponse is the body of every non-2xx response except failed
// signatures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// kindStatus maps failure kinds to HTTP status codes.
var kindStatus = map[tokenerr.Kind]int{
	tokenerr.ProviderUnavailable:    http.StatusServiceUnavailable,
	tokenerr.NoUsableToken:          http.StatusNotFound,
	tokenerr.CertificateNotYetValid: http.StatusUnprocessableEntity,
	tokenerr.CertificateExpired:     http.StatusUnprocessableEntity,
	tokenerr.PinRejected:            http.StatusForbidden,
	tokenerr.UserCancelled:          http.StatusBadRequest,
	tokenerr.SessionExpired:         http.StatusConflict,
	tokenerr.DeviceUnresponsive:     http.StatusGatewayTimeout,
	tokenerr.DeviceRemoved:          http.StatusGone,
	tokenerr.SigningFailed:          http.StatusInternalServerError,
}

// mapErrorToStatusCode maps errors to HTTP status codes.
func mapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, signing.ErrEmptyData):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoSession),
		errors.Is(err, session.ErrCertificateNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, auth.ErrNoCredentials),
		errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ErrTooManyRequests):
		return http.StatusTooManyRequests
	case errors.Is(err, provider.ErrInvalidProvider),
		errors.Is(err, provider.ErrDuplicateProvider):
		return http.StatusUnprocessableEntity
	}
	if status, ok := kindStatus[tokenerr.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// errorCode returns the machine-readable "error" field for err.
func errorCode(err error) string {
	if kind := tokenerr.KindOf(err); kind != tokenerr.Unknown {
		return kind.String()
	}
	return err.Error()
}

// handleError maps err to a status code and writes a localized error
// response.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToStatusCode(err)
	resp := ErrorResponse{Error: errorCode(err), Code: status}
	if tokenerr.KindOf(err) != tokenerr.Unknown {
		resp.Message = tokenerr.UserMessage(err, tokenerr.LanguageFrom(r.Context()))
	}
	writeJSON(w, resp, status)
}

// writeErrorWithMessage writes an error response with a custom message.
func writeErrorWithMessage(w http.ResponseWriter, err error, message string, statusCode int) {
	writeJSON(w, ErrorResponse{Error: err.Error(), Message: message, Code: statusCode}, statusCode)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.Any("error", err))
	}
}
