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
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/text/language"

	"github.com/jeremyhahn/go-tokensession/pkg/auth"
	"github.com/jeremyhahn/go-tokensession/pkg/correlation"
	"github.com/jeremyhahn/go-tokensession/pkg/ratelimit"
	"github.com/jeremyhahn/go-tokensession/pkg/tokenerr"
)

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write ensures WriteHeader is called.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// LoggingMiddleware logs each request with its correlation ID.
func (s *Server) LoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)
			log := correlation.Logger(r.Context(), s.logger)

			log.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path))

			next.ServeHTTP(wrapped, r)

			log.Info("request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)))
		})
	}
}

// CORSMiddleware adds CORS headers to responses.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept-Language, "+correlation.CorrelationIDHeader)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware recovers from panics and returns a 500 error.
func (s *Server) RecoveryMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					correlation.Logger(r.Context(), s.logger).Error("panic recovered",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.Any("error", err))
					writeErrorWithMessage(w, ErrInternalError, "An unexpected error occurred", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// LanguageMiddleware picks the language for user-facing messages from
// Accept-Language, falling back to the server locale.
func (s *Server) LanguageMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tag := s.locale
			if header := r.Header.Get("Accept-Language"); header != "" {
				tag = tokenerr.MatchAcceptLanguage(header)
			}
			next.ServeHTTP(w, r.WithContext(tokenerr.WithLanguage(r.Context(), tag)))
		})
	}
}

// AuthenticationMiddleware authenticates HTTP requests.
func (s *Server) AuthenticationMiddleware() func(http.Handler) http.Handler {
	authenticate := auth.Middleware(s.authenticator, func(w http.ResponseWriter, r *http.Request, err error) {
		correlation.Logger(r.Context(), s.logger).Warn("authentication failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("authenticator", s.authenticator.Name()),
			slog.Any("error", err))
		writeErrorWithMessage(w, ErrUnauthorized, "Authentication failed", http.StatusUnauthorized)
	})
	return func(next http.Handler) http.Handler {
		return authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlation.Logger(r.Context(), s.logger).Debug("request authenticated",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("subject", auth.FromContext(r.Context()).Subject))
			next.ServeHTTP(w, r)
		}))
	}
}

// RateLimitMiddleware throttles per authenticated user. It guards the
// routes that can present a PIN to a token.
func (s *Server) RateLimitMiddleware() func(http.Handler) http.Handler {
	if s.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return ratelimit.Middleware(s.limiter, userKey, func(w http.ResponseWriter, r *http.Request) {
		correlation.Logger(r.Context(), s.logger).Warn("rate limit exceeded",
			slog.String("user", userKey(r)),
			slog.String("path", r.URL.Path))
		handleError(w, r, ErrTooManyRequests)
	})
}

// userKey keys rate limits by subject, falling back to the client address
// for unauthenticated requests.
func userKey(r *http.Request) string {
	if id := auth.FromContext(r.Context()); id != nil && id.Subject != "" {
		return "user:" + id.Subject
	}
	return "ip:" + ratelimit.ClientIP(r)
}

// parseLocale returns the supported language closest to locale.
func parseLocale(locale string) language.Tag {
	tag, err := language.Parse(locale)
	if err != nil {
		return language.English
	}
	return tokenerr.Match(tag)
}
