// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	headerRequestID    = "X-Request-Id"
	maxRequestIDLength = 128
)

type requestContextKey struct{}

// requestScope is what the request middleware attaches to the context.
type requestScope struct {
	id     string
	logger *slog.Logger
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.status = code
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	n, err := s.ResponseWriter.Write(p)
	s.bytes += n
	return n, err
}

// Flush keeps server-sent event streams working through the recorder.
func (s *statusRecorder) Flush() {
	if flusher, ok := s.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func requestIDFromContext(ctx context.Context) (string, bool) {
	scope, ok := ctx.Value(requestContextKey{}).(requestScope)
	if !ok || scope.id == "" {
		return "", false
	}
	return scope.id, true
}

// requestLogger returns the logger tagged with the request id, or fallback
// outside a request.
func requestLogger(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if scope, ok := ctx.Value(requestContextKey{}).(requestScope); ok && scope.logger != nil {
		return scope.logger
	}
	return fallback
}

// validRequestID accepts caller ids that are safe to echo into headers and
// logs.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

func requestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := strings.TrimSpace(r.Header.Get(headerRequestID))
			if !validRequestID(reqID) {
				reqID = uuid.NewString()
			}

			w.Header().Set(headerRequestID, reqID)
			scope := requestScope{id: reqID, logger: logger.With("request_id", reqID)}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestContextKey{}, scope)))
		})
	}
}

// quietRoutes are polled by infrastructure and only logged at debug level
// unless they fail.
var quietRoutes = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{
				ResponseWriter: w,
				status:         http.StatusOK,
			}

			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}

			attrs := []any{
				"method", r.Method,
				"route", route,
				"status", rec.status,
				"bytes", rec.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if id := chi.URLParam(r, "id"); id != "" {
				attrs = append(attrs, "record_id", id)
			}

			level := slog.LevelInfo
			switch {
			case rec.status >= http.StatusInternalServerError:
				level = slog.LevelError
			case rec.status >= http.StatusBadRequest:
				level = slog.LevelWarn
			case quietRoutes[route]:
				level = slog.LevelDebug
			}
			requestLogger(r.Context(), logger).Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
