// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// AdminTokenAuth guards the record and plan routes with an operator bearer
// token. adminTokens may list several comma-separated tokens so a new one
// can be rolled out before the old one is removed.
func AdminTokenAuth(adminTokens string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	accepted := splitTokens(adminTokens)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(accepted) == 0 {
				logger.Error("admin token not configured")
				http.Error(w, "admin auth not configured", http.StatusInternalServerError)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok || !matchesAny(token, accepted) {
				logger.Warn("admin token rejected",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"token_present", ok,
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "missing or invalid admin token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func splitTokens(raw string) [][]byte {
	var out [][]byte
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, []byte(t))
		}
	}
	return out
}

// matchesAny compares against every token so timing does not reveal which
// one matched.
func matchesAny(token string, accepted [][]byte) bool {
	match := 0
	for _, want := range accepted {
		match |= subtle.ConstantTimeCompare([]byte(token), want)
	}
	return match == 1
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
