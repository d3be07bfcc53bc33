package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fedqueue/apqb/common/httputil"
)

// AllowedIPs rejects requests whose client address (as resolved by ClientIP) is
// not in rules. An empty rule set disables the check. Rejections use 503 so
// callers treat them like an unavailable endpoint rather than a client error.
func AllowedIPs(rules IPRules, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(rules) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r.Context())
			if !ip.IsValid() {
				logger.Warn("allowed IPs configured but source IP is unknown",
					slog.String("remote_addr", r.RemoteAddr))
				httputil.WriteError(w, http.StatusServiceUnavailable, "Source IP unknown")
				return
			}
			if !rules.Contains(ip) {
				logger.Info("source IP not permitted", slog.String("ip", ip.String()))
				httputil.WriteError(w, http.StatusServiceUnavailable, "Source IP not permitted")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NormalizeBearer prefixes token with "Bearer " unless it already carries the
// scheme (case-insensitive). Empty input stays empty.
func NormalizeBearer(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		return token
	}
	return "Bearer " + token
}

// BearerAuth requires the Authorization header to equal expected exactly.
// An empty expected value disables the check.
func BearerAuth(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if expected == "" {
			return next
		}
		want := []byte(expected)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				httputil.WriteError(w, http.StatusUnauthorized, "Missing authorization header")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBody caps the request body at limit bytes. Reads past the limit fail with
// *http.MaxBytesError.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// Chain applies middlewares so the first one listed is the outermost.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
