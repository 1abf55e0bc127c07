package auth

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/scriptwarden/broker/pkg/ratelimit"
)

// RateLimitMiddleware enforces a coarse per-tenant rate limit at the HTTP
// layer, ahead of the authoritative check in the admission controller. It
// extracts the tenant ID from the authenticated Principal (falls back to
// remote IP for unauthenticated callers).
func RateLimitMiddleware(limiter ratelimit.Limiter, limitPerMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if principal, err := GetPrincipal(r.Context()); err == nil {
				actorID = principal.GetTenantID()
			}

			allowed, err := limiter.Allow(r.Context(), actorID, limitPerMinute)
			if err != nil {
				// Fail open on limiter infrastructure errors at this layer;
				// the admission controller is the authoritative, fail-closed
				// gate for execution requests.
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				retryAfter := 60 / limitPerMinute
				if retryAfter < 1 {
					retryAfter = 1
				}
				writeTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeTooManyRequests writes a 429 Problem Detail with a Retry-After
// header, self-contained for the same import-cycle reason as
// writeUnauthorized.
func writeTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://scriptwarden.dev/errors/429",
		"title":  "Too Many Requests",
		"status": http.StatusTooManyRequests,
		"detail": "Rate limit exceeded. Retry after the specified interval.",
	})
}
