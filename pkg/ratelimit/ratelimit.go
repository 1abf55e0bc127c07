// Package ratelimit implements the tenant execution rate limiter (spec
// §4.3): a token bucket keyed by tenant ID, refilled continuously at
// limit/60s and capped at limit tokens.
package ratelimit

import (
	"context"
	"fmt"
)

// Limiter abstracts the storage for per-tenant rate limiting.
type Limiter interface {
	// Allow reports whether tenantID may perform one more execution under
	// the given per-60s limit, consuming a token if so.
	Allow(ctx context.Context, tenantID string, limitPerMinute int) (bool, error)
}

// Check runs Allow and turns a denial into an error, for callers that want
// a plain err-or-nil signature.
func Check(ctx context.Context, limiter Limiter, tenantID string, limitPerMinute int) error {
	if limiter == nil {
		return fmt.Errorf("ratelimit: no limiter configured")
	}
	allowed, err := limiter.Allow(ctx, tenantID, limitPerMinute)
	if err != nil {
		return fmt.Errorf("ratelimit: check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("ratelimit: exceeded for tenant %s", tenantID)
	}
	return nil
}
