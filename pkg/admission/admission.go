// Package admission implements the Admission Controller (spec §4.3): the
// single fail-closed gate every execution request passes through before a
// sandbox is ever dispatched.
package admission

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/scriptwarden/broker/pkg/brokererr"
	"github.com/scriptwarden/broker/pkg/cache"
	"github.com/scriptwarden/broker/pkg/ratelimit"
	"github.com/scriptwarden/broker/pkg/scripts"
	"github.com/scriptwarden/broker/pkg/tenants"
)

// Invoker is whoever is requesting an execution — a human API caller or a
// service account. It carries only what admission needs: an execute grant
// and nothing more.
type Invoker struct {
	ID         string
	CanExecute bool
}

// KillSwitch reports whether admissions are currently blocked (spec §4.7).
type KillSwitch interface {
	Active() bool
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  brokererr.Kind
	Detail  string
	// RetryAfter suggests a backoff in seconds for rate_limited and
	// quota_exceeded denials; zero means no specific guidance.
	RetryAfter int
}

func deny(reason brokererr.Kind, detail string) *Decision {
	return &Decision{Allowed: false, Reason: reason, Detail: detail}
}

func denyRetryable(reason brokererr.Kind, detail string, retryAfter int) *Decision {
	return &Decision{Allowed: false, Reason: reason, Detail: detail, RetryAfter: retryAfter}
}

var allow = &Decision{Allowed: true}

// Controller runs the ordered checks of spec §4.3. All dependencies are
// interfaces so the controller is testable without a database or Redis.
type Controller struct {
	KillSwitch  KillSwitch
	Tenants     tenants.Store
	Scripts     scripts.Store
	RateLimiter ratelimit.Limiter
	Quota       cache.Cache

	concurrent    atomic.Int64
	maxConcurrent int64
}

// NewController wires a Controller. maxConcurrent bounds global concurrent
// executions in the `running` state (spec §4.3 check 5).
func NewController(killSwitch KillSwitch, tenantStore tenants.Store, scriptStore scripts.Store, limiter ratelimit.Limiter, quota cache.Cache, maxConcurrent int) *Controller {
	return &Controller{
		KillSwitch:    killSwitch,
		Tenants:       tenantStore,
		Scripts:       scriptStore,
		RateLimiter:   limiter,
		Quota:         quota,
		maxConcurrent: int64(maxConcurrent),
	}
}

// quotaWindow returns a cache key scoped to the current calendar month, so
// quota counters reset naturally at month boundaries without a cron job.
func quotaWindow(tenantID string, now time.Time) string {
	return fmt.Sprintf("quota:%s:%04d-%02d", tenantID, now.Year(), now.Month())
}

// secondsUntilNextMonth tells a quota-exceeded caller how long until
// quotaWindow rolls over and the counter resets.
func secondsUntilNextMonth(now time.Time) int {
	firstOfNextMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return int(firstOfNextMonth.Sub(now).Seconds())
}

// Admit runs the seven ordered checks and short-circuits on the first
// denial. On ambiguity — any dependency returning an error — it denies:
// deny takes precedence over admit on uncertainty (spec §4.3).
func (c *Controller) Admit(ctx context.Context, tenantID, scriptID string, invoker Invoker) (*Decision, error) {
	// 1. Kill-switch must be inactive.
	if c.KillSwitch != nil && c.KillSwitch.Active() {
		return deny(brokererr.KindKillSwitch, "kill-switch is active"), nil
	}

	// 2. Script must be active with an approved, eligible version.
	script, err := c.Scripts.GetScript(ctx, scriptID)
	if err != nil {
		return deny(brokererr.KindInternal, "script lookup failed"), err
	}
	if script == nil || script.SoftDeleted() || !script.Active {
		return deny(brokererr.KindInactiveVersion, "script is not active"), nil
	}
	version, err := c.Scripts.LatestApproved(ctx, scriptID)
	if err != nil {
		return deny(brokererr.KindInternal, "version lookup failed"), err
	}
	if version == nil || !version.Eligible() {
		return deny(brokererr.KindInactiveVersion, "no approved version"), nil
	}

	tenant, err := c.Tenants.Get(ctx, tenantID)
	if err != nil {
		return deny(brokererr.KindInternal, "tenant lookup failed"), err
	}
	if tenant == nil || !tenant.IsActive() {
		return deny(brokererr.KindForbidden, "tenant is not active"), nil
	}

	// 3. Tenant rate limit: executions/60s.
	if c.RateLimiter != nil {
		allowed, err := c.RateLimiter.Allow(ctx, tenantID, tenant.RateLimit)
		if err != nil {
			return deny(brokererr.KindInternal, "rate limiter unavailable"), err
		}
		if !allowed {
			return denyRetryable(brokererr.KindRateLimited, "tenant rate limit exceeded", 60), nil
		}
	}

	// 4. Tenant monthly quota: executions/calendar month.
	if c.Quota != nil {
		now := time.Now().UTC()
		key := quotaWindow(tenantID, now)
		count, err := c.Quota.Incr(ctx, key, 32*24*time.Hour)
		if err != nil {
			return deny(brokererr.KindInternal, "quota counter unavailable"), err
		}
		if int(count) > tenant.APIQuota {
			return denyRetryable(brokererr.KindQuotaExceeded, "tenant monthly quota exceeded", secondsUntilNextMonth(now)), nil
		}
	}

	// 5. Global concurrency.
	if c.maxConcurrent > 0 {
		next := c.concurrent.Add(1)
		if next > c.maxConcurrent {
			c.concurrent.Add(-1)
			return deny(brokererr.KindCapacity, "global concurrency limit reached"), nil
		}
		// Caller must release via Release() once the execution leaves
		// `running`, regardless of outcome.
	}

	// 6. Invoker permission.
	if !invoker.CanExecute {
		c.Release()
		return deny(brokererr.KindForbidden, "invoker lacks execute permission"), nil
	}

	// 7. Script capabilities must be a subset of tenant grants.
	if !tenant.HasAllGrants(script.RequiredCapabilities) {
		c.Release()
		return deny(brokererr.KindMissingCapability, "tenant missing required capability grant"), nil
	}

	return allow, nil
}

// Release returns one global concurrency slot. Admit releases the slot
// itself on any denial; callers only need to call Release once the
// execution it admitted leaves the `running` state.
func (c *Controller) Release() {
	if c.maxConcurrent > 0 {
		c.concurrent.Add(-1)
	}
}

// Concurrent reports the current number of reserved concurrency slots.
func (c *Controller) Concurrent() int64 {
	return c.concurrent.Load()
}
