package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/scriptwarden/broker/pkg/ratelimit"
)

func TestMemoryLimiter_AllowsUpToBurstThenDenies(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	limiter := ratelimit.NewMemoryLimiter().WithClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		allowed, err := limiter.Allow(ctx, "tenant-1", 5)
		if err != nil {
			t.Fatalf("allow #%d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allow #%d to succeed", i)
		}
	}

	allowed, err := limiter.Allow(ctx, "tenant-1", 5)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatal("expected 6th request within the same instant to be denied")
	}
}

func TestMemoryLimiter_RefillsOverTime(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	limiter := ratelimit.NewMemoryLimiter().WithClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		if _, err := limiter.Allow(ctx, "tenant-1", 5); err != nil {
			t.Fatalf("allow: %v", err)
		}
	}

	now = now.Add(time.Minute)
	allowed, err := limiter.Allow(ctx, "tenant-1", 5)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Fatal("expected bucket to fully refill after 60s")
	}
}

func TestMemoryLimiter_SeparateTenantsIndependent(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.NewMemoryLimiter()

	for i := 0; i < 5; i++ {
		if _, err := limiter.Allow(ctx, "tenant-1", 5); err != nil {
			t.Fatalf("allow: %v", err)
		}
	}

	allowed, err := limiter.Allow(ctx, "tenant-2", 5)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Fatal("expected a different tenant's bucket to be unaffected")
	}
}

func TestCheck_ReturnsErrorWhenDenied(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	limiter := ratelimit.NewMemoryLimiter().WithClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		_ = ratelimit.Check(ctx, limiter, "tenant-1", 2)
	}
	if err := ratelimit.Check(ctx, limiter, "tenant-1", 2); err == nil {
		t.Fatal("expected Check to return an error once the bucket is exhausted")
	}
}

func TestCheck_NilLimiterFailsClosed(t *testing.T) {
	if err := ratelimit.Check(context.Background(), nil, "tenant-1", 10); err == nil {
		t.Fatal("expected nil limiter to fail closed")
	}
}
