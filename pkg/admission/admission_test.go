package admission_test

import (
	"context"
	"testing"

	"github.com/scriptwarden/broker/pkg/admission"
	"github.com/scriptwarden/broker/pkg/brokererr"
	"github.com/scriptwarden/broker/pkg/cache"
	"github.com/scriptwarden/broker/pkg/ratelimit"
	"github.com/scriptwarden/broker/pkg/scripts"
	"github.com/scriptwarden/broker/pkg/tenants"
)

type fakeKillSwitch struct{ active bool }

func (f fakeKillSwitch) Active() bool { return f.active }

func setupFixture(t *testing.T) (*admission.Controller, string, string) {
	t.Helper()
	ctx := context.Background()

	tenantStore := tenants.NewMemoryStore()
	tenant, err := tenantStore.Create(ctx, tenants.CreateRequest{
		Name: "acme", RateLimit: 100, APIQuota: 1000, Grants: []string{"database", "http"},
	})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	scriptStore := scripts.NewMemoryStore()
	script := &scripts.Script{
		ID: "script-1", TenantID: tenant.ID, Name: "hello", Language: "javascript",
		Active: true, RequiredCapabilities: []string{"database"},
	}
	if err := scriptStore.CreateScript(ctx, script); err != nil {
		t.Fatalf("create script: %v", err)
	}
	version, err := scriptStore.CreateVersion(ctx, script.ID, "console.log('hi')", "user-1")
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if err := scriptStore.SetApproval(ctx, script.ID, version.Version, scripts.ApprovalApproved, 100); err != nil {
		t.Fatalf("approve version: %v", err)
	}

	ctrl := admission.NewController(fakeKillSwitch{}, tenantStore, scriptStore, ratelimit.NewMemoryLimiter(), cache.NewMemoryCache(), 10)
	return ctrl, tenant.ID, script.ID
}

func TestAdmit_HappyPath(t *testing.T) {
	ctrl, tenantID, scriptID := setupFixture(t)
	decision, err := ctrl.Admit(context.Background(), tenantID, scriptID, admission.Invoker{ID: "user-1", CanExecute: true})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected admission, got deny: %+v", decision)
	}
}

func TestAdmit_KillSwitchActive(t *testing.T) {
	ctrl, tenantID, scriptID := setupFixture(t)
	ctrl.KillSwitch = fakeKillSwitch{active: true}

	decision, err := ctrl.Admit(context.Background(), tenantID, scriptID, admission.Invoker{CanExecute: true})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision.Allowed || decision.Reason != brokererr.KindKillSwitch {
		t.Fatalf("expected kill_switch denial, got %+v", decision)
	}
}

func TestAdmit_InactiveScript(t *testing.T) {
	ctrl, tenantID, scriptID := setupFixture(t)
	_ = ctrl.Scripts.SetActive(context.Background(), scriptID, false)

	decision, err := ctrl.Admit(context.Background(), tenantID, scriptID, admission.Invoker{CanExecute: true})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision.Allowed || decision.Reason != brokererr.KindInactiveVersion {
		t.Fatalf("expected inactive_version denial, got %+v", decision)
	}
}

func TestAdmit_RateLimited(t *testing.T) {
	ctrl, tenantID, scriptID := setupFixture(t)
	// Tenant's rate limit is 100/60s but the limiter bucket starts full at
	// capacity 100; draining it forces the next Admit to deny.
	for i := 0; i < 100; i++ {
		if _, err := ctrl.RateLimiter.Allow(context.Background(), tenantID, 100); err != nil {
			t.Fatalf("allow: %v", err)
		}
	}

	decision, err := ctrl.Admit(context.Background(), tenantID, scriptID, admission.Invoker{CanExecute: true})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision.Allowed || decision.Reason != brokererr.KindRateLimited {
		t.Fatalf("expected rate_limited denial, got %+v", decision)
	}
	if decision.RetryAfter <= 0 {
		t.Fatalf("expected a positive retry-after hint, got %d", decision.RetryAfter)
	}
}

func TestAdmit_QuotaExceeded(t *testing.T) {
	ctx := context.Background()
	tenantStore := tenants.NewMemoryStore()
	tenant, _ := tenantStore.Create(ctx, tenants.CreateRequest{Name: "acme", RateLimit: 1000, APIQuota: 1, Grants: []string{"database"}})

	scriptStore := scripts.NewMemoryStore()
	script := &scripts.Script{ID: "script-1", TenantID: tenant.ID, Active: true, RequiredCapabilities: []string{"database"}}
	_ = scriptStore.CreateScript(ctx, script)
	version, _ := scriptStore.CreateVersion(ctx, script.ID, "1+1", "user-1")
	_ = scriptStore.SetApproval(ctx, script.ID, version.Version, scripts.ApprovalApproved, 100)

	ctrl := admission.NewController(fakeKillSwitch{}, tenantStore, scriptStore, ratelimit.NewMemoryLimiter(), cache.NewMemoryCache(), 10)

	first, err := ctrl.Admit(ctx, tenant.ID, script.ID, admission.Invoker{CanExecute: true})
	if err != nil || !first.Allowed {
		t.Fatalf("expected first admission to succeed: %+v %v", first, err)
	}

	second, err := ctrl.Admit(ctx, tenant.ID, script.ID, admission.Invoker{CanExecute: true})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if second.Allowed || second.Reason != brokererr.KindQuotaExceeded {
		t.Fatalf("expected quota_exceeded denial, got %+v", second)
	}
	if second.RetryAfter <= 0 {
		t.Fatalf("expected a positive retry-after hint, got %d", second.RetryAfter)
	}
}

func TestAdmit_CapacityLimit(t *testing.T) {
	ctx := context.Background()
	tenantStore := tenants.NewMemoryStore()
	tenant, _ := tenantStore.Create(ctx, tenants.CreateRequest{Name: "acme", RateLimit: 1000, APIQuota: 1000, Grants: []string{"database"}})

	scriptStore := scripts.NewMemoryStore()
	script := &scripts.Script{ID: "script-1", TenantID: tenant.ID, Active: true, RequiredCapabilities: []string{"database"}}
	_ = scriptStore.CreateScript(ctx, script)
	version, _ := scriptStore.CreateVersion(ctx, script.ID, "1+1", "user-1")
	_ = scriptStore.SetApproval(ctx, script.ID, version.Version, scripts.ApprovalApproved, 100)

	ctrl := admission.NewController(fakeKillSwitch{}, tenantStore, scriptStore, ratelimit.NewMemoryLimiter(), cache.NewMemoryCache(), 1)

	first, err := ctrl.Admit(ctx, tenant.ID, script.ID, admission.Invoker{CanExecute: true})
	if err != nil || !first.Allowed {
		t.Fatalf("expected first admission to succeed: %+v %v", first, err)
	}

	second, err := ctrl.Admit(ctx, tenant.ID, script.ID, admission.Invoker{CanExecute: true})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if second.Allowed || second.Reason != brokererr.KindCapacity {
		t.Fatalf("expected capacity denial, got %+v", second)
	}

	ctrl.Release()
	third, err := ctrl.Admit(ctx, tenant.ID, script.ID, admission.Invoker{CanExecute: true})
	if err != nil || !third.Allowed {
		t.Fatalf("expected admission after release to succeed: %+v %v", third, err)
	}
}

func TestAdmit_InvokerLacksPermission(t *testing.T) {
	ctrl, tenantID, scriptID := setupFixture(t)
	decision, err := ctrl.Admit(context.Background(), tenantID, scriptID, admission.Invoker{CanExecute: false})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision.Allowed || decision.Reason != brokererr.KindForbidden {
		t.Fatalf("expected forbidden denial, got %+v", decision)
	}
	if ctrl.Concurrent() != 0 {
		t.Fatalf("expected concurrency slot to be released, got %d", ctrl.Concurrent())
	}
}

func TestAdmit_MissingCapability(t *testing.T) {
	ctx := context.Background()
	tenantStore := tenants.NewMemoryStore()
	tenant, _ := tenantStore.Create(ctx, tenants.CreateRequest{Name: "acme", RateLimit: 1000, APIQuota: 1000, Grants: []string{"http"}})

	scriptStore := scripts.NewMemoryStore()
	script := &scripts.Script{ID: "script-1", TenantID: tenant.ID, Active: true, RequiredCapabilities: []string{"database"}}
	_ = scriptStore.CreateScript(ctx, script)
	version, _ := scriptStore.CreateVersion(ctx, script.ID, "1+1", "user-1")
	_ = scriptStore.SetApproval(ctx, script.ID, version.Version, scripts.ApprovalApproved, 100)

	ctrl := admission.NewController(fakeKillSwitch{}, tenantStore, scriptStore, ratelimit.NewMemoryLimiter(), cache.NewMemoryCache(), 10)

	decision, err := ctrl.Admit(ctx, tenant.ID, script.ID, admission.Invoker{CanExecute: true})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision.Allowed || decision.Reason != brokererr.KindMissingCapability {
		t.Fatalf("expected missing_capability denial, got %+v", decision)
	}
}
