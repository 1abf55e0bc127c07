package tenants_test

import (
	"context"
	"testing"

	"github.com/scriptwarden/broker/pkg/tenants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := tenants.NewMemoryStore()

	tenant, err := store.Create(ctx, tenants.CreateRequest{
		Name:      "acme",
		RateLimit: 100,
		APIQuota:  100000,
		Grants:    []string{"database.access", "events.dispatch"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tenant.ID)
	assert.True(t, tenant.IsActive())

	fetched, err := store.Get(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", fetched.Name)
	assert.Equal(t, 100, fetched.RateLimit)
}

func TestMemoryStore_SuspendReactivate(t *testing.T) {
	ctx := context.Background()
	store := tenants.NewMemoryStore()

	tenant, _ := store.Create(ctx, tenants.CreateRequest{Name: "acme"})

	require.NoError(t, store.Suspend(ctx, tenant.ID))
	fetched, _ := store.Get(ctx, tenant.ID)
	assert.Equal(t, tenants.StatusSuspended, fetched.Status)
	assert.NotNil(t, fetched.SuspendedAt)

	require.NoError(t, store.Reactivate(ctx, tenant.ID))
	fetched, _ = store.Get(ctx, tenant.ID)
	assert.Equal(t, tenants.StatusActive, fetched.Status)
	assert.Nil(t, fetched.SuspendedAt)
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	store := tenants.NewMemoryStore()
	_, err := store.Get(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestTenant_HasAllGrants(t *testing.T) {
	tenant := &tenants.Tenant{Grants: []string{"database.access", "http.access"}}

	assert.True(t, tenant.HasAllGrants([]string{"database.access"}))
	assert.True(t, tenant.HasAllGrants(nil))
	assert.False(t, tenant.HasAllGrants([]string{"database.access", "events.dispatch"}))
}
