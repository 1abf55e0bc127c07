package scripts_test

import (
	"context"
	"testing"

	"github.com/scriptwarden/broker/pkg/scripts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum_DeterministicOnSameInput(t *testing.T) {
	c1, err := scripts.Checksum("script-1", 1, "return 1;")
	require.NoError(t, err)
	c2, err := scripts.Checksum("script-1", 1, "return 1;")
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
}

func TestChecksum_DiffersOnSourceChange(t *testing.T) {
	c1, _ := scripts.Checksum("script-1", 1, "return 1;")
	c2, _ := scripts.Checksum("script-1", 1, "return 2;")
	assert.NotEqual(t, c1, c2)
}

func TestMemoryStore_VersionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := scripts.NewMemoryStore()

	sc := &scripts.Script{TenantID: "t1", Name: "hello", Language: "javascript"}
	require.NoError(t, store.CreateScript(ctx, sc))

	v1, err := store.CreateVersion(ctx, sc.ID, "return 'ok';", "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, scripts.ApprovalDraft, v1.Approval)

	_, err = store.LatestApproved(ctx, sc.ID)
	assert.Error(t, err, "no approved version yet")

	require.NoError(t, store.SetApproval(ctx, sc.ID, 1, scripts.ApprovalApproved, 95))

	approved, err := store.LatestApproved(ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, approved.Eligible())
	assert.Equal(t, 95, approved.SecurityScore)
}

func TestMemoryStore_Rollback(t *testing.T) {
	ctx := context.Background()
	store := scripts.NewMemoryStore()

	sc := &scripts.Script{TenantID: "t1", Name: "hello"}
	require.NoError(t, store.CreateScript(ctx, sc))

	v1, _ := store.CreateVersion(ctx, sc.ID, "return 1;", "user-1")
	_, _ = store.CreateVersion(ctx, sc.ID, "return 2;", "user-1")

	rolled, err := store.Rollback(ctx, sc.ID, v1.Version, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, rolled.Version)
	assert.Equal(t, v1.Source, rolled.Source)
}
