package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/scriptwarden/broker/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCache is a minimal in-memory cache.Cache for exercising
// CachedExporter/CachedStats without Redis.
type fakeCache struct {
	values map[string]string
	gets   int
}

func newFakeCache() *fakeCache { return &fakeCache{values: map[string]string{}} }

func (c *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	c.gets++
	v, ok := c.values[key]
	return v, ok, nil
}
func (c *fakeCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.values[key] = value
	return nil
}
func (c *fakeCache) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	if _, ok := c.values[key]; ok {
		return false, nil
	}
	c.values[key] = value
	return true, nil
}
func (c *fakeCache) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	return 0, nil
}
func (c *fakeCache) Expire(_ context.Context, _ string, _ time.Duration) error { return nil }
func (c *fakeCache) Del(_ context.Context, key string) error                  { delete(c.values, key); return nil }

func TestCachedExporter_CachesSecondCall(t *testing.T) {
	audit := store.NewAuditStore()
	_, err := audit.Append(store.EntryTypeSecurityEvent, "exec-1", "http", map[string]string{"m": "private_address"}, nil)
	require.NoError(t, err)

	c := newFakeCache()
	exporter := store.NewCachedExporter(audit, c)

	bundle, err := exporter.Export(context.Background(), "exec-1", store.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, bundle.Entries, 1)

	getsAfterFirst := c.gets
	bundle2, err := exporter.Export(context.Background(), "exec-1", store.QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, bundle.BundleHash, bundle2.BundleHash)
	assert.Greater(t, c.gets, getsAfterFirst)
}

func TestCachedExporter_NilCacheStillWorks(t *testing.T) {
	audit := store.NewAuditStore()
	_, err := audit.Append(store.EntryTypeSecurityEvent, "exec-2", "http", map[string]string{"m": "ok"}, nil)
	require.NoError(t, err)

	exporter := store.NewCachedExporter(audit, nil)
	bundle, err := exporter.Export(context.Background(), "exec-2", store.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, bundle.Entries, 1)
}

func TestCachedStats_CachesSecondCall(t *testing.T) {
	s := store.NewMemoryStore()
	log := &store.ExecutionLog{ScriptID: "s", TenantID: "tenant-x", Trigger: store.TriggerManual}
	require.NoError(t, s.Create(context.Background(), log))
	require.NoError(t, s.TransitionToRunning(context.Background(), log.ID))
	require.NoError(t, s.Complete(context.Background(), log.ID, store.StatusSuccess, "", "", store.ResourceUsage{ExecutionTimeMS: 42}))

	c := newFakeCache()
	cs := store.NewCachedStats(s, c)

	stats, err := cs.Stats(context.Background(), "tenant-x", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)

	stats2, err := cs.Stats(context.Background(), "tenant-x", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, stats.P50Millis, stats2.P50Millis)
}
