package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/scriptwarden/broker/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateAndTransition(t *testing.T) {
	s := store.NewMemoryStore()
	log := &store.ExecutionLog{ScriptID: "script-1", TenantID: "tenant-1", InvokerID: "user-1", Trigger: store.TriggerAPI}
	require.NoError(t, s.Create(context.Background(), log))
	assert.NotEmpty(t, log.ID)

	got, err := s.Get(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)

	require.NoError(t, s.TransitionToRunning(context.Background(), log.ID))
	got, err = s.Get(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
}

func TestMemoryStore_AppendCallbackChainsIntoAuditStore(t *testing.T) {
	s := store.NewMemoryStore()
	log := &store.ExecutionLog{ScriptID: "s", TenantID: "t", Trigger: store.TriggerAPI}
	require.NoError(t, s.Create(context.Background(), log))

	require.NoError(t, s.AppendCallback(context.Background(), log.ID, "database", "query", map[string]any{"sql": "select 1"}))

	entries := s.Audit().Query(store.QueryFilter{ExecutionID: log.ID})
	require.Len(t, entries, 1)
	assert.Equal(t, store.EntryTypeCallback, entries[0].EntryType)
	assert.Equal(t, "database.query", entries[0].Action)

	err := s.AppendCallback(context.Background(), "missing", "database", "query", nil)
	assert.ErrorIs(t, err, store.ErrExecutionNotFound)
}

func TestMemoryStore_CannotSkipPendingToTerminal(t *testing.T) {
	s := store.NewMemoryStore()
	log := &store.ExecutionLog{ScriptID: "s", TenantID: "t", Trigger: store.TriggerManual}
	require.NoError(t, s.Create(context.Background(), log))

	err := s.Complete(context.Background(), log.ID, store.StatusSuccess, "", "", store.ResourceUsage{})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestMemoryStore_TerminalIsSticky(t *testing.T) {
	s := store.NewMemoryStore()
	log := &store.ExecutionLog{ScriptID: "s", TenantID: "t", Trigger: store.TriggerManual}
	require.NoError(t, s.Create(context.Background(), log))
	require.NoError(t, s.TransitionToRunning(context.Background(), log.ID))
	require.NoError(t, s.Complete(context.Background(), log.ID, store.StatusTimeout, "", "timed out", store.ResourceUsage{}))

	// A second, different terminal write is a no-op, not an error — the
	// watchdog and dispatcher may race to close the same execution.
	err := s.Complete(context.Background(), log.ID, store.StatusKilled, "", "killed", store.ResourceUsage{})
	require.NoError(t, err)

	got, err := s.Get(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTimeout, got.Status)
	assert.NotNil(t, got.EndedAt)
}

func TestMemoryStore_AppendSecurityFlagChainsIntoAuditStore(t *testing.T) {
	s := store.NewMemoryStore()
	log := &store.ExecutionLog{ScriptID: "s", TenantID: "t", Trigger: store.TriggerManual}
	require.NoError(t, s.Create(context.Background(), log))
	require.NoError(t, s.TransitionToRunning(context.Background(), log.ID))

	require.NoError(t, s.AppendSecurityFlag(context.Background(), log.ID, store.SecurityFlag{Type: "http", Message: "private_address"}))

	got, err := s.Get(context.Background(), log.ID)
	require.NoError(t, err)
	require.Len(t, got.SecurityFlags, 1)
	assert.Equal(t, "private_address", got.SecurityFlags[0].Message)

	entries := s.Audit().Query(store.QueryFilter{ExecutionID: log.ID})
	require.Len(t, entries, 1)
	require.NoError(t, s.Audit().VerifyChain())
}

func TestMemoryStore_IncrementCallbackCountRequiresRunning(t *testing.T) {
	s := store.NewMemoryStore()
	log := &store.ExecutionLog{ScriptID: "s", TenantID: "t", Trigger: store.TriggerManual}
	require.NoError(t, s.Create(context.Background(), log))

	_, err := s.IncrementCallbackCount(context.Background(), log.ID)
	assert.ErrorIs(t, err, store.ErrExecutionNotActive)

	require.NoError(t, s.TransitionToRunning(context.Background(), log.ID))
	count, err := s.IncrementCallbackCount(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryStore_ListRunningOnlyReturnsRunning(t *testing.T) {
	s := store.NewMemoryStore()
	pending := &store.ExecutionLog{ScriptID: "s", TenantID: "t", Trigger: store.TriggerManual}
	running := &store.ExecutionLog{ScriptID: "s", TenantID: "t", Trigger: store.TriggerManual}
	require.NoError(t, s.Create(context.Background(), pending))
	require.NoError(t, s.Create(context.Background(), running))
	require.NoError(t, s.TransitionToRunning(context.Background(), running.ID))

	logs, err := s.ListRunning(context.Background())
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, running.ID, logs[0].ID)
}

func TestMemoryStore_StatsComputesSuccessRateAndPercentiles(t *testing.T) {
	s := store.NewMemoryStore()
	for i, status := range []store.Status{store.StatusSuccess, store.StatusSuccess, store.StatusFailed, store.StatusTimeout} {
		log := &store.ExecutionLog{ScriptID: "s", TenantID: "t", Trigger: store.TriggerManual}
		require.NoError(t, s.Create(context.Background(), log))
		require.NoError(t, s.TransitionToRunning(context.Background(), log.ID))
		usage := store.ResourceUsage{ExecutionTimeMS: int64(100 * (i + 1))}
		require.NoError(t, s.Complete(context.Background(), log.ID, status, "", "", usage))
	}

	stats, err := s.Stats(context.Background(), "t", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 0.5, stats.SuccessRate)
	assert.Greater(t, stats.P99Millis, int64(0))
}

func TestExecutionLog_AppendOutputTruncatesAt4KiB(t *testing.T) {
	log := &store.ExecutionLog{}
	huge := make([]byte, 5*1024)
	for i := range huge {
		huge[i] = 'a'
	}
	log.AppendOutput(string(huge))
	assert.Equal(t, 4*1024, len(log.Output))
}
