package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/scriptwarden/broker/pkg/broker"
	"github.com/scriptwarden/broker/pkg/cache"
	"github.com/scriptwarden/broker/pkg/capabilities"
	"github.com/scriptwarden/broker/pkg/dispatcher"
	"github.com/scriptwarden/broker/pkg/scripts"
	"github.com/scriptwarden/broker/pkg/store"
	"github.com/scriptwarden/broker/pkg/tenants"
	"github.com/stretchr/testify/require"
)

var masterKey = []byte("test-master-key-32-bytes-long!!")

func setupBroker(t *testing.T) (*broker.Broker, *store.ExecutionLog, string) {
	t.Helper()
	ctx := context.Background()

	tenantStore := tenants.NewMemoryStore()
	tenant, err := tenantStore.Create(ctx, tenants.CreateRequest{Name: "acme", Grants: []string{"events.dispatch"}})
	require.NoError(t, err)

	scriptStore := scripts.NewMemoryStore()
	script := &scripts.Script{ID: "script-1", TenantID: tenant.ID, Active: true, RequiredCapabilities: []string{"events"}}
	require.NoError(t, scriptStore.CreateScript(ctx, script))

	execStore := store.NewMemoryStore()
	log := &store.ExecutionLog{ScriptID: script.ID, TenantID: tenant.ID, InvokerID: "u1", Trigger: store.TriggerAPI}
	require.NoError(t, execStore.Create(ctx, log))
	require.NoError(t, execStore.TransitionToRunning(ctx, log.ID))

	tokenCache := cache.NewMemoryCache()
	token, record, err := dispatcher.MintToken(masterKey, log.ID, time.Minute, time.Now().UTC())
	require.NoError(t, err)
	raw, err := dispatcher.MarshalTokenRecord(record)
	require.NoError(t, err)
	require.NoError(t, tokenCache.Set(ctx, dispatcher.TokenCacheKey(log.ID), raw, time.Minute))

	table := capabilities.NewTable()
	require.NoError(t, capabilities.RegisterLog(table))
	require.NoError(t, capabilities.RegisterUtils(table, capabilities.NewUtilsLimiter()))

	b := broker.New(execStore, tokenCache, table, tenantStore, scriptStore, nil, masterKey)
	return b, log, token
}

func TestBroker_Handle_LogCallSucceeds(t *testing.T) {
	b, log, token := setupBroker(t)

	resp, err := b.Handle(context.Background(), broker.Request{
		ExecutionID: log.ID, Token: token, Namespace: "log", Method: "info",
		Params: map[string]any{"message": "hello"},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
}

func TestBroker_Handle_RejectsMissingFields(t *testing.T) {
	b, _, _ := setupBroker(t)

	resp, err := b.Handle(context.Background(), broker.Request{Namespace: "log", Method: "info"})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
}

func TestBroker_Handle_RejectsBadToken(t *testing.T) {
	b, log, _ := setupBroker(t)

	resp, err := b.Handle(context.Background(), broker.Request{
		ExecutionID: log.ID, Token: "wrong-token", Namespace: "log", Method: "info",
		Params: map[string]any{"message": "x"},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
}

func TestBroker_Handle_RejectsNotRunningExecution(t *testing.T) {
	b, log, token := setupBroker(t)
	require.NoError(t, b.Store.Complete(context.Background(), log.ID, store.StatusSuccess, "", "", store.ResourceUsage{}))

	resp, err := b.Handle(context.Background(), broker.Request{
		ExecutionID: log.ID, Token: token, Namespace: "log", Method: "info",
		Params: map[string]any{"message": "x"},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
}

func TestBroker_Handle_ExceedingCallbackCapKillsExecution(t *testing.T) {
	b, log, token := setupBroker(t)

	for i := 0; i < 2000; i++ {
		_, err := b.Store.IncrementCallbackCount(context.Background(), log.ID)
		require.NoError(t, err)
	}

	resp, err := b.Handle(context.Background(), broker.Request{
		ExecutionID: log.ID, Token: token, Namespace: "log", Method: "info",
		Params: map[string]any{"message": "over the cap"},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)

	got, err := b.Store.Get(context.Background(), log.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusKilled, got.Status)
}

func TestBroker_Handle_UtilsCallDoesNotRequireGrant(t *testing.T) {
	b, log, token := setupBroker(t)

	resp, err := b.Handle(context.Background(), broker.Request{
		ExecutionID: log.ID, Token: token, Namespace: "utils", Method: "uuid",
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.NotEmpty(t, resp.Result)
}
