package killswitch_test

import (
	"context"
	"sync"
	"testing"

	"github.com/scriptwarden/broker/pkg/cache"
	"github.com/scriptwarden/broker/pkg/killswitch"
	"github.com/scriptwarden/broker/pkg/store"
	"github.com/stretchr/testify/require"
)

type fakeTerminator struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeTerminator) TerminateAll(_ context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return nil
}

type fakeAlerter struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeAlerter) Send(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func TestSwitch_TripActivatesAndTerminates(t *testing.T) {
	c := cache.NewMemoryCache()
	term := &fakeTerminator{}
	alert := &fakeAlerter{}
	sw, err := killswitch.New(c, store.NewMemoryStore(), term, alert, nil)
	require.NoError(t, err)

	require.False(t, sw.Active())
	require.NoError(t, sw.Trip(context.Background(), "manual test"))
	require.True(t, sw.Active())
	require.Len(t, term.reasons, 1)
	require.Len(t, alert.messages, 1)
}

func TestSwitch_TripDoesNotReTriggerWithinTTL(t *testing.T) {
	c := cache.NewMemoryCache()
	term := &fakeTerminator{}
	sw, err := killswitch.New(c, store.NewMemoryStore(), term, nil, nil)
	require.NoError(t, err)

	require.NoError(t, sw.Trip(context.Background(), "first"))
	require.NoError(t, sw.Trip(context.Background(), "second"))
	require.Len(t, term.reasons, 1, "second trip while active must be a no-op")
}

func TestSwitch_DeactivateClearsFlag(t *testing.T) {
	c := cache.NewMemoryCache()
	sw, err := killswitch.New(c, store.NewMemoryStore(), nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, sw.Trip(context.Background(), "test"))
	require.True(t, sw.Active())
	require.NoError(t, sw.Deactivate(context.Background()))
	require.False(t, sw.Active())
}

func TestSwitch_EvaluateTripsOnThresholdBreach(t *testing.T) {
	c := cache.NewMemoryCache()
	term := &fakeTerminator{}
	sw, err := killswitch.New(c, store.NewMemoryStore(), term, nil, nil)
	require.NoError(t, err)

	require.NoError(t, sw.Evaluate(context.Background(), killswitch.Metrics{HostMemoryPercent: 50}))
	require.False(t, sw.Active())

	require.NoError(t, sw.Evaluate(context.Background(), killswitch.Metrics{HostMemoryPercent: 95}))
	require.True(t, sw.Active())
}

func TestSwitch_StatusReportsReason(t *testing.T) {
	c := cache.NewMemoryCache()
	sw, err := killswitch.New(c, store.NewMemoryStore(), nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, sw.Trip(context.Background(), "disk full"))
	active, reason, err := sw.Status(context.Background())
	require.NoError(t, err)
	require.True(t, active)
	require.Equal(t, "disk full", reason)
}
