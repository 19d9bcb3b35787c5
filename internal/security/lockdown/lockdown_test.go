package lockdown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cryptanex/custodyguard/internal/ws"
	"github.com/cryptanex/custodyguard/pkg/models"
)

type incidentSink struct {
	mu        sync.Mutex
	incidents []*models.SecurityIncident
}

func (s *incidentSink) Record(_ context.Context, incident *models.SecurityIncident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, incident)
	return nil
}

func (s *incidentSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.incidents))
	for i, inc := range s.incidents {
		out[i] = inc.IncidentType
	}
	return out
}

type feedSink struct {
	mu     sync.Mutex
	events []ws.Event
}

func (f *feedSink) Broadcast(event ws.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *feedSink) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

func TestActivateDeactivateCycle(t *testing.T) {
	store := NewMemoryStore()
	incidents := &incidentSink{}
	feed := &feedSink{}
	c := NewController(store, incidents, feed, time.Second, zap.NewNop())
	ctx := context.Background()

	assert.False(t, c.Active())

	require.NoError(t, c.Activate(ctx, "security-team", "suspected key compromise"))
	assert.True(t, c.Active())

	state := c.Status(ctx)
	assert.True(t, state.Active)
	assert.Equal(t, "suspected key compromise", state.Reason)
	assert.Equal(t, "security-team", state.ActivatedBy)
	assert.False(t, state.ActivatedAt.IsZero())

	// idempotent re-activation raises no second incident
	require.NoError(t, c.Activate(ctx, "security-team", "again"))
	assert.Equal(t, []string{"emergency_lockdown_activated"}, incidents.types())

	require.NoError(t, c.Deactivate(ctx, "security-team"))
	assert.False(t, c.Active())
	assert.Equal(t,
		[]string{"emergency_lockdown_activated", "emergency_lockdown_deactivated"},
		incidents.types())
	assert.Equal(t, []string{"lockdown_activated", "lockdown_deactivated"}, feed.types())

	// deactivating an unlocked platform is a no-op
	require.NoError(t, c.Deactivate(ctx, "security-team"))
	assert.Len(t, incidents.types(), 2)
}

func TestIncidentSeverities(t *testing.T) {
	incidents := &incidentSink{}
	c := NewController(NewMemoryStore(), incidents, nil, time.Second, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Activate(ctx, "ops", "drill"))
	require.NoError(t, c.Deactivate(ctx, "ops"))

	require.Len(t, incidents.incidents, 2)
	assert.Equal(t, models.SeverityCritical, incidents.incidents[0].Severity)
	assert.Equal(t, models.SeverityLow, incidents.incidents[1].Severity)
}

func TestControllerSeedsFromStore(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), State{
		Active:      true,
		Reason:      "left locked",
		ActivatedBy: "previous-replica",
		ActivatedAt: time.Now().UTC(),
	}))

	c := NewController(store, nil, nil, time.Second, zap.NewNop())
	assert.True(t, c.Active(), "controller must pick up an existing lockdown at boot")
	assert.Equal(t, "left locked", c.Status(context.Background()).Reason)
}

func TestWatcherConvergesOnStoreChanges(t *testing.T) {
	store := NewMemoryStore()
	c := NewController(store, nil, nil, 10*time.Millisecond, zap.NewNop())
	c.Start()
	defer c.Stop()

	assert.False(t, c.Active())

	// simulate another replica flipping the shared flag
	require.NoError(t, store.Save(context.Background(), State{
		Active:      true,
		Reason:      "remote activation",
		ActivatedBy: "replica-2",
	}))

	require.Eventually(t, func() bool { return c.Active() },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "remote activation", c.Status(context.Background()).Reason)

	require.NoError(t, store.Save(context.Background(), State{Active: false}))
	require.Eventually(t, func() bool { return !c.Active() },
		2*time.Second, 5*time.Millisecond)
}
