package incident

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cryptanex/custodyguard/internal/ws"
	"github.com/cryptanex/custodyguard/pkg/models"
)

type feedRecorder struct {
	mu     sync.Mutex
	events []ws.Event
}

func (f *feedRecorder) Broadcast(event ws.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *feedRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newTestService(t *testing.T) (*Service, *feedRecorder) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	repo, err := NewGormRepository(db, zap.NewNop())
	require.NoError(t, err)
	feed := &feedRecorder{}
	return NewService(repo, feed, zap.NewNop()), feed
}

func TestRecordFillsDefaultsAndBroadcasts(t *testing.T) {
	svc, feed := newTestService(t)
	ctx := context.Background()

	incident := &models.SecurityIncident{
		IncidentType:   "velocity_limit_exceeded",
		Severity:       models.SeverityHigh,
		AffectedWallet: "0xABCDEF",
		Description:    "withdrawal velocity limit hit",
		DetectedBy:     "velocity_limiter",
	}
	require.NoError(t, svc.Record(ctx, incident))

	assert.NotEqual(t, uuid.Nil, incident.ID)
	assert.Equal(t, models.IncidentStatusOpen, incident.Status)
	assert.Equal(t, "0xabcdef", incident.AffectedWallet)
	assert.False(t, incident.CreatedAt.IsZero())

	require.Equal(t, 1, feed.count())
	assert.Equal(t, "incident_created", feed.events[0].Type)
	assert.Equal(t, models.SeverityHigh, feed.events[0].Severity)

	listed, err := svc.List(ctx, Filter{Wallet: "0xAbCdEf"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, incident.ID, listed[0].ID)
}

func TestRecordSanitizesDescription(t *testing.T) {
	svc, _ := newTestService(t)

	incident := &models.SecurityIncident{
		IncidentType: "manual",
		Severity:     models.SeverityLow,
		Description:  `<script>alert("x")</script>operator note`,
		DetectedBy:   "operator",
	}
	require.NoError(t, svc.Record(context.Background(), incident))
	assert.Equal(t, "operator note", incident.Description)
}

func TestListFilters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	seed := []models.SecurityIncident{
		{IncidentType: "a", Severity: models.SeverityCritical, AffectedWallet: "0x1", DetectedBy: "t"},
		{IncidentType: "b", Severity: models.SeverityHigh, AffectedWallet: "0x1", DetectedBy: "t"},
		{IncidentType: "c", Severity: models.SeverityHigh, AffectedWallet: "0x2", DetectedBy: "t"},
	}
	for i := range seed {
		require.NoError(t, svc.Record(ctx, &seed[i]))
	}

	bySeverity, err := svc.List(ctx, Filter{Severity: models.SeverityHigh})
	require.NoError(t, err)
	assert.Len(t, bySeverity, 2)

	byWallet, err := svc.List(ctx, Filter{Wallet: "0x2"})
	require.NoError(t, err)
	require.Len(t, byWallet, 1)
	assert.Equal(t, "c", byWallet[0].IncidentType)

	open, err := svc.List(ctx, Filter{Status: models.IncidentStatusOpen})
	require.NoError(t, err)
	assert.Len(t, open, 3)

	limited, err := svc.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestResolveLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	incident := &models.SecurityIncident{
		IncidentType: "lockdown_activated",
		Severity:     models.SeverityCritical,
		DetectedBy:   "lockdown_controller",
	}
	require.NoError(t, svc.Record(ctx, incident))

	resolved, err := svc.Resolve(ctx, incident.ID, "ops@custodyguard", "lockdown lifted after review")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusResolved, resolved.Status)
	assert.Equal(t, "ops@custodyguard", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "lockdown lifted after review", resolved.ActionsTaken)

	_, err = svc.Resolve(ctx, incident.ID, "ops@custodyguard", "again")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = svc.Resolve(ctx, uuid.New(), "ops", "none")
	assert.ErrorIs(t, err, ErrIncidentNotFound)
}

func TestFraudLogRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	entry := &models.FraudLog{
		WalletAddress: "0xFEED",
		ActivityType:  "address_poisoning_suspected",
		Severity:      models.SeverityHigh,
		Description:   "new entry within edit distance 2 of existing entry",
		Metadata:      map[string]interface{}{"distance": 2},
	}
	require.NoError(t, svc.RecordFraud(ctx, entry))
	assert.NotEqual(t, uuid.Nil, entry.ID)
	assert.Equal(t, "0xfeed", entry.WalletAddress)

	logs, err := svc.ListFraud(ctx, "0xfeed", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "address_poisoning_suspected", logs[0].ActivityType)

	all, err := svc.ListFraud(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
