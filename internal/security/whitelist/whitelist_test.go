package whitelist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cryptanex/custodyguard/pkg/models"
)

type fraudSink struct {
	entries []*models.FraudLog
}

func (f *fraudSink) RecordFraud(_ context.Context, entry *models.FraudLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

func newTestGate(t *testing.T, enforce bool) (*Gate, *fraudSink) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	repo, err := NewGormRepository(db)
	require.NoError(t, err)
	fraud := &fraudSink{}
	return NewGate(repo, fraud, enforce, zap.NewNop()), fraud
}

func TestAddAndCheck(t *testing.T) {
	g, _ := newTestGate(t, true)
	ctx := context.Background()

	entry, err := g.Add(ctx, "0xOWNER", "0xDEST1", "cold storage")
	require.NoError(t, err)
	assert.Equal(t, "0xowner", entry.WalletAddress)
	assert.Equal(t, "0xdest1", entry.ApprovedAddress)
	assert.Equal(t, "cold storage", entry.Label)
	assert.True(t, entry.IsActive)

	ok, err := g.IsWhitelisted(ctx, "0xOwner", "0xDest1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.IsWhitelisted(ctx, "0xowner", "0xother")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddIsIdempotent(t *testing.T) {
	g, _ := newTestGate(t, true)
	ctx := context.Background()

	first, err := g.Add(ctx, "0xowner", "0xdest", "exchange")
	require.NoError(t, err)
	second, err := g.Add(ctx, "0xowner", "0xdest", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	entries, err := g.List(ctx, "0xowner")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRemoveSoftDeletesAndReaddReactivates(t *testing.T) {
	g, _ := newTestGate(t, true)
	ctx := context.Background()

	original, err := g.Add(ctx, "0xowner", "0xdest", "v1")
	require.NoError(t, err)

	require.NoError(t, g.Remove(ctx, "0xowner", "0xdest"))
	ok, err := g.IsWhitelisted(ctx, "0xowner", "0xdest")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, g.Remove(ctx, "0xowner", "0xdest"), ErrEntryNotFound)

	// re-add reuses the soft-deleted row instead of creating a duplicate
	revived, err := g.Add(ctx, "0xowner", "0xdest", "v2")
	require.NoError(t, err)
	assert.Equal(t, original.ID, revived.ID)
	assert.Equal(t, "v2", revived.Label)
	assert.True(t, revived.IsActive)
}

func TestLabelSanitized(t *testing.T) {
	g, _ := newTestGate(t, true)

	entry, err := g.Add(context.Background(), "0xowner", "0xdest", `<img src=x onerror=alert(1)>ledger`)
	require.NoError(t, err)
	assert.Equal(t, "ledger", entry.Label)
}

func TestLookalikeScanFlagsNearDuplicate(t *testing.T) {
	g, fraud := newTestGate(t, true)
	ctx := context.Background()

	_, err := g.Add(ctx, "0xowner", "0xabcdef1234567890", "real")
	require.NoError(t, err)
	require.Empty(t, fraud.entries)

	// distance 1 from the existing entry: flagged, but still added
	entry, err := g.Add(ctx, "0xowner", "0xabcdef1234567891", "poisoned?")
	require.NoError(t, err)
	assert.True(t, entry.IsActive)

	require.Len(t, fraud.entries, 1)
	finding := fraud.entries[0]
	assert.Equal(t, "address_poisoning_suspected", finding.ActivityType)
	assert.Equal(t, models.SeverityHigh, finding.Severity)
	assert.Equal(t, "0xowner", finding.WalletAddress)
	assert.Equal(t, 1, finding.Metadata["distance"])

	// a clearly different address is not flagged
	_, err = g.Add(ctx, "0xowner", "0x9999999999999999", "unrelated")
	require.NoError(t, err)
	assert.Len(t, fraud.entries, 1)
}

func TestLookalikeScanIsCaseInsensitive(t *testing.T) {
	g, fraud := newTestGate(t, true)
	ctx := context.Background()

	_, err := g.Add(ctx, "0xowner", "0xAbCdEf9999", "real")
	require.NoError(t, err)

	_, err = g.Add(ctx, "0xowner", "0xABCDEF9998", "near")
	require.NoError(t, err)
	assert.Len(t, fraud.entries, 1)
}

func TestEnforcementToggle(t *testing.T) {
	g, _ := newTestGate(t, false)
	assert.False(t, g.Enabled())
	g.SetEnabled(true)
	assert.True(t, g.Enabled())
	g.SetEnabled(false)
	assert.False(t, g.Enabled())
}
