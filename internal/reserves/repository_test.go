package reserves

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cryptanex/custodyguard/pkg/models"
)

func newTestRepo(t *testing.T) *GormRepository {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	repo, err := NewGormRepository(db, zap.NewNop())
	require.NoError(t, err)
	return repo
}

func testSnapshot(chainID int64, createdAt time.Time) *models.ReserveSnapshot {
	return &models.ReserveSnapshot{
		ID:                      uuid.New(),
		ChainID:                 chainID,
		BlockNumber:             100,
		NativeBalance:           decimal.NewFromInt(1_000_000),
		TokenBalances:           map[string]string{"USDC": "150"},
		TotalReservesUSD:        decimal.NewFromInt(150),
		TotalUserLiabilitiesUSD: decimal.NewFromInt(100),
		ReserveRatio:            "1.5000",
		MerkleRoot:              "abcd",
		UserBalances: []models.UserBalance{
			{Address: "0xusera", Balance: decimal.NewFromInt(40)},
		},
		PriceSources: map[string]string{"ETH": "fallback"},
		CreatedAt:    createdAt,
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	snapshot := testSnapshot(1, time.Now().UTC())
	require.NoError(t, repo.SaveSnapshot(ctx, snapshot))

	loaded, err := repo.GetSnapshot(ctx, snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.ID, loaded.ID)
	assert.Equal(t, "1.5000", loaded.ReserveRatio)
	assert.Equal(t, map[string]string{"USDC": "150"}, loaded.TokenBalances)
	require.Len(t, loaded.UserBalances, 1)
	assert.Equal(t, "0xusera", loaded.UserBalances[0].Address)
	assert.True(t, loaded.TotalReservesUSD.Equal(decimal.NewFromInt(150)))
}

func TestGetSnapshotNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetSnapshot(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestLatestSnapshotPerChain(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	older := testSnapshot(1, base)
	newer := testSnapshot(1, base.Add(30*time.Minute))
	other := testSnapshot(137, base.Add(45*time.Minute))
	require.NoError(t, repo.SaveSnapshot(ctx, older))
	require.NoError(t, repo.SaveSnapshot(ctx, newer))
	require.NoError(t, repo.SaveSnapshot(ctx, other))

	latest, err := repo.LatestSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)

	_, err = repo.LatestSnapshot(ctx, 42161)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestListSnapshots(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.SaveSnapshot(ctx, testSnapshot(1, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, repo.SaveSnapshot(ctx, testSnapshot(137, base.Add(10*time.Minute))))

	all, err := repo.ListSnapshots(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	chain1, err := repo.ListSnapshots(ctx, 1, 3)
	require.NoError(t, err)
	assert.Len(t, chain1, 3)
	// newest first
	assert.True(t, chain1[0].CreatedAt.After(chain1[1].CreatedAt))
}

func TestEndpointSeedingIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	seed := []models.RPCEndpoint{
		{ChainID: 1, ChainName: "Ethereum", URL: "https://eth.example.com", Priority: 10, IsActive: true},
		{ChainID: 1, ChainName: "Ethereum", URL: "https://eth-backup.example.com", Priority: 5, IsActive: true},
		{ChainID: 137, ChainName: "Polygon", URL: "https://polygon.example.com", Priority: 1, IsActive: false},
	}
	require.NoError(t, repo.SeedEndpoints(ctx, seed))

	// second seed with different rows must not overwrite operator state
	require.NoError(t, repo.SeedEndpoints(ctx, []models.RPCEndpoint{
		{ChainID: 56, ChainName: "BNB Smart Chain", URL: "https://bnb.example.com", IsActive: true},
	}))

	active, err := repo.ActiveEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "https://eth.example.com", active[0].URL)
	assert.Equal(t, "https://eth-backup.example.com", active[1].URL)
}
