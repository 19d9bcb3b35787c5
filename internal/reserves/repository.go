package reserves

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cryptanex/custodyguard/pkg/models"
)

// ErrSnapshotNotFound is returned when no snapshot matches a query.
var ErrSnapshotNotFound = errors.New("reserves: snapshot not found")

// Repository persists reserve snapshots and the RPC endpoint registry.
type Repository interface {
	SaveSnapshot(ctx context.Context, snapshot *models.ReserveSnapshot) error
	GetSnapshot(ctx context.Context, id uuid.UUID) (*models.ReserveSnapshot, error)
	LatestSnapshot(ctx context.Context, chainID int64) (*models.ReserveSnapshot, error)
	ListSnapshots(ctx context.Context, chainID int64, limit int) ([]models.ReserveSnapshot, error)
	ActiveEndpoints(ctx context.Context) ([]models.RPCEndpoint, error)
	SeedEndpoints(ctx context.Context, endpoints []models.RPCEndpoint) error
}

// GormRepository implements Repository on gorm.
type GormRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormRepository creates the repository and migrates its tables.
func NewGormRepository(db *gorm.DB, logger *zap.Logger) (*GormRepository, error) {
	if err := db.AutoMigrate(&models.ReserveSnapshot{}, &models.RPCEndpoint{}); err != nil {
		return nil, fmt.Errorf("migrate reserve tables: %w", err)
	}
	return &GormRepository{db: db, logger: logger}, nil
}

// SaveSnapshot inserts an immutable snapshot row.
func (r *GormRepository) SaveSnapshot(ctx context.Context, snapshot *models.ReserveSnapshot) error {
	return r.db.WithContext(ctx).Create(snapshot).Error
}

// GetSnapshot retrieves one snapshot by id.
func (r *GormRepository) GetSnapshot(ctx context.Context, id uuid.UUID) (*models.ReserveSnapshot, error) {
	var snapshot models.ReserveSnapshot
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// LatestSnapshot retrieves the most recent snapshot for a chain.
func (r *GormRepository) LatestSnapshot(ctx context.Context, chainID int64) (*models.ReserveSnapshot, error) {
	var snapshot models.ReserveSnapshot
	err := r.db.WithContext(ctx).
		Where("chain_id = ?", chainID).
		Order("created_at DESC").
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: chain %d", ErrSnapshotNotFound, chainID)
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// ListSnapshots returns up to limit snapshots for a chain, newest first.
// A chainID of 0 lists across all chains.
func (r *GormRepository) ListSnapshots(ctx context.Context, chainID int64, limit int) ([]models.ReserveSnapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if chainID != 0 {
		query = query.Where("chain_id = ?", chainID)
	}
	var snapshots []models.ReserveSnapshot
	if err := query.Find(&snapshots).Error; err != nil {
		return nil, err
	}
	return snapshots, nil
}

// ActiveEndpoints returns active registry rows, highest priority first.
func (r *GormRepository) ActiveEndpoints(ctx context.Context) ([]models.RPCEndpoint, error) {
	var endpoints []models.RPCEndpoint
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("chain_id ASC, priority DESC").
		Find(&endpoints).Error
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}

// SeedEndpoints inserts registry rows only when the table is empty, so a
// yaml seed never clobbers operator edits.
func (r *GormRepository) SeedEndpoints(ctx context.Context, endpoints []models.RPCEndpoint) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.RPCEndpoint{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for i := range endpoints {
		if endpoints[i].ID == uuid.Nil {
			endpoints[i].ID = uuid.New()
		}
	}
	if len(endpoints) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&endpoints).Error
}
