package timelock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/cryptanex/custodyguard/pkg/models"
)

// ErrNotFound is returned when a withdrawal id does not exist.
var ErrNotFound = errors.New("time-locked withdrawal not found")

// Repository persists time-locked withdrawals.
type Repository interface {
	Create(ctx context.Context, w *models.TimeLockedWithdrawal) error
	Get(ctx context.Context, id uuid.UUID) (*models.TimeLockedWithdrawal, error)
	Update(ctx context.Context, w *models.TimeLockedWithdrawal) error
	// FindPending returns the newest pending hold matching the exact
	// from/to/amount/currency tuple, or ErrNotFound.
	FindPending(ctx context.Context, from, to string, amount decimal.Decimal, currency string) (*models.TimeLockedWithdrawal, error)
	// DueForExecution returns confirmed holds whose lock has elapsed.
	DueForExecution(ctx context.Context, now time.Time) ([]models.TimeLockedWithdrawal, error)
	// ExpiredPending returns pending holds whose lock elapsed before cutoff.
	ExpiredPending(ctx context.Context, cutoff time.Time) ([]models.TimeLockedWithdrawal, error)
}

// GormRepository stores withdrawals through gorm.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository migrates the withdrawal table and returns the
// repository.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&models.TimeLockedWithdrawal{}); err != nil {
		return nil, fmt.Errorf("migrate time-lock table: %w", err)
	}
	return &GormRepository{db: db}, nil
}

func (r *GormRepository) Create(ctx context.Context, w *models.TimeLockedWithdrawal) error {
	if err := r.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("create time-locked withdrawal: %w", err)
	}
	return nil
}

func (r *GormRepository) Get(ctx context.Context, id uuid.UUID) (*models.TimeLockedWithdrawal, error) {
	var w models.TimeLockedWithdrawal
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get time-locked withdrawal %s: %w", id, err)
	}
	return &w, nil
}

func (r *GormRepository) Update(ctx context.Context, w *models.TimeLockedWithdrawal) error {
	if err := r.db.WithContext(ctx).Save(w).Error; err != nil {
		return fmt.Errorf("update time-locked withdrawal %s: %w", w.ID, err)
	}
	return nil
}

func (r *GormRepository) FindPending(ctx context.Context, from, to string, amount decimal.Decimal, currency string) (*models.TimeLockedWithdrawal, error) {
	var w models.TimeLockedWithdrawal
	err := r.db.WithContext(ctx).
		Where("from_address = ? AND to_address = ? AND amount = ? AND currency = ? AND status = ?",
			from, to, amount, currency, models.TimeLockStatusPending).
		Order("created_at DESC").
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find pending withdrawal: %w", err)
	}
	return &w, nil
}

func (r *GormRepository) DueForExecution(ctx context.Context, now time.Time) ([]models.TimeLockedWithdrawal, error) {
	var out []models.TimeLockedWithdrawal
	err := r.db.WithContext(ctx).
		Where("status = ? AND lock_until <= ?", models.TimeLockStatusConfirmed, now).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list withdrawals due for execution: %w", err)
	}
	return out, nil
}

func (r *GormRepository) ExpiredPending(ctx context.Context, cutoff time.Time) ([]models.TimeLockedWithdrawal, error) {
	var out []models.TimeLockedWithdrawal
	err := r.db.WithContext(ctx).
		Where("status = ? AND lock_until <= ?", models.TimeLockStatusPending, cutoff).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list expired pending withdrawals: %w", err)
	}
	return out, nil
}
