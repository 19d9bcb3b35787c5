// Package antiphish manages per-wallet anti-phishing codes: a user-chosen
// phrase echoed in every notification so forged messages stand out.
package antiphish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cryptanex/custodyguard/pkg/models"
)

var (
	// ErrCodeNotSet is returned when a wallet has no active code.
	ErrCodeNotSet = errors.New("anti-phishing code not set")
	// ErrInvalidCode is returned when the supplied phrase fails validation.
	ErrInvalidCode = errors.New("anti-phishing code must be 4-32 characters")
)

// Repository persists anti-phishing codes.
type Repository interface {
	Upsert(ctx context.Context, code *models.AntiPhishingCode) error
	Get(ctx context.Context, wallet string) (*models.AntiPhishingCode, error)
	Deactivate(ctx context.Context, wallet string) error
}

// GormRepository stores codes through gorm, one row per wallet.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository migrates the anti-phishing table and returns the
// repository.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&models.AntiPhishingCode{}); err != nil {
		return nil, fmt.Errorf("migrate anti-phishing table: %w", err)
	}
	return &GormRepository{db: db}, nil
}

func (r *GormRepository) Upsert(ctx context.Context, code *models.AntiPhishingCode) error {
	var existing models.AntiPhishingCode
	err := r.db.WithContext(ctx).Where("wallet_address = ?", code.WalletAddress).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := r.db.WithContext(ctx).Create(code).Error; err != nil {
			return fmt.Errorf("create anti-phishing code: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("lookup anti-phishing code: %w", err)
	}

	existing.Code = code.Code
	existing.IsActive = code.IsActive
	existing.UpdatedAt = code.UpdatedAt
	if err := r.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return fmt.Errorf("update anti-phishing code: %w", err)
	}
	*code = existing
	return nil
}

func (r *GormRepository) Get(ctx context.Context, wallet string) (*models.AntiPhishingCode, error) {
	var code models.AntiPhishingCode
	err := r.db.WithContext(ctx).
		Where("wallet_address = ? AND is_active = ?", wallet, true).
		First(&code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCodeNotSet, wallet)
	}
	if err != nil {
		return nil, fmt.Errorf("get anti-phishing code: %w", err)
	}
	return &code, nil
}

func (r *GormRepository) Deactivate(ctx context.Context, wallet string) error {
	res := r.db.WithContext(ctx).Model(&models.AntiPhishingCode{}).
		Where("wallet_address = ? AND is_active = ?", wallet, true).
		Updates(map[string]interface{}{"is_active": false, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("deactivate anti-phishing code: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrCodeNotSet, wallet)
	}
	return nil
}

// Service validates and serves anti-phishing codes.
type Service struct {
	repo   Repository
	policy *bluemonday.Policy
	logger *zap.Logger
}

func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, policy: bluemonday.StrictPolicy(), logger: logger}
}

// Set stores (or replaces) the wallet's phrase.
func (s *Service) Set(ctx context.Context, wallet, phrase string) (*models.AntiPhishingCode, error) {
	phrase = strings.TrimSpace(s.policy.Sanitize(phrase))
	if len(phrase) < 4 || len(phrase) > 32 {
		return nil, ErrInvalidCode
	}

	now := time.Now().UTC()
	code := &models.AntiPhishingCode{
		ID:            uuid.New(),
		WalletAddress: strings.ToLower(strings.TrimSpace(wallet)),
		Code:          phrase,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Upsert(ctx, code); err != nil {
		return nil, err
	}
	s.logger.Info("anti-phishing code set", zap.String("wallet", code.WalletAddress))
	return code, nil
}

// ActiveCode returns the wallet's phrase, or "" when none is set. Lookup
// failures other than absence are logged and swallowed: notifications go
// out without the phrase rather than not at all.
func (s *Service) ActiveCode(ctx context.Context, wallet string) string {
	code, err := s.repo.Get(ctx, strings.ToLower(strings.TrimSpace(wallet)))
	if err != nil {
		if !errors.Is(err, ErrCodeNotSet) {
			s.logger.Warn("anti-phishing code lookup failed", zap.Error(err), zap.String("wallet", wallet))
		}
		return ""
	}
	return code.Code
}

// Deactivate disables the wallet's phrase.
func (s *Service) Deactivate(ctx context.Context, wallet string) error {
	return s.repo.Deactivate(ctx, strings.ToLower(strings.TrimSpace(wallet)))
}
