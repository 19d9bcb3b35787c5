package incident

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cryptanex/custodyguard/pkg/models"
)

// ErrIncidentNotFound is returned when an incident id does not exist.
var ErrIncidentNotFound = errors.New("incident not found")

// Filter narrows incident listings. Zero values match everything.
type Filter struct {
	Severity string
	Status   string
	Wallet   string
	Limit    int
}

// Repository persists security incidents and fraud logs.
type Repository interface {
	CreateIncident(ctx context.Context, incident *models.SecurityIncident) error
	GetIncident(ctx context.Context, id uuid.UUID) (*models.SecurityIncident, error)
	UpdateIncident(ctx context.Context, incident *models.SecurityIncident) error
	ListIncidents(ctx context.Context, filter Filter) ([]models.SecurityIncident, error)
	CreateFraudLog(ctx context.Context, entry *models.FraudLog) error
	ListFraudLogs(ctx context.Context, wallet string, limit int) ([]models.FraudLog, error)
}

// GormRepository stores incidents and fraud logs through gorm.
type GormRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormRepository migrates the incident tables and returns the repository.
func NewGormRepository(db *gorm.DB, logger *zap.Logger) (*GormRepository, error) {
	if err := db.AutoMigrate(&models.SecurityIncident{}, &models.FraudLog{}); err != nil {
		return nil, fmt.Errorf("migrate incident tables: %w", err)
	}
	return &GormRepository{db: db, logger: logger}, nil
}

func (r *GormRepository) CreateIncident(ctx context.Context, incident *models.SecurityIncident) error {
	if err := r.db.WithContext(ctx).Create(incident).Error; err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

func (r *GormRepository) GetIncident(ctx context.Context, id uuid.UUID) (*models.SecurityIncident, error) {
	var incident models.SecurityIncident
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&incident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get incident %s: %w", id, err)
	}
	return &incident, nil
}

func (r *GormRepository) UpdateIncident(ctx context.Context, incident *models.SecurityIncident) error {
	if err := r.db.WithContext(ctx).Save(incident).Error; err != nil {
		return fmt.Errorf("update incident %s: %w", incident.ID, err)
	}
	return nil
}

func (r *GormRepository) ListIncidents(ctx context.Context, filter Filter) ([]models.SecurityIncident, error) {
	q := r.db.WithContext(ctx).Model(&models.SecurityIncident{})
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Wallet != "" {
		q = q.Where("affected_wallet = ?", filter.Wallet)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var incidents []models.SecurityIncident
	if err := q.Order("created_at DESC").Limit(limit).Find(&incidents).Error; err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	return incidents, nil
}

func (r *GormRepository) CreateFraudLog(ctx context.Context, entry *models.FraudLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("create fraud log: %w", err)
	}
	return nil
}

func (r *GormRepository) ListFraudLogs(ctx context.Context, wallet string, limit int) ([]models.FraudLog, error) {
	q := r.db.WithContext(ctx).Model(&models.FraudLog{})
	if wallet != "" {
		q = q.Where("wallet_address = ?", wallet)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var logs []models.FraudLog
	if err := q.Order("created_at DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("list fraud logs: %w", err)
	}
	return logs, nil
}

