// Package incident keeps the operator-facing record of security findings:
// append-only fraud logs for every detection, and incidents for anything
// that needs human attention.
package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/cryptanex/custodyguard/internal/ws"
	"github.com/cryptanex/custodyguard/pkg/metrics"
	"github.com/cryptanex/custodyguard/pkg/models"
)

// ErrAlreadyResolved is returned when resolving a resolved incident.
var ErrAlreadyResolved = errors.New("incident already resolved")

// Broadcaster pushes events to the live security feed. Usually *ws.Hub.
type Broadcaster interface {
	Broadcast(event ws.Event)
}

// Service records findings and manages the incident lifecycle.
type Service struct {
	repo     Repository
	feed     Broadcaster
	sanitize *bluemonday.Policy
	logger   *zap.Logger
}

// NewService creates the incident service. feed may be nil when no live
// event feed is wired.
func NewService(repo Repository, feed Broadcaster, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		feed:     feed,
		sanitize: bluemonday.StrictPolicy(),
		logger:   logger,
	}
}

// Record persists a new incident, fills in id/status/timestamps, and
// announces it on the security feed.
func (s *Service) Record(ctx context.Context, incident *models.SecurityIncident) error {
	if incident.ID == uuid.Nil {
		incident.ID = uuid.New()
	}
	if incident.Status == "" {
		incident.Status = models.IncidentStatusOpen
	}
	now := time.Now().UTC()
	incident.CreatedAt = now
	incident.UpdatedAt = now
	incident.AffectedWallet = strings.ToLower(strings.TrimSpace(incident.AffectedWallet))
	incident.Description = s.sanitize.Sanitize(incident.Description)

	if err := s.repo.CreateIncident(ctx, incident); err != nil {
		return err
	}

	metrics.IncidentsCreated.WithLabelValues(incident.IncidentType, incident.Severity).Inc()
	s.logger.Warn("security incident recorded",
		zap.String("id", incident.ID.String()),
		zap.String("type", incident.IncidentType),
		zap.String("severity", incident.Severity),
		zap.String("wallet", incident.AffectedWallet),
		zap.String("detected_by", incident.DetectedBy))

	if s.feed != nil {
		s.feed.Broadcast(ws.Event{
			Type:     "incident_created",
			Severity: incident.Severity,
			Wallet:   incident.AffectedWallet,
			Data: map[string]interface{}{
				"incident_id":   incident.ID.String(),
				"incident_type": incident.IncidentType,
				"description":   incident.Description,
			},
		})
	}
	return nil
}

// List returns incidents matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]models.SecurityIncident, error) {
	filter.Wallet = strings.ToLower(strings.TrimSpace(filter.Wallet))
	return s.repo.ListIncidents(ctx, filter)
}

// Get returns one incident by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.SecurityIncident, error) {
	return s.repo.GetIncident(ctx, id)
}

// Resolve flips an open incident to resolved, stamping who closed it and
// what was done.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, by, actions string) (*models.SecurityIncident, error) {
	incident, err := s.repo.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if incident.Status == models.IncidentStatusResolved {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}

	now := time.Now().UTC()
	incident.Status = models.IncidentStatusResolved
	incident.ResolvedBy = by
	incident.ResolvedAt = &now
	incident.ActionsTaken = s.sanitize.Sanitize(actions)
	incident.UpdatedAt = now

	if err := s.repo.UpdateIncident(ctx, incident); err != nil {
		return nil, err
	}

	s.logger.Info("security incident resolved",
		zap.String("id", incident.ID.String()),
		zap.String("type", incident.IncidentType),
		zap.String("resolved_by", by))
	return incident, nil
}

// RecordFraud appends one finding to the fraud log. Findings are advisory
// and never block the pipeline, so persistence failures are logged and
// returned but callers typically continue.
func (s *Service) RecordFraud(ctx context.Context, entry *models.FraudLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now().UTC()
	entry.WalletAddress = strings.ToLower(strings.TrimSpace(entry.WalletAddress))
	entry.Description = s.sanitize.Sanitize(entry.Description)

	if err := s.repo.CreateFraudLog(ctx, entry); err != nil {
		s.logger.Error("fraud log write failed",
			zap.Error(err),
			zap.String("activity", entry.ActivityType),
			zap.String("wallet", entry.WalletAddress))
		return err
	}

	s.logger.Info("fraud activity logged",
		zap.String("activity", entry.ActivityType),
		zap.String("severity", entry.Severity),
		zap.String("wallet", entry.WalletAddress))
	return nil
}

// ListFraud returns fraud log entries, newest first, optionally scoped to
// one wallet.
func (s *Service) ListFraud(ctx context.Context, wallet string, limit int) ([]models.FraudLog, error) {
	return s.repo.ListFraudLogs(ctx, strings.ToLower(strings.TrimSpace(wallet)), limit)
}
