// Package whitelist gates withdrawal destinations: when enforcement is on,
// funds may only move to addresses the wallet owner approved beforehand.
package whitelist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cryptanex/custodyguard/pkg/models"
)

// ErrEntryNotFound is returned when removing an address that is not
// whitelisted.
var ErrEntryNotFound = errors.New("whitelist entry not found")

// lookalike scan bounds: an edit distance in [1,3] against an existing
// entry suggests address poisoning.
const (
	lookalikeMin = 1
	lookalikeMax = 3
)

// Repository persists whitelist entries.
type Repository interface {
	Create(ctx context.Context, entry *models.WhitelistEntry) error
	Update(ctx context.Context, entry *models.WhitelistEntry) error
	// FindActive returns the active entry for the wallet/destination
	// pair, or ErrEntryNotFound.
	FindActive(ctx context.Context, wallet, destination string) (*models.WhitelistEntry, error)
	// FindAny returns the entry regardless of active flag, or
	// ErrEntryNotFound.
	FindAny(ctx context.Context, wallet, destination string) (*models.WhitelistEntry, error)
	ListActive(ctx context.Context, wallet string) ([]models.WhitelistEntry, error)
}

// GormRepository stores whitelist entries through gorm.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository migrates the whitelist table and returns the
// repository.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&models.WhitelistEntry{}); err != nil {
		return nil, fmt.Errorf("migrate whitelist table: %w", err)
	}
	return &GormRepository{db: db}, nil
}

func (r *GormRepository) Create(ctx context.Context, entry *models.WhitelistEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("create whitelist entry: %w", err)
	}
	return nil
}

func (r *GormRepository) Update(ctx context.Context, entry *models.WhitelistEntry) error {
	if err := r.db.WithContext(ctx).Save(entry).Error; err != nil {
		return fmt.Errorf("update whitelist entry %s: %w", entry.ID, err)
	}
	return nil
}

func (r *GormRepository) FindActive(ctx context.Context, wallet, destination string) (*models.WhitelistEntry, error) {
	return r.find(ctx, wallet, destination, true)
}

func (r *GormRepository) FindAny(ctx context.Context, wallet, destination string) (*models.WhitelistEntry, error) {
	return r.find(ctx, wallet, destination, false)
}

func (r *GormRepository) find(ctx context.Context, wallet, destination string, activeOnly bool) (*models.WhitelistEntry, error) {
	q := r.db.WithContext(ctx).
		Where("wallet_address = ? AND approved_address = ?", wallet, destination)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var entry models.WhitelistEntry
	err := q.First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find whitelist entry: %w", err)
	}
	return &entry, nil
}

func (r *GormRepository) ListActive(ctx context.Context, wallet string) ([]models.WhitelistEntry, error) {
	var entries []models.WhitelistEntry
	err := r.db.WithContext(ctx).
		Where("wallet_address = ? AND is_active = ?", wallet, true).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list whitelist entries: %w", err)
	}
	return entries, nil
}

// FraudRecorder persists advisory findings from the lookalike scan.
type FraudRecorder interface {
	RecordFraud(ctx context.Context, entry *models.FraudLog) error
}

// Gate decides whether a destination is approved for a wallet.
// Enforcement defaults to off so first-time legitimate withdrawals are
// not blocked; platforms opt in per deployment.
type Gate struct {
	repo    Repository
	fraud   FraudRecorder
	policy  *bluemonday.Policy
	logger  *zap.Logger
	enabled atomic.Bool
}

// NewGate creates the whitelist gate. fraud may be nil.
func NewGate(repo Repository, fraud FraudRecorder, enforce bool, logger *zap.Logger) *Gate {
	g := &Gate{
		repo:   repo,
		fraud:  fraud,
		policy: bluemonday.StrictPolicy(),
		logger: logger,
	}
	g.enabled.Store(enforce)
	return g
}

// Enabled reports whether the gate enforces whitelisting.
func (g *Gate) Enabled() bool { return g.enabled.Load() }

// SetEnabled toggles enforcement at runtime.
func (g *Gate) SetEnabled(on bool) {
	g.enabled.Store(on)
	g.logger.Info("whitelist enforcement toggled", zap.Bool("enabled", on))
}

// IsWhitelisted reports whether the destination is approved for the
// wallet.
func (g *Gate) IsWhitelisted(ctx context.Context, owner, destination string) (bool, error) {
	_, err := g.repo.FindActive(ctx, canonical(owner), canonical(destination))
	if errors.Is(err, ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Add approves a destination for the wallet. Re-adding an active entry is
// a no-op returning the existing row; re-adding a removed entry
// reactivates it. Every add runs a lookalike scan against the wallet's
// existing entries and records a high-severity fraud log on suspicion of
// address poisoning; the add itself still succeeds.
func (g *Gate) Add(ctx context.Context, owner, destination, label string) (*models.WhitelistEntry, error) {
	owner = canonical(owner)
	destination = canonical(destination)
	label = strings.TrimSpace(g.policy.Sanitize(label))
	if len(label) > 100 {
		label = label[:100]
	}

	g.scanLookalike(ctx, owner, destination)

	now := time.Now().UTC()
	existing, err := g.repo.FindAny(ctx, owner, destination)
	switch {
	case err == nil:
		if existing.IsActive {
			return existing, nil
		}
		existing.IsActive = true
		if label != "" {
			existing.Label = label
		}
		existing.UpdatedAt = now
		if err := g.repo.Update(ctx, existing); err != nil {
			return nil, err
		}
		g.logger.Info("whitelist entry reactivated",
			zap.String("wallet", owner),
			zap.String("destination", destination))
		return existing, nil
	case !errors.Is(err, ErrEntryNotFound):
		return nil, err
	}

	entry := &models.WhitelistEntry{
		ID:              uuid.New(),
		WalletAddress:   owner,
		ApprovedAddress: destination,
		Label:           label,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := g.repo.Create(ctx, entry); err != nil {
		return nil, err
	}
	g.logger.Info("whitelist entry added",
		zap.String("wallet", owner),
		zap.String("destination", destination),
		zap.String("label", label))
	return entry, nil
}

// scanLookalike compares the new destination against the wallet's existing
// entries. A near-miss (edit distance 1..3) is the classic address
// poisoning shape: an attacker seeds a destination that looks like one the
// victim already trusts.
func (g *Gate) scanLookalike(ctx context.Context, owner, destination string) {
	if g.fraud == nil {
		return
	}
	entries, err := g.repo.ListActive(ctx, owner)
	if err != nil {
		g.logger.Warn("lookalike scan skipped", zap.Error(err), zap.String("wallet", owner))
		return
	}
	for _, entry := range entries {
		distance := levenshtein.ComputeDistance(destination, entry.ApprovedAddress)
		if distance < lookalikeMin || distance > lookalikeMax {
			continue
		}
		g.logger.Warn("whitelist lookalike detected",
			zap.String("wallet", owner),
			zap.String("new", destination),
			zap.String("existing", entry.ApprovedAddress),
			zap.Int("distance", distance))
		if err := g.fraud.RecordFraud(ctx, &models.FraudLog{
			WalletAddress: owner,
			ActivityType:  "address_poisoning_suspected",
			Severity:      models.SeverityHigh,
			Description:   "new whitelist destination is a near-duplicate of an existing entry",
			Metadata: map[string]interface{}{
				"new_address":      destination,
				"existing_address": entry.ApprovedAddress,
				"distance":         distance,
			},
		}); err != nil {
			g.logger.Error("record lookalike finding", zap.Error(err))
		}
		return
	}
}

// Remove soft-deletes the entry; history is retained for audit.
func (g *Gate) Remove(ctx context.Context, owner, destination string) error {
	owner = canonical(owner)
	destination = canonical(destination)

	entry, err := g.repo.FindActive(ctx, owner, destination)
	if err != nil {
		return err
	}
	entry.IsActive = false
	entry.UpdatedAt = time.Now().UTC()
	if err := g.repo.Update(ctx, entry); err != nil {
		return err
	}
	g.logger.Info("whitelist entry removed",
		zap.String("wallet", owner),
		zap.String("destination", destination))
	return nil
}

// List returns the wallet's active entries, oldest first.
func (g *Gate) List(ctx context.Context, owner string) ([]models.WhitelistEntry, error) {
	return g.repo.ListActive(ctx, canonical(owner))
}

func canonical(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
