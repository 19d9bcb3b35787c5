// Package security orchestrates the withdrawal-risk pipeline. Every
// outbound transaction passes lockdown, velocity, whitelist, risk score
// and time-lock checks in that order, and the first stage that objects
// decides the outcome.
package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cryptanex/custodyguard/internal/security/risk"
	"github.com/cryptanex/custodyguard/internal/security/timelock"
	"github.com/cryptanex/custodyguard/internal/security/velocity"
	"github.com/cryptanex/custodyguard/pkg/metrics"
	"github.com/cryptanex/custodyguard/pkg/models"
)

// ErrInvalidRequest marks a malformed transaction request, as opposed to
// an infrastructure failure.
var ErrInvalidRequest = errors.New("invalid transaction request")

// Stage names used in logs and metrics.
const (
	StageLockdown  = "lockdown"
	StageVelocity  = "velocity"
	StageWhitelist = "whitelist"
	StageRisk      = "risk"
	StageTimeLock  = "timelock"
	stagePipeline  = "pipeline"
)

// LockdownGate reports the platform kill switch.
type LockdownGate interface {
	Active() bool
}

// VelocityChecker counts withdrawal attempts inside the rolling window.
type VelocityChecker interface {
	Check(ctx context.Context, address string) (velocity.Result, error)
}

// WhitelistGate decides whether a destination is approved.
type WhitelistGate interface {
	Enabled() bool
	IsWhitelisted(ctx context.Context, owner, destination string) (bool, error)
}

// RiskScorer assesses one transaction.
type RiskScorer interface {
	Score(ctx context.Context, address string, amount decimal.Decimal, metadata map[string]interface{}) risk.Assessment
}

// HoldManager creates or reuses time-locked holds.
type HoldManager interface {
	EnsureHold(ctx context.Context, req *models.TransactionRequest) (*models.TimeLockedWithdrawal, string, error)
}

// FindingSink records incidents and fraud logs produced by the pipeline.
type FindingSink interface {
	Record(ctx context.Context, incident *models.SecurityIncident) error
	RecordFraud(ctx context.Context, entry *models.FraudLog) error
}

// Service runs the pipeline. Stages execute strictly sequentially: each
// stage's durable side effects complete before the next stage runs.
type Service struct {
	lockdown  LockdownGate
	velocity  VelocityChecker
	whitelist WhitelistGate
	risk      RiskScorer
	timelock  HoldManager
	findings  FindingSink
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewService wires the pipeline. lockdown, whitelist and findings may be
// nil; their stages are skipped or degrade to log-only.
func NewService(
	lockdownGate LockdownGate,
	velocityChecker VelocityChecker,
	whitelistGate WhitelistGate,
	riskScorer RiskScorer,
	holdManager HoldManager,
	findings FindingSink,
	logger *zap.Logger,
) *Service {
	return &Service{
		lockdown:  lockdownGate,
		velocity:  velocityChecker,
		whitelist: whitelistGate,
		risk:      riskScorer,
		timelock:  holdManager,
		findings:  findings,
		validate:  validator.New(),
		logger:    logger,
	}
}

// ValidateTransaction runs the full pipeline and returns the verdict.
// Denials are business outcomes, not errors; the error return is reserved
// for malformed requests and infrastructure failures.
func (s *Service) ValidateTransaction(ctx context.Context, req *models.TransactionRequest) (*models.SecurityCheckResult, error) {
	start := time.Now()
	defer func() {
		metrics.CheckLatency.Observe(time.Since(start).Seconds())
	}()

	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	from := strings.ToLower(strings.TrimSpace(req.FromAddress))
	to := strings.ToLower(strings.TrimSpace(req.ToAddress))

	// stage 1: emergency lockdown
	if s.lockdown != nil && s.lockdown.Active() {
		return s.deny(ctx, denial{
			stage:    StageLockdown,
			reason:   "platform is in emergency lockdown; withdrawals are temporarily suspended",
			wallet:   from,
			activity: "lockdown_block",
			severity: models.SeverityLow,
		}), nil
	}
	s.stagePassed(StageLockdown, from)

	// stage 2: velocity limiter
	vres, err := s.velocity.Check(ctx, from)
	if err != nil {
		// the attempt store being down must not freeze all withdrawals
		s.logger.Error("velocity check unavailable, stage skipped",
			zap.Error(err), zap.String("from", from))
	} else {
		if !vres.Allowed {
			s.recordIncident(ctx, &models.SecurityIncident{
				IncidentType:   "velocity_limit_exceeded",
				Severity:       models.SeverityHigh,
				AffectedWallet: from,
				Description:    fmt.Sprintf("%d withdrawal attempts inside the rolling window", vres.Count),
				DetectedBy:     "velocity_limiter",
				Metadata:       map[string]interface{}{"attempts": vres.Count},
			})
			return s.deny(ctx, denial{
				stage:    StageVelocity,
				reason:   "too many withdrawal attempts; wait before trying again",
				wallet:   from,
				activity: "velocity_limit",
				severity: models.SeverityCritical,
				metadata: map[string]interface{}{"attempts": vres.Count},
			}), nil
		}
		if vres.Warning {
			s.recordFraud(ctx, &models.FraudLog{
				WalletAddress: from,
				ActivityType:  "velocity_warning",
				Severity:      models.SeverityHigh,
				Description:   fmt.Sprintf("elevated withdrawal velocity: %d attempts inside the rolling window", vres.Count),
				Metadata:      map[string]interface{}{"attempts": vres.Count},
			})
		}
	}
	s.stagePassed(StageVelocity, from)

	// stage 3: whitelist gate
	if s.whitelist != nil && s.whitelist.Enabled() {
		listed, err := s.whitelist.IsWhitelisted(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("whitelist check: %w", err)
		}
		if !listed {
			return s.deny(ctx, denial{
				stage:    StageWhitelist,
				reason:   "destination address is not whitelisted; add it to your whitelist before withdrawing",
				wallet:   from,
				activity: "whitelist_block",
				severity: models.SeverityMedium,
				metadata: map[string]interface{}{"destination": to},
			}), nil
		}
	}
	s.stagePassed(StageWhitelist, from)

	// stage 4: risk scorer
	assessment := s.risk.Score(ctx, from, req.Amount, req.Metadata)
	score := assessment.Score
	level := assessment.Level.String()
	flags := flagNames(assessment.Flags)

	switch assessment.Level {
	case risk.RiskLevelCritical:
		s.recordIncident(ctx, &models.SecurityIncident{
			IncidentType:   "critical_risk_transaction",
			Severity:       models.SeverityCritical,
			AffectedWallet: from,
			Description:    fmt.Sprintf("transaction scored %d (critical): %s", score, strings.Join(flags, ", ")),
			DetectedBy:     "risk_scorer",
			Metadata:       map[string]interface{}{"score": score, "flags": flags},
		})
		result := s.deny(ctx, denial{
			stage:    StageRisk,
			reason:   "transaction blocked by risk controls",
			wallet:   from,
			activity: "risk_critical",
			severity: models.SeverityCritical,
			metadata: map[string]interface{}{"score": score, "flags": flags},
		})
		result.RiskScore = &score
		result.RiskLevel = level
		return result, nil
	case risk.RiskLevelHigh:
		// flagged but allowed through
		s.recordFraud(ctx, &models.FraudLog{
			WalletAddress: from,
			ActivityType:  "risk_high",
			Severity:      models.SeverityHigh,
			Description:   fmt.Sprintf("transaction scored %d (high): %s", score, strings.Join(flags, ", ")),
			Metadata:      map[string]interface{}{"score": score, "flags": flags},
		})
		s.recordIncident(ctx, &models.SecurityIncident{
			IncidentType:   "high_risk_transaction",
			Severity:       models.SeverityHigh,
			AffectedWallet: from,
			Description:    fmt.Sprintf("transaction scored %d (high), allowed with flags: %s", score, strings.Join(flags, ", ")),
			DetectedBy:     "risk_scorer",
			Metadata:       map[string]interface{}{"score": score, "flags": flags},
		})
	}
	s.stagePassed(StageRisk, from)

	// stage 5: time-lock
	if timelock.RequiredHold(req.Amount) > 0 {
		hold, _, err := s.timelock.EnsureHold(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("ensure time-locked hold: %w", err)
		}
		result := s.deny(ctx, denial{
			stage:    StageTimeLock,
			reason:   "withdrawal held for confirmation; approve it with the code that was sent to you",
			wallet:   from,
			activity: "timelock_hold",
			severity: models.SeverityLow,
			metadata: map[string]interface{}{
				"withdrawal_id": hold.ID.String(),
				"lock_until":    hold.LockUntil,
			},
		})
		result.RiskScore = &score
		result.RiskLevel = level
		result.TimeLockID = &hold.ID
		return result, nil
	}
	s.stagePassed(StageTimeLock, from)

	metrics.SecurityChecks.WithLabelValues("allowed", stagePipeline).Inc()
	s.logger.Info("transaction approved",
		zap.String("from", from),
		zap.String("to", to),
		zap.String("amount", req.Amount.String()),
		zap.String("currency", req.Currency),
		zap.Int("risk_score", score),
		zap.String("risk_level", level))

	return &models.SecurityCheckResult{
		Allowed:   true,
		Reason:    "transaction approved",
		RiskScore: &score,
		RiskLevel: level,
	}, nil
}

func (s *Service) validateRequest(req *models.TransactionRequest) error {
	if req == nil {
		return fmt.Errorf("%w: empty body", ErrInvalidRequest)
	}
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	return nil
}

type denial struct {
	stage    string
	reason   string
	wallet   string
	activity string
	severity string
	metadata map[string]interface{}
}

// deny records the denial everywhere it needs to land (metrics, zap,
// fraud log) and shapes the client-facing result.
func (s *Service) deny(ctx context.Context, d denial) *models.SecurityCheckResult {
	metrics.SecurityChecks.WithLabelValues("denied", d.stage).Inc()
	s.logger.Warn("transaction denied",
		zap.String("stage", d.stage),
		zap.String("from", d.wallet),
		zap.String("reason", d.reason))
	s.recordFraud(ctx, &models.FraudLog{
		WalletAddress: d.wallet,
		ActivityType:  d.activity,
		Severity:      d.severity,
		Description:   d.reason,
		Metadata:      d.metadata,
	})
	return &models.SecurityCheckResult{Allowed: false, Reason: d.reason}
}

func (s *Service) stagePassed(stage, wallet string) {
	metrics.SecurityChecks.WithLabelValues("passed", stage).Inc()
	s.logger.Debug("security stage passed",
		zap.String("stage", stage),
		zap.String("from", wallet))
}

func (s *Service) recordFraud(ctx context.Context, entry *models.FraudLog) {
	if s.findings == nil {
		return
	}
	if err := s.findings.RecordFraud(ctx, entry); err != nil {
		s.logger.Error("pipeline fraud log failed", zap.Error(err))
	}
}

func (s *Service) recordIncident(ctx context.Context, incident *models.SecurityIncident) {
	if s.findings == nil {
		return
	}
	if err := s.findings.Record(ctx, incident); err != nil {
		s.logger.Error("pipeline incident write failed", zap.Error(err))
	}
}

func flagNames(flags []risk.Flag) []string {
	names := make([]string, len(flags))
	for i, f := range flags {
		names[i] = f.Name
	}
	return names
}
