// Package timelock delays large withdrawals behind a confirmation code and
// a waiting period, giving the rightful owner time to notice and cancel a
// withdrawal they did not start.
package timelock

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/cryptanex/custodyguard/internal/notify"
	"github.com/cryptanex/custodyguard/pkg/metrics"
	"github.com/cryptanex/custodyguard/pkg/models"
)

var (
	// ErrNotPending is returned when confirming or cancelling a hold
	// that has left the pending state.
	ErrNotPending = errors.New("withdrawal is not pending confirmation")
	// ErrAlreadyFinal is returned when cancelling an executed, cancelled
	// or expired hold.
	ErrAlreadyFinal = errors.New("withdrawal already finalized")
	// ErrInvalidCode is returned for a wrong confirmation code.
	ErrInvalidCode = errors.New("invalid confirmation code")
	// ErrCodeAttemptsExceeded is returned when the attempt cap cancels
	// the hold.
	ErrCodeAttemptsExceeded = errors.New("confirmation attempts exceeded, withdrawal cancelled")
)

const (
	// holdDuration applies to amounts >= 1.0 human units.
	holdDuration = 24 * time.Hour
	// longHoldDuration applies to amounts >= 10.0 human units.
	longHoldDuration = 48 * time.Hour

	codeLength      = 6
	maxCodeAttempts = 5

	// pendingGrace is how long past LockUntil an unconfirmed hold
	// survives before the sweeper expires it.
	pendingGrace = 24 * time.Hour
)

var (
	holdThreshold     = decimal.NewFromInt(1)
	longHoldThreshold = decimal.NewFromInt(10)
)

// RequiredHold returns the hold duration for an amount. Zero means the
// amount clears without a time lock.
func RequiredHold(amount decimal.Decimal) time.Duration {
	switch {
	case amount.GreaterThanOrEqual(longHoldThreshold):
		return longHoldDuration
	case amount.GreaterThanOrEqual(holdThreshold):
		return holdDuration
	default:
		return 0
	}
}

// Recorder persists incidents raised by the manager.
type Recorder interface {
	Record(ctx context.Context, incident *models.SecurityIncident) error
}

// CodeLookup resolves a wallet's anti-phishing phrase for notifications.
type CodeLookup interface {
	ActiveCode(ctx context.Context, wallet string) string
}

// Manager runs the time-lock state machine: pending -> confirmed ->
// executed, with cancellation and expiry branches.
type Manager struct {
	repo      Repository
	notifier  notify.Publisher
	incidents Recorder
	phishing  CodeLookup
	logger    *zap.Logger

	now func() time.Time
}

// NewManager creates the manager. incidents and phishing may be nil.
func NewManager(repo Repository, notifier notify.Publisher, incidents Recorder, phishing CodeLookup, logger *zap.Logger) *Manager {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Manager{
		repo:      repo,
		notifier:  notifier,
		incidents: incidents,
		phishing:  phishing,
		logger:    logger,
		now:       time.Now,
	}
}

// EnsureHold returns the pending hold covering the request, creating one
// when none exists. The returned code is non-empty only for a newly
// created hold; it is the single time the plaintext leaves the manager.
// Callers must check RequiredHold first: requests below the threshold are
// not the manager's business.
func (m *Manager) EnsureHold(ctx context.Context, req *models.TransactionRequest) (*models.TimeLockedWithdrawal, string, error) {
	from := strings.ToLower(strings.TrimSpace(req.FromAddress))
	to := strings.ToLower(strings.TrimSpace(req.ToAddress))
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))

	existing, err := m.repo.FindPending(ctx, from, to, req.Amount, currency)
	if err == nil {
		m.logger.Info("reusing pending time-locked withdrawal",
			zap.String("id", existing.ID.String()),
			zap.String("from", from))
		return existing, "", nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, "", err
	}

	hold := RequiredHold(req.Amount)
	if hold == 0 {
		return nil, "", fmt.Errorf("amount %s does not require a time lock", req.Amount)
	}

	code, err := generateCode()
	if err != nil {
		return nil, "", fmt.Errorf("generate confirmation code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash confirmation code: %w", err)
	}

	now := m.now().UTC()
	w := &models.TimeLockedWithdrawal{
		ID:          uuid.New(),
		FromAddress: from,
		ToAddress:   to,
		Amount:      req.Amount,
		Currency:    currency,
		LockUntil:   now.Add(hold),
		CodeHash:    string(hash),
		Status:      models.TimeLockStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.repo.Create(ctx, w); err != nil {
		return nil, "", err
	}

	metrics.TimeLocksCreated.Inc()
	m.logger.Info("time-locked withdrawal created",
		zap.String("id", w.ID.String()),
		zap.String("from", from),
		zap.String("amount", req.Amount.String()),
		zap.String("currency", currency),
		zap.Time("lock_until", w.LockUntil))

	m.dispatchCode(ctx, w, code)
	return w, code, nil
}

// dispatchCode publishes the confirmation code. Delivery failure is logged
// but does not fail hold creation; the code was already returned to the
// caller.
func (m *Manager) dispatchCode(ctx context.Context, w *models.TimeLockedWithdrawal, code string) {
	msg := notify.ConfirmationCodeMessage{
		WithdrawalID:  w.ID,
		WalletAddress: w.FromAddress,
		ToAddress:     w.ToAddress,
		Amount:        w.Amount,
		Currency:      w.Currency,
		Code:          code,
		LockUntil:     w.LockUntil,
		SentAt:        m.now().UTC(),
	}
	if m.phishing != nil {
		msg.AntiPhishingCode = m.phishing.ActiveCode(ctx, w.FromAddress)
	}
	if err := m.notifier.Publish(ctx, notify.TopicConfirmationCodes, w.FromAddress, msg); err != nil {
		m.logger.Error("confirmation code dispatch failed",
			zap.Error(err),
			zap.String("id", w.ID.String()))
	}
}

// Confirm matches the code against a pending hold. Five wrong attempts
// cancel the hold and raise a high-severity incident.
func (m *Manager) Confirm(ctx context.Context, id uuid.UUID, code string) (*models.TimeLockedWithdrawal, error) {
	w, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != models.TimeLockStatusPending {
		return nil, fmt.Errorf("%w: status %s", ErrNotPending, w.Status)
	}

	now := m.now().UTC()
	err = bcrypt.CompareHashAndPassword([]byte(w.CodeHash), []byte(strings.TrimSpace(code)))
	if err == nil {
		w.Status = models.TimeLockStatusConfirmed
		w.ConfirmedAt = &now
		w.UpdatedAt = now
		if err := m.repo.Update(ctx, w); err != nil {
			return nil, err
		}
		m.logger.Info("time-locked withdrawal confirmed",
			zap.String("id", w.ID.String()),
			zap.Time("lock_until", w.LockUntil))
		return w, nil
	}
	if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return nil, fmt.Errorf("compare confirmation code: %w", err)
	}

	w.CodeAttempts++
	w.UpdatedAt = now
	if w.CodeAttempts >= maxCodeAttempts {
		w.Status = models.TimeLockStatusCancelled
		if err := m.repo.Update(ctx, w); err != nil {
			return nil, err
		}
		m.logger.Warn("confirmation attempts exhausted, withdrawal cancelled",
			zap.String("id", w.ID.String()),
			zap.String("from", w.FromAddress),
			zap.Int("attempts", w.CodeAttempts))
		m.raiseAttemptsIncident(ctx, w)
		return nil, ErrCodeAttemptsExceeded
	}

	if err := m.repo.Update(ctx, w); err != nil {
		return nil, err
	}
	m.logger.Warn("invalid confirmation code",
		zap.String("id", w.ID.String()),
		zap.Int("attempts", w.CodeAttempts))
	return nil, fmt.Errorf("%w (%d of %d attempts used)", ErrInvalidCode, w.CodeAttempts, maxCodeAttempts)
}

func (m *Manager) raiseAttemptsIncident(ctx context.Context, w *models.TimeLockedWithdrawal) {
	if m.incidents == nil {
		return
	}
	incident := &models.SecurityIncident{
		IncidentType:   "confirmation_attempts_exhausted",
		Severity:       models.SeverityHigh,
		AffectedWallet: w.FromAddress,
		Description:    "withdrawal confirmation code entered wrong 5 times; hold cancelled",
		DetectedBy:     "timelock_manager",
		Metadata: map[string]interface{}{
			"withdrawal_id": w.ID.String(),
			"amount":        w.Amount.String(),
			"currency":      w.Currency,
			"to_address":    w.ToAddress,
		},
	}
	if err := m.incidents.Record(ctx, incident); err != nil {
		m.logger.Error("record attempts-exhausted incident", zap.Error(err))
	}
}

// Cancel aborts a pending or confirmed hold.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID, by string) (*models.TimeLockedWithdrawal, error) {
	w, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != models.TimeLockStatusPending && w.Status != models.TimeLockStatusConfirmed {
		return nil, fmt.Errorf("%w: status %s", ErrAlreadyFinal, w.Status)
	}

	w.Status = models.TimeLockStatusCancelled
	w.UpdatedAt = m.now().UTC()
	if err := m.repo.Update(ctx, w); err != nil {
		return nil, err
	}
	m.logger.Info("time-locked withdrawal cancelled",
		zap.String("id", w.ID.String()),
		zap.String("by", by))
	return w, nil
}

// Get returns one hold by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.TimeLockedWithdrawal, error) {
	return m.repo.Get(ctx, id)
}

// Sweep promotes confirmed holds past their lock to executed (the actual
// send happens outside this engine) and expires pending holds unconfirmed
// for pendingGrace past their lock. Returns how many of each it touched.
func (m *Manager) Sweep(ctx context.Context) (executed, expired int, err error) {
	now := m.now().UTC()

	due, err := m.repo.DueForExecution(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	for i := range due {
		w := &due[i]
		w.Status = models.TimeLockStatusExecuted
		w.ExecutedAt = &now
		w.UpdatedAt = now
		if err := m.repo.Update(ctx, w); err != nil {
			return executed, expired, err
		}
		executed++
		m.logger.Info("time-locked withdrawal released for execution",
			zap.String("id", w.ID.String()),
			zap.String("from", w.FromAddress),
			zap.String("amount", w.Amount.String()))
	}

	stale, err := m.repo.ExpiredPending(ctx, now.Add(-pendingGrace))
	if err != nil {
		return executed, 0, err
	}
	for i := range stale {
		w := &stale[i]
		w.Status = models.TimeLockStatusExpired
		w.UpdatedAt = now
		if err := m.repo.Update(ctx, w); err != nil {
			return executed, expired, err
		}
		expired++
		m.logger.Info("unconfirmed time-locked withdrawal expired",
			zap.String("id", w.ID.String()),
			zap.String("from", w.FromAddress))
	}
	return executed, expired, nil
}

// generateCode returns a 6-character confirmation code (A-Z, 2-7).
func generateCode() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.EncodeToString(buf)[:codeLength], nil
}
