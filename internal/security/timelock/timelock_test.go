package timelock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cryptanex/custodyguard/internal/notify"
	"github.com/cryptanex/custodyguard/pkg/models"
)

type publishRecorder struct {
	mu       sync.Mutex
	messages []notify.ConfirmationCodeMessage
}

func (p *publishRecorder) Publish(_ context.Context, topic notify.Topic, _ string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg, ok := message.(notify.ConfirmationCodeMessage); ok {
		p.messages = append(p.messages, msg)
	}
	return nil
}

func (p *publishRecorder) Close() error { return nil }

type incidentRecorder struct {
	incidents []*models.SecurityIncident
}

func (r *incidentRecorder) Record(_ context.Context, incident *models.SecurityIncident) error {
	r.incidents = append(r.incidents, incident)
	return nil
}

type staticPhish string

func (s staticPhish) ActiveCode(context.Context, string) string { return string(s) }

func newTestManager(t *testing.T) (*Manager, *publishRecorder, *incidentRecorder) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	repo, err := NewGormRepository(db)
	require.NoError(t, err)
	pub := &publishRecorder{}
	inc := &incidentRecorder{}
	return NewManager(repo, pub, inc, staticPhish("blue-falcon"), zap.NewNop()), pub, inc
}

func request(amount string) *models.TransactionRequest {
	return &models.TransactionRequest{
		FromAddress: "0xFROM",
		ToAddress:   "0xTO",
		Amount:      decimal.RequireFromString(amount),
		Currency:    "eth",
	}
}

func TestRequiredHoldThresholds(t *testing.T) {
	cases := []struct {
		amount string
		want   time.Duration
	}{
		{"0.9", 0},
		{"1.0", 24 * time.Hour},
		{"9.99", 24 * time.Hour},
		{"10.0", 48 * time.Hour},
		{"250", 48 * time.Hour},
	}
	for _, tc := range cases {
		got := RequiredHold(decimal.RequireFromString(tc.amount))
		assert.Equal(t, tc.want, got, "amount %s", tc.amount)
	}
}

func TestEnsureHoldCreatesAndNotifies(t *testing.T) {
	m, pub, _ := newTestManager(t)
	ctx := context.Background()

	w, code, err := m.EnsureHold(ctx, request("2.5"))
	require.NoError(t, err)
	require.Len(t, code, 6)

	assert.Equal(t, "0xfrom", w.FromAddress)
	assert.Equal(t, "0xto", w.ToAddress)
	assert.Equal(t, "ETH", w.Currency)
	assert.Equal(t, models.TimeLockStatusPending, w.Status)
	assert.NotEmpty(t, w.CodeHash)
	assert.NotEqual(t, code, w.CodeHash)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), w.LockUntil, time.Minute)

	require.Len(t, pub.messages, 1)
	assert.Equal(t, code, pub.messages[0].Code)
	assert.Equal(t, "blue-falcon", pub.messages[0].AntiPhishingCode)
	assert.Equal(t, w.ID, pub.messages[0].WithdrawalID)
}

func TestEnsureHoldIsIdempotent(t *testing.T) {
	m, pub, _ := newTestManager(t)
	ctx := context.Background()

	first, code1, err := m.EnsureHold(ctx, request("5"))
	require.NoError(t, err)
	require.NotEmpty(t, code1)

	second, code2, err := m.EnsureHold(ctx, request("5"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Empty(t, code2, "reused hold must not mint a new code")
	assert.Len(t, pub.messages, 1, "no second notification for a reused hold")

	// a different tuple gets its own hold
	other := request("5")
	other.ToAddress = "0xelsewhere"
	third, code3, err := m.EnsureHold(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	assert.NotEmpty(t, code3)
}

func TestConfirmHappyPath(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	w, code, err := m.EnsureHold(ctx, request("12"))
	require.NoError(t, err)

	confirmed, err := m.Confirm(ctx, w.ID, code)
	require.NoError(t, err)
	assert.Equal(t, models.TimeLockStatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)

	// a confirmed hold cannot be confirmed again
	_, err = m.Confirm(ctx, w.ID, code)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestConfirmWrongCodeCapsAtFiveAttempts(t *testing.T) {
	m, _, inc := newTestManager(t)
	ctx := context.Background()

	w, _, err := m.EnsureHold(ctx, request("3"))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err = m.Confirm(ctx, w.ID, "WRONG1")
		assert.ErrorIs(t, err, ErrInvalidCode, "attempt %d", i+1)
	}

	_, err = m.Confirm(ctx, w.ID, "WRONG1")
	assert.ErrorIs(t, err, ErrCodeAttemptsExceeded)

	got, err := m.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimeLockStatusCancelled, got.Status)
	assert.Equal(t, 5, got.CodeAttempts)

	require.Len(t, inc.incidents, 1)
	assert.Equal(t, "confirmation_attempts_exhausted", inc.incidents[0].IncidentType)
	assert.Equal(t, models.SeverityHigh, inc.incidents[0].Severity)
	assert.Equal(t, "0xfrom", inc.incidents[0].AffectedWallet)
}

func TestConfirmRightCodeAfterWrongAttempts(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	w, code, err := m.EnsureHold(ctx, request("3"))
	require.NoError(t, err)

	_, err = m.Confirm(ctx, w.ID, "NOPE99")
	assert.ErrorIs(t, err, ErrInvalidCode)

	confirmed, err := m.Confirm(ctx, w.ID, code)
	require.NoError(t, err)
	assert.Equal(t, models.TimeLockStatusConfirmed, confirmed.Status)
	assert.Equal(t, 1, confirmed.CodeAttempts)
}

func TestCancel(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	w, code, err := m.EnsureHold(ctx, request("2"))
	require.NoError(t, err)

	cancelled, err := m.Cancel(ctx, w.ID, "0xfrom")
	require.NoError(t, err)
	assert.Equal(t, models.TimeLockStatusCancelled, cancelled.Status)

	// cancelled holds reject confirmation and re-cancellation
	_, err = m.Confirm(ctx, w.ID, code)
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = m.Cancel(ctx, w.ID, "0xfrom")
	assert.ErrorIs(t, err, ErrAlreadyFinal)

	// a cancelled hold no longer blocks a fresh identical request
	again, newCode, err := m.EnsureHold(ctx, request("2"))
	require.NoError(t, err)
	assert.NotEqual(t, w.ID, again.ID)
	assert.NotEmpty(t, newCode)
}

func TestSweepExecutesAndExpires(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	// confirmed hold whose lock has elapsed -> executed
	wExec, code, err := m.EnsureHold(ctx, request("2"))
	require.NoError(t, err)
	_, err = m.Confirm(ctx, wExec.ID, code)
	require.NoError(t, err)

	// pending hold long past its lock -> expired
	wExpire, _, err := m.EnsureHold(ctx, func() *models.TransactionRequest {
		r := request("4")
		r.ToAddress = "0xstale"
		return r
	}())
	require.NoError(t, err)

	// pending hold still inside its window -> untouched
	wKeep, _, err := m.EnsureHold(ctx, func() *models.TransactionRequest {
		r := request("6")
		r.ToAddress = "0xfresh"
		return r
	}())
	require.NoError(t, err)

	// jump the clock past both locks and the pending grace period
	m.now = func() time.Time { return time.Now().Add(49*time.Hour + pendingGrace) }

	// wKeep's lock must still be ahead of the shifted clock
	keep, err := m.Get(ctx, wKeep.ID)
	require.NoError(t, err)
	keep.LockUntil = time.Now().Add(200 * time.Hour)
	require.NoError(t, m.repo.Update(ctx, keep))

	executed, expired, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, expired)

	got, err := m.Get(ctx, wExec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimeLockStatusExecuted, got.Status)
	require.NotNil(t, got.ExecutedAt)

	got, err = m.Get(ctx, wExpire.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimeLockStatusExpired, got.Status)

	got, err = m.Get(ctx, wKeep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimeLockStatusPending, got.Status)
}

func TestSweepLeavesRecentPendingAlone(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	w, _, err := m.EnsureHold(ctx, request("2"))
	require.NoError(t, err)

	// lock elapsed but grace period not: pending survives
	m.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	executed, expired, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, executed)
	assert.Equal(t, 0, expired)

	got, err := m.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimeLockStatusPending, got.Status)
}

type fixedElector bool

func (f fixedElector) IsLeader() bool { return bool(f) }

func TestSweeperSkipsWhenNotLeader(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	w, code, err := m.EnsureHold(ctx, request("2"))
	require.NoError(t, err)
	_, err = m.Confirm(ctx, w.ID, code)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	s := NewSweeper(m, fixedElector(false), time.Minute, zap.NewNop())
	s.tick()
	got, err := m.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimeLockStatusConfirmed, got.Status)

	s = NewSweeper(m, fixedElector(true), time.Minute, zap.NewNop())
	s.tick()
	got, err = m.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimeLockStatusExecuted, got.Status)
}
