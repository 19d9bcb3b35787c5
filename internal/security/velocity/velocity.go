// Package velocity tracks withdrawal attempts per wallet address over a
// rolling window and flags addresses that are moving too fast.
package velocity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultWindow is the rolling window attempts are counted over.
	DefaultWindow = time.Hour
	// DefaultWarnAt is the attempt count at which an address is flagged
	// as suspicious while still being allowed through.
	DefaultWarnAt = 5
	// DefaultDenyAt is the attempt count at which further withdrawals
	// from the address are denied until the window slides.
	DefaultDenyAt = 10
)

// Store records withdrawal attempts and counts how many fall inside a
// rolling window ending at the attempt time.
type Store interface {
	// RecordAttempt appends an attempt for address at the given time and
	// returns the number of attempts in (at-window, at], including the
	// one just recorded.
	RecordAttempt(ctx context.Context, address string, at time.Time, window time.Duration) (int, error)
}

// Result is the outcome of a velocity check for a single attempt.
type Result struct {
	Allowed bool
	// Count is the number of attempts inside the window, including this one.
	Count int
	// Warning is set when the address is over the warn threshold but
	// still under the deny threshold.
	Warning bool
}

// Limiter applies warn and deny thresholds to the attempt counts a Store
// reports. Every call to Check records the attempt first, so denied
// attempts still count against the window.
type Limiter struct {
	store  Store
	logger *zap.Logger
	window time.Duration
	warnAt int
	denyAt int

	now func() time.Time
}

// NewLimiter creates a limiter with the default window and thresholds.
func NewLimiter(store Store, logger *zap.Logger) *Limiter {
	return &Limiter{
		store:  store,
		logger: logger,
		window: DefaultWindow,
		warnAt: DefaultWarnAt,
		denyAt: DefaultDenyAt,
		now:    time.Now,
	}
}

// SetThresholds overrides the warn and deny attempt counts. Values below
// one are ignored.
func (l *Limiter) SetThresholds(warnAt, denyAt int) {
	if warnAt >= 1 {
		l.warnAt = warnAt
	}
	if denyAt >= 1 {
		l.denyAt = denyAt
	}
}

// SetWindow overrides the rolling window size. Non-positive values are
// ignored.
func (l *Limiter) SetWindow(window time.Duration) {
	if window > 0 {
		l.window = window
	}
}

// Window returns the rolling window attempts are counted over.
func (l *Limiter) Window() time.Duration { return l.window }

// Check records a withdrawal attempt for the address and evaluates it
// against the thresholds.
func (l *Limiter) Check(ctx context.Context, address string) (Result, error) {
	addr := strings.ToLower(strings.TrimSpace(address))
	at := l.now()

	count, err := l.store.RecordAttempt(ctx, addr, at, l.window)
	if err != nil {
		return Result{}, fmt.Errorf("record withdrawal attempt: %w", err)
	}

	res := Result{Count: count}
	switch {
	case count >= l.denyAt:
		l.logger.Warn("withdrawal velocity limit exceeded",
			zap.String("address", addr),
			zap.Int("attempts", count),
			zap.Duration("window", l.window))
	case count >= l.warnAt:
		res.Allowed = true
		res.Warning = true
		l.logger.Warn("elevated withdrawal velocity",
			zap.String("address", addr),
			zap.Int("attempts", count),
			zap.Duration("window", l.window))
	default:
		res.Allowed = true
	}
	return res, nil
}

// MemoryStore keeps attempt timestamps in process memory. Timestamps
// outside the window are evicted lazily on the next attempt for the same
// address, mirroring how the redis store trims its sorted sets; a purge
// loop drops addresses that went idle so the map does not grow without
// bound.
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[string][]int64

	purgeTicker *time.Ticker
	stopPurge   chan struct{}
	purgeDone   chan struct{}
}

// NewMemoryStore creates an empty in-memory attempt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: make(map[string][]int64)}
}

// RecordAttempt implements Store.
func (s *MemoryStore) RecordAttempt(_ context.Context, address string, at time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := at.Add(-window).UnixNano()
	kept := s.attempts[address]
	idx := 0
	for idx < len(kept) && kept[idx] < cutoff {
		idx++
	}
	if idx > 0 {
		kept = kept[idx:]
	}
	kept = append(kept, at.UnixNano())
	s.attempts[address] = kept
	return len(kept), nil
}

// StartPurge launches a background loop that every interval drops
// addresses whose newest attempt is older than window. Call StopPurge on
// shutdown. Starting twice is a no-op.
func (s *MemoryStore) StartPurge(interval, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.purgeTicker != nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.purgeTicker = time.NewTicker(interval)
	s.stopPurge = make(chan struct{})
	s.purgeDone = make(chan struct{})
	go func() {
		defer close(s.purgeDone)
		for {
			select {
			case <-s.stopPurge:
				return
			case <-s.purgeTicker.C:
				s.PurgeIdle(time.Now(), window)
			}
		}
	}()
}

// StopPurge halts the purge loop.
func (s *MemoryStore) StopPurge() {
	s.mu.Lock()
	if s.purgeTicker == nil {
		s.mu.Unlock()
		return
	}
	s.purgeTicker.Stop()
	s.purgeTicker = nil
	close(s.stopPurge)
	done := s.purgeDone
	s.mu.Unlock()
	<-done
}

// PurgeIdle removes every address whose newest attempt precedes
// now-window, returning how many addresses were dropped.
func (s *MemoryStore) PurgeIdle(now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window).UnixNano()
	dropped := 0
	for address, stamps := range s.attempts {
		if len(stamps) == 0 || stamps[len(stamps)-1] < cutoff {
			delete(s.attempts, address)
			dropped++
		}
	}
	return dropped
}

// Tracked returns how many addresses currently hold at least one
// recorded attempt.
func (s *MemoryStore) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}
