package timelock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Elector reports whether this replica should run periodic writes.
type Elector interface {
	IsLeader() bool
}

// Sweeper periodically runs Manager.Sweep on the leading replica.
type Sweeper struct {
	manager  *Manager
	elector  Elector
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewSweeper creates a sweeper ticking at the given interval. A
// non-positive interval defaults to one minute.
func NewSweeper(manager *Manager, elector Elector, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		manager:  manager,
		elector:  elector,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()
	s.logger.Info("time-lock sweeper started", zap.Duration("interval", s.interval))
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("time-lock sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sweeper) tick() {
	if s.elector != nil && !s.elector.IsLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	executed, expired, err := s.manager.Sweep(ctx)
	if err != nil {
		s.logger.Error("time-lock sweep failed", zap.Error(err))
		return
	}
	if executed > 0 || expired > 0 {
		s.logger.Info("time-lock sweep completed",
			zap.Int("executed", executed),
			zap.Int("expired", expired))
	}
}
