package reserves

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Elector answers whether this instance currently holds snapshot leadership.
// With multiple replicas only the leader runs scheduled writes.
type Elector interface {
	IsLeader() bool
}

// Scheduler regenerates reserve snapshots on an interval, reusing each
// chain's last attested liability set. On-demand snapshots supply fresh
// liabilities; the scheduler only keeps the on-chain side current.
type Scheduler struct {
	service   *Service
	elector   Elector
	addresses []string
	chains    []int64
	interval  time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler builds a scheduler over the given custody addresses and
// chains. A nil elector means this instance always leads.
func NewScheduler(service *Service, elector Elector, addresses []string, chains []int64, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		service:   service,
		elector:   elector,
		addresses: addresses,
		chains:    chains,
		interval:  interval,
		logger:    logger,
	}
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("snapshot scheduler is already running")
	}
	if s.interval <= 0 {
		return fmt.Errorf("snapshot scheduler interval must be positive")
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	go s.run(ctx)

	s.logger.Info("snapshot scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int64s("chains", s.chains))
	return nil
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("snapshot scheduler is not running")
	}
	close(s.stopCh)
	<-s.doneCh
	s.running = false
	s.logger.Info("snapshot scheduler stopped")
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.elector != nil && !s.elector.IsLeader() {
		s.logger.Debug("not snapshot leader, skipping tick")
		return
	}

	for _, chainID := range s.chains {
		last, err := s.service.LatestSnapshot(ctx, chainID)
		if errors.Is(err, ErrSnapshotNotFound) {
			s.logger.Debug("no prior snapshot to refresh", zap.Int64("chain_id", chainID))
			continue
		}
		if err != nil {
			s.logger.Error("failed to load last snapshot",
				zap.Int64("chain_id", chainID),
				zap.Error(err))
			continue
		}

		if _, err := s.service.GenerateSnapshot(ctx, s.addresses, last.UserBalances, chainID); err != nil {
			s.logger.Error("scheduled snapshot failed",
				zap.Int64("chain_id", chainID),
				zap.Error(err))
		}
	}
}
