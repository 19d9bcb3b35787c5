package coordination

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// electionPrefix is the etcd key prefix all replicas campaign under.
const electionPrefix = "/custodyguard/leader"

// Config configures the etcd connection backing the elector.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	SessionTTL  time.Duration
}

// Elector runs a single-key etcd election and tracks whether this
// replica currently leads. Periodic writers (the snapshot scheduler and
// the time-lock sweeper) consult IsLeader before each tick so only one
// replica performs scheduled writes.
type Elector struct {
	nodeID string
	client *clientv3.Client
	config Config
	logger *zap.Logger

	leader   atomic.Bool
	leaderID atomic.Value // string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewElector creates an elector identified by nodeID. The etcd client
// connects lazily; election rounds begin on Start.
func NewElector(nodeID string, config Config, logger *zap.Logger) (*Elector, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("elector node id must not be empty")
	}
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("elector requires at least one etcd endpoint")
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 15 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	return &Elector{
		nodeID: nodeID,
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// Start launches the campaign loop.
func (e *Elector) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("leader elector is already running")
	}
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.running = true

	go e.run(ctx)

	e.logger.Info("leader elector started",
		zap.String("node_id", e.nodeID),
		zap.Strings("etcd_endpoints", e.config.Endpoints))
	return nil
}

// Stop resigns any held leadership, halts the campaign loop and closes
// the etcd client.
func (e *Elector) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return fmt.Errorf("leader elector is not running")
	}
	close(e.stopCh)
	<-e.doneCh
	e.running = false

	if err := e.client.Close(); err != nil {
		return fmt.Errorf("failed to close etcd client: %w", err)
	}
	e.logger.Info("leader elector stopped", zap.String("node_id", e.nodeID))
	return nil
}

// IsLeader reports whether this replica holds leadership right now.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Leader returns the node id of the last observed leader, or "" when no
// election round has completed yet.
func (e *Elector) Leader() string {
	id, _ := e.leaderID.Load().(string)
	return id
}

func (e *Elector) run(ctx context.Context) {
	defer close(e.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		default:
		}

		if err := e.campaign(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("leader election round failed", zap.Error(err))
			select {
			case <-time.After(5 * time.Second):
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// campaign runs one election round: create a session, campaign until we
// win, then hold leadership until the session lapses or we are stopped.
func (e *Elector) campaign(ctx context.Context) error {
	session, err := concurrency.NewSession(e.client,
		concurrency.WithTTL(int(e.config.SessionTTL.Seconds())))
	if err != nil {
		return fmt.Errorf("failed to create etcd session: %w", err)
	}
	defer session.Close()

	election := concurrency.NewElection(session, electionPrefix)

	// Track whoever leads while we wait our turn.
	obsCtx, obsCancel := context.WithCancel(ctx)
	defer obsCancel()
	go e.observe(obsCtx, election)

	if err := election.Campaign(ctx, e.nodeID); err != nil {
		return fmt.Errorf("failed to campaign for leadership: %w", err)
	}

	e.leader.Store(true)
	e.leaderID.Store(e.nodeID)
	e.logger.Info("became leader", zap.String("node_id", e.nodeID))

	defer func() {
		e.leader.Store(false)
		resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := election.Resign(resignCtx); err != nil {
			e.logger.Warn("failed to resign leadership", zap.Error(err))
		}
		e.logger.Info("relinquished leadership", zap.String("node_id", e.nodeID))
	}()

	select {
	case <-session.Done():
		return fmt.Errorf("etcd session expired")
	case <-e.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Elector) observe(ctx context.Context, election *concurrency.Election) {
	for resp := range election.Observe(ctx) {
		if len(resp.Kvs) > 0 {
			e.leaderID.Store(string(resp.Kvs[0].Value))
		}
	}
}
