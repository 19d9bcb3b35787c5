// Package lockdown is the platform kill switch: when active, every
// outbound transaction is denied regardless of its own merits. The flag
// lives in an atomic for the hot path and is mirrored to a shared store so
// all replicas converge.
package lockdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cryptanex/custodyguard/internal/ws"
	"github.com/cryptanex/custodyguard/pkg/models"
)

// State is the lockdown flag with provenance.
type State struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedBy string    `json:"activated_by,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// Recorder persists incidents raised on activation and deactivation.
type Recorder interface {
	Record(ctx context.Context, incident *models.SecurityIncident) error
}

// Broadcaster pushes lockdown changes to the live security feed.
type Broadcaster interface {
	Broadcast(event ws.Event)
}

// Controller guards the kill switch. Reads are lock-free; writes go
// through the shared store first so a replica crash mid-toggle cannot
// leave the cluster split.
type Controller struct {
	store     Store
	incidents Recorder
	feed      Broadcaster
	logger    *zap.Logger

	active  atomic.Bool
	mu      sync.Mutex
	state   State
	refresh time.Duration

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewController creates the controller and seeds the local flag from the
// shared store. incidents and feed may be nil.
func NewController(store Store, incidents Recorder, feed Broadcaster, refresh time.Duration, logger *zap.Logger) *Controller {
	if refresh <= 0 {
		refresh = 5 * time.Second
	}
	c := &Controller{
		store:     store,
		incidents: incidents,
		feed:      feed,
		refresh:   refresh,
		logger:    logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if state, ok, err := store.Load(ctx); err != nil {
		logger.Warn("lockdown state load failed, starting unlocked", zap.Error(err))
	} else if ok {
		c.apply(state)
	}
	return c
}

// Start launches the watcher that keeps the local flag in sync with the
// shared store.
func (c *Controller) Start() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.wg.Add(1)
	go c.watch()
}

// Stop halts the watcher.
func (c *Controller) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	c.runMu.Unlock()
	c.wg.Wait()
}

func (c *Controller) watch() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			state, ok, err := c.store.Load(ctx)
			cancel()
			if err != nil {
				c.logger.Warn("lockdown state refresh failed", zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			if state.Active != c.active.Load() {
				c.logger.Warn("lockdown state changed by another replica",
					zap.Bool("active", state.Active),
					zap.String("by", state.ActivatedBy))
			}
			c.apply(state)
		}
	}
}

func (c *Controller) apply(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.active.Store(state.Active)
}

// Active reports whether the platform is locked down. Safe for hot paths.
func (c *Controller) Active() bool { return c.active.Load() }

// Status returns the current lockdown state.
func (c *Controller) Status(ctx context.Context) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Activate engages the kill switch. Idempotent: activating an active
// lockdown only updates the log trail.
func (c *Controller) Activate(ctx context.Context, by, reason string) error {
	if c.Active() {
		c.logger.Info("lockdown already active", zap.String("requested_by", by))
		return nil
	}

	state := State{
		Active:      true,
		Reason:      reason,
		ActivatedBy: by,
		ActivatedAt: time.Now().UTC(),
	}
	if err := c.store.Save(ctx, state); err != nil {
		return err
	}
	c.apply(state)

	c.logger.Error("EMERGENCY LOCKDOWN ACTIVATED",
		zap.String("by", by),
		zap.String("reason", reason))

	if c.incidents != nil {
		incident := &models.SecurityIncident{
			IncidentType: "emergency_lockdown_activated",
			Severity:     models.SeverityCritical,
			Description:  "all outbound transactions suspended: " + reason,
			DetectedBy:   by,
			Metadata:     map[string]interface{}{"reason": reason},
		}
		if err := c.incidents.Record(ctx, incident); err != nil {
			c.logger.Error("record lockdown incident", zap.Error(err))
		}
	}
	if c.feed != nil {
		c.feed.Broadcast(ws.Event{
			Type:     "lockdown_activated",
			Severity: models.SeverityCritical,
			Data:     map[string]interface{}{"reason": reason, "by": by},
		})
	}
	return nil
}

// Deactivate releases the kill switch.
func (c *Controller) Deactivate(ctx context.Context, by string) error {
	if !c.Active() {
		return nil
	}

	state := State{Active: false}
	if err := c.store.Save(ctx, state); err != nil {
		return err
	}
	c.apply(state)

	c.logger.Warn("emergency lockdown deactivated", zap.String("by", by))

	if c.incidents != nil {
		incident := &models.SecurityIncident{
			IncidentType: "emergency_lockdown_deactivated",
			Severity:     models.SeverityLow,
			Description:  "outbound transactions resumed",
			DetectedBy:   by,
		}
		if err := c.incidents.Record(ctx, incident); err != nil {
			c.logger.Error("record lockdown incident", zap.Error(err))
		}
	}
	if c.feed != nil {
		c.feed.Broadcast(ws.Event{
			Type: "lockdown_deactivated",
			Data: map[string]interface{}{"by": by},
		})
	}
	return nil
}
