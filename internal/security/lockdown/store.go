package lockdown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store shares lockdown state between replicas.
type Store interface {
	// Load returns the stored state; ok is false when nothing was ever
	// stored.
	Load(ctx context.Context) (state State, ok bool, err error)
	Save(ctx context.Context, state State) error
}

const redisKey = "custodyguard:lockdown"

// RedisStore keeps the state under a single JSON key; no TTL, a lockdown
// outlives restarts until explicitly lifted.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Load(ctx context.Context) (State, bool, error) {
	raw, err := s.client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("load lockdown state: %w", err)
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return State{}, false, fmt.Errorf("decode lockdown state: %w", err)
	}
	return state, true, nil
}

func (s *RedisStore) Save(ctx context.Context, state State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode lockdown state: %w", err)
	}
	if err := s.client.Set(ctx, redisKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("save lockdown state: %w", err)
	}
	return nil
}

// MemoryStore is the single-replica fallback.
type MemoryStore struct {
	mu    sync.Mutex
	state State
	set   bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load(ctx context.Context) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.set, nil
}

func (s *MemoryStore) Save(ctx context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.set = true
	return nil
}
