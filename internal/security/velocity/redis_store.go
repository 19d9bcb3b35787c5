package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps attempt timestamps in a redis sorted set per address,
// scored by unix nanoseconds. It lets every instance behind a load
// balancer see the same attempt counts.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a redis-backed attempt store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "velocity"}
}

func (s *RedisStore) key(address string) string {
	return fmt.Sprintf("%s:attempts:%s", s.prefix, address)
}

// RecordAttempt implements Store. Trimming, recording and counting run in
// a single pipeline so concurrent attempts from the same address cannot
// observe a partially updated window.
func (s *RedisStore) RecordAttempt(ctx context.Context, address string, at time.Time, window time.Duration) (int, error) {
	key := s.key(address)
	cutoff := at.Add(-window).UnixNano()
	score := at.UnixNano()
	// Members carry a uuid suffix so attempts landing in the same
	// nanosecond stay distinct set entries.
	member := fmt.Sprintf("%d:%s", score, uuid.NewString())

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff-1, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: member})
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record attempt for %s: %w", address, err)
	}
	return int(countCmd.Val()), nil
}
