package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	id "dsrd/pkg/domain"
)

var checkpointWriteDurationMs = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "dsrd_checkpoint_write_duration_ms",
	Help:    "Latency of checkpoint writes in milliseconds",
	Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
})

const checkpointKeyPrefix = "dsrd:checkpoint:"

// RedisStore is the production checkpoint store: a shared key-value cache
// with per-entry TTL so every worker and API process sees the same resume
// point.
type RedisStore struct {
	client *redis.Client
	ttls   TTLs
}

// NewRedis constructs a Redis-backed checkpoint store.
func NewRedis(client *redis.Client, ttls TTLs) *RedisStore {
	return &RedisStore{client: client, ttls: ttls}
}

func (s *RedisStore) Record(ctx context.Context, cp Checkpoint) error {
	start := time.Now()
	defer func() {
		checkpointWriteDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = time.Now()
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	key := checkpointKeyPrefix + cp.RequestID.String()
	if err := s.client.Set(ctx, key, payload, s.ttls.For(cp.Kind)).Err(); err != nil {
		return fmt.Errorf("record checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, requestID id.RequestID) (*Checkpoint, error) {
	key := checkpointKeyPrefix + requestID.String()
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *RedisStore) Clear(ctx context.Context, requestID id.RequestID) error {
	key := checkpointKeyPrefix + requestID.String()
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}
