package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"dsrd/internal/platform/config"
	id "dsrd/pkg/domain"
)

const (
	inFlightKeyPrefix = "dsrd:inflight:"
	revokedKeyPrefix  = "dsrd:revoked:"
	// revokedTTL bounds how long a cancellation tombstone lingers; queued
	// messages older than this are long gone anyway.
	revokedTTL = 24 * time.Hour
)

// Kafka is the production dispatch queue. Task dispatches are records on a
// single topic keyed by task id; the advisory in-flight set and the
// best-effort revocation tombstones live in Redis because Kafka itself
// cannot delete queued records.
type Kafka struct {
	client      *kgo.Client
	redis       *redis.Client
	topic       string
	inFlightTTL time.Duration
	logger      *slog.Logger
}

// NewKafka connects the client and ensures the dispatch topic exists.
func NewKafka(ctx context.Context, cfg config.KafkaConfig, redisClient *redis.Client,
	inFlightTTL time.Duration, logger *slog.Logger) (*Kafka, error) {

	// Offsets are committed explicitly after each record is handled;
	// autocommit would acknowledge failed handlers.
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.DispatchTopic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	admin := kadm.NewClient(client)
	_, err = admin.CreateTopic(ctx, 6, 1, nil, cfg.DispatchTopic)
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		client.Close()
		return nil, fmt.Errorf("ensure dispatch topic: %w", err)
	}

	return &Kafka{
		client:      client,
		redis:       redisClient,
		topic:       cfg.DispatchTopic,
		inFlightTTL: inFlightTTL,
		logger:      logger,
	}, nil
}

// Close releases the underlying Kafka client.
func (k *Kafka) Close() {
	k.client.Close()
}

func (k *Kafka) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dispatch message: %w", err)
	}
	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(msg.TaskID.String()),
		Value: payload,
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish dispatch: %w", err)
	}
	// Marker is written after the publish: losing it only risks a
	// duplicate dispatch, which the runner absorbs.
	key := inFlightKeyPrefix + msg.TaskID.String()
	if err := k.redis.Set(ctx, key, "1", k.inFlightTTL).Err(); err != nil {
		k.logger.Warn("in-flight marker write failed", "task_id", msg.TaskID.String(), "error", err)
	}
	return nil
}

func (k *Kafka) InFlight(ctx context.Context, taskID id.TaskID) (bool, error) {
	_, err := k.redis.Get(ctx, inFlightKeyPrefix+taskID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check in-flight marker: %w", err)
	}
	return true, nil
}

func (k *Kafka) MarkDone(ctx context.Context, taskID id.TaskID) error {
	if err := k.redis.Del(ctx, inFlightKeyPrefix+taskID.String()).Err(); err != nil {
		return fmt.Errorf("clear in-flight marker: %w", err)
	}
	return nil
}

func (k *Kafka) Revoke(ctx context.Context, requestID id.RequestID) error {
	key := revokedKeyPrefix + requestID.String()
	if err := k.redis.Set(ctx, key, "1", revokedTTL).Err(); err != nil {
		return fmt.Errorf("record revocation tombstone: %w", err)
	}
	return nil
}

// Consume polls the dispatch topic until the context is canceled. Messages
// for revoked requests are dropped. Only handled (or dropped) records get
// their offsets committed: a failed handler leaves the record uncommitted,
// so the group redelivers it when the consumer restarts or rebalances, and
// the periodic sweep covers the gap until then.
func (k *Kafka) Consume(ctx context.Context, handler Handler) error {
	for {
		fetches := k.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			k.logger.Error("dispatch fetch error", "topic", topic, "partition", partition, "error", err)
		})

		var done []*kgo.Record
		fetches.EachRecord(func(record *kgo.Record) {
			var msg Message
			if err := json.Unmarshal(record.Value, &msg); err != nil {
				k.logger.Error("malformed dispatch message dropped", "error", err)
				done = append(done, record)
				return
			}
			revoked, err := k.isRevoked(ctx, msg.RequestID)
			if err != nil {
				k.logger.Warn("revocation check failed, delivering anyway", "error", err)
			}
			if revoked {
				k.logger.Info("dropping dispatch for canceled request",
					"request_id", msg.RequestID.String(), "task_id", msg.TaskID.String())
				done = append(done, record)
				return
			}
			if err := handler(ctx, msg); err != nil {
				k.logger.Error("dispatch handler failed",
					"request_id", msg.RequestID.String(), "task_id", msg.TaskID.String(), "error", err)
				return
			}
			done = append(done, record)
		})
		if len(done) > 0 {
			if err := k.client.CommitRecords(ctx, done...); err != nil {
				k.logger.Error("offset commit failed", "records", len(done), "error", err)
			}
		}
	}
}

func (k *Kafka) isRevoked(ctx context.Context, requestID id.RequestID) (bool, error) {
	_, err := k.redis.Get(ctx, revokedKeyPrefix+requestID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
