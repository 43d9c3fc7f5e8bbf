//go:build integration

package queue_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dsrd/internal/platform/config"
	"dsrd/internal/platform/queue"
	id "dsrd/pkg/domain"
	"dsrd/pkg/testutil/containers"
)

// A dispatch whose handler fails must stay uncommitted so another consumer
// in the group picks it up, and a handled dispatch must never come back.
func TestKafkaRedeliversUnhandledDispatch(t *testing.T) {
	broker := containers.StartRedpanda(t)
	rdb := containers.StartRedis(t)
	logger := slog.New(slog.DiscardHandler)

	cfg := config.KafkaConfig{
		Brokers:       []string{broker},
		DispatchTopic: "dsrd.task.dispatch",
		ConsumerGroup: "dsrd-workers",
	}
	ctx := context.Background()

	msg := queue.Message{RequestID: id.NewRequestID(), TaskID: id.NewTaskID()}

	first, err := queue.NewKafka(ctx, cfg, rdb, time.Minute, logger)
	require.NoError(t, err)
	require.NoError(t, first.Publish(ctx, msg))

	// First delivery: the handler fails, so the offset stays uncommitted.
	crashCtx, crashCancel := context.WithCancel(ctx)
	err = first.Consume(crashCtx, func(_ context.Context, got queue.Message) error {
		require.Equal(t, msg.TaskID, got.TaskID)
		crashCancel()
		return errors.New("worker lost its database")
	})
	require.ErrorIs(t, err, context.Canceled)
	first.Close()

	// A replacement consumer in the same group sees the dispatch again.
	second, err := queue.NewKafka(ctx, cfg, rdb, time.Minute, logger)
	require.NoError(t, err)
	redeliveredCtx, redeliveredCancel := context.WithTimeout(ctx, 30*time.Second)
	defer redeliveredCancel()
	var redelivered bool
	err = second.Consume(redeliveredCtx, func(_ context.Context, got queue.Message) error {
		require.Equal(t, msg.TaskID, got.TaskID)
		redelivered = true
		redeliveredCancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, redelivered, "failed dispatch must be redelivered to the group")
	second.Close()

	// Handling committed the offset, so a third consumer starts empty.
	third, err := queue.NewKafka(ctx, cfg, rdb, time.Minute, logger)
	require.NoError(t, err)
	defer third.Close()
	quietCtx, quietCancel := context.WithTimeout(ctx, 10*time.Second)
	defer quietCancel()
	err = third.Consume(quietCtx, func(_ context.Context, got queue.Message) error {
		t.Errorf("handled dispatch %s delivered again", got.TaskID)
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
