package continuation

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
)

func TestNewPubSub_UnknownBackend(t *testing.T) {
	_, _, err := NewPubSub(config.QueueConfig{Backend: "sqs"}, NewWatermillLogger(zap.NewNop()))
	assert.Error(t, err)
}

func TestNewPubSub_KafkaRequiresBrokers(t *testing.T) {
	_, _, err := NewPubSub(config.QueueConfig{Backend: "kafka"}, NewWatermillLogger(zap.NewNop()))
	assert.Error(t, err)
}

func TestQueue_PublishesToAlternatingTopics(t *testing.T) {
	pub, sub, err := NewPubSub(config.QueueConfig{Backend: "gochannel"}, NewWatermillLogger(zap.NewNop()))
	require.NoError(t, err)
	defer pub.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aMsgs, err := sub.Subscribe(ctx, Topic("test", PhaseA))
	require.NoError(t, err)
	bMsgs, err := sub.Subscribe(ctx, Topic("test", PhaseB))
	require.NoError(t, err)

	q := NewQueue(pub, "test")
	require.NoError(t, q.Schedule(context.Background(), "run-1", model.StageSearch))
	msg := receive(t, aMsgs)
	assert.Equal(t, "run-1", msg.Metadata.Get(metaRunID))
	assert.Equal(t, "1", msg.Metadata.Get(metaDepth))
	msg.Ack()

	require.NoError(t, q.Schedule(WithHop(context.Background(), PhaseA, 1), "run-1", model.StageImport))
	msg = receive(t, bMsgs)
	assert.Equal(t, "2", msg.Metadata.Get(metaDepth))
	msg.Ack()
}

func TestWorker_ProcessesHops(t *testing.T) {
	pub, sub, err := NewPubSub(config.QueueConfig{Backend: "gochannel"}, NewWatermillLogger(zap.NewNop()))
	require.NoError(t, err)
	defer pub.Close() //nolint:errcheck

	proc := newRecordingProcessor()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewWorker(sub, "leadpipe", proc).Run(ctx) }()

	q := NewQueue(pub, "leadpipe")
	// Subscriptions are created asynchronously; retry until one lands.
	var got call
	require.Eventually(t, func() bool {
		if err := q.Schedule(context.Background(), "run-9", model.StageSend); err != nil {
			return false
		}
		select {
		case got = <-proc.done:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "run-9", got.RunID)
	assert.Equal(t, model.StageSend, got.Stage)
	assert.Equal(t, PhaseA, got.Phase)
	assert.Equal(t, 1, got.Depth)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func receive(t *testing.T, msgs <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case m := <-msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return nil
	}
}
