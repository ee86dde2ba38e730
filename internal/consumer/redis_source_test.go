package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStreamSource_ReadAndAck(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)

	source := NewRedisStreamSource(client, "lifecycle", "sync-group", "worker-1", 10)
	source.block = 10 * time.Millisecond
	require.NoError(t, source.EnsureGroup(ctx))
	require.NoError(t, source.EnsureGroup(ctx))

	id, err := PublishLifecycleEvent(ctx, client, "lifecycle", LifecycleEvent{
		EventType: EventManualSync,
		DeviceID:  "ipad-7",
	})
	require.NoError(t, err)

	messages, err := source.Read(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, id, messages[0].ID)

	event, err := parseLifecycleEvent(messages[0])
	require.NoError(t, err)
	assert.Equal(t, EventManualSync, event.EventType)
	assert.Equal(t, "ipad-7", event.DeviceID)
	assert.NotZero(t, event.Timestamp)

	require.NoError(t, source.Ack(ctx, id))
}

func TestPublishLifecycleEvent_RequiresType(t *testing.T) {
	client := setupTestRedis(t)
	_, err := PublishLifecycleEvent(context.Background(), client, "lifecycle", LifecycleEvent{})
	assert.ErrorContains(t, err, "missing event_type")
}

func TestLifecycleConsumer_OverRedis(t *testing.T) {
	client := setupTestRedis(t)

	source := NewRedisStreamSource(client, "lifecycle", "sync-group", "worker-1", 10)
	source.block = 10 * time.Millisecond

	controller := &MockSyncController{}
	reset := make(chan struct{}, 1)
	controller.On("Reset").Run(func(mock.Arguments) { reset <- struct{}{} }).Return()

	lc := NewLifecycleConsumer(source, controller, zap.NewNop(), "iphone-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lc.Start(ctx) }()

	require.Eventually(t, func() bool {
		return client.Exists(context.Background(), "lifecycle").Val() == 1
	}, time.Second, 5*time.Millisecond, "consumer group should create the stream")

	// 其他设备的事件被忽略
	_, err := PublishLifecycleEvent(context.Background(), client, "lifecycle", LifecycleEvent{EventType: EventReset, DeviceID: "watch-9"})
	require.NoError(t, err)
	_, err = PublishLifecycleEvent(context.Background(), client, "lifecycle", LifecycleEvent{EventType: EventReset, DeviceID: "iphone-1"})
	require.NoError(t, err)

	select {
	case <-reset:
	case <-time.After(2 * time.Second):
		t.Fatal("reset event was not dispatched")
	}

	cancel()
	require.NoError(t, <-done)
	controller.AssertNumberOfCalls(t, "Reset", 1)
}
