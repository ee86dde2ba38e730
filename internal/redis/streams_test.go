package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := NewRedisClient(Config{Addr: mr.Addr()})
	t.Cleanup(func() { Close(client) })
	return client
}

func TestPing(t *testing.T) {
	client := setupTestRedis(t)
	assert.NoError(t, Ping(context.Background(), client))
}

func TestCreateConsumerGroup_Idempotent(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)

	require.NoError(t, CreateConsumerGroup(ctx, client, "lifecycle", "sync-group"))
	// BUSYGROUP 被忽略
	require.NoError(t, CreateConsumerGroup(ctx, client, "lifecycle", "sync-group"))

	_, err := PublishToStream(ctx, client, "lifecycle", map[string]string{"event_type": "sync.manual"})
	require.NoError(t, err)
	messages, err := ReadFromStream(ctx, client, "lifecycle", "sync-group", "worker-1", 10, -1)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestStream_PublishReadAck(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)
	require.NoError(t, CreateConsumerGroup(ctx, client, "lifecycle", "sync-group"))

	id1, err := PublishToStream(ctx, client, "lifecycle", map[string]string{"event_type": "sync.manual"})
	require.NoError(t, err)
	id2, err := PublishToStream(ctx, client, "lifecycle", map[string]string{"event_type": "sync.reset", "device_id": "watch-1"})
	require.NoError(t, err)

	messages, err := ReadFromStream(ctx, client, "lifecycle", "sync-group", "worker-1", 10, -1)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, id1, messages[0].ID)
	assert.Equal(t, "lifecycle", messages[0].Stream)
	assert.Equal(t, "sync.manual", messages[0].Values["event_type"])
	assert.Equal(t, id2, messages[1].ID)
	assert.Equal(t, "watch-1", messages[1].Values["device_id"])

	pending := func() []redis.XPendingExt {
		entries, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: "lifecycle",
			Group:  "sync-group",
			Start:  "-",
			End:    "+",
			Count:  10,
		}).Result()
		require.NoError(t, err)
		return entries
	}
	assert.Len(t, pending(), 2)

	require.NoError(t, Ack(ctx, client, "lifecycle", "sync-group", id1, id2))
	assert.Empty(t, pending())

	// 没有新消息时不是错误
	messages, err = ReadFromStream(ctx, client, "lifecycle", "sync-group", "worker-1", 10, -1)
	require.NoError(t, err)
	assert.Empty(t, messages)
}
