package cli

import (
	"bytes"
	"context"
	"testing"

	"wisefido-sync/internal/consumer"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerCommand_PublishesEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("SYNC_CONFIG_FILE", "")
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("DEVICE_ID", "iphone-9")
	t.Setenv("SYNC_LIFECYCLE_STREAM", "test:lifecycle")

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"trigger", consumer.EventManualSync})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "published sync.manual for iphone-9")

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	entries, err := client.XRange(context.Background(), "test:lifecycle", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, consumer.EventManualSync, entries[0].Values["event_type"])
	assert.Equal(t, "iphone-9", entries[0].Values["device_id"])
}

func TestTriggerCommand_RejectsUnknownEvent(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"trigger", "app.crashed"})

	err := cmd.Execute()
	assert.ErrorContains(t, err, "unknown event type")
}
