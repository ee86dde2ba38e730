package consumer

import (
	"context"

	"wisefido-sync/internal/models"
)

// SyncController is the coordinator surface driven by external events.
type SyncController interface {
	HandleAppWillEnterForeground(ctx context.Context)
	HandleAppDidBecomeActive(ctx context.Context)
	HandleRemoteNotification(ctx context.Context, payload []byte) bool
	ManualSync(ctx context.Context) error
	Reset()
	Cancel()
	Subscribe() (<-chan models.SyncStatus, func())
}

// Subscriber MQTT 订阅能力（*mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
	Unsubscribe(topics ...string) error
}

// Publisher MQTT 发布能力（*mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}
