package consumer

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// NotificationConsumer 订阅远端变更推送，识别后触发仅拉取同步
type NotificationConsumer struct {
	subscriber Subscriber
	controller SyncController
	logger     *zap.Logger
	topic      string
	qos        byte
}

func NewNotificationConsumer(subscriber Subscriber, controller SyncController, logger *zap.Logger, topic string, qos byte) *NotificationConsumer {
	return &NotificationConsumer{
		subscriber: subscriber,
		controller: controller,
		logger:     logger,
		topic:      topic,
		qos:        qos,
	}
}

// Start subscribes to the notification topic. Handling runs on the MQTT client's goroutine.
func (c *NotificationConsumer) Start(ctx context.Context) error {
	if err := c.subscriber.Subscribe(c.topic, c.qos, func(topic string, payload []byte) error {
		c.handle(ctx, topic, payload)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to subscribe notifications: %w", err)
	}

	c.logger.Info("Notification consumer started", zap.String("topic", c.topic))
	return nil
}

func (c *NotificationConsumer) handle(ctx context.Context, topic string, payload []byte) {
	if ctx.Err() != nil {
		return
	}
	if !c.controller.HandleRemoteNotification(ctx, payload) {
		c.logger.Debug("Ignoring unrecognized notification",
			zap.String("topic", topic),
			zap.Int("payload_size", len(payload)),
		)
	}
}

func (c *NotificationConsumer) Stop() error {
	return c.subscriber.Unsubscribe(c.topic)
}
