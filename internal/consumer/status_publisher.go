package consumer

import (
	"context"
	"encoding/json"
	"time"

	"wisefido-sync/internal/models"

	"go.uber.org/zap"
)

// StatusMessage 发布到 MQTT 的同步状态
type StatusMessage struct {
	DeviceID  string           `json:"device_id"`
	State     models.SyncState `json:"state"`
	Progress  float64          `json:"progress"`
	Reason    string           `json:"reason,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

// StatusPublisher 将协调器状态变化按顺序转发到 MQTT（retained，新订阅者能拿到最新状态）
type StatusPublisher struct {
	publisher  Publisher
	controller SyncController
	logger     *zap.Logger
	topic      string
	deviceID   string
	qos        byte
	now        func() time.Time
}

func NewStatusPublisher(publisher Publisher, controller SyncController, logger *zap.Logger, topic, deviceID string, qos byte) *StatusPublisher {
	return &StatusPublisher{
		publisher:  publisher,
		controller: controller,
		logger:     logger,
		topic:      topic,
		deviceID:   deviceID,
		qos:        qos,
		now:        time.Now,
	}
}

// Run forwards status updates until ctx is done or the subscription closes.
func (p *StatusPublisher) Run(ctx context.Context) {
	updates, unsubscribe := p.controller.Subscribe()
	defer unsubscribe()

	p.logger.Info("Status publisher started", zap.String("topic", p.topic))
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-updates:
			if !ok {
				return
			}
			if err := p.publish(status); err != nil {
				p.logger.Warn("Failed to publish sync status",
					zap.String("state", string(status.State)),
					zap.Error(err),
				)
			}
		}
	}
}

func (p *StatusPublisher) publish(status models.SyncStatus) error {
	payload, err := json.Marshal(StatusMessage{
		DeviceID:  p.deviceID,
		State:     status.State,
		Progress:  status.Progress,
		Reason:    status.Reason,
		Timestamp: p.now().Unix(),
	})
	if err != nil {
		return err
	}
	return p.publisher.Publish(p.topic, p.qos, true, payload)
}
