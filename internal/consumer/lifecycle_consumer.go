package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	rediscommon "wisefido-sync/internal/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 生命周期事件类型
const (
	EventWillEnterForeground = "app.will_enter_foreground"
	EventDidBecomeActive     = "app.did_become_active"
	EventManualSync          = "sync.manual"
	EventReset               = "sync.reset"
	EventCancel              = "sync.cancel"
)

// LifecycleEvent 生命周期事件
type LifecycleEvent struct {
	EventType string `json:"event_type"`
	DeviceID  string `json:"device_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// StreamSource 消费者组读取与确认（用于在单元测试中替换 Redis）
type StreamSource interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context) ([]rediscommon.StreamMessage, error)
	Ack(ctx context.Context, id string) error
}

// RedisStreamSource 基于 Redis Streams 消费者组的 StreamSource
type RedisStreamSource struct {
	client    *redis.Client
	stream    string
	group     string
	consumer  string
	batchSize int64
	block     time.Duration
}

func NewRedisStreamSource(client *redis.Client, stream, group, consumer string, batchSize int64) *RedisStreamSource {
	return &RedisStreamSource{
		client:    client,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		batchSize: batchSize,
		block:     5 * time.Second,
	}
}

func (s *RedisStreamSource) EnsureGroup(ctx context.Context) error {
	return rediscommon.CreateConsumerGroup(ctx, s.client, s.stream, s.group)
}

func (s *RedisStreamSource) Read(ctx context.Context) ([]rediscommon.StreamMessage, error) {
	return rediscommon.ReadFromStream(ctx, s.client, s.stream, s.group, s.consumer, s.batchSize, s.block)
}

func (s *RedisStreamSource) Ack(ctx context.Context, id string) error {
	return rediscommon.Ack(ctx, s.client, s.stream, s.group, id)
}

// LifecycleConsumer 消费应用生命周期事件并分发给协调器
type LifecycleConsumer struct {
	source     StreamSource
	controller SyncController
	logger     *zap.Logger
	deviceID   string

	// 同步类事件在后台执行，reset/cancel 不必等待正在运行的同步
	inflight sync.WaitGroup
}

func NewLifecycleConsumer(source StreamSource, controller SyncController, logger *zap.Logger, deviceID string) *LifecycleConsumer {
	return &LifecycleConsumer{
		source:     source,
		controller: controller,
		logger:     logger,
		deviceID:   deviceID,
	}
}

// Start 启动消费循环，直到 ctx 结束
func (c *LifecycleConsumer) Start(ctx context.Context) error {
	if err := c.source.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	c.logger.Info("Lifecycle consumer started")

	// 消费事件（带指数退避）
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			c.inflight.Wait()
			return nil
		default:
		}

		if err := c.consume(ctx); err != nil {
			c.logger.Error("Failed to consume lifecycle events",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				c.inflight.Wait()
				return nil
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = time.Second
	}
}

func (c *LifecycleConsumer) consume(ctx context.Context) error {
	messages, err := c.source.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		if err := c.process(ctx, msg); err != nil {
			c.logger.Error("Failed to process lifecycle event",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if err := c.source.Ack(ctx, msg.ID); err != nil {
			c.logger.Warn("Failed to ack message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (c *LifecycleConsumer) process(ctx context.Context, msg rediscommon.StreamMessage) error {
	event, err := parseLifecycleEvent(msg)
	if err != nil {
		return fmt.Errorf("failed to parse event: %w", err)
	}
	if event.DeviceID != "" && c.deviceID != "" && event.DeviceID != c.deviceID {
		// 其他设备的事件
		return nil
	}

	c.logger.Info("Processing lifecycle event", zap.String("event_type", event.EventType))

	switch event.EventType {
	case EventWillEnterForeground:
		c.background(ctx, c.controller.HandleAppWillEnterForeground)
	case EventDidBecomeActive:
		c.background(ctx, c.controller.HandleAppDidBecomeActive)
	case EventManualSync:
		c.background(ctx, func(ctx context.Context) {
			if err := c.controller.ManualSync(ctx); err != nil {
				c.logger.Warn("Manual sync failed", zap.Error(err))
			}
		})
	case EventReset:
		c.controller.Reset()
	case EventCancel:
		c.controller.Cancel()
	default:
		c.logger.Warn("Unknown event type", zap.String("event_type", event.EventType))
	}
	return nil
}

func (c *LifecycleConsumer) background(ctx context.Context, fn func(context.Context)) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		fn(ctx)
	}()
}

// PublishLifecycleEvent 发布生命周期事件，data 字段携带 JSON，同时保留平铺字段
func PublishLifecycleEvent(ctx context.Context, client *redis.Client, stream string, event LifecycleEvent) (string, error) {
	if event.EventType == "" {
		return "", fmt.Errorf("invalid event: missing event_type")
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	values := map[string]string{
		"event_type": event.EventType,
		"data":       string(data),
	}
	if event.DeviceID != "" {
		values["device_id"] = event.DeviceID
	}
	return rediscommon.PublishToStream(ctx, client, stream, values)
}

// parseLifecycleEvent reads a JSON "data" field, falling back to flat stream fields.
func parseLifecycleEvent(msg rediscommon.StreamMessage) (*LifecycleEvent, error) {
	if data, ok := msg.Values["data"].(string); ok {
		var event LifecycleEvent
		if err := json.Unmarshal([]byte(data), &event); err == nil && event.EventType != "" {
			return &event, nil
		}
	}

	event := &LifecycleEvent{}
	if eventType, ok := msg.Values["event_type"].(string); ok {
		event.EventType = eventType
	}
	if deviceID, ok := msg.Values["device_id"].(string); ok {
		event.DeviceID = deviceID
	}
	if event.EventType == "" {
		return nil, fmt.Errorf("invalid event: missing event_type")
	}
	return event, nil
}
