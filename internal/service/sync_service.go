package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"wisefido-sync/internal/cloud"
	"wisefido-sync/internal/config"
	"wisefido-sync/internal/consumer"
	"wisefido-sync/internal/coordinator"
	"wisefido-sync/internal/database"
	"wisefido-sync/internal/mqtt"
	rediscommon "wisefido-sync/internal/redis"
	"wisefido-sync/internal/repository"
	"wisefido-sync/internal/resolver"
	"wisefido-sync/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// SyncService 离线优先同步服务
type SyncService struct {
	config *config.Config
	logger *zap.Logger

	localDB     *sql.DB // sqlite 本地库，memory 驱动时为 nil
	cloudDB     *sql.DB // postgres 云端库，其它后端时为 nil
	redisClient *redis.Client
	mqttClient  *mqtt.Client

	repo        *repository.MeasurementRepository
	coordinator *coordinator.Coordinator

	lifecycleConsumer    *consumer.LifecycleConsumer
	notificationConsumer *consumer.NotificationConsumer
	statusPublisher      *consumer.StatusPublisher

	background sync.WaitGroup
}

// NewSyncService 创建同步服务
func NewSyncService(cfg *config.Config, logger *zap.Logger) (*SyncService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	deviceType, err := cfg.DeviceType()
	if err != nil {
		return nil, err
	}
	strategy, err := resolver.ParseStrategy(cfg.Sync.Strategy)
	if err != nil {
		return nil, err
	}

	s := &SyncService{config: cfg, logger: logger}

	// 本地存储
	localStore, err := s.buildLocalStore()
	if err != nil {
		return nil, err
	}

	// 云端后端
	backend, err := s.buildBackend()
	if err != nil {
		s.closeResources()
		return nil, err
	}

	s.repo = repository.NewMeasurementRepository(localStore, backend, logger)

	opts := []coordinator.Option{coordinator.WithSubscriptionID(cfg.Sync.SubscriptionID)}

	// Redis：水位持久化 + 生命周期事件流
	if cfg.Redis.Enabled {
		s.redisClient = rediscommon.NewRedisClient(cfg.Redis.Config)
		if err := rediscommon.Ping(context.Background(), s.redisClient); err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		watermarks := store.NewWatermarkStore(store.NewRedisKV(s.redisClient), cfg.Sync.WatermarkKey)
		opts = append(opts, coordinator.WithWatermarkStore(watermarks))
	}

	s.coordinator = coordinator.NewCoordinator(s.repo, resolver.NewConflictResolver(strategy, deviceType), logger, opts...)

	if s.redisClient != nil {
		source := consumer.NewRedisStreamSource(
			s.redisClient,
			cfg.Sync.LifecycleStream,
			cfg.Sync.ConsumerGroup,
			cfg.Sync.ConsumerName,
			int64(cfg.Sync.BatchSize),
		)
		s.lifecycleConsumer = consumer.NewLifecycleConsumer(source, s.coordinator, logger, cfg.Device.ID)
	}

	// MQTT：远端变更推送 + 状态发布
	if cfg.MQTT.Enabled {
		s.mqttClient, err = mqtt.NewClient(cfg.MQTT.Config, logger)
		if err != nil {
			s.closeResources()
			return nil, err
		}
		s.notificationConsumer = consumer.NewNotificationConsumer(
			s.mqttClient, s.coordinator, logger, cfg.MQTT.NotificationTopic, cfg.MQTT.QoS)
		s.statusPublisher = consumer.NewStatusPublisher(
			s.mqttClient, s.coordinator, logger, cfg.MQTT.StatusTopic, cfg.Device.ID, cfg.MQTT.QoS)
	}

	return s, nil
}

func (s *SyncService) buildLocalStore() (repository.LocalStore, error) {
	switch s.config.LocalStore.Driver {
	case "memory":
		return repository.NewMemoryStore(), nil
	default:
		db, err := database.NewSQLiteDB(s.config.LocalStore.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open local store: %w", err)
		}
		localStore, err := repository.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.localDB = db
		return localStore, nil
	}
}

// buildBackend returns a nil Backend for "none"; the coordinator then reports Unavailable.
func (s *SyncService) buildBackend() (cloud.Backend, error) {
	cfg := s.config.Cloud
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "memory":
		return cloud.NewMemoryBackend(), nil
	case "postgres":
		db, err := database.NewPostgresDB(s.config.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.cloudDB = db
		backend := cloud.NewPostgresBackend(db, s.logger)
		if err := backend.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return cloud.NewHTTPBackend(cloud.HTTPConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Timeout:    cfg.Timeout,
			RetryCount: cfg.RetryCount,
		}, s.logger), nil
	}
}

func (s *SyncService) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}

func (s *SyncService) Repository() *repository.MeasurementRepository {
	return s.repo
}

// Start 启动服务，阻塞直到 ctx 结束
func (s *SyncService) Start(ctx context.Context) error {
	s.logger.Info("Starting sync service",
		zap.String("device_id", s.config.Device.ID),
		zap.String("strategy", s.config.Sync.Strategy),
		zap.String("cloud_backend", s.config.Cloud.Backend),
		zap.Bool("redis_enabled", s.redisClient != nil),
		zap.Bool("mqtt_enabled", s.mqttClient != nil),
	)

	if err := s.coordinator.Setup(ctx); err != nil {
		// 账户检查失败不阻止启动，下一次同步会重新检查
		s.logger.Error("Failed to set up sync coordinator", zap.Error(err))
	}

	if s.statusPublisher != nil {
		s.goBackground(func() { s.statusPublisher.Run(ctx) })
	}
	if s.notificationConsumer != nil {
		if err := s.notificationConsumer.Start(ctx); err != nil {
			return err
		}
	}
	if s.lifecycleConsumer != nil {
		s.goBackground(func() {
			if err := s.lifecycleConsumer.Start(ctx); err != nil {
				s.logger.Error("Lifecycle consumer stopped", zap.Error(err))
			}
		})
	}

	return s.startPolling(ctx)
}

// startPolling 启动轮询模式，间隔为 0 时只等待退出
func (s *SyncService) startPolling(ctx context.Context) error {
	interval := s.config.Sync.Interval
	if interval <= 0 {
		s.logger.Info("Polling disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Starting polling mode", zap.Duration("interval", interval))

	// 首次执行一次同步
	s.coordinator.HandleAppDidBecomeActive(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.coordinator.HandleAppWillEnterForeground(ctx)
		}
	}
}

// RunOnce 执行一次手动同步（CLI sync 命令）
func (s *SyncService) RunOnce(ctx context.Context) error {
	if err := s.coordinator.Setup(ctx); err != nil {
		return err
	}
	return s.coordinator.ManualSync(ctx)
}

// Stop 停止服务
func (s *SyncService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping sync service")

	s.coordinator.Cancel()
	if s.notificationConsumer != nil {
		if err := s.notificationConsumer.Stop(); err != nil {
			s.logger.Warn("Failed to unsubscribe notifications", zap.Error(err))
		}
	}
	s.background.Wait()
	s.repo.Wait()
	s.coordinator.Close()

	s.closeResources()
	s.logger.Info("Sync service stopped")
	return nil
}

func (s *SyncService) goBackground(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

func (s *SyncService) closeResources() {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Error closing redis connection", zap.Error(err))
		}
	}
	if s.cloudDB != nil {
		if err := database.Close(s.cloudDB); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
	}
	if s.localDB != nil {
		if err := s.localDB.Close(); err != nil {
			s.logger.Error("Error closing local store", zap.Error(err))
		}
	}
}
