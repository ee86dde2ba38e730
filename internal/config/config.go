package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"wisefido-sync/internal/database"
	"wisefido-sync/internal/models"
	"wisefido-sync/internal/mqtt"
	rediscommon "wisefido-sync/internal/redis"
	"wisefido-sync/internal/resolver"

	"gopkg.in/yaml.v3"
)

// Config 同步服务配置
// 加载顺序：默认值 → SYNC_CONFIG_FILE（YAML，可选）→ 环境变量
type Config struct {
	Device struct {
		ID   string `yaml:"id"`
		Type string `yaml:"type"` // iphone / ipad / watch，为空时按 ID 前缀推断
	} `yaml:"device"`

	Sync struct {
		Strategy        string        `yaml:"strategy"`
		Interval        time.Duration `yaml:"interval"` // 轮询间隔，0 表示关闭轮询
		SubscriptionID  string        `yaml:"subscription_id"`
		LifecycleStream string        `yaml:"lifecycle_stream"`
		ConsumerGroup   string        `yaml:"consumer_group"`
		ConsumerName    string        `yaml:"consumer_name"`
		BatchSize       int           `yaml:"batch_size"`
		WatermarkKey    string        `yaml:"watermark_key"`
	} `yaml:"sync"`

	LocalStore struct {
		Driver string `yaml:"driver"` // sqlite / memory
		Path   string `yaml:"path"`
	} `yaml:"local_store"`

	Cloud struct {
		Backend    string        `yaml:"backend"` // http / postgres / memory / none
		BaseURL    string        `yaml:"base_url"`
		APIKey     string        `yaml:"api_key"`
		Timeout    time.Duration `yaml:"timeout"`
		RetryCount int           `yaml:"retry_count"`
	} `yaml:"cloud"`

	Database database.PostgresConfig `yaml:"database"`

	Redis struct {
		Enabled            bool `yaml:"enabled"`
		rediscommon.Config `yaml:",inline"`
	} `yaml:"redis"`

	MQTT struct {
		Enabled           bool   `yaml:"enabled"`
		mqtt.Config       `yaml:",inline"`
		NotificationTopic string `yaml:"notification_topic"`
		StatusTopic       string `yaml:"status_topic"`
	} `yaml:"mqtt"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 默认配置
func Default() *Config {
	cfg := &Config{}

	cfg.Device.ID = "iphone-local"

	cfg.Sync.Strategy = string(resolver.StrategyTimestamp)
	cfg.Sync.Interval = 300 * time.Second
	cfg.Sync.SubscriptionID = "measurement-changes"
	cfg.Sync.LifecycleStream = "wisefido:sync:lifecycle"
	cfg.Sync.ConsumerGroup = "wisefido-sync-group"
	cfg.Sync.BatchSize = 10
	cfg.Sync.WatermarkKey = "wisefido:sync:last_sync_date"

	cfg.LocalStore.Driver = "sqlite"
	cfg.LocalStore.Path = "wisefido-sync.db"

	cfg.Cloud.Backend = "http"
	cfg.Cloud.BaseURL = "http://localhost:8080"
	cfg.Cloud.Timeout = 30 * time.Second
	cfg.Cloud.RetryCount = 3

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "owlrd"
	cfg.Database.SSLMode = "disable"

	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.QoS = 1
	cfg.MQTT.NotificationTopic = "wisefido/sync/notifications"
	cfg.MQTT.StatusTopic = "wisefido/sync/status"

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load 加载配置，配置文件路径取自 SYNC_CONFIG_FILE
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("SYNC_CONFIG_FILE"))
}

// LoadFrom 加载配置，path 为空时跳过配置文件
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	// 派生默认值
	if cfg.Sync.ConsumerName == "" {
		cfg.Sync.ConsumerName = "wisefido-sync-" + cfg.Device.ID
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "wisefido-sync-" + cfg.Device.ID
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	c.Device.ID = getEnv("DEVICE_ID", c.Device.ID)
	c.Device.Type = getEnv("DEVICE_TYPE", c.Device.Type)

	c.Sync.Strategy = getEnv("SYNC_STRATEGY", c.Sync.Strategy)
	c.Sync.SubscriptionID = getEnv("SYNC_SUBSCRIPTION_ID", c.Sync.SubscriptionID)
	c.Sync.LifecycleStream = getEnv("SYNC_LIFECYCLE_STREAM", c.Sync.LifecycleStream)
	c.Sync.ConsumerGroup = getEnv("SYNC_CONSUMER_GROUP", c.Sync.ConsumerGroup)
	c.Sync.ConsumerName = getEnv("SYNC_CONSUMER_NAME", c.Sync.ConsumerName)
	c.Sync.WatermarkKey = getEnv("SYNC_WATERMARK_KEY", c.Sync.WatermarkKey)

	c.LocalStore.Driver = getEnv("LOCAL_STORE_DRIVER", c.LocalStore.Driver)
	c.LocalStore.Path = getEnv("LOCAL_STORE_PATH", c.LocalStore.Path)

	c.Cloud.Backend = getEnv("CLOUD_BACKEND", c.Cloud.Backend)
	c.Cloud.BaseURL = getEnv("CLOUD_BASE_URL", c.Cloud.BaseURL)
	c.Cloud.APIKey = getEnv("CLOUD_API_KEY", c.Cloud.APIKey)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Database = getEnv("DB_NAME", c.Database.Database)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.MQTT.Broker = getEnv("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.Username = getEnv("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("MQTT_PASSWORD", c.MQTT.Password)
	c.MQTT.NotificationTopic = getEnv("MQTT_NOTIFICATION_TOPIC", c.MQTT.NotificationTopic)
	c.MQTT.StatusTopic = getEnv("MQTT_STATUS_TOPIC", c.MQTT.StatusTopic)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	var err error
	if c.Sync.Interval, err = getEnvSeconds("SYNC_INTERVAL", c.Sync.Interval); err != nil {
		return err
	}
	if c.Cloud.Timeout, err = getEnvSeconds("CLOUD_TIMEOUT", c.Cloud.Timeout); err != nil {
		return err
	}
	if c.Cloud.RetryCount, err = getEnvInt("CLOUD_RETRY_COUNT", c.Cloud.RetryCount); err != nil {
		return err
	}
	if c.Database.Port, err = getEnvInt("DB_PORT", c.Database.Port); err != nil {
		return err
	}
	if c.Redis.Enabled, err = getEnvBool("REDIS_ENABLED", c.Redis.Enabled); err != nil {
		return err
	}
	if c.MQTT.Enabled, err = getEnvBool("MQTT_ENABLED", c.MQTT.Enabled); err != nil {
		return err
	}
	return nil
}

// Validate 校验枚举类配置
func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return fmt.Errorf("DEVICE_ID is required")
	}
	if _, err := c.DeviceType(); err != nil {
		return err
	}
	if _, err := resolver.ParseStrategy(c.Sync.Strategy); err != nil {
		return err
	}
	switch c.LocalStore.Driver {
	case "sqlite":
		if c.LocalStore.Path == "" {
			return fmt.Errorf("LOCAL_STORE_PATH is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported local store driver: %s", c.LocalStore.Driver)
	}
	switch c.Cloud.Backend {
	case "http":
		if c.Cloud.BaseURL == "" {
			return fmt.Errorf("CLOUD_BASE_URL is required for the http backend")
		}
	case "postgres", "memory", "none":
	default:
		return fmt.Errorf("unsupported cloud backend: %s", c.Cloud.Backend)
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("SYNC_INTERVAL must not be negative")
	}
	return nil
}

// DeviceType 本机设备类型：显式配置优先，否则按 DEVICE_ID 前缀推断
func (c *Config) DeviceType() (models.DeviceType, error) {
	if c.Device.Type != "" {
		return models.ParseDeviceType(c.Device.Type)
	}
	return models.DeviceTypeFromID(c.Device.ID), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(strings.ToLower(value))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

// getEnvSeconds accepts plain seconds ("300") or a Go duration ("5m").
func getEnvSeconds(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
