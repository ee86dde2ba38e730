package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"wisefido-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "timestamp", cfg.Sync.Strategy)
	assert.Equal(t, 300*time.Second, cfg.Sync.Interval)
	assert.Equal(t, "measurement-changes", cfg.Sync.SubscriptionID)
	assert.Equal(t, "sqlite", cfg.LocalStore.Driver)
	assert.Equal(t, "http", cfg.Cloud.Backend)
	assert.Equal(t, 30*time.Second, cfg.Cloud.Timeout)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "wisefido-sync-iphone-local", cfg.Sync.ConsumerName)
	assert.Equal(t, "wisefido-sync-iphone-local", cfg.MQTT.ClientID)
	assert.Equal(t, "info", cfg.Log.Level)

	deviceType, err := cfg.DeviceType()
	require.NoError(t, err)
	assert.Equal(t, models.DeviceIPhone, deviceType)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("DEVICE_ID", "watch-42")
	t.Setenv("SYNC_STRATEGY", "device_priority")
	t.Setenv("SYNC_INTERVAL", "60")
	t.Setenv("CLOUD_BACKEND", "postgres")
	t.Setenv("CLOUD_TIMEOUT", "1500ms")
	t.Setenv("CLOUD_RETRY_COUNT", "5")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("MQTT_ENABLED", "TRUE")
	t.Setenv("MQTT_STATUS_TOPIC", "devices/watch-42/sync")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "device_priority", cfg.Sync.Strategy)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "postgres", cfg.Cloud.Backend)
	assert.Equal(t, 1500*time.Millisecond, cfg.Cloud.Timeout)
	assert.Equal(t, 5, cfg.Cloud.RetryCount)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.True(t, cfg.Redis.Enabled)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "devices/watch-42/sync", cfg.MQTT.StatusTopic)
	assert.Equal(t, "debug", cfg.Log.Level)

	deviceType, err := cfg.DeviceType()
	require.NoError(t, err)
	assert.Equal(t, models.DeviceWatch, deviceType)
}

func TestLoad_InvalidNumbers(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "often")
	_, err := Load()
	assert.ErrorContains(t, err, "SYNC_INTERVAL")

	t.Setenv("SYNC_INTERVAL", "")
	t.Setenv("REDIS_ENABLED", "maybe")
	_, err = Load()
	assert.ErrorContains(t, err, "REDIS_ENABLED")
}

func TestLoad_ConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device:
  id: ipad-7
  type: ipad
sync:
  strategy: server_wins
  interval: 2m
local_store:
  driver: memory
cloud:
  backend: memory
redis:
  enabled: true
  addr: redis:6379
mqtt:
  enabled: true
  broker: tcp://mosquitto:1883
  qos: 0
`), 0o600))

	t.Setenv("SYNC_CONFIG_FILE", path)
	t.Setenv("SYNC_STRATEGY", "client_wins")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ipad-7", cfg.Device.ID)
	assert.Equal(t, "client_wins", cfg.Sync.Strategy)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "memory", cfg.LocalStore.Driver)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "tcp://mosquitto:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(0), cfg.MQTT.QoS)
	// 文件未覆盖的字段保留默认值
	assert.Equal(t, "wisefido/sync/notifications", cfg.MQTT.NotificationTopic)

	deviceType, err := cfg.DeviceType()
	require.NoError(t, err)
	assert.Equal(t, models.DeviceIPad, deviceType)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("SYNC_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestValidate_RejectsUnknownValues(t *testing.T) {
	cases := map[string]func(*Config){
		"strategy":     func(c *Config) { c.Sync.Strategy = "newest" },
		"device type":  func(c *Config) { c.Device.Type = "tv" },
		"driver":       func(c *Config) { c.LocalStore.Driver = "leveldb" },
		"backend":      func(c *Config) { c.Cloud.Backend = "s3" },
		"device id":    func(c *Config) { c.Device.ID = "" },
		"sqlite path":  func(c *Config) { c.LocalStore.Path = "" },
		"http baseurl": func(c *Config) { c.Cloud.BaseURL = "" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
