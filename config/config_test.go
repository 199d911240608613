package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 100, cfg.Server.RateLimitPerMinute)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 2, cfg.Devices.MaxMicrobit)
	assert.Equal(t, 1, cfg.Devices.MaxESP32)
	assert.Equal(t, 0, cfg.Devices.MaxGateway)
	assert.Equal(t, time.Duration(0), cfg.Presence.OfflineAfter)
	assert.Equal(t, 30*time.Second, cfg.Presence.SweepInterval)
	assert.False(t, cfg.MQTT.Enabled())
	assert.Equal(t, "iot", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 1024, cfg.Redis.LocalSize)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("server:\n  port: 8081\ndevices:\n  max_esp32: 4\nmqtt:\n  broker_url: tcp://broker:1883\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	t.Setenv("IOT_DEVICES_MAX_MICROBIT", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Devices.MaxESP32)
	assert.Equal(t, 7, cfg.Devices.MaxMicrobit)
	assert.True(t, cfg.MQTT.Enabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"sqlite ok", func(c *Config) {}, false},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, true},
		{"postgres with dsn", func(c *Config) {
			c.Database.Driver = "postgres"
			c.Database.DSN = "host=localhost"
		}, false},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, true},
		{"negative limit", func(c *Config) { c.Devices.MaxESP32 = -1 }, true},
		{"sweep without interval", func(c *Config) {
			c.Presence.OfflineAfter = time.Minute
			c.Presence.SweepInterval = 0
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Database: DatabaseConfig{Driver: "sqlite"},
				Presence: PresenceConfig{SweepInterval: time.Second},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := LoggingConfig{Level: "debug", Format: "text"}.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	_, err = LoggingConfig{Level: "loud"}.NewLogger()
	assert.Error(t, err)

	_, err = LoggingConfig{Format: "xml"}.NewLogger()
	assert.Error(t, err)
}
