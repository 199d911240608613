// services/iotserver/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ServiceBus ServiceBusConfig `mapstructure:"service_bus"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Devices    DevicesConfig    `mapstructure:"devices"`
	Presence   PresenceConfig   `mapstructure:"presence"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Logger     *logrus.Logger   `mapstructure:"-"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	CORSOrigins        []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig selects the relational backend. Driver is "postgres" or
// "sqlite"; a postgres connection that cannot be established falls back to
// SQLite when FallbackToSQLite is set.
type DatabaseConfig struct {
	Driver           string        `mapstructure:"driver"`
	DSN              string        `mapstructure:"dsn"`
	SQLitePath       string        `mapstructure:"sqlite_path"`
	FallbackToSQLite bool          `mapstructure:"fallback_to_sqlite"`
	ConnectRetries   uint64        `mapstructure:"connect_retries"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	SlowThreshold    time.Duration `mapstructure:"slow_threshold"`
}

// RedisConfig holds the Redis connection settings. With an empty Addr the
// services fall back to an in-process cache of LocalSize entries.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	DeviceTTL    time.Duration `mapstructure:"device_ttl"`
	LocalSize    int           `mapstructure:"local_size"`
}

// ServiceBusConfig holds the Azure Service Bus settings. An empty
// connection string disables event publishing.
type ServiceBusConfig struct {
	ConnectionString string        `mapstructure:"connection_string"`
	QueueName        string        `mapstructure:"queue_name"`
	MaxRetries       uint64        `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

// MQTTConfig holds MQTT broker settings for telemetry ingestion
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	CleanSession      bool          `mapstructure:"clean_session"`
	TopicPrefix       string        `mapstructure:"topic_prefix"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// Enabled reports whether a broker was configured.
func (m MQTTConfig) Enabled() bool {
	return m.BrokerURL != ""
}

// DevicesConfig holds the per-class capacity limits. Zero means unlimited.
type DevicesConfig struct {
	MaxMicrobit int `mapstructure:"max_microbit"`
	MaxESP32    int `mapstructure:"max_esp32"`
	MaxGateway  int `mapstructure:"max_gateway"`
}

// PresenceConfig controls the optional offline sweep.
type PresenceConfig struct {
	OfflineAfter  time.Duration `mapstructure:"offline_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// StorageConfig holds settings for on-disk files
type StorageConfig struct {
	DeadLetterPath string `mapstructure:"dead_letter_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from a .env file, a YAML file and environment
// variables, in increasing order of precedence.
func Load(configPath string) (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("IOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.rate_limit_per_minute", 100)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.sqlite_path", "iot_data.db")
	v.SetDefault("database.fallback_to_sqlite", true)
	v.SetDefault("database.connect_retries", 3)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.slow_threshold", "500ms")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.device_ttl", "24h")
	v.SetDefault("redis.local_size", 1024)

	v.SetDefault("service_bus.connection_string", "")
	v.SetDefault("service_bus.queue_name", "iot-events")
	v.SetDefault("service_bus.max_retries", 3)
	v.SetDefault("service_bus.retry_delay", "1s")

	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", false)
	v.SetDefault("mqtt.topic_prefix", "iot")
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.max_reconnect_delay", "2m")

	v.SetDefault("devices.max_microbit", 2)
	v.SetDefault("devices.max_esp32", 1)
	v.SetDefault("devices.max_gateway", 0)

	v.SetDefault("presence.offline_after", "0s")
	v.SetDefault("presence.sweep_interval", "30s")

	v.SetDefault("storage.dead_letter_path", "data/dead_letter.log")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Devices.MaxMicrobit < 0 || c.Devices.MaxESP32 < 0 || c.Devices.MaxGateway < 0 {
		return fmt.Errorf("device limits must not be negative")
	}
	if c.Presence.OfflineAfter < 0 {
		return fmt.Errorf("presence.offline_after must not be negative")
	}
	if c.Presence.OfflineAfter > 0 && c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence.sweep_interval must be positive when the sweep is enabled")
	}
	return nil
}

// NewLogger builds the process logger from the logging section.
func (l LoggingConfig) NewLogger() (*logrus.Logger, error) {
	logger := logrus.New()
	switch l.Format {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unsupported log format %q", l.Format)
	}

	level := logrus.InfoLevel
	if l.Level != "" {
		parsed, err := logrus.ParseLevel(l.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		level = parsed
	}
	logger.SetLevel(level)
	return logger, nil
}

// viper reports an explicit SetConfigFile path that does not exist as a
// plain *fs.PathError rather than ConfigFileNotFoundError.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
