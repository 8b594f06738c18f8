package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all configuration for deltat
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Store    StoreConfig
	Query    QueryConfig
	MQTT     MQTTConfig
	NATS     NATSConfig
	Shutdown ShutdownConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int   // seconds
	WriteTimeout   int   // seconds
	MaxPayloadSize int64 // bytes, applies to the raw and decompressed body
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string // json or console
}

// StoreConfig holds storage engine configuration
type StoreConfig struct {
	DBPath           string
	MaxItemsPerFlush int
	FlushSchedule    string // cron spec, seconds field allowed
	QueryWorkers     int

	// Scheduled flushes pause for BreakerCooldownSeconds after
	// BreakerMaxFailures consecutive aborted cycles. 0 disables the breaker.
	BreakerMaxFailures     int
	BreakerCooldownSeconds int
}

// QueryConfig holds value query tracking configuration
type QueryConfig struct {
	TimeoutSeconds int // 0 disables the per-query deadline
	// MaxResampleSteps caps (end-start)/interval+1 of one resampling query.
	MaxResampleSteps int
	HistorySize    int
}

// MQTTConfig holds the MQTT ingest subscriber configuration
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Topics   []string
	QoS      int
	Username string
	Password string
}

// NATSConfig holds the NATS ingest subscriber configuration
type NATSConfig struct {
	Enabled    bool
	URL        string
	Subject    string
	QueueGroup string
}

// ShutdownConfig holds graceful shutdown configuration
type ShutdownConfig struct {
	TimeoutSeconds int
}

// Timeout returns the shutdown timeout as a duration
func (c ShutdownConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads configuration from defaults, an optional deltat.toml and
// DELTAT_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DELTAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("deltat")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/deltat/")
	v.AddConfigPath("$HOME/.deltat/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	maxPayload, err := ParseSize(v.GetString("server.max_payload_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid server.max_payload_size: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			ReadTimeout:    v.GetInt("server.read_timeout"),
			WriteTimeout:   v.GetInt("server.write_timeout"),
			MaxPayloadSize: maxPayload,
			TLSEnabled:     v.GetBool("server.tls_enabled"),
			TLSCertFile:    v.GetString("server.tls_cert_file"),
			TLSKeyFile:     v.GetString("server.tls_key_file"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Store: StoreConfig{
			DBPath:           v.GetString("store.db_path"),
			MaxItemsPerFlush: v.GetInt("store.max_items_per_flush"),
			FlushSchedule:    v.GetString("store.flush_schedule"),
			QueryWorkers:     v.GetInt("store.query_workers"),

			BreakerMaxFailures:     v.GetInt("store.breaker_max_failures"),
			BreakerCooldownSeconds: v.GetInt("store.breaker_cooldown_seconds"),
		},
		Query: QueryConfig{
			TimeoutSeconds: v.GetInt("query.timeout_seconds"),
			HistorySize:    v.GetInt("query.history_size"),

			MaxResampleSteps: v.GetInt("query.max_resample_steps"),
		},
		MQTT: MQTTConfig{
			Enabled:  v.GetBool("mqtt.enabled"),
			Broker:   v.GetString("mqtt.broker"),
			ClientID: v.GetString("mqtt.client_id"),
			Topics:   v.GetStringSlice("mqtt.topics"),
			QoS:      v.GetInt("mqtt.qos"),
			Username: v.GetString("mqtt.username"),
			Password: v.GetString("mqtt.password"),
		},
		NATS: NATSConfig{
			Enabled:    v.GetBool("nats.enabled"),
			URL:        v.GetString("nats.url"),
			Subject:    v.GetString("nats.subject"),
			QueueGroup: v.GetString("nats.queue_group"),
		},
		Shutdown: ShutdownConfig{
			TimeoutSeconds: v.GetInt("shutdown.timeout_seconds"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8086)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.max_payload_size", "100MB")
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.db_path", "./data/deltat.db")
	v.SetDefault("store.max_items_per_flush", 5000)
	v.SetDefault("store.flush_schedule", "@every 1s")
	v.SetDefault("store.query_workers", 4)
	v.SetDefault("store.breaker_max_failures", 5)
	v.SetDefault("store.breaker_cooldown_seconds", 30)

	v.SetDefault("query.timeout_seconds", 60)
	v.SetDefault("query.history_size", 100)
	v.SetDefault("query.max_resample_steps", 1000000)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "deltat")
	v.SetDefault("mqtt.topics", []string{"deltat/values"})
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "deltat.values")
	v.SetDefault("nats.queue_group", "deltat")

	v.SetDefault("shutdown.timeout_seconds", 30)
}

// Validate checks values that would otherwise fail later at startup
func (c *Config) Validate() error {
	if c.Store.DBPath == "" {
		return fmt.Errorf("store.db_path is required")
	}
	if c.Store.MaxItemsPerFlush <= 0 {
		return fmt.Errorf("store.max_items_per_flush must be positive, got %d", c.Store.MaxItemsPerFlush)
	}
	if c.Store.QueryWorkers <= 0 {
		return fmt.Errorf("store.query_workers must be positive, got %d", c.Store.QueryWorkers)
	}
	if c.Store.BreakerMaxFailures < 0 || c.Store.BreakerCooldownSeconds < 0 {
		return fmt.Errorf("store.breaker_max_failures and store.breaker_cooldown_seconds must not be negative")
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Store.FlushSchedule); err != nil {
		return fmt.Errorf("invalid store.flush_schedule %q: %w", c.Store.FlushSchedule, err)
	}
	if c.Query.TimeoutSeconds < 0 {
		return fmt.Errorf("query.timeout_seconds must not be negative, got %d", c.Query.TimeoutSeconds)
	}
	if c.Query.MaxResampleSteps <= 0 {
		return fmt.Errorf("query.max_resample_steps must be positive, got %d", c.Query.MaxResampleSteps)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" || len(c.MQTT.Topics) == 0 {
			return fmt.Errorf("mqtt.broker and mqtt.topics are required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}
	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.Subject == "") {
		return fmt.Errorf("nats.url and nats.subject are required when nats is enabled")
	}
	return c.Server.ValidateTLS()
}

// ValidateTLS checks that certificate and key files exist when TLS is enabled
func (cfg *ServerConfig) ValidateTLS() error {
	if !cfg.TLSEnabled {
		return nil
	}
	for name, path := range map[string]string{
		"server.tls_cert_file": cfg.TLSCertFile,
		"server.tls_key_file":  cfg.TLSKeyFile,
	} {
		if path == "" {
			return fmt.Errorf("TLS enabled but %s not specified", name)
		}
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("cannot access %s %s: %w", name, path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory, not a file: %s", name, path)
		}
	}
	return nil
}

// ParseSize parses a human-readable size ("1GB", "500MB", "64KB", "512B" or
// plain bytes) into bytes. Units are case-insensitive and binary.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	multiplier := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			multiplier = u.mult
			break
		}
	}

	num, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size format: %q (use e.g. '1GB', '500MB', '100KB')", s)
	}
	if math.IsNaN(num) || math.IsInf(num, 0) {
		return 0, fmt.Errorf("invalid size: %s", s)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", s)
	}
	return int64(num * float64(multiplier)), nil
}
