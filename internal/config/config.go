// Package config loads the tradefeed runtime configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FeedConfig configures the upstream websocket subscription.
type FeedConfig struct {
	URL                  string        `mapstructure:"url" yaml:"url"`
	Instrument           string        `mapstructure:"instrument" yaml:"instrument"`
	HandshakeFrameBudget int           `mapstructure:"handshake_frame_budget" yaml:"handshake_frame_budget"`
	StalenessThreshold   time.Duration `mapstructure:"staleness_threshold" yaml:"staleness_threshold"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts" yaml:"reconnect_max_attempts"`
	ReconnectBaseBackoff time.Duration `mapstructure:"reconnect_base_backoff" yaml:"reconnect_base_backoff"`
	ReconnectMaxBackoff  time.Duration `mapstructure:"reconnect_max_backoff" yaml:"reconnect_max_backoff"`
}

// KafkaConfig configures the output stream producer.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	RequiredAcks int           `mapstructure:"required_acks" yaml:"required_acks"`
	Compression  string        `mapstructure:"compression" yaml:"compression"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// IngestConfig configures the ingestion loop.
type IngestConfig struct {
	Pace time.Duration `mapstructure:"pace" yaml:"pace"`
}

// OpsConfig configures the operational HTTP surface.
type OpsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Config is the application configuration.
type Config struct {
	LogLevel string       `mapstructure:"log_level" yaml:"log_level"`
	Feed     FeedConfig   `mapstructure:"feed" yaml:"feed"`
	Kafka    KafkaConfig  `mapstructure:"kafka" yaml:"kafka"`
	Ingest   IngestConfig `mapstructure:"ingest" yaml:"ingest"`
	Ops      OpsConfig    `mapstructure:"ops" yaml:"ops"`
}

// Load reads configuration from the given YAML file (optional) with
// TRADEFEED_* environment overrides and defaults applied.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("TRADEFEED")

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("feed.url", "wss://ws.kraken.com/v2")
	v.SetDefault("feed.instrument", "ETH/USD")
	v.SetDefault("feed.handshake_frame_budget", 16)
	v.SetDefault("feed.staleness_threshold", 90*time.Second)
	v.SetDefault("feed.reconnect_max_attempts", 5)
	v.SetDefault("feed.reconnect_base_backoff", time.Second)
	v.SetDefault("feed.reconnect_max_backoff", 30*time.Second)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "trades")
	v.SetDefault("kafka.write_timeout", 10*time.Second)
	v.SetDefault("kafka.batch_timeout", 10*time.Millisecond)
	v.SetDefault("kafka.required_acks", 1)
	v.SetDefault("kafka.compression", "snappy")
	v.SetDefault("kafka.max_attempts", 3)

	v.SetDefault("ingest.pace", time.Second)

	v.SetDefault("ops.addr", ":8080")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
		return fmt.Errorf("feed.url must be a websocket URL, got %q", c.Feed.URL)
	}
	if c.Feed.Instrument == "" {
		return fmt.Errorf("feed.instrument is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required")
	}
	if c.Ingest.Pace <= 0 {
		return fmt.Errorf("ingest.pace must be positive, got %s", c.Ingest.Pace)
	}
	return nil
}
