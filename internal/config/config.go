package config

import (
	"bytes"
	_ "embed"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse DatabaseConfig   `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Batcher    BatcherConfig    `mapstructure:"batcher"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Adapters   []AdapterConfig  `mapstructure:"adapters"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

// OutboxConfig tunes the relay loop.
type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	ReclaimAfter time.Duration `mapstructure:"reclaim_after"` // processing rows older than this go back to pending
}

// BatcherConfig tunes the grouping job. Batch sizes are per channel:
// higher for cheap channels (in_app/push), lower for email/sms.
type BatcherConfig struct {
	PollInterval time.Duration  `mapstructure:"poll_interval"`
	BatchSizes   map[string]int `mapstructure:"batch_sizes"`
	ReclaimAfter time.Duration  `mapstructure:"reclaim_after"` // age before orphaned claims are released
}

type DispatcherConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Parallelism       int           `mapstructure:"parallelism"`  // batches processed concurrently per tick
	ChunkSize         int           `mapstructure:"chunk_size"`   // notifications per progress checkpoint
	ChunkFanout       int           `mapstructure:"chunk_fanout"` // concurrent deliveries within a chunk
	RateLimitBackoff  time.Duration `mapstructure:"rate_limit_backoff"`
	StallThreshold    time.Duration `mapstructure:"stall_threshold"`
	StallScanInterval time.Duration `mapstructure:"stall_scan_interval"`
}

type RateLimitConfig struct {
	Window time.Duration  `mapstructure:"window"`
	Limits map[string]int `mapstructure:"limits"` // max deliveries per channel per window
}

type RetentionConfig struct {
	BatchRetentionDays int `mapstructure:"batch_retention_days"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

// AdapterConfig describes an HTTP delivery endpoint for one channel
// (push, email, sms). The in_app channel is served in-process and
// needs no adapter entry.
type AdapterConfig struct {
	Channel   string        `mapstructure:"channel"`
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	Path      string        `mapstructure:"path"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

// BatchSizeFor returns the configured batch size for a channel, or def.
func (c BatcherConfig) BatchSizeFor(channel string, def int) int {
	if n, ok := c.BatchSizes[channel]; ok && n > 0 {
		return n
	}
	return def
}

// LimitFor returns the configured per-window limit for a channel, or def.
func (c RateLimitConfig) LimitFor(channel string, def int) int {
	if n, ok := c.Limits[channel]; ok && n > 0 {
		return n
	}
	return def
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (NOTIFGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (NOTIFGW_*)
	v.SetEnvPrefix("NOTIFGW")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
