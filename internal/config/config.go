package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
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
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Validation ValidationConfig `mapstructure:"validation"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Usage      UsageConfig      `mapstructure:"usage"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// TrustedProxies are the CIDRs (or single IPs) allowed to set
	// X-Forwarded-For. Empty means the peer address is the client.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // json|console
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
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type AuthConfig struct {
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	CacheMaxEntries    int           `mapstructure:"cache_max_entries"`
	CacheSweepInterval time.Duration `mapstructure:"cache_sweep_interval"`
	TouchTimeout       time.Duration `mapstructure:"touch_timeout"`
}

type WindowLimits struct {
	Minute int `mapstructure:"minute"`
	Hour   int `mapstructure:"hour"`
	Day    int `mapstructure:"day"`
	Burst  int `mapstructure:"burst"`
}

type RateLimitConfig struct {
	Backend       string        `mapstructure:"backend"` // memory|redis
	KeyPrefix     string        `mapstructure:"key_prefix"`
	Limits        WindowLimits  `mapstructure:"limits"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	MaxTracked    int           `mapstructure:"max_tracked"`
	IPGuardRPS    int           `mapstructure:"ip_guard_rps"` // per client IP, before auth; 0 = off
}

type ValidationConfig struct {
	MaxPayloadBytes   int64    `mapstructure:"max_payload_bytes"`
	MaxUploadBytes    int64    `mapstructure:"max_upload_bytes"`
	MaxDepth          int      `mapstructure:"max_depth"`
	MaxArrayLen       int      `mapstructure:"max_array_len"`
	MaxHeaderLen      int      `mapstructure:"max_header_len"`
	SupportedVersions []string `mapstructure:"supported_versions"`
}

type CORSConfig struct {
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	AllowedMethods []string      `mapstructure:"allowed_methods"`
	AllowedHeaders []string      `mapstructure:"allowed_headers"`
	MaxAge         time.Duration `mapstructure:"max_age"`
}

type UsageConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Topic      string        `mapstructure:"topic"`
	BufferSize int           `mapstructure:"buffer_size"`
	BatchSize  int           `mapstructure:"batch_size"`
	BatchWait  time.Duration `mapstructure:"batch_wait"`
}

// OutboxConfig drives the key lifecycle event relay and the per-instance
// cache invalidation consumer.
type OutboxConfig struct {
	KeyEventsTopic string        `mapstructure:"key_events_topic"`
	CacheGroup     string        `mapstructure:"cache_group"` // suffixed with the hostname
	BatchSize      int           `mapstructure:"batch_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenFor       time.Duration `mapstructure:"open_for"       yaml:"open_for"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (PGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		// a missing file falls back to defaults
		if err := v.MergeInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("merge %s: %w", path, err)
			}
		}
	}

	// env override (PGW_RATE_LIMIT_BACKEND -> rate_limit.backend)
	v.SetEnvPrefix("PGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the gateway cannot run with.
func (c Config) Validate() error {
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("rate_limit.backend: unknown backend %q", c.RateLimit.Backend)
	}
	if c.Auth.CacheTTL <= 0 {
		return fmt.Errorf("auth.cache_ttl must be positive")
	}
	if c.Validation.MaxDepth <= 0 || c.Validation.MaxArrayLen <= 0 {
		return fmt.Errorf("validation: max_depth and max_array_len must be positive")
	}
	for _, p := range c.HTTP.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			return fmt.Errorf("http.trusted_proxies: %q is neither a CIDR nor an IP", p)
		}
	}
	l := c.RateLimit.Limits
	if l.Minute <= 0 || l.Hour <= 0 || l.Day <= 0 || l.Burst <= 0 {
		return fmt.Errorf("rate_limit.limits: every window needs a positive limit")
	}
	return nil
}
