// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// BackendHost is the host:port advertised in parsec:// addresses and
	// redirect links (e.g. parsec.example.com:443).
	BackendHost string `mapstructure:"BACKEND_HOST"`
	// UseSSL reflects how clients reach the server; it decides the no_ssl
	// parameter of generated addresses.
	UseSSL bool `mapstructure:"USE_SSL"`
	// DatabaseURL is the Postgres DSN; empty runs on in-memory storage.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// AdministrationToken authenticates the administration identity.
	AdministrationToken string `mapstructure:"ADMINISTRATION_TOKEN"`
	// ConduitPeerTimeout is how long a conduit exchange waits for the
	// peer (e.g. "5m").
	ConduitPeerTimeout string `mapstructure:"CONDUIT_PEER_TIMEOUT"`
	// WebhookTimeout bounds a sequester webhook round trip (e.g. "30s").
	WebhookTimeout string `mapstructure:"WEBHOOK_TIMEOUT"`
	// EventQueueSize bounds each connection's pending event queue.
	EventQueueSize int `mapstructure:"EVENT_QUEUE_SIZE"`
	// RateLimitPerSecond/RateLimitBurst tune the HTTP token bucket;
	// zero disables rate limiting.
	RateLimitPerSecond int `mapstructure:"RATE_LIMIT_PER_SECOND"`
	RateLimitBurst     int `mapstructure:"RATE_LIMIT_BURST"`

	// Block store (minio). Empty endpoint keeps blocks in memory.
	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("BACKEND_HOST", "localhost:8080")
	v.SetDefault("USE_SSL", false)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("ADMINISTRATION_TOKEN", "")
	v.SetDefault("CONDUIT_PEER_TIMEOUT", "5m")
	v.SetDefault("WEBHOOK_TIMEOUT", "30s")
	v.SetDefault("EVENT_QUEUE_SIZE", 100)
	v.SetDefault("RATE_LIMIT_PER_SECOND", 0)
	v.SetDefault("RATE_LIMIT_BURST", 0)
	v.SetDefault("MINIO_ENDPOINT", "")
	v.SetDefault("MINIO_ACCESS_KEY", "")
	v.SetDefault("MINIO_SECRET_KEY", "")
	v.SetDefault("MINIO_BUCKET", "parsec-blocks")
	v.SetDefault("MINIO_USE_SSL", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.AdministrationToken == "" {
		return nil, errors.New("config: ADMINISTRATION_TOKEN must be set")
	}
	if cfg.EventQueueSize < 1 {
		return nil, errors.New("config: EVENT_QUEUE_SIZE must be positive")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return nil, errors.New("config: MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required with MINIO_ENDPOINT")
	}

	return &cfg, nil
}

// PeerTimeout parses ConduitPeerTimeout. Returns 5m if unset or invalid.
func (c *Config) PeerTimeout() time.Duration {
	d, err := time.ParseDuration(c.ConduitPeerTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// WebhookTTL parses WebhookTimeout. Returns 30s if unset or invalid.
func (c *Config) WebhookTTL() time.Duration {
	d, err := time.ParseDuration(c.WebhookTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
