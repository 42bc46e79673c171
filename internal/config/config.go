package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr       string `env:"LUPO_ADDR" envDefault:"127.0.0.1:8790"`
	APIBaseURL string `env:"LUPO_API_URL" envDefault:"http://localhost:8787"`
	FeedURL    string `env:"LUPO_FEED_URL"`
	LogLevel   string `env:"LUPO_LOG_LEVEL" envDefault:"info"`
	CORSOrigin string `env:"LUPO_CORS_ORIGIN" envDefault:"*"`
	AdminToken string `env:"LUPO_ADMIN_TOKEN"`

	// Cache
	Namespace            string        `env:"LUPO_CACHE_NAMESPACE" envDefault:"lupo_"`
	CacheMaxEntries      int           `env:"LUPO_CACHE_MAX_ENTRIES" envDefault:"100"`
	CacheMemoryMaxAge    time.Duration `env:"LUPO_CACHE_MEMORY_MAX_AGE" envDefault:"5m"`
	CompressionThreshold int           `env:"LUPO_CACHE_COMPRESSION_THRESHOLD" envDefault:"1024"`
	CacheSweepInterval   time.Duration `env:"LUPO_CACHE_SWEEP_INTERVAL" envDefault:"5m"`
	EncryptionKey        string        `env:"LUPO_CACHE_ENCRYPTION_KEY"`

	// State
	HistoryLimit      int           `env:"LUPO_HISTORY_LIMIT" envDefault:"50"`
	StateMaxAge       time.Duration `env:"LUPO_STATE_MAX_AGE" envDefault:"24h"`
	VolatileStatePath []string      `env:"LUPO_STATE_VOLATILE_PATHS" envDefault:"market.connection" envSeparator:","`

	// Sync
	SyncInterval        time.Duration `env:"LUPO_SYNC_INTERVAL" envDefault:"30s"`
	PortfolioStaleAfter time.Duration `env:"LUPO_PORTFOLIO_STALE_AFTER" envDefault:"60s"`
	MarketStaleAfter    time.Duration `env:"LUPO_MARKET_STALE_AFTER" envDefault:"5m"`

	// Backends. An empty RedisURL keeps the durable scope in process memory;
	// DatabaseURL moves it to Postgres instead.
	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`

	MeiliURL       string `env:"MEILI_URL"`
	MeiliMasterKey string `env:"MEILI_MASTER_KEY"`

	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"lupo-backups"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("LUPO_CACHE_MAX_ENTRIES must be positive, got %d", c.CacheMaxEntries)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("LUPO_HISTORY_LIMIT must be positive, got %d", c.HistoryLimit)
	}
	if c.SyncInterval <= 0 || c.CacheSweepInterval <= 0 {
		return fmt.Errorf("sweep intervals must be positive")
	}
	if c.EncryptionKey != "" && len(c.EncryptionKey) < 16 {
		return fmt.Errorf("LUPO_CACHE_ENCRYPTION_KEY must be at least 16 characters")
	}
	return nil
}
