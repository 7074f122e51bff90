// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all StreamBridge server configuration.
type Config struct {
	// Server
	ListenAddr    string `env:"LISTEN_ADDR" envDefault:":8080"`
	MetricsAddr   string `env:"METRICS_ADDR" envDefault:":9090"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Metadata store backend ("postgres", "bolt" or "document")
	StoreBackend string `env:"STORE_BACKEND" envDefault:"document"`
	DatabaseURL  string `env:"DATABASE_URL"`
	BoltPath     string `env:"BOLT_PATH" envDefault:"/data/streambridge.db"`
	DocumentPath string `env:"DOCUMENT_PATH" envDefault:"/data/streambridge.json"`

	// Chunk source backend ("local" or "s3")
	SourceBackend string `env:"SOURCE_BACKEND" envDefault:"local"`
	SourceRoot    string `env:"SOURCE_ROOT" envDefault:"/data/objects"`

	// S3 chunk source
	S3Endpoint  string `env:"S3_ENDPOINT" envDefault:"http://localhost:9000"`
	S3Bucket    string `env:"S3_BUCKET" envDefault:"streambridge"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3UseSSL    bool   `env:"S3_USE_SSL" envDefault:"false"`

	// Ingest API auth
	JWTSecret     string        `env:"JWT_SECRET"`
	AdminUser     string        `env:"ADMIN_USER" envDefault:"admin"`
	AdminPassword string        `env:"ADMIN_PASSWORD"`
	TokenTTL      time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// Streaming
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" envDefault:"30m"`
	ProbeTimeout time.Duration `env:"PROBE_TIMEOUT" envDefault:"10s"`
}

// Load reads configuration from the environment (and an optional .env file).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	switch cfg.StoreBackend {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required with STORE_BACKEND=postgres")
		}
	case "bolt", "document":
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	switch cfg.SourceBackend {
	case "local", "s3":
	default:
		return nil, fmt.Errorf("unknown SOURCE_BACKEND %q", cfg.SourceBackend)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.AdminPassword == "" {
		return nil, fmt.Errorf("ADMIN_PASSWORD is required")
	}

	return cfg, nil
}
