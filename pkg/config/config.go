// Package config loads collector settings from the environment.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds runtime configuration for the collector.
type Config struct {
	Addr       string `env:"NETLOCK_ADDR,default=:8080"`
	Store      string `env:"NETLOCK_STORE,default=sqlite"`
	SQLitePath string `env:"NETLOCK_SQLITE_PATH,default=data/netlock.db"`
	DBDSN      string `env:"DB_DSN"`

	NATSURL       string `env:"NATS_URL"`
	IngestSubject string `env:"NETLOCK_INGEST_SUBJECT,default=netlock.beacon.events"`
	IngestStream  string `env:"NETLOCK_INGEST_STREAM,default=NETLOCK_BEACON"`
	StreamPrefix  string `env:"NETLOCK_STREAM_PREFIX,default=netlock.stream"`

	SubscriberBuffer int           `env:"NETLOCK_SUBSCRIBER_BUFFER,default=64"`
	RateLimit        int           `env:"NETLOCK_RATE_LIMIT,default=600"`
	RequestTimeout   time.Duration `env:"NETLOCK_REQUEST_TIMEOUT,default=60s"`
	AllowedOrigins   []string      `env:"CORS_ALLOWED_ORIGINS,default=*"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	LogFormat    string `env:"LOG_FORMAT,default=json"`

	ArchiveOnDelete bool `env:"NETLOCK_ARCHIVE_ON_DELETE,default=false"`
	S3              S3
}

// S3 configures the archive bucket.
type S3 struct {
	Endpoint       string `env:"S3_ENDPOINT"`
	AccessKey      string `env:"S3_ACCESS_KEY"`
	SecretKey      string `env:"S3_SECRET_KEY"`
	Region         string `env:"S3_REGION,default=us-east-1"`
	Bucket         string `env:"S3_BUCKET,default=netlock-archive"`
	DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`
}

// Load reads an optional .env file, then the process environment.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith populates a Config from l and validates it.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that depend on each other.
func (c Config) Validate() error {
	switch c.Store {
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("NETLOCK_SQLITE_PATH is required for the %s store", StoreSQLite)
		}
	case StorePostgres:
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required for the %s store", StorePostgres)
		}
	default:
		return fmt.Errorf("unknown NETLOCK_STORE %q", c.Store)
	}

	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("NETLOCK_SUBSCRIBER_BUFFER must be positive, got %d", c.SubscriberBuffer)
	}
	if c.ArchiveOnDelete && c.S3.Endpoint == "" {
		return fmt.Errorf("S3_ENDPOINT is required when NETLOCK_ARCHIVE_ON_DELETE is set")
	}
	return nil
}
