package storage

import (
	"context"
	"docpipeline/internal/config"
	"fmt"
)

// Backend names accepted by STORAGE_BACKEND.
const (
	BackendMinIO  = "minio"
	BackendMemory = "memory"
)

// Config holds object store configuration.
type Config struct {
	Backend        string // minio (default) or memory
	Endpoint       string // host:port of the S3 API
	PublicEndpoint string // host:port used in presigned URLs; empty reuses Endpoint
	AccessKey      string
	SecretKey      string
	Bucket         string
	Region         string
	UseSSL         bool
	CreateBucket   bool // create the bucket at startup when missing
}

// LoadConfigFromEnv loads storage configuration from environment variables.
// Credentials may be supplied as files via MINIO_ACCESS_KEY_FILE / MINIO_SECRET_KEY_FILE.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Backend:        config.GetEnv("STORAGE_BACKEND", BackendMinIO),
		Endpoint:       config.GetEnv("MINIO_ENDPOINT", "localhost:9000"),
		PublicEndpoint: config.GetEnv("MINIO_PUBLIC_ENDPOINT", ""),
		AccessKey:      config.GetSecret("MINIO_ACCESS_KEY"),
		SecretKey:      config.GetSecret("MINIO_SECRET_KEY"),
		Bucket:         config.GetEnv("MINIO_BUCKET", "documents"),
		Region:         config.GetEnv("MINIO_REGION", "us-east-1"),
		UseSSL:         config.GetBoolEnv("MINIO_USE_SSL", false),
		CreateBucket:   config.GetBoolEnv("MINIO_CREATE_BUCKET", true),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendMinIO
	}
	if c.Bucket == "" {
		c.Bucket = "documents"
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	return c
}

// New builds the configured Store.
func New(ctx context.Context, cfg Config) (Store, error) {
	cfg = cfg.withDefaults()
	switch cfg.Backend {
	case BackendMemory:
		return NewMemory(cfg.Bucket, ""), nil
	case BackendMinIO:
		return NewMinIO(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
