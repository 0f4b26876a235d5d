// Package objectstore persists generated artifacts. The backend (MinIO or
// local filesystem) is a startup choice behind a single capability
// interface.
package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Store puts bytes somewhere durable and hands back a retrievable locator.
type Store interface {
	// Put saves the object and returns its storage path and public URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (path string, url string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Backend names for Config.Type.
const (
	BackendMinio = "minio"
	BackendLocal = "local"
)

// Config selects and configures the storage backend.
type Config struct {
	Type string

	// MinIO backend.
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool

	// Local backend.
	LocalPath string

	ConnectTimeout time.Duration
}

// New builds the configured backend.
func New(cfg *Config, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case BackendMinio:
		return NewMinioStore(cfg, logger)
	case BackendLocal:
		return NewLocalStore(cfg.LocalPath, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Type)
	}
}
