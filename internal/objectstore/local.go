package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hqbui/mediagen-be/internal/domain"
)

// LocalStore persists artifacts on the local filesystem, mainly for
// development setups without MinIO.
type LocalStore struct {
	root   string
	logger *slog.Logger
}

// NewLocalStore creates the storage directory if needed.
func NewLocalStore(root string, logger *slog.Logger) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("local storage path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	logger.Info("Local storage initialized", slog.String("path", root))

	return &LocalStore{root: root, logger: logger}, nil
}

// Put writes the object under the storage root and returns its absolute path
// and a /media URL a fronting server can resolve.
func (s *LocalStore) Put(_ context.Context, key string, data []byte, _ string) (string, string, error) {
	fullPath := filepath.Join(s.root, key)

	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", "", domain.NewTransientStorageError(fmt.Errorf("failed to write %s: %w", key, err))
	}

	s.logger.Debug("Object written",
		slog.String("path", fullPath),
		slog.Int("size", len(data)),
	)

	return fullPath, "/media/" + key, nil
}

// Get reads the object back.
func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.resolve(key))
	if err != nil {
		return nil, domain.NewTransientStorageError(fmt.Errorf("failed to read %s: %w", key, err))
	}
	return data, nil
}

// Delete removes the object; a missing object is not an error.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.resolve(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return domain.NewTransientStorageError(fmt.Errorf("failed to delete %s: %w", key, err))
	}
	return nil
}

// Exists checks whether the object is present.
func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.resolve(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, domain.NewTransientStorageError(fmt.Errorf("failed to stat %s: %w", key, err))
	}
	return true, nil
}

// resolve handles absolute storage paths persisted by earlier Put calls as
// well as bare keys.
func (s *LocalStore) resolve(key string) string {
	if filepath.IsAbs(key) {
		return key
	}
	return filepath.Join(s.root, key)
}
