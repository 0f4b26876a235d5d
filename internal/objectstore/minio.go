package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hqbui/mediagen-be/internal/domain"
)

// MinioStore persists artifacts in a MinIO (S3-compatible) bucket.
type MinioStore struct {
	client   *minio.Client
	bucket   string
	endpoint string
	secure   bool
	logger   *slog.Logger
}

// NewMinioStore connects to MinIO and makes sure the bucket exists.
func NewMinioStore(cfg *Config, logger *slog.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("Bucket created", slog.String("bucket", cfg.Bucket))
	}

	logger.Info("MinIO storage initialized",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("bucket", cfg.Bucket),
	)

	return &MinioStore{
		client:   client,
		bucket:   cfg.Bucket,
		endpoint: cfg.Endpoint,
		secure:   cfg.Secure,
		logger:   logger,
	}, nil
}

// Put uploads the object and returns its key and public URL.
func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", "", domain.NewTransientStorageError(fmt.Errorf("failed to upload %s: %w", key, err))
	}

	scheme := "http"
	if s.secure {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s/%s/%s", scheme, s.endpoint, s.bucket, key)

	s.logger.Debug("Object uploaded",
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.String("content_type", contentType),
	)

	return key, url, nil
}

// Get downloads the object.
func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, domain.NewTransientStorageError(fmt.Errorf("failed to get %s: %w", key, err))
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, domain.NewTransientStorageError(fmt.Errorf("failed to read %s: %w", key, err))
	}

	return data, nil
}

// Delete removes the object.
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return domain.NewTransientStorageError(fmt.Errorf("failed to delete %s: %w", key, err))
	}
	return nil
}

// Exists checks whether the object is present.
func (s *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, domain.NewTransientStorageError(fmt.Errorf("failed to stat %s: %w", key, err))
	}
	return true, nil
}
