// Package backup stores cache snapshots in S3-compatible object storage.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"lupo/client/internal/cache"
)

var _ cache.BlobStore = (*MinioTarget)(nil)

// Config configures a MinioTarget.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Prefix is prepended to every object name.
	Prefix string
	// Client overrides the client built from the fields above.
	Client *minio.Client
}

func (c Config) validate() error {
	if c.Client == nil && strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("bucket is required")
	}
	return nil
}

// MinioTarget implements cache.BlobStore on a MinIO bucket.
type MinioTarget struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewMinioTarget creates the target. The bucket is created on first Put.
func NewMinioTarget(cfg Config) (*MinioTarget, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client := cfg.Client
	if client == nil {
		var err error
		client, err = minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("create minio client: %w", err)
		}
	}

	return &MinioTarget{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: slog.Default().With("component", "backup"),
	}, nil
}

func (m *MinioTarget) objectName(name string) string {
	name = strings.TrimLeft(name, "/")
	if m.prefix == "" {
		return name
	}
	return m.prefix + "/" + name
}

func (m *MinioTarget) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	m.logger.Info("created backup bucket", "bucket", m.bucket)
	return nil
}

// Ping checks that the backup bucket is reachable.
func (m *MinioTarget) Ping(ctx context.Context) error {
	if _, err := m.client.BucketExists(ctx, m.bucket); err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	return nil
}

// Put uploads data as name.
func (m *MinioTarget) Put(ctx context.Context, name string, data []byte) error {
	if err := m.ensureBucket(ctx); err != nil {
		return err
	}
	key := m.objectName(name)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Get downloads the object stored as name.
func (m *MinioTarget) Get(ctx context.Context, name string) ([]byte, error) {
	key := m.objectName(name)
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer func() {
		_ = obj.Close()
	}()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("backup %s not found", name)
		}
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}
