package config

import (
	"context"
	"fmt"

	"github.com/blockvault/s3vfs/internal/logger"
	"github.com/blockvault/s3vfs/pkg/backend"
	"github.com/blockvault/s3vfs/pkg/blockcache"
	"github.com/blockvault/s3vfs/pkg/metastore"
	"github.com/blockvault/s3vfs/pkg/uploader"
)

// InitLogging configures the package-level logger from cfg.
func InitLogging(cfg LoggingConfig) error {
	return logger.Init(logger.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
	})
}

// CreateBackend builds the Backend adapter selected by cfg.Kind.
func CreateBackend(ctx context.Context, cfg BackendConfig) (backend.Backend, error) {
	switch cfg.Kind {
	case BackendKindMemory, "":
		return backend.NewMemory(), nil
	case BackendKindS3:
		return createS3Backend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown backend kind: %q", cfg.Kind)
	}
}

func createS3Backend(ctx context.Context, cfg BackendConfig) (backend.Backend, error) {
	if cfg.S3.Bucket == "" {
		return nil, fmt.Errorf("backend.s3.bucket is required")
	}
	client, err := backend.NewS3ClientFromStatic(ctx, cfg.S3.Endpoint, cfg.S3.Region,
		cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, cfg.S3.ForcePathStyle)
	if err != nil {
		return nil, fmt.Errorf("failed to build S3 client: %w", err)
	}
	return backend.NewS3(backend.S3Config{
		Client:    client,
		Bucket:    cfg.S3.Bucket,
		KeyPrefix: cfg.KeyPrefix,
	}), nil
}

// CreateMetastore opens the metadata database at cfg.Path, running
// migrations as needed.
func CreateMetastore(cfg MetastoreConfig) (*metastore.Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("metastore path is required (metastore.path)")
	}
	return metastore.Open(cfg.Path)
}

// CreateCache opens the on-disk block cache at cfg.Dir.
func CreateCache(cfg CacheConfig) (*blockcache.Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache dir is required (cache.dir)")
	}
	return blockcache.Open(cfg.Dir, uint64(cfg.Capacity))
}

// UploaderConfig converts the config file's uploader section into the
// uploader.Config the worker pool constructor expects.
func (c UploaderConfig) ToManagerConfig() uploader.Config {
	return uploader.Config{
		CompressWorkers:        c.CompressWorkers,
		UploadWorkers:          c.UploadWorkers,
		HighWaterUploadWorkers: c.HighWaterUploadWorkers,
		RemovalWorkers:         c.RemovalWorkers,
		RemovalRetryTimeout:    c.RemovalRetryTimeout,
	}
}
