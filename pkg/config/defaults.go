package config

import (
	"strings"
	"time"

	"github.com/blockvault/s3vfs/internal/bytesize"
)

// DefaultConfig returns a Config with every field set to a usable default,
// backed by a metadata database file "blockfs.db", an in-memory backend, and
// a cache directory "blockfs-cache" (both paths relative to the working
// directory) — enough to run without any config file at all.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Blocksize: 128 * bytesize.KiB,
		Metastore: MetastoreConfig{
			Path:                "blockfs.db",
			MetadataGenerations: 3,
		},
		Cache: CacheConfig{
			Dir:      "blockfs-cache",
			Capacity: 1 * bytesize.GiB,
		},
		Backend: BackendConfig{
			Kind: BackendKindMemory,
		},
		Uploader: UploaderConfig{
			CompressWorkers:        1,
			UploadWorkers:          10,
			HighWaterUploadWorkers: 2,
			RemovalWorkers:         4,
			RemovalRetryTimeout:    300 * time.Second,
			MinTransitSize:         1 * bytesize.MiB,
		},
		Fsck: FsckConfig{
			Batch: false,
		},
	}
}

// ApplyDefaults fills any zero-valued field of cfg with its default,
// preserving values the caller already set. Called after unmarshaling a
// config file or environment variables, which only ever populate the
// fields they mention.
func ApplyDefaults(cfg *Config) {
	d := DefaultConfig()

	applyLoggingDefaults(&cfg.Logging, &d.Logging)

	if cfg.Blocksize == 0 {
		cfg.Blocksize = d.Blocksize
	}

	if cfg.Metastore.Path == "" {
		cfg.Metastore.Path = d.Metastore.Path
	}
	if cfg.Metastore.MetadataGenerations == 0 {
		cfg.Metastore.MetadataGenerations = d.Metastore.MetadataGenerations
	}

	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = d.Cache.Dir
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = d.Cache.Capacity
	}

	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = d.Backend.Kind
	}

	applyUploaderDefaults(&cfg.Uploader, &d.Uploader)
}

func applyLoggingDefaults(cfg, d *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = d.Level
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = d.Format
	}
	if cfg.Output == "" {
		cfg.Output = d.Output
	}
}

func applyUploaderDefaults(cfg, d *UploaderConfig) {
	if cfg.CompressWorkers == 0 {
		cfg.CompressWorkers = d.CompressWorkers
	}
	if cfg.UploadWorkers == 0 {
		cfg.UploadWorkers = d.UploadWorkers
	}
	if cfg.HighWaterUploadWorkers == 0 {
		cfg.HighWaterUploadWorkers = d.HighWaterUploadWorkers
	}
	if cfg.RemovalWorkers == 0 {
		cfg.RemovalWorkers = d.RemovalWorkers
	}
	if cfg.RemovalRetryTimeout == 0 {
		cfg.RemovalRetryTimeout = d.RemovalRetryTimeout
	}
	if cfg.MinTransitSize == 0 {
		cfg.MinTransitSize = d.MinTransitSize
	}
}
