// Package config loads the block-management core's runtime configuration
// from defaults, a YAML file, and environment variables, in that order of
// increasing priority.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/blockvault/s3vfs/internal/bytesize"
)

// Config is the root configuration for a block-management core instance.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (BLOCKFS_*)
//  2. Configuration file
//  3. Default values
type Config struct {
	// Logging controls the structured logger's output.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Blocksize is the fixed logical block size in bytes. All blocks
	// except a file's final block are exactly this size.
	Blocksize bytesize.ByteSize `mapstructure:"blocksize" validate:"required" yaml:"blocksize"`

	// Metastore configures the embedded metadata database.
	Metastore MetastoreConfig `mapstructure:"metastore" yaml:"metastore"`

	// Cache configures the on-disk block cache.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Backend selects and configures the remote object store adapter.
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`

	// Uploader configures the compress/upload/removal worker pools.
	Uploader UploaderConfig `mapstructure:"uploader" yaml:"uploader"`

	// Fsck configures repair-pass behavior.
	Fsck FsckConfig `mapstructure:"fsck" yaml:"fsck"`
}

// LoggingConfig controls logging behavior, same shape and defaults as the
// broader pack's convention.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetastoreConfig configures the embedded SQLite-backed metadata store.
type MetastoreConfig struct {
	// Path is the metadata database file, or ":memory:" for an
	// ephemeral in-process database (tests only).
	Path string `mapstructure:"path" validate:"required" yaml:"path"`

	// MetadataGenerations is the number of rotated metadata backups
	// (s3ql_metadata_bak_<n>) kept in the backend.
	MetadataGenerations int `mapstructure:"metadata_generations" validate:"min=1" yaml:"metadata_generations"`
}

// CacheConfig configures the on-disk block cache.
type CacheConfig struct {
	// Dir is the directory holding cached block files, named
	// "<inode>-<blockno>" (and "<inode>-<blockno>.d" while dirty).
	Dir string `mapstructure:"dir" validate:"required" yaml:"dir"`

	// Capacity is the maximum total size of cached block data. Supports
	// human-readable sizes: "512Mi", "2Gi", or a plain byte count.
	Capacity bytesize.ByteSize `mapstructure:"capacity" validate:"required" yaml:"capacity"`
}

// BackendKind selects which Backend implementation pkg/config wires up.
type BackendKind string

const (
	BackendKindMemory BackendKind = "memory"
	BackendKindS3     BackendKind = "s3"
)

// BackendConfig configures the remote object store adapter.
type BackendConfig struct {
	// Kind selects the backend implementation. "memory" is for tests
	// and single-process experimentation; "s3" talks to a real or
	// S3-compatible bucket.
	Kind BackendKind `mapstructure:"kind" validate:"required,oneof=memory s3" yaml:"kind"`

	// KeyPrefix is prepended to every backend key, letting several
	// filesystems share one bucket.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`

	S3 S3Config `mapstructure:"s3" yaml:"s3,omitempty"`
}

// S3Config configures the S3 (or S3-compatible) backend adapter. Credential
// and transport details are deliberately minimal: TLS and request signing
// are the SDK's job, not ours.
type S3Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
}

// UploaderConfig configures the compress/upload/removal worker pools and
// admission control, per SPEC_FULL.md §4.4–§4.5.
type UploaderConfig struct {
	CompressWorkers        int `mapstructure:"compress_workers" validate:"min=1" yaml:"compress_workers"`
	UploadWorkers          int `mapstructure:"upload_workers" validate:"min=1" yaml:"upload_workers"`
	HighWaterUploadWorkers int `mapstructure:"high_water_upload_workers" validate:"min=1" yaml:"high_water_upload_workers"`
	RemovalWorkers         int `mapstructure:"removal_workers" validate:"min=1" yaml:"removal_workers"`

	// RemovalRetryTimeout bounds how long a failed backend object
	// removal is retried before being left for fsck's orphan sweep.
	RemovalRetryTimeout time.Duration `mapstructure:"removal_retry_timeout" yaml:"removal_retry_timeout"`

	// MinTransitSize is a bytes-in-transit threshold. Supports
	// human-readable sizes. ToManagerConfig does not pass it on: the upload
	// pool throttles to HighWaterUploadWorkers above the fixed
	// uploader.MinTransitSize (1 MiB) whatever this field holds.
	MinTransitSize bytesize.ByteSize `mapstructure:"min_transit_size" yaml:"min_transit_size"`
}

// FsckConfig configures repair-pass behavior.
type FsckConfig struct {
	// Batch is loaded from the config file but not read by the fsck
	// command, which applies repair actions without any interactive
	// confirmation whatever its value.
	Batch bool `mapstructure:"batch" yaml:"batch"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := DefaultConfig()
		ApplyDefaults(cfg)
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration, returning an error with setup
// instructions if no config file exists at the requested (or default)
// location.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Create one with:\n"+
				"  blockfs mkfs --config %s\n\n"+
				"Or specify a custom config file:\n"+
				"  blockfs <command> --config /path/to/config.yaml",
				GetDefaultConfigPath(), GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path in YAML, creating parent directories as
// needed. Config files may embed S3 credentials, so the file is written
// with owner-only permissions.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks cfg against its struct tags and a handful of
// cross-field rules the tags can't express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if cfg.Backend.Kind == BackendKindS3 && cfg.Backend.S3.Bucket == "" {
		return fmt.Errorf("backend.s3.bucket is required when backend.kind is %q", BackendKindS3)
	}
	if cfg.Uploader.HighWaterUploadWorkers > cfg.Uploader.UploadWorkers {
		return fmt.Errorf("uploader.high_water_upload_workers (%d) must not exceed uploader.upload_workers (%d)",
			cfg.Uploader.HighWaterUploadWorkers, cfg.Uploader.UploadWorkers)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("BLOCKFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook lets config files and env vars express sizes as
// "1Gi", "512Mi", "100MB", or a plain number of bytes.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "blockfs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "blockfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
