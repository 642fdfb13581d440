package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

// EnvPrefix is the prefix of every environment variable read by Load
const EnvPrefix = "CHART_REGISTRY"

// DefaultDataDirectory is used when no storage backend is configured
const DefaultDataDirectory = "./data"

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("server.addr", ":3651")
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.cdn_url", "")
	v.SetDefault("server.max_upload_size", 50<<20)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":2112")
	v.SetDefault("registry.backend", RegistryBackendMemory)
	v.SetDefault("registry.redis.addr", "localhost:6379")
	v.SetDefault("registry.redis.db", 0)
	v.SetDefault("registry.redis.key_prefix", "chart-registry")
	v.SetDefault("index.sweep_schedule", "@every 30m")
	v.SetDefault("index.cache_size", 128)
	v.SetDefault("index.rebuild_concurrency", 4)
}

// Load reads the configuration file at path (optional) merged with environment variables
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, customerrors.NewConfigError("config", path, errors.Wrap(err, "failed to read config file"))
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, customerrors.NewConfigError("config", path, errors.Wrap(err, "failed to decode config"))
	}

	if cfg.Storage.Filesystem == nil && cfg.Storage.S3 == nil && cfg.Storage.MinIO == nil {
		cfg.Storage.Filesystem = &FilesystemConfig{Directory: DefaultDataDirectory}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}

	switch c.Registry.Backend {
	case RegistryBackendMemory:
	case RegistryBackendRedis:
		if c.Registry.Redis.Addr == "" {
			return customerrors.NewConfigError("registry.redis.addr", "", errors.New("address is required"))
		}
	default:
		return customerrors.NewConfigError("registry.backend", c.Registry.Backend,
			fmt.Errorf("expected %q or %q", RegistryBackendMemory, RegistryBackendRedis))
	}

	if c.Server.MaxUploadSize <= 0 {
		return customerrors.NewConfigError("server.max_upload_size", c.Server.MaxUploadSize, errors.New("must be positive"))
	}

	if c.Index.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Index.SweepSchedule); err != nil {
			return customerrors.NewConfigError("index.sweep_schedule", c.Index.SweepSchedule, err)
		}
	}

	seen := make(map[int64]bool, len(c.Repositories))
	names := make(map[string]bool, len(c.Repositories))
	for _, r := range c.Repositories {
		if r.Name == "" {
			return customerrors.NewConfigError("repositories.name", r.ID, errors.New("name is required"))
		}
		if seen[r.ID] {
			return customerrors.NewConfigError("repositories.id", r.ID, errors.New("duplicate repository id"))
		}
		seen[r.ID] = true
		key := fmt.Sprintf("%d/%s", r.Owner, r.Name)
		if names[key] {
			return customerrors.NewConfigError("repositories.name", r.Name, errors.New("duplicate repository name for owner"))
		}
		names[key] = true
	}

	return nil
}

// Validate ensures exactly one storage backend is configured
func (s *StorageConfig) Validate() error {
	var configured []string
	if s.Filesystem != nil {
		configured = append(configured, "filesystem")
	}
	if s.S3 != nil {
		configured = append(configured, "s3")
	}
	if s.MinIO != nil {
		configured = append(configured, "minio")
	}

	switch len(configured) {
	case 0:
		return customerrors.NewConfigError("storage", nil, errors.New("no storage backend configured"))
	case 1:
	default:
		return customerrors.NewConfigError("storage", strings.Join(configured, ","),
			errors.New("exactly one storage backend must be configured"))
	}

	switch {
	case s.Filesystem != nil:
		if s.Filesystem.Directory == "" {
			return customerrors.NewConfigError("storage.filesystem.directory", "", errors.New("directory is required"))
		}
	case s.S3 != nil:
		if s.S3.Bucket == "" {
			return customerrors.NewConfigError("storage.s3.bucket", "", errors.New("bucket is required"))
		}
	case s.MinIO != nil:
		if s.MinIO.Endpoint == "" || s.MinIO.Bucket == "" {
			return customerrors.NewConfigError("storage.minio", s.MinIO.Endpoint, errors.New("endpoint and bucket are required"))
		}
	}
	return nil
}
