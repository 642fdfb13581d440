package config

import "time"

// Config holds the application configuration
type Config struct {
	Debug        bool               `mapstructure:"debug"`
	Server       ServerConfig       `mapstructure:"server"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Index        IndexConfig        `mapstructure:"index"`
	Repositories []RepositoryConfig `mapstructure:"repositories"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	BaseURL         string        `mapstructure:"base_url"`
	CDNURL          string        `mapstructure:"cdn_url"`
	MaxUploadSize   int64         `mapstructure:"max_upload_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// StorageConfig selects exactly one storage backend
type StorageConfig struct {
	Filesystem *FilesystemConfig `mapstructure:"filesystem"`
	S3         *S3Config         `mapstructure:"s3"`
	MinIO      *MinIOConfig      `mapstructure:"minio"`
}

// FilesystemConfig configures the local filesystem backend
type FilesystemConfig struct {
	Directory string `mapstructure:"directory"`
}

// S3Config configures the AWS S3 backend
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
}

// MinIOConfig configures the MinIO backend
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	Secure    bool   `mapstructure:"secure"`
}

// RegistryConfig selects where release rows are kept
type RegistryConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the Redis release registry
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// IndexConfig configures index maintenance
type IndexConfig struct {
	SweepSchedule      string `mapstructure:"sweep_schedule"`
	CacheSize          int    `mapstructure:"cache_size"`
	RebuildConcurrency int    `mapstructure:"rebuild_concurrency"`
}

// RepositoryConfig seeds a repository known to the registry
type RepositoryConfig struct {
	ID    int64  `mapstructure:"id"`
	Owner int64  `mapstructure:"owner"`
	Name  string `mapstructure:"name"`
}

// Registry backends
const (
	RegistryBackendMemory = "memory"
	RegistryBackendRedis  = "redis"
)
