// Package config provides centralized configuration management for the upload engine.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Database DatabaseConfig
	Storage  StorageConfig
	Upload   UploadConfig
	Variants VariantsConfig
	Lock     LockConfig
	Logging  LoggingConfig
	Janitor  JanitorConfig
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// StorageConfig selects and configures the byte store holding chunks,
// assembled objects and variants.
type StorageConfig struct {
	// Backend is one of: fs, s3, memory (default: fs)
	Backend string `env:"STORAGE_BACKEND" default:"fs"`

	// Root is the base directory for the fs backend (default: ./storage)
	Root string `env:"STORAGE_ROOT" default:"./storage"`

	// ChunkPrefix is the key prefix for temporary chunk payloads
	ChunkPrefix string `env:"STORAGE_CHUNK_PREFIX" default:"uploads/temp"`

	// ObjectPrefix is the key prefix for assembled objects
	ObjectPrefix string `env:"STORAGE_OBJECT_PREFIX" default:"uploads/images"`

	// VariantPrefix is the key prefix for generated variants
	VariantPrefix string `env:"STORAGE_VARIANT_PREFIX" default:"uploads/images/variants"`

	S3Bucket       string `env:"S3_BUCKET"`
	S3Region       string `env:"S3_REGION" default:"auto"`
	S3Endpoint     string `env:"S3_ENDPOINT"`
	S3AccessKey    string `env:"S3_ACCESS_KEY"`
	S3SecretKey    string `env:"S3_SECRET_KEY"`
	S3UsePathStyle bool   `env:"S3_USE_PATH_STYLE" default:"true"`
}

// UploadConfig holds chunked upload limits and processing settings.
type UploadConfig struct {
	// MaxFileSize is the maximum declared total size in bytes (default: 50MB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"52428800"`

	// MaxChunks is the maximum number of chunks per upload (default: 10000)
	MaxChunks int `env:"UPLOAD_MAX_CHUNKS" default:"10000"`

	// AllowedMimeTypes is a comma-separated allow-list of mime types
	AllowedMimeTypes []string `env:"UPLOAD_ALLOWED_MIME_TYPES" default:"image/jpeg,image/png,image/gif,image/webp"`

	// MaxConcurrent is the maximum number of parallel assembly/variant jobs (default: 5)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long to wait for a processing slot (default: 30s)
	MaxWaitTime time.Duration `env:"UPLOAD_MAX_WAIT_TIME" default:"30s"`

	// ConflictRetries is how many times a conflicting mutation is retried (default: 5)
	ConflictRetries int `env:"UPLOAD_CONFLICT_RETRIES" default:"5"`

	// ConflictBackoff is the base delay between conflict retries (default: 50ms)
	ConflictBackoff time.Duration `env:"UPLOAD_CONFLICT_BACKOFF" default:"50ms"`

	// GenerateOnComplete generates variants right after assembly (default: true)
	GenerateOnComplete bool `env:"UPLOAD_GENERATE_ON_COMPLETE" default:"true"`
}

// VariantsConfig holds image variant settings.
type VariantsConfig struct {
	// CatalogFile is an optional YAML file overriding the default catalog
	CatalogFile string `env:"VARIANT_CATALOG_FILE"`

	// JPEGQuality is the encoder quality for resized JPEG variants (default: 90)
	JPEGQuality int `env:"VARIANT_JPEG_QUALITY" default:"90"`
}

// LockConfig selects the lock backend that serializes per-upload work.
type LockConfig struct {
	// Backend is one of: local, redis (default: local)
	Backend string `env:"LOCK_BACKEND" default:"local"`

	RedisAddr     string `env:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" default:"0"`

	// TTL bounds how long a crashed holder can keep a redis lock (default: 30s)
	TTL time.Duration `env:"LOCK_TTL" default:"30s"`

	// RetryInterval is the poll interval while waiting for a lock (default: 50ms)
	RetryInterval time.Duration `env:"LOCK_RETRY_INTERVAL" default:"50ms"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// JanitorConfig holds stale upload cleanup settings.
type JanitorConfig struct {
	// Enabled controls whether the janitor runs (default: true)
	Enabled bool `env:"JANITOR_ENABLED" default:"true"`

	// MaxAge is how long an unfinished upload may sit idle (default: 24h)
	MaxAge time.Duration `env:"JANITOR_MAX_AGE" default:"24h"`

	// Interval is how often the janitor runs (default: 1h)
	Interval time.Duration `env:"JANITOR_INTERVAL" default:"1h"`

	// BatchSize is the number of uploads cancelled per pass (default: 100)
	BatchSize int `env:"JANITOR_BATCH_SIZE" default:"100"`
}

// RedisEnabled reports whether the redis lock backend is selected.
func (c *LockConfig) RedisEnabled() bool {
	return c.Backend == "redis"
}
