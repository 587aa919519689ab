package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		value, ok := lookupEnv(envName, field.Tag.Get("envAlt"))
		if !ok {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}

		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// lookupEnv returns the first non-empty value of the primary or alternate variable.
func lookupEnv(primary, alt string) (string, bool) {
	if v := os.Getenv(primary); v != "" {
		return v, true
	}
	if alt != "" {
		if v := os.Getenv(alt); v != "" {
			return v, true
		}
	}
	return "", false
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		field.Set(reflect.ValueOf(splitList(value)))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// splitList splits a comma-separated value, trimming whitespace and dropping blanks.
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}

	// Storage
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Root == "" {
			errs = append(errs, "STORAGE_ROOT is required for the fs backend")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			errs = append(errs, "S3_BUCKET is required for the s3 backend")
		}
		if (c.Storage.S3AccessKey == "") != (c.Storage.S3SecretKey == "") {
			errs = append(errs, "S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("STORAGE_BACKEND (%q) must be one of: fs, s3, memory", c.Storage.Backend))
	}
	if c.Storage.ChunkPrefix == "" || c.Storage.ObjectPrefix == "" || c.Storage.VariantPrefix == "" {
		errs = append(errs, "STORAGE_CHUNK_PREFIX, STORAGE_OBJECT_PREFIX and STORAGE_VARIANT_PREFIX must be non-empty")
	}
	if c.Storage.ChunkPrefix != "" && c.Storage.ChunkPrefix == c.Storage.ObjectPrefix {
		errs = append(errs, "STORAGE_CHUNK_PREFIX must differ from STORAGE_OBJECT_PREFIX")
	}

	// Upload
	if c.Upload.MaxFileSize <= 0 {
		errs = append(errs, "UPLOAD_MAX_FILE_SIZE must be positive")
	}
	if c.Upload.MaxChunks <= 0 {
		errs = append(errs, "UPLOAD_MAX_CHUNKS must be positive")
	}
	if len(c.Upload.AllowedMimeTypes) == 0 {
		errs = append(errs, "UPLOAD_ALLOWED_MIME_TYPES must list at least one type")
	}
	if c.Upload.MaxConcurrent <= 0 {
		errs = append(errs, "UPLOAD_MAX_CONCURRENT must be positive")
	}
	if c.Upload.MaxWaitTime <= 0 {
		errs = append(errs, "UPLOAD_MAX_WAIT_TIME must be positive")
	}
	if c.Upload.ConflictRetries < 0 {
		errs = append(errs, "UPLOAD_CONFLICT_RETRIES must be non-negative")
	}
	if c.Upload.ConflictBackoff < 0 {
		errs = append(errs, "UPLOAD_CONFLICT_BACKOFF must be non-negative")
	}

	// Variants
	if c.Variants.JPEGQuality < 1 || c.Variants.JPEGQuality > 100 {
		errs = append(errs, fmt.Sprintf("VARIANT_JPEG_QUALITY (%d) must be 1-100", c.Variants.JPEGQuality))
	}

	// Lock
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			errs = append(errs, "REDIS_ADDR is required for the redis lock backend")
		}
		if c.Lock.TTL <= 0 {
			errs = append(errs, "LOCK_TTL must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("LOCK_BACKEND (%q) must be one of: local, redis", c.Lock.Backend))
	}
	if c.Lock.RetryInterval <= 0 {
		errs = append(errs, "LOCK_RETRY_INTERVAL must be positive")
	}

	// Janitor
	if c.Janitor.Enabled {
		if c.Janitor.MaxAge <= 0 {
			errs = append(errs, "JANITOR_MAX_AGE must be positive")
		}
		if c.Janitor.Interval <= 0 {
			errs = append(errs, "JANITOR_INTERVAL must be positive")
		}
		if c.Janitor.BatchSize <= 0 {
			errs = append(errs, "JANITOR_BATCH_SIZE must be positive")
		}
	}

	// Logging
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Database URLs, S3 keys and the redis password are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns)
	fmt.Fprintf(&b, "Storage: {Backend: %q, Root: %q, S3Bucket: %q, S3Keys: [MASKED]}, ",
		c.Storage.Backend, c.Storage.Root, c.Storage.S3Bucket)
	fmt.Fprintf(&b, "Upload: {MaxFileSize: %d, MaxChunks: %d, MaxConcurrent: %d, ConflictRetries: %d}, ",
		c.Upload.MaxFileSize, c.Upload.MaxChunks, c.Upload.MaxConcurrent, c.Upload.ConflictRetries)
	fmt.Fprintf(&b, "Lock: {Backend: %q, RedisAddr: %q, RedisPassword: [MASKED]}, ",
		c.Lock.Backend, c.Lock.RedisAddr)
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}
