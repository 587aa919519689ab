package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"

	"github.com/JonMunkholm/imgchunk/internal/blob"
	"github.com/JonMunkholm/imgchunk/internal/config"
	"github.com/JonMunkholm/imgchunk/internal/core"
	"github.com/JonMunkholm/imgchunk/internal/lock"
	"github.com/JonMunkholm/imgchunk/internal/logging"
	"github.com/JonMunkholm/imgchunk/internal/store/postgres"
)

func main() {
	var (
		envFile string
		migrate bool
		once    bool
	)
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flag.BoolVar(&migrate, "migrate", false, "apply the database schema and exit")
	flag.BoolVar(&once, "once", false, "run a single janitor sweep and exit")
	flag.Parse()

	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(envFile); err != nil {
		slog.Info("no .env file found, using environment variables", "file", envFile)
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)", "file", envFile)
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Debug("configuration loaded", "config", cfg.String())

	ctx := context.Background()

	pool, err := connectDatabase(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := postgres.New(pool)
	if migrate {
		if err := repo.Migrate(ctx); err != nil {
			slog.Error("migration failed", "error", err)
			os.Exit(1)
		}
		slog.Info("schema applied")
		return
	}

	store, err := newBlobStore(cfg.Storage)
	if err != nil {
		slog.Error("failed to open storage", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}

	locker, closeLocker, err := newLocker(ctx, cfg.Lock)
	if err != nil {
		slog.Error("failed to set up locking", "backend", cfg.Lock.Backend, "error", err)
		os.Exit(1)
	}
	defer closeLocker()

	opts, err := serviceOptions(cfg)
	if err != nil {
		slog.Error("failed to load variant catalog", "error", err)
		os.Exit(1)
	}
	opts.Audit = postgres.NewAuditLog(pool)
	service := core.NewService(repo, store, locker, opts)

	slog.Info("upload engine ready",
		"storage", cfg.Storage.Backend,
		"lock", cfg.Lock.Backend,
		"max_concurrent", opts.MaxConcurrent,
		"variants", len(opts.Catalog),
	)

	janitorCfg := core.JanitorConfig{
		MaxAge:    cfg.Janitor.MaxAge,
		Interval:  cfg.Janitor.Interval,
		BatchSize: cfg.Janitor.BatchSize,
	}

	if once {
		res, err := service.SweepStaleUploads(ctx, janitorCfg)
		if err != nil {
			slog.Error("janitor sweep failed", "error", err)
			os.Exit(1)
		}
		slog.Info("janitor sweep completed", "cancelled", res.Cancelled, "interrupted", res.Interrupted)
		return
	}

	// Create cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	if cfg.Janitor.Enabled {
		go service.StartJanitor(jobCtx, janitorCfg)
	} else {
		slog.Info("janitor disabled")
	}

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	cancelJobs()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if status := service.LimiterStatus(); status.Active > 0 {
		slog.Info("waiting for processing to complete", "active", status.Active)
		if err := service.WaitForDrain(shutdownCtx); err != nil {
			slog.Warn("processing did not complete in time", "error", err)
		} else {
			slog.Info("all processing completed")
		}
	}
}

func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if u, err := url.Parse(cfg.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pool, nil
}

func newBlobStore(cfg config.StorageConfig) (blob.Store, error) {
	switch cfg.Backend {
	case "fs":
		return blob.NewFSStore(cfg.Root)
	case "s3":
		client := blob.NewS3Client(blob.S3Options{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3UsePathStyle,
		})
		return blob.NewS3Store(client, cfg.S3Bucket), nil
	case "memory":
		slog.Warn("using in-memory storage; uploaded data is lost on exit")
		return blob.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// newLocker returns the configured locker and a function releasing its resources.
func newLocker(ctx context.Context, cfg config.LockConfig) (lock.Locker, func(), error) {
	if !cfg.RedisEnabled() {
		return lock.NewLocal(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	slog.Info("connected to redis", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	closeFn := func() {
		if err := client.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}
	return lock.NewRedis(client, "imgchunk:lock:", cfg.TTL, cfg.RetryInterval), closeFn, nil
}

func serviceOptions(cfg *config.Config) (core.Options, error) {
	presets, err := cfg.Variants.Catalog()
	if err != nil {
		return core.Options{}, err
	}
	catalog := make([]core.VariantSpec, len(presets))
	for i, p := range presets {
		catalog[i] = core.VariantSpec{Name: p.Name, MaxDimension: p.MaxDimension}
	}

	return core.Options{
		Limits: core.Limits{
			MaxFileSize:      cfg.Upload.MaxFileSize,
			MaxChunks:        cfg.Upload.MaxChunks,
			AllowedMimeTypes: cfg.Upload.AllowedMimeTypes,
		},
		ChunkPrefix:        cfg.Storage.ChunkPrefix,
		ObjectPrefix:       cfg.Storage.ObjectPrefix,
		VariantPrefix:      cfg.Storage.VariantPrefix,
		Catalog:            catalog,
		JPEGQuality:        cfg.Variants.JPEGQuality,
		MaxConcurrent:      cfg.Upload.MaxConcurrent,
		MaxWaitTime:        cfg.Upload.MaxWaitTime,
		ConflictRetries:    cfg.Upload.ConflictRetries,
		ConflictBackoff:    cfg.Upload.ConflictBackoff,
		GenerateOnComplete: cfg.Upload.GenerateOnComplete,
	}, nil
}
