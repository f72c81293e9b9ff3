package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/terra-clan/research-engine/internal/cache"
	"github.com/terra-clan/research-engine/internal/config"
	"github.com/terra-clan/research-engine/internal/health"
	"github.com/terra-clan/research-engine/internal/persistence"
	"github.com/terra-clan/research-engine/internal/storage"
	"github.com/terra-clan/research-engine/internal/study"
	"github.com/terra-clan/research-engine/internal/submit"
	"github.com/terra-clan/research-engine/pkg/client"
)

// backends are the stores a command opened, closed in reverse order
type backends struct {
	repo    storage.Repository
	cache   cache.Cache
	checks  *health.Registry
	closers []func() error
}

func newBackends() *backends {
	return &backends{checks: health.NewRegistry()}
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			slog.Warn("failed to close backend", "error", err)
		}
	}
	b.closers = nil
}

// openRepository connects the configured database. Postgres is migrated
// first when migrate is set; sqlite always applies its schema on open.
func (b *backends) openRepository(ctx context.Context, cfg config.DatabaseConfig, migrate bool) error {
	switch cfg.Driver {
	case "sqlite":
		repo, err := storage.NewSQLiteRepository(cfg.DSN)
		if err != nil {
			return fmt.Errorf("failed to open sqlite repository: %w", err)
		}
		b.repo = repo
		b.closers = append(b.closers, repo.Close)
		b.checks.Register("database", health.CheckFunc(repo.Ping))

	default:
		if migrate {
			slog.Info("running database migrations", "dir", cfg.MigrationsDir)
			if err := storage.MigrateFromDSN(ctx, cfg.DSN, storage.MigrationSource(cfg.MigrationsDir)); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:          cfg.DSN,
			MaxOpenConns: int32(cfg.MaxOpenConns),
			MaxIdleConns: int32(cfg.MaxIdleConns),
		})
		if err != nil {
			return fmt.Errorf("failed to create database repository: %w", err)
		}
		b.repo = repo
		b.closers = append(b.closers, repo.Close)

		checker, err := health.NewPostgresChecker(cfg.DSN)
		if err != nil {
			return fmt.Errorf("failed to create postgres checker: %w", err)
		}
		b.closers = append(b.closers, checker.Close)
		b.checks.Register("postgres", checker)
	}

	slog.Info("database connected", "driver", cfg.Driver)
	return nil
}

// openCache connects the configured result cache
func (b *backends) openCache(ctx context.Context, cfg *config.Config) error {
	if cfg.Cache.Driver == "memory" {
		b.cache = cache.NewMemoryCache()
		slog.Warn("using in-memory result cache; unsaved results are lost on restart")
		return nil
	}

	rdb, err := cache.NewRedisClient(ctx, cache.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	b.closers = append(b.closers, rdb.Close)
	b.cache = cache.NewRedisCache(rdb, cfg.Redis.KeyPrefix, cfg.Cache.TTL)
	b.checks.Register("redis", health.NewRedisChecker(rdb))

	slog.Info("redis connected", "address", cfg.Redis.Address)
	return nil
}

// loadStudy loads the configured study, or the built-in one
func loadStudy(path string) (*study.Loader, error) {
	loader := study.NewLoader()
	if err := loader.Load(path); err != nil {
		return nil, fmt.Errorf("failed to load study: %w", err)
	}
	return loader, nil
}

// newPipeline builds the submission pipeline. A configured endpoint sends
// chunks to a remote server; otherwise they go to the local database.
func newPipeline(cfg config.SubmissionConfig, store *persistence.Service) *submit.Pipeline {
	var submitter submit.Submitter
	if cfg.Endpoint != "" {
		slog.Info("submitting results to remote endpoint", "endpoint", cfg.Endpoint)
		submitter = submit.NewRemoteSubmitter(client.NewClient(cfg.Endpoint, cfg.APIKey,
			client.WithTimeout(cfg.AttemptTimeout)))
	} else {
		submitter = submit.NewRepositorySubmitter(store)
	}

	return submit.NewPipeline(submitter, submit.Config{
		ChunkSize:       cfg.ChunkSize,
		MaxAttempts:     cfg.MaxAttempts,
		InitialBackoff:  cfg.InitialBackoff,
		MaxBackoff:      cfg.MaxBackoff,
		InterChunkDelay: cfg.InterChunkDelay,
		AttemptTimeout:  cfg.AttemptTimeout,
	})
}
