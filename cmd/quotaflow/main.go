// Command quotaflow runs the request lifecycle engine: the HTTP intake, the bus worker, the
// scheduled-request poller and the stale-request reaper, in whatever combination SERVICES
// enables.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/target/quotaflow/config"
	"github.com/target/quotaflow/internal/bootstrap"
)

func main() {
	ctx := context.Background()
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		slog.ErrorContext(ctx, "load config failed", "error", err)
		os.Exit(1) //nolint:forbidigo // fatal startup error
	}

	logger := bootstrap.InitLogger(bootstrap.LoggerOptions{Dev: cfg.IsDev, Level: cfg.LogLevel})
	if err := run(ctx, logger, &cfg); err != nil {
		logger.ErrorContext(ctx, "quotaflow exited", "error", err)
		os.Exit(1) //nolint:forbidigo // fatal runtime error
	}
}

// infra holds the shared connections every service mode draws on.
type infra struct {
	db    *sql.DB
	redis redis.UniversalClient
}

func (i *infra) close() error {
	var errs []error
	if i.redis != nil {
		if err := i.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if i.db != nil {
		if err := i.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) error {
	modes, err := bootstrap.EnabledServiceNames(cfg)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "starting quotaflow",
		"services", modes,
		"postgres", fmt.Sprintf("%s:%d/%s", cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.Name),
		"pool_size", cfg.Orchestrator.PoolSize)

	deps, err := connect(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := deps.close(); cerr != nil {
			logger.ErrorContext(ctx, "release infrastructure", "error", cerr)
		}
	}()

	if cfg.Postgres.RunMigrationsOnStart {
		if err := bootstrap.RunMigrations(ctx, deps.db, logger); err != nil {
			return err
		}
	} else {
		logger.InfoContext(ctx, "startup migrations disabled")
	}

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      cfg,
		DB:          deps.db,
		RedisClient: deps.redis,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}

	return bootstrap.RunServicesWithShutdown(&bootstrap.ServiceOrchestrationConfig{
		Config:      cfg,
		Services:    services,
		DB:          deps.db,
		RedisClient: deps.redis,
		Logger:      logger,
	})
}

func connect(cfg *config.AppConfig, logger *slog.Logger) (*infra, error) {
	dc := bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, RedisConfig: cfg.Redis, Logger: logger}

	db, err := bootstrap.ConnectDB(dc)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	deps := &infra{db: db}

	deps.redis, err = bootstrap.ConnectRedis(dc)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("connect redis: %w", err), deps.close())
	}
	return deps, nil
}
