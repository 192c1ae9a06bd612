package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/quotaflow/config"
	"github.com/target/quotaflow/internal/bootstrap"
)

// infraNeeds selects which connections a command opens.
type infraNeeds struct {
	DB    bool
	Redis bool
	// OptionalRedis connects Redis only when it is configured.
	OptionalRedis bool
}

type adminInfra struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

var errRedisNotConfigured = errors.New("redis not configured")

// withInfra opens the requested connections for the duration of f.
func withInfra(
	cmdCtx *commandContext,
	timeout time.Duration,
	needs infraNeeds,
	f func(context.Context, *adminInfra) error,
) error {
	ctx, cancel := withSignalTimeout(cmdCtx.Ctx, timeout)
	defer cancel()

	infra, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config, needs)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeInfra(infra); cerr != nil {
			cmdCtx.Logger.Warn("close infrastructure failed", "error", cerr)
		}
	}()

	return f(ctx, infra)
}

func connectInfra(logger *slog.Logger, cfg *config.AppConfig, needs infraNeeds) (*adminInfra, error) {
	infra := &adminInfra{}

	if needs.DB {
		db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("connect db: %w", err)
		}
		infra.DB = db
	}

	if !needs.Redis && !needs.OptionalRedis {
		return infra, nil
	}

	client, err := maybeConnectRedis(logger, &cfg.Redis)
	switch {
	case err == nil:
		infra.Redis = client
	case errors.Is(err, errRedisNotConfigured) && !needs.Redis:
		logger.Info("no redis configuration detected; skipping redis connection")
	default:
		if closeErr := closeInfra(infra); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return nil, err
	}
	return infra, nil
}

// maybeConnectRedis returns a connected client when configuration is present.
//
//nolint:ireturn // returning redis.UniversalClient keeps sentinel/cluster support flexible.
func maybeConnectRedis(logger *slog.Logger, cfg *config.RedisConfig) (redis.UniversalClient, error) {
	if !hasRedisConfig(cfg) {
		return nil, errRedisNotConfigured
	}
	client, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{RedisConfig: *cfg, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func hasRedisConfig(cfg *config.RedisConfig) bool {
	if cfg == nil {
		return false
	}
	if cfg.UseCluster {
		return len(cfg.ClusterNodes) > 0 || cfg.URI != ""
	}
	if cfg.UseSentinel {
		return len(cfg.SentinelNodes) > 0
	}
	return cfg.URI != ""
}

func closeInfra(infra *adminInfra) error {
	if infra == nil {
		return nil
	}
	var closeErr error
	if infra.DB != nil {
		if err := infra.DB.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close db: %w", err))
		}
	}
	if infra.Redis != nil {
		if err := infra.Redis.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	return closeErr
}

// buildServices wires the same service graph the server runs, without starting anything.
func buildServices(cmdCtx *commandContext, infra *adminInfra) (bootstrap.ServiceContainer, error) {
	return bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cmdCtx.Config,
		DB:          infra.DB,
		RedisClient: infra.Redis,
		Logger:      cmdCtx.Logger,
	})
}
