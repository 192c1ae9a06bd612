package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/target/quotaflow/config"
	"github.com/target/quotaflow/internal/adapters/reaper"
	redisbus "github.com/target/quotaflow/internal/adapters/redis"
	schedrunner "github.com/target/quotaflow/internal/adapters/scheduler"
	"github.com/target/quotaflow/internal/core"
	"github.com/target/quotaflow/internal/observability/statsd"
	"github.com/target/quotaflow/internal/service"
)

// WorkerConfig contains configuration for the bus worker.
type WorkerConfig struct {
	RedisClient redis.UniversalClient
	Intake      *service.IntakeService
	Bus         config.BusConfig
	Logger      *slog.Logger
	Metrics     statsd.Sink
}

// RunWorker consumes the configured topics until ctx is cancelled. Pipelines started by the
// worker keep running after it returns; the orchestrator shutdown drains them.
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	if cfg.RedisClient == nil {
		return errors.New("worker mode requires a redis connection")
	}
	if cfg.Intake == nil {
		return errors.New("worker mode requires the intake service")
	}
	consumer, err := redisbus.NewStreamConsumer(redisbus.StreamConsumerOptions{
		Client:  cfg.RedisClient,
		Handler: cfg.Intake,
		Config:  cfg.Bus,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create stream consumer: %w", err)
	}
	if err := consumer.EnsureGroups(ctx); err != nil {
		return fmt.Errorf("ensure consumer groups: %w", err)
	}
	return consumer.Run(ctx)
}

// SchedulerConfig contains configuration for the retry scheduler.
type SchedulerConfig struct {
	DB         *sql.DB
	Requests   core.RequestRepository
	Dispatcher service.RetryDispatcher
	Config     config.SchedulerConfig
	Logger     *slog.Logger
	Metrics    statsd.Sink
}

// RunScheduler starts the retry scheduler service.
func RunScheduler(ctx context.Context, cfg SchedulerConfig) error {
	runner, err := schedrunner.NewRunner(schedrunner.RunnerOptions{
		DB:         cfg.DB,
		Requests:   cfg.Requests,
		Dispatcher: cfg.Dispatcher,
		Config:     cfg.Config,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create scheduler runner: %w", err)
	}

	return runner.Run(ctx)
}

// ReaperConfig contains configuration for the reaper service.
type ReaperConfig struct {
	DB       *sql.DB
	Config   config.ReaperConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink
	Requests core.RequestRepository
	Ledger   *service.IdempotencyService
	Quota    *service.QuotaService
	Notifier service.FailureNotifier
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:       cfg.DB,
		Config:   cfg.Config,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
		Requests: cfg.Requests,
		Ledger:   cfg.Ledger,
		Quota:    cfg.Quota,
		Notifier: cfg.Notifier,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
