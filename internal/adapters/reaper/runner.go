// Package reaper provides the adapter that runs the daily cleanup loop.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/quotaflow/config"
	"github.com/target/quotaflow/internal/core"
	"github.com/target/quotaflow/internal/data"
	"github.com/target/quotaflow/internal/observability/statsd"
	"github.com/target/quotaflow/internal/service"
)

// Runner provides a simple adapter to run the reaper loop.
// It constructs the reaper service and runs the cleanup loop.
type Runner struct {
	reaper  *service.ReaperService
	logger  *slog.Logger
	metrics statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.ReaperConfig
	Logger *slog.Logger

	// Optional dependency injection for testing/decoupling
	Requests core.RequestRepository
	Ledger   *service.IdempotencyService
	Quota    *service.QuotaService
	Metrics  statsd.Sink
	Notifier service.FailureNotifier
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	reaper, err := wireReaperService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{
		reaper:  reaper,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && (opts.Requests == nil || opts.Ledger == nil || opts.Quota == nil) {
		return errors.New("database connection is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// wireReaperService wires up all dependencies for the reaper service.
func wireReaperService(opts RunnerOptions) (*service.ReaperService, error) {
	repoCfg := data.RepoConfig{Logger: opts.Logger}

	requests := opts.Requests
	if requests == nil {
		requests = data.NewRequestRepo(opts.DB, repoCfg)
	}

	ledger := opts.Ledger
	if ledger == nil {
		var err error
		ledger, err = service.NewIdempotencyService(service.IdempotencyServiceOptions{
			Repo:   data.NewLedgerRepo(opts.DB, repoCfg),
			Logger: opts.Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	quota := opts.Quota
	if quota == nil {
		var err error
		quota, err = service.NewQuotaService(service.QuotaServiceOptions{
			Repo:    data.NewQuotaRepo(opts.DB, data.QuotaRepoConfig{RepoConfig: repoCfg}),
			Logger:  opts.Logger,
			Metrics: opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
	}

	return service.NewReaperService(service.ReaperServiceOptions{
		Requests: requests,
		Ledger:   ledger,
		Quota:    quota,
		Notifier: opts.Notifier,
		Config:   opts.Config,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
}

// Service exposes the wired ReaperService for one-off runs.
func (r *Runner) Service() *service.ReaperService {
	return r.reaper
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}
