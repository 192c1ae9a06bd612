// Package scheduler provides the adapter that runs the retry scheduler loop.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/quotaflow/config"
	"github.com/target/quotaflow/internal/core"
	"github.com/target/quotaflow/internal/data"
	obserrors "github.com/target/quotaflow/internal/observability/errors"
	"github.com/target/quotaflow/internal/observability/metrics"
	"github.com/target/quotaflow/internal/observability/statsd"
	"github.com/target/quotaflow/internal/service"
)

// Runner ticks the retry scheduler at the configured interval.
type Runner struct {
	scheduler *service.RetryScheduler
	interval  time.Duration
	logger    *slog.Logger
	metrics   statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB         *sql.DB
	Dispatcher service.RetryDispatcher // Required: normally the Orchestrator
	Config     config.SchedulerConfig
	Logger     *slog.Logger
	Metrics    statsd.Sink

	// Optional dependency injection for testing/decoupling
	Requests core.RequestRepository
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	sched, err := wireRetryScheduler(opts)
	if err != nil {
		return nil, fmt.Errorf("wire retry scheduler: %w", err)
	}

	return &Runner{
		scheduler: sched,
		interval:  sched.Interval(),
		logger:    opts.Logger.With("component", "scheduler_runner"),
		metrics:   opts.Metrics,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && opts.Requests == nil {
		return errors.New("either DB or Requests must be provided")
	}
	if opts.Dispatcher == nil {
		return errors.New("dispatcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

func wireRetryScheduler(opts RunnerOptions) (*service.RetryScheduler, error) {
	requests := opts.Requests
	if requests == nil {
		requests = data.NewRequestRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
	}
	return service.NewRetryScheduler(service.RetrySchedulerOptions{
		Requests:   requests,
		Dispatcher: opts.Dispatcher,
		Config:     opts.Config,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	})
}

// Run starts the scheduler loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case now := <-ticker.C:
			r.tick(ctx, now)
		}
	}
}

func (r *Runner) tick(ctx context.Context, now time.Time) {
	start := time.Now()
	dispatched, err := r.scheduler.Tick(ctx, now)
	elapsed := time.Since(start)

	r.emitTickMetrics(dispatched, elapsed, err)

	if err != nil {
		// Continue running despite errors
		r.logger.WarnContext(ctx, "scheduler tick error", "error", err, "dispatched", dispatched)
	} else if dispatched > 0 {
		r.logger.InfoContext(ctx, "scheduler dispatched retries", "count", dispatched)
	}
}

func (r *Runner) emitTickMetrics(dispatched int, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if dispatched == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}

	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	r.metrics.Count("scheduler.tick", 1, tags)

	if dispatched > 0 {
		r.metrics.Count("scheduler.retries_dispatched", int64(dispatched), tags)
	}

	if elapsed > 0 {
		r.metrics.Timing("scheduler.tick_duration", elapsed, metrics.CloneTags(tags))
	}

	if err == nil {
		r.metrics.Gauge("scheduler.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}
