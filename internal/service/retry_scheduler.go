package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/quotaflow/config"
	"github.com/target/quotaflow/internal/core"
	"github.com/target/quotaflow/internal/domain/model"
	obserrors "github.com/target/quotaflow/internal/observability/errors"
	"github.com/target/quotaflow/internal/observability/metrics"
	"github.com/target/quotaflow/internal/observability/statsd"
)

// RetryDispatcher re-dispatches a claimed pending record. *Orchestrator implements it.
type RetryDispatcher interface {
	Resubmit(ctx context.Context, req *model.Request) error
}

// RetrySchedulerOptions groups dependencies for RetryScheduler.
type RetrySchedulerOptions struct {
	Requests   core.RequestRepository // Required
	Dispatcher RetryDispatcher        // Required
	Config     config.SchedulerConfig
	Logger     *slog.Logger
	Metrics    statsd.Sink
}

// RetryScheduler claims records whose backoff has elapsed and hands them back to the orchestrator.
type RetryScheduler struct {
	requests   core.RequestRepository
	dispatcher RetryDispatcher
	config     config.SchedulerConfig
	logger     *slog.Logger
	metrics    statsd.Sink
}

// NewRetryScheduler constructs a RetryScheduler.
func NewRetryScheduler(opts RetrySchedulerOptions) (*RetryScheduler, error) {
	if opts.Requests == nil {
		return nil, errors.New("RequestRepository is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("retry dispatcher is required")
	}
	cfg := opts.Config
	cfg.Sanitize()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryScheduler{
		requests:   opts.Requests,
		dispatcher: opts.Dispatcher,
		config:     cfg,
		logger:     logger.With("component", "retry_scheduler"),
		metrics:    opts.Metrics,
	}, nil
}

// Interval is the configured scan period.
func (s *RetryScheduler) Interval() time.Duration {
	return s.config.Interval
}

// Tick claims one batch of due retries and re-dispatches each. It returns how many were
// dispatched. Quota refusals are business outcomes and are not reported as errors.
func (s *RetryScheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	claimed, err := s.requests.PendingRetriesDue(ctx, now, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due retries: %w", err)
	}

	var (
		dispatched int
		errs       []error
	)
	for i, req := range claimed {
		err := s.dispatcher.Resubmit(ctx, req)
		switch {
		case err == nil:
			dispatched++
			s.emit(metrics.ResultSuccess, nil)
		case errors.Is(err, model.ErrInsufficientQuota):
			s.emit(metrics.ResultInsufficient, nil)
			s.logger.InfoContext(ctx, "retry refused for insufficient quota",
				"request_id", req.ID, "tenant_id", req.TenantID)
		case errors.Is(err, ErrOrchestratorClosed):
			// The claim cleared next_retry_at on the whole batch; hand back everything not dispatched.
			for _, rest := range claimed[i:] {
				s.requeue(ctx, rest, now)
			}
			errs = append(errs, err)
			return dispatched, errors.Join(errs...)
		default:
			s.emit(metrics.ResultError, err)
			s.logger.WarnContext(ctx, "retry dispatch failed", "request_id", req.ID, "error", err)
			s.deferFailed(ctx, req, now, err)
			errs = append(errs, fmt.Errorf("resubmit %s: %w", req.ID, err))
		}
	}

	if dispatched > 0 {
		s.logger.InfoContext(ctx, "retries dispatched", "count", dispatched, "claimed", len(claimed))
	}
	return dispatched, errors.Join(errs...)
}

// requeue restores the retry time cleared by the claim so the record is picked up again.
func (s *RetryScheduler) requeue(ctx context.Context, req *model.Request, now time.Time) {
	next := now
	req.NextRetryAt = &next
	if _, err := s.requests.Transition(context.WithoutCancel(ctx), req, model.RequestStatusPending); err != nil {
		s.logger.ErrorContext(ctx, "failed to requeue claimed retry", "request_id", req.ID, "error", err)
	}
}

// deferFailed reschedules a record the dispatcher could not re-dispatch and did not reschedule
// itself. Without it the record would sit pending with no retry time until the stale sweep fails
// it. Records with no retry left are left as they are.
func (s *RetryScheduler) deferFailed(ctx context.Context, req *model.Request, now time.Time, cause error) {
	if req.Status != model.RequestStatusPending || req.NextRetryAt != nil || req.RetryCount >= req.MaxRetries {
		return
	}
	req.DeferDispatch(now, cause.Error())
	if _, err := s.requests.Transition(context.WithoutCancel(ctx), req, model.RequestStatusPending); err != nil {
		s.logger.ErrorContext(ctx, "failed to reschedule claimed retry", "request_id", req.ID, "error", err)
	}
}

func (s *RetryScheduler) emit(result string, err error) {
	if s.metrics == nil {
		return
	}
	tags := map[string]string{"result": result}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}
	s.metrics.Count("scheduler.retry.dispatched", 1, tags)
}
