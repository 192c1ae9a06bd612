package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
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

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Requests core.RequestRepository // Required
	Ledger   *IdempotencyService    // Required
	Quota    *QuotaService          // Required: releases reservations held by abandoned records
	Notifier FailureNotifier        // Optional: told about timeouts with no retry left
	Config   config.ReaperConfig
	Clock    core.Clock
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// ReaperService runs the daily cleanup.
//
// This service manages:
// - Timing out processing records whose pipeline never finished, releasing their reservation.
// - Purging idempotency ledger entries past retention.
// - Purging terminal request records past retention.
// - Failing pending records that were never dispatched.
type ReaperService struct {
	requests core.RequestRepository
	ledger   *IdempotencyService
	quota    *QuotaService
	notifier FailureNotifier
	config   config.ReaperConfig
	clock    core.Clock
	logger   *slog.Logger
	metrics  statsd.Sink
}

// CleanupOptions overrides the configured windows for one run. Zero values use the configuration.
type CleanupOptions struct {
	LedgerRetention  time.Duration
	RequestRetention time.Duration
	AbandonedAfter   time.Duration
	StalePendingAge  time.Duration
	// DryRun counts what would be affected without changing anything.
	DryRun bool
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	switch {
	case opts.Requests == nil:
		return nil, errors.New("RequestRepository is required")
	case opts.Ledger == nil:
		return nil, errors.New("IdempotencyService is required")
	case opts.Quota == nil:
		return nil, errors.New("QuotaService is required")
	}

	cfg := opts.Config
	cfg.Sanitize()
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reaper_service")
	logger.Debug("ReaperService initialized",
		"interval", cfg.Interval,
		"abandoned_after", cfg.AbandonedAfter,
		"ledger_retention", cfg.LedgerRetention,
		"request_retention", cfg.RequestRetention,
	)

	return &ReaperService{
		requests: opts.Requests,
		ledger:   opts.Ledger,
		quota:    opts.Quota,
		notifier: opts.Notifier,
		config:   cfg,
		clock:    clock,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)

	// Spread instances that start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.runCleanup(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if _, err := s.runCleanup(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
			}
		}
	}
}

// RunOnce performs a single cleanup pass with the configured windows.
func (s *ReaperService) RunOnce(ctx context.Context) (model.CleanupReport, error) {
	return s.runCleanup(ctx)
}

func (s *ReaperService) runCleanup(ctx context.Context) (model.CleanupReport, error) {
	return s.Cleanup(ctx, CleanupOptions{})
}

// Cleanup runs every cleanup step and reports what was affected. Steps are independent: a failing
// step is reported without skipping the rest.
func (s *ReaperService) Cleanup(ctx context.Context, opts CleanupOptions) (model.CleanupReport, error) {
	opts = s.resolve(opts)
	now := s.clock.Now()
	start := time.Now()
	report := model.CleanupReport{DryRun: opts.DryRun}

	var (
		errs               []error
		allContextCanceled = true
		m                  = cleanupMetrics{}
	)

	steps := []cleanupStep{
		{
			fn:        s.abandonedStep(now.Add(-opts.AbandonedAfter), opts.DryRun),
			label:     "time out abandoned requests",
			operation: "timeout_abandoned",
			count:     &report.AbandonedMarked,
			metricErr: &m.AbandonedErr,
		},
		{
			fn:        s.ledgerStep(now.Add(-opts.LedgerRetention), opts.DryRun),
			label:     "purge ledger entries",
			operation: "purge_ledger",
			count:     &report.DeletedMessages,
			metricErr: &m.LedgerErr,
		},
		{
			fn:        s.terminalStep(now.Add(-opts.RequestRetention), opts.DryRun),
			label:     "purge terminal requests",
			operation: "purge_requests",
			count:     &report.DeletedRequests,
			metricErr: &m.RequestsErr,
		},
		{
			fn:        s.stalePendingStep(now.Add(-opts.StalePendingAge), opts.DryRun),
			label:     "fail stale pending requests",
			operation: "expire_pending",
			count:     &report.StalePending,
			metricErr: &m.PendingErr,
		},
	}

	for _, step := range steps {
		outcome := s.executeCleanupStep(ctx, step.fn, step.label)
		*step.count = outcome.count
		*step.metricErr = outcome.metricErr
		if !opts.DryRun {
			s.emitCleanupOperationMetric(step.operation, outcome.count, outcome.metricErr)
		}
		if outcome.aggregateErr != nil {
			errs = append(errs, outcome.aggregateErr)
			allContextCanceled = allContextCanceled && outcome.canceled
		}
	}

	if !opts.DryRun {
		m.Report = report
		m.Elapsed = time.Since(start)
		s.emitCleanupMetrics(m)
	}

	s.logger.InfoContext(ctx, "cleanup finished",
		"dry_run", opts.DryRun,
		"abandoned_marked", report.AbandonedMarked,
		"deleted_messages", report.DeletedMessages,
		"deleted_requests", report.DeletedRequests,
		"stale_pending", report.StalePending,
	)

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			return report, context.Canceled
		}
		return report, fmt.Errorf("cleanup failed: %w", joined)
	}
	return report, nil
}

func (s *ReaperService) resolve(opts CleanupOptions) CleanupOptions {
	if opts.LedgerRetention <= 0 {
		opts.LedgerRetention = s.config.LedgerRetention
	}
	if opts.RequestRetention <= 0 {
		opts.RequestRetention = s.config.RequestRetention
	}
	if opts.AbandonedAfter <= 0 {
		opts.AbandonedAfter = s.config.AbandonedAfter
	}
	if opts.StalePendingAge <= 0 {
		opts.StalePendingAge = s.config.StalePendingAge
	}
	return opts
}

type cleanupFunc func(context.Context) (int64, error)

type cleanupStep struct {
	fn        cleanupFunc
	label     string
	operation string
	count     *int64
	metricErr *error
}

type cleanupStepOutcome struct {
	count        int64
	metricErr    error
	aggregateErr error
	canceled     bool
}

func (s *ReaperService) executeCleanupStep(
	ctx context.Context,
	fn cleanupFunc,
	label string,
) cleanupStepOutcome {
	count, err := fn(ctx)
	outcome := cleanupStepOutcome{
		count:     count,
		metricErr: suppressContextCancellation(err),
		canceled:  isContextCancellation(err),
	}
	if err != nil {
		outcome.aggregateErr = fmt.Errorf("%s: %w", label, err)
	}
	return outcome
}

// abandonedStep times out processing records started before cutoff, releases the reservation
// each still holds and schedules a retry where one remains.
func (s *ReaperService) abandonedStep(cutoff time.Time, dryRun bool) cleanupFunc {
	return func(ctx context.Context) (int64, error) {
		if dryRun {
			return s.requests.CountAbandoned(ctx, cutoff)
		}

		var total int64
		for {
			batch, err := s.requests.Abandoned(ctx, cutoff, s.config.BatchSize)
			if err != nil {
				return total, err
			}
			if len(batch) == 0 {
				break
			}
			for _, req := range batch {
				ok, err := s.timeoutRequest(ctx, req)
				if err != nil {
					return total, err
				}
				if ok {
					total++
				}
			}
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
		}

		if total > 0 {
			s.logger.InfoContext(ctx, "timed out abandoned requests", "count", total, "cutoff", cutoff)
		}
		return total, nil
	}
}

func (s *ReaperService) timeoutRequest(ctx context.Context, req *model.Request) (bool, error) {
	reserved := req.TokensReserved
	now := s.clock.Now()
	if err := req.MarkTimeout(now); err != nil {
		return false, err
	}
	won, err := s.requests.Transition(ctx, req, model.RequestStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("timeout %s: %w", req.ID, err)
	}
	if !won {
		return false, nil
	}

	if _, err := s.quota.Release(ctx, req.TenantID, req.ID, reserved); err != nil {
		s.logger.ErrorContext(ctx, "failed to release abandoned reservation",
			"request_id", req.ID, "tenant_id", req.TenantID, "reserved", reserved, "error", err)
	}

	if req.ScheduleRetry(now) {
		if _, err := s.requests.Transition(ctx, req, model.RequestStatusTimeout); err != nil {
			s.logger.ErrorContext(ctx, "failed to schedule retry for abandoned request",
				"request_id", req.ID, "error", err)
		}
	} else if s.notifier != nil {
		if payload, ok := requestFailurePayload(req, context.DeadlineExceeded, now); ok {
			s.notifier.NotifyRequestFailure(ctx, payload)
		}
	}
	s.logger.WarnContext(ctx, "request timed out",
		"request_id", req.ID, "tenant_id", req.TenantID, "started_at", req.StartedAt,
		"released", reserved, "retry_scheduled", req.Status == model.RequestStatusPending)
	return true, nil
}

func (s *ReaperService) ledgerStep(cutoff time.Time, dryRun bool) cleanupFunc {
	return func(ctx context.Context) (int64, error) {
		if dryRun {
			return s.ledger.CountBefore(ctx, cutoff)
		}
		return s.ledger.PurgeBefore(ctx, cutoff)
	}
}

func (s *ReaperService) terminalStep(cutoff time.Time, dryRun bool) cleanupFunc {
	return func(ctx context.Context) (int64, error) {
		if dryRun {
			return s.requests.CountTerminalOlderThan(ctx, cutoff)
		}
		total, err := s.drain(ctx, func(ctx context.Context) (int64, error) {
			return s.requests.DeleteTerminalOlderThan(ctx, cutoff, s.config.BatchSize)
		})
		if total > 0 {
			s.logger.InfoContext(ctx, "purged terminal requests", "count", total, "cutoff", cutoff)
		}
		return total, err
	}
}

func (s *ReaperService) stalePendingStep(cutoff time.Time, dryRun bool) cleanupFunc {
	return func(ctx context.Context) (int64, error) {
		if dryRun {
			return s.requests.CountStalePending(ctx, cutoff)
		}
		total, err := s.drain(ctx, func(ctx context.Context) (int64, error) {
			return s.requests.ExpireStalePending(ctx, cutoff, s.config.BatchSize)
		})
		if total > 0 {
			s.logger.InfoContext(ctx, "failed stale pending requests", "count", total, "cutoff", cutoff)
		}
		return total, err
	}
}

// drain repeats a batched statement until it affects no rows.
func (s *ReaperService) drain(ctx context.Context, fn cleanupFunc) (int64, error) {
	var total int64
	for {
		n, err := fn(ctx)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

type cleanupMetrics struct {
	Report       model.CleanupReport
	AbandonedErr error
	LedgerErr    error
	RequestsErr  error
	PendingErr   error
	Elapsed      time.Duration
}

func (s *ReaperService) emitCleanupMetrics(m cleanupMetrics) {
	if s.metrics == nil {
		return
	}

	r := m.Report
	totalCount := r.AbandonedMarked + r.DeletedMessages + r.DeletedRequests + r.StalePending
	firstErr := firstError(m.AbandonedErr, m.LedgerErr, m.RequestsErr, m.PendingErr)

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if totalCount == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{"result": result}
	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup", 1, tags)
	if m.Elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", m.Elapsed, metrics.CloneTags(tags))
	}
	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitCleanupOperationMetric(operation string, count int64, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup_operation", 1, tags)
	if err == nil && count > 0 {
		s.metrics.Count("reaper.rows_processed", count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
