package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/target/quotaflow/config"
	"github.com/target/quotaflow/internal/core"
	"github.com/target/quotaflow/internal/domain/model"
	"github.com/target/quotaflow/internal/domain/pipeline"
	apperrors "github.com/target/quotaflow/internal/errors"
	"github.com/target/quotaflow/internal/observability/metrics"
	"github.com/target/quotaflow/internal/observability/statsd"
)

// ErrOrchestratorClosed is returned by Submit once shutdown has begun.
var ErrOrchestratorClosed = errors.New("orchestrator is shutting down")

// OrchestratorOptions groups dependencies for Orchestrator.
type OrchestratorOptions struct {
	Requests core.RequestRepository // Required
	Quota    *QuotaService          // Required
	Registry *pipeline.Registry     // Required: work type to stage plan mapping
	Ledger   *IdempotencyService    // Optional: terminal outcomes of bus messages are recorded here
	Notifier FailureNotifier        // Optional: told about permanent failures
	Config   config.OrchestratorConfig
	Clock    core.Clock
	Logger   *slog.Logger
	Metrics  statsd.Sink

	// NewID overrides request id generation in tests.
	NewID func() string
}

// SubmitParams describes one unit of work.
type SubmitParams struct {
	WorkType      model.WorkType
	TenantID      string
	Payload       json.RawMessage
	CorrelationID string
	MessageID     *string
	Topic         *string
	UserID        *string
}

// Orchestrator owns the request lifecycle: it creates the durable record, reserves quota before
// any stage runs, drives the stage plan asynchronously and settles the reservation on the
// terminal outcome.
type Orchestrator struct {
	requests core.RequestRepository
	quota    *QuotaService
	ledger   *IdempotencyService
	notifier FailureNotifier
	registry *pipeline.Registry
	config   config.OrchestratorConfig
	clock    core.Clock
	logger   *slog.Logger
	metrics  statsd.Sink
	newID    func() string

	pool    *semaphore.Weighted
	tracker *taskTracker
	stats   statsAggregate

	baseCtx context.Context
	abort   context.CancelFunc
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	switch {
	case opts.Requests == nil:
		return nil, errors.New("RequestRepository is required")
	case opts.Quota == nil:
		return nil, errors.New("QuotaService is required")
	case opts.Registry == nil:
		return nil, errors.New("pipeline registry is required")
	}

	cfg := opts.Config
	cfg.Sanitize()
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")
	logger.Debug("Orchestrator initialized",
		"pool_size", cfg.PoolSize,
		"max_retries", cfg.MaxRetries,
		"stage_timeout", cfg.StageTimeout,
	)

	baseCtx, abort := context.WithCancel(context.Background())
	return &Orchestrator{
		requests: opts.Requests,
		quota:    opts.Quota,
		ledger:   opts.Ledger,
		notifier: opts.Notifier,
		registry: opts.Registry,
		config:   cfg,
		clock:    clock,
		logger:   logger,
		metrics:  opts.Metrics,
		newID:    newID,
		pool:     semaphore.NewWeighted(int64(cfg.PoolSize)),
		tracker:  newTaskTracker(),
		baseCtx:  baseCtx,
		abort:    abort,
	}, nil
}

// Submit creates a pending record, reserves its estimated cost and starts the pipeline in the
// background. The returned id is set whenever a record was created, even if dispatch failed.
// A refused reservation returns an error matching model.ErrInsufficientQuota and the record
// never leaves pending.
func (o *Orchestrator) Submit(ctx context.Context, p SubmitParams) (string, error) {
	if o.closed.Load() {
		return "", ErrOrchestratorClosed
	}
	plan, err := o.registry.Plan(p.WorkType)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeValidation, "unsupported work type")
	}

	params := model.CreateRequestParams{
		CorrelationID: p.CorrelationID,
		MessageID:     p.MessageID,
		Topic:         p.Topic,
		WorkType:      p.WorkType,
		TenantID:      p.TenantID,
		UserID:        p.UserID,
		Payload:       p.Payload,
		MaxRetries:    o.config.MaxRetries,
	}
	if err := params.Validate(); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid request")
	}

	req := model.NewRequest(o.newID(), params, o.clock.Now())
	if err := o.requests.Create(ctx, req); err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	o.emitLifecycle(req, "created", metrics.ResultSuccess, 0, nil)

	if err := o.dispatch(ctx, req, plan); err != nil {
		return req.ID, err
	}
	return req.ID, nil
}

// Resubmit dispatches an existing pending record again. The cost is re-estimated and reserved
// afresh; the previous attempt's reservation was already settled.
func (o *Orchestrator) Resubmit(ctx context.Context, req *model.Request) error {
	if o.closed.Load() {
		return ErrOrchestratorClosed
	}
	plan, err := o.registry.Plan(req.WorkType)
	if err != nil {
		return fmt.Errorf("resubmit %s: %w", req.ID, err)
	}
	return o.dispatch(ctx, req, plan)
}

// dispatch reserves quota and moves the record to processing before launching the pipeline.
func (o *Orchestrator) dispatch(ctx context.Context, req *model.Request, plan *pipeline.Plan) error {
	cost := o.quota.EstimateCost(req.WorkType, plan.ContentLength(req.Payload))

	if _, err := o.quota.Reserve(ctx, req.TenantID, req.ID, cost); err != nil {
		o.rejectDispatch(ctx, req, err)
		return err
	}

	pending := req.Clone()
	if err := req.MarkProcessing(o.clock.Now(), cost); err != nil {
		o.releaseQuietly(ctx, req, cost)
		*req = *pending
		return err
	}
	won, err := o.requests.Transition(ctx, req, model.RequestStatusPending)
	if err == nil && !won {
		err = fmt.Errorf("%w: request %s is no longer pending", model.ErrInvalidTransition, req.ID)
	}
	if err != nil {
		o.releaseQuietly(ctx, req, cost)
		// The stored record never left pending; callers see it as it was.
		*req = *pending
		return fmt.Errorf("dispatch request: %w", err)
	}

	o.logger.InfoContext(ctx, "request dispatched",
		"request_id", req.ID, "tenant_id", req.TenantID, "work_type", req.WorkType,
		"reserved", cost, "retry_count", req.RetryCount)
	o.emitLifecycle(req, "dispatched", metrics.ResultSuccess, 0, nil)

	o.launch(req, plan)
	return nil
}

// rejectDispatch records why a pending record could not be dispatched. Insufficient quota leaves
// it pending with no retry scheduled; transient failures consume a retry with backoff.
func (o *Orchestrator) rejectDispatch(ctx context.Context, req *model.Request, cause error) {
	now := o.clock.Now()
	result := metrics.ResultRejected
	if errors.Is(cause, model.ErrInsufficientQuota) {
		req.RecordRejection(now, cause.Error())
		result = metrics.ResultInsufficient
	} else if req.DeferDispatch(now, cause.Error()) {
		result = metrics.ResultRetried
	}
	o.emitLifecycle(req, "rejected", result, 0, cause)

	persistCtx := context.WithoutCancel(ctx)
	if _, err := o.requests.Transition(persistCtx, req, model.RequestStatusPending); err != nil {
		o.logger.ErrorContext(ctx, "failed to record dispatch rejection",
			"request_id", req.ID, "error", err, "cause", cause)
	}
}

func (o *Orchestrator) launch(req *model.Request, plan *pipeline.Plan) {
	o.tracker.start(req.ID, o.clock.Now())
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.tracker.finish(req.ID)
		o.runPipeline(o.baseCtx, req, plan)
	}()
}

type pipelineOutcome struct {
	result     json.RawMessage
	tokensUsed int64
	err        error
}

func (o *Orchestrator) runPipeline(ctx context.Context, req *model.Request, plan *pipeline.Plan) {
	start := time.Now()
	if err := plan.ValidatePayload(req.Payload); err != nil {
		o.finish(ctx, req, pipelineOutcome{err: err}, start)
		return
	}

	var (
		previous json.RawMessage
		used     int64
	)
	for _, st := range plan.Stages {
		if o.tracker.cancelled(req.ID) {
			o.finish(ctx, req, pipelineOutcome{tokensUsed: used, err: model.ErrRequestCancelled}, start)
			return
		}
		o.tracker.advance(req.ID, st.Name, 0, o.clock.Now())

		out, err := o.runStage(ctx, req, st, previous)
		if err != nil {
			o.finish(ctx, req, pipelineOutcome{
				tokensUsed: used + out.TokensUsed,
				err:        &model.ExecutorFailureError{Stage: st.Name, Err: err},
			}, start)
			return
		}
		used += out.TokensUsed
		previous = out.Result
		o.tracker.advance(req.ID, "", st.Progress, o.clock.Now())
	}

	o.finish(ctx, req, pipelineOutcome{result: previous, tokensUsed: used}, start)
}

// runStage executes one stage on the bounded worker pool.
func (o *Orchestrator) runStage(
	ctx context.Context,
	req *model.Request,
	st pipeline.Stage,
	previous json.RawMessage,
) (pipeline.StageOutput, error) {
	if err := o.pool.Acquire(ctx, 1); err != nil {
		return pipeline.StageOutput{}, err
	}
	defer o.pool.Release(1)

	stageCtx, cancel := context.WithTimeout(ctx, o.config.StageTimeout)
	defer cancel()

	started := time.Now()
	out, err := st.Executor.Execute(stageCtx, pipeline.StageInput{
		RequestID: req.ID,
		TenantID:  req.TenantID,
		WorkType:  req.WorkType,
		Stage:     st.Name,
		Payload:   req.Payload,
		Previous:  previous,
	})
	metrics.EmitStage(o.metrics, string(req.WorkType), st.Name, time.Since(started), err)
	if err == nil && out.TokensUsed < 0 {
		err = fmt.Errorf("executor reported negative token usage %d", out.TokensUsed)
	}
	if err != nil {
		o.logger.WarnContext(ctx, "stage failed",
			"request_id", req.ID, "work_type", req.WorkType, "stage", st.Name, "error", err)
	}
	return out, err
}

// finish writes the terminal outcome, then settles the reservation only if this call won the
// transition out of processing. A record already finalized elsewhere (cancelled detached or
// timed out by the reaper) is left alone.
func (o *Orchestrator) finish(ctx context.Context, req *model.Request, out pipelineOutcome, start time.Time) {
	ctx = context.WithoutCancel(ctx)
	now := o.clock.Now()
	reserved := req.TokensReserved

	var markErr error
	if out.err == nil {
		markErr = req.MarkCompleted(now, out.result, out.tokensUsed)
	} else {
		msg, detail := failureText(out.err)
		markErr = req.MarkFailed(now, msg, detail)
		req.TokensUsed = out.tokensUsed
	}
	if markErr != nil {
		o.logger.ErrorContext(ctx, "invalid terminal transition", "request_id", req.ID, "error", markErr)
		return
	}

	won, err := o.requests.Transition(ctx, req, model.RequestStatusProcessing)
	if err != nil {
		// The reservation stays recorded on the row; the abandoned sweep releases it.
		o.logger.ErrorContext(ctx, "failed to persist terminal outcome",
			"request_id", req.ID, "status", req.Status, "error", err)
		return
	}
	if !won {
		o.logger.InfoContext(ctx, "request already finalized elsewhere", "request_id", req.ID)
		return
	}

	o.settle(ctx, req, reserved, out)

	elapsed := time.Since(start)
	o.stats.record(out.err == nil, elapsed)
	result := metrics.ResultSuccess
	if out.err != nil {
		result = metrics.ResultError
	}
	o.emitLifecycle(req, string(req.Status), result, elapsed, out.err)

	if out.err == nil {
		o.logger.InfoContext(ctx, "request completed",
			"request_id", req.ID, "tenant_id", req.TenantID, "tokens_used", out.tokensUsed,
			"reserved", reserved, "duration_ms", elapsed.Milliseconds())
	} else {
		o.logger.WarnContext(ctx, "request failed",
			"request_id", req.ID, "tenant_id", req.TenantID, "error", out.err)
	}

	o.markProcessed(ctx, req)

	if out.err == nil {
		return
	}
	if model.IsRetryable(out.err) && o.scheduleRetry(ctx, req) {
		return
	}
	o.notifyFailure(ctx, req, out.err)
}

func (o *Orchestrator) notifyFailure(ctx context.Context, req *model.Request, cause error) {
	if o.notifier == nil {
		return
	}
	if payload, ok := requestFailurePayload(req, cause, o.clock.Now()); ok {
		o.notifier.NotifyRequestFailure(ctx, payload)
	}
}

// settle returns the reservation. Payload rejections never ran a stage and are released in full;
// everything else is reconciled against the tokens actually reported.
func (o *Orchestrator) settle(ctx context.Context, req *model.Request, reserved int64, out pipelineOutcome) {
	var err error
	if errors.Is(out.err, model.ErrInvalidPayload) {
		_, err = o.quota.Release(ctx, req.TenantID, req.ID, reserved)
	} else {
		_, err = o.quota.Reconcile(ctx, req.TenantID, req.ID, reserved, out.tokensUsed)
	}
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to settle reservation",
			"request_id", req.ID, "tenant_id", req.TenantID, "reserved", reserved, "error", err)
	}
}

func (o *Orchestrator) markProcessed(ctx context.Context, req *model.Request) {
	if o.ledger == nil || req.MessageID == nil {
		return
	}
	var topic string
	if req.Topic != nil {
		topic = *req.Topic
	}
	var duration int64
	if req.ProcessingTimeMs != nil {
		duration = *req.ProcessingTimeMs
	}
	tenantID := req.TenantID
	err := o.ledger.MarkProcessed(ctx, model.ProcessedMessage{
		MessageID:     *req.MessageID,
		CorrelationID: req.CorrelationID,
		Topic:         topic,
		TenantID:      &tenantID,
		DurationMs:    duration,
	})
	if err != nil && !errors.Is(err, model.ErrDuplicateMessage) {
		o.logger.ErrorContext(ctx, "failed to mark message processed",
			"request_id", req.ID, "message_id", *req.MessageID, "error", err)
	}
}

// scheduleRetry moves a failed record back to pending and reports whether that happened.
func (o *Orchestrator) scheduleRetry(ctx context.Context, req *model.Request) bool {
	from := req.Status
	if !req.ScheduleRetry(o.clock.Now()) {
		o.logger.InfoContext(ctx, "retries exhausted",
			"request_id", req.ID, "retry_count", req.RetryCount, "max_retries", req.MaxRetries)
		return false
	}
	won, err := o.requests.Transition(ctx, req, from)
	if err != nil || !won {
		o.logger.ErrorContext(ctx, "failed to schedule retry", "request_id", req.ID, "error", err)
		return false
	}
	o.logger.InfoContext(ctx, "retry scheduled",
		"request_id", req.ID, "retry_count", req.RetryCount, "next_retry_at", req.NextRetryAt)
	return true
}

func (o *Orchestrator) releaseQuietly(ctx context.Context, req *model.Request, amount int64) {
	if _, err := o.quota.Release(context.WithoutCancel(ctx), req.TenantID, req.ID, amount); err != nil {
		o.logger.ErrorContext(ctx, "failed to release reservation",
			"request_id", req.ID, "tenant_id", req.TenantID, "amount", amount, "error", err)
	}
}

// Cancel stops a processing request. A pipeline running in this process observes the flag before
// its next stage. A record processing with no local pipeline (another instance or a crashed one)
// is failed directly and its reservation released. It returns false for any other status.
func (o *Orchestrator) Cancel(ctx context.Context, requestID string) (bool, error) {
	req, err := o.requests.GetByID(ctx, requestID)
	if err != nil {
		return false, fmt.Errorf("cancel: %w", err)
	}
	if req.Status != model.RequestStatusProcessing {
		return false, nil
	}
	if o.tracker.cancel(requestID, o.clock.Now()) {
		o.logger.InfoContext(ctx, "cancellation requested", "request_id", requestID)
		return true, nil
	}

	reserved := req.TokensReserved
	msg := model.ErrRequestCancelled.Error()
	if err := req.MarkFailed(o.clock.Now(), msg, nil); err != nil {
		return false, err
	}
	won, err := o.requests.Transition(ctx, req, model.RequestStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("cancel: %w", err)
	}
	if !won {
		return false, nil
	}
	o.releaseQuietly(ctx, req, reserved)
	o.markProcessed(ctx, req)
	o.emitLifecycle(req, "cancelled", metrics.ResultSuccess, 0, model.ErrRequestCancelled)
	o.logger.InfoContext(ctx, "detached request cancelled", "request_id", requestID)
	return true, nil
}

// GetStatus returns the durable status merged with in-process progress when this instance is
// running the pipeline.
func (o *Orchestrator) GetStatus(ctx context.Context, requestID string) (*model.RequestStatusView, error) {
	req, err := o.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}

	view := &model.RequestStatusView{
		RequestID:        req.ID,
		Status:           req.Status,
		Error:            req.ErrorMessage,
		ProcessingTimeMs: req.ProcessingTimeMs,
		RetryCount:       req.RetryCount,
		NextRetryAt:      req.NextRetryAt,
	}
	if req.Status == model.RequestStatusCompleted {
		view.Result = req.Result
		done := 100
		view.Progress = &done
	}
	if req.Status.Terminal() {
		used := req.TokensUsed
		view.TokensUsed = &used
	}
	if req.Status == model.RequestStatusProcessing {
		if p, ok := o.tracker.get(req.ID); ok {
			progress := p.Progress
			view.Progress = &progress
			if p.Stage != "" {
				stage := p.Stage
				view.CurrentStage = &stage
			}
		}
	}
	return view, nil
}

// GetPipelineStats returns outcome totals observed by this process.
func (o *Orchestrator) GetPipelineStats() model.PipelineStats {
	s := o.stats.snapshot()
	s.InFlight = int64(o.tracker.len())
	return s
}

// ProcessBatch submits every item for tenantID concurrently. One item's failure never aborts the
// others; results are returned in input order.
func (o *Orchestrator) ProcessBatch(ctx context.Context, tenantID string, items []model.BatchItem) []model.BatchResult {
	results := make([]model.BatchResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.BatchConcurrency)

	for i, item := range items {
		g.Go(func() error {
			id, err := o.Submit(gctx, SubmitParams{
				WorkType:      item.WorkType,
				TenantID:      tenantID,
				Payload:       item.Payload,
				CorrelationID: item.CorrelationID,
				UserID:        item.UserID,
			})
			results[i] = model.BatchResult{Index: i, RequestID: id}
			if err != nil {
				results[i].Error = err.Error()
				results[i].Err = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Shutdown stops accepting submissions and waits for in-flight pipelines. When ctx expires first
// the remaining stages are cancelled; their records fail and are retried later.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closed.Store(true)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.abort()
		return nil
	case <-ctx.Done():
		o.logger.WarnContext(ctx, "shutdown timeout, aborting in-flight pipelines",
			"in_flight", o.tracker.len())
		o.abort()
		<-done
		return ctx.Err()
	}
}

// Wait blocks until every launched pipeline has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) emitLifecycle(req *model.Request, transition, result string, d time.Duration, err error) {
	metrics.EmitRequestLifecycle(o.metrics, metrics.RequestMetric{
		WorkType:   string(req.WorkType),
		Transition: transition,
		Result:     result,
		Duration:   d,
		Err:        err,
	})
}

// failureText splits a pipeline error into the stored message and optional detail.
func failureText(err error) (string, *string) {
	var execErr *model.ExecutorFailureError
	if errors.As(err, &execErr) {
		detail := execErr.Err.Error()
		return fmt.Sprintf("stage %s failed", execErr.Stage), &detail
	}
	return err.Error(), nil
}
