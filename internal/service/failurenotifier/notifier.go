// Package failurenotifier fans terminal request failures out to the configured sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/quotaflow/internal/domain/model"
	"github.com/target/quotaflow/internal/observability/metrics"
	"github.com/target/quotaflow/internal/observability/notify"
	"github.com/target/quotaflow/internal/observability/statsd"
)

const defaultDeliveryTimeout = 10 * time.Second

// SinkRegistration names a sink for logs and metric tags.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger  *slog.Logger
	Metrics statsd.Sink
	Sinks   []SinkRegistration
	// DeliveryTimeout bounds each sink independently of the caller's context.
	DeliveryTimeout time.Duration
}

// Service dispatches request failure events to every registered sink.
type Service struct {
	logger  *slog.Logger
	metrics statsd.Sink
	sinks   []SinkRegistration
	timeout time.Duration
}

// NewService constructs a notifier. Nil sinks are dropped.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.DeliveryTimeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	s := &Service{
		logger:  logger.With("component", "failure_notifier"),
		metrics: opts.Metrics,
		timeout: timeout,
	}
	for _, reg := range opts.Sinks {
		if reg.Sink == nil {
			continue
		}
		if reg.Name == "" {
			reg.Name = "sink"
		}
		s.sinks = append(s.sinks, reg)
	}
	return s
}

// NotifyRequestFailure delivers the payload to every sink concurrently and returns once all
// deliveries finish. Only failed and timed-out records are announced; one sink failing never
// stops the others.
func (s *Service) NotifyRequestFailure(ctx context.Context, payload notify.RequestFailurePayload) {
	if len(s.sinks) == 0 {
		return
	}
	if status := model.RequestStatus(payload.Status); status != model.RequestStatusFailed && status != model.RequestStatusTimeout {
		s.logger.DebugContext(ctx, "not a failure, skipping notification",
			"request_id", payload.RequestID, "status", payload.Status)
		return
	}
	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}

	// Deliveries survive the caller's cancellation; each is bounded by s.timeout instead.
	base := context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, reg := range s.sinks {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(base, s.timeout)
			defer cancel()
			start := time.Now()
			err := reg.Sink.SendRequestFailure(dctx, payload)
			metrics.EmitNotification(s.metrics, reg.Name, time.Since(start), err)
			if err != nil {
				s.logger.ErrorContext(ctx, "failure notification not delivered",
					"sink", reg.Name,
					"request_id", payload.RequestID,
					"tenant_id", payload.TenantID,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Enabled reports whether any sink is registered.
func (s *Service) Enabled() bool {
	return len(s.sinks) > 0
}
