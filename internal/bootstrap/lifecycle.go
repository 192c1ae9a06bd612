package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/quotaflow/config"
	"github.com/target/quotaflow/internal/observability/statsd"
)

// ServiceOrchestrationConfig is everything RunServicesWithShutdown needs to start the enabled
// modes and stop them again.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// stopWait bounds how long shutdown waits on each background loop and, when no drain timeout
// is configured, on the orchestrator.
const stopWait = 15 * time.Second

// loop is a background service mode.
type loop struct {
	mode config.ServiceMode
	run  func(context.Context) error
}

// running tracks a started loop until it returns.
type running struct {
	mode config.ServiceMode
	done <-chan struct{}
}

// drainer is the part of the orchestrator shutdown needs.
type drainer interface {
	Shutdown(ctx context.Context) error
}

// RunServicesWithShutdown starts every enabled mode and blocks until SIGINT/SIGTERM arrives or
// one of them fails. Either way the HTTP listener stops first, then the background loops, then
// in-flight pipelines are drained.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	var server *http.Server
	if enabled[config.ServiceModeHTTP] {
		server, err = StartHTTPServer(&HTTPServerConfig{
			Config:   cfg.Config,
			Services: cfg.Services,
			DB:       cfg.DB,
			Redis:    cfg.RedisClient,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("start http server: %w", err)
		}
	}

	signalCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()

	failures := make(chan error, errorChannelBufferSize(enabled))
	started := startLoops(loopCtx, logger, enabled, backgroundLoops(cfg, logger), failures)

	st := stopper{
		cancel:          cancelLoops,
		server:          server,
		httpTimeout:     cfg.Config.HTTP.ShutdownTimeout,
		loops:           started,
		orchestratorTTL: cfg.Config.Orchestrator.ShutdownTimeout,
		metrics:         cfg.Services.Observability.MetricsClient,
		logger:          logger,
	}
	if cfg.Services.Orchestrator != nil {
		st.orchestrator = cfg.Services.Orchestrator
	}
	return st.wait(signalCtx.Done(), failures)
}

func backgroundLoops(cfg *ServiceOrchestrationConfig, logger *slog.Logger) []loop {
	svc := cfg.Services
	metrics := svc.Observability.MetricsSink
	return []loop{
		{mode: config.ServiceModeWorker, run: func(ctx context.Context) error {
			return RunWorker(ctx, WorkerConfig{
				RedisClient: cfg.RedisClient,
				Intake:      svc.Intake,
				Bus:         cfg.Config.Bus,
				Logger:      logger,
				Metrics:     metrics,
			})
		}},
		{mode: config.ServiceModeScheduler, run: func(ctx context.Context) error {
			if svc.Orchestrator == nil {
				return errors.New("scheduler requires the orchestrator")
			}
			return RunScheduler(ctx, SchedulerConfig{
				DB:         cfg.DB,
				Requests:   svc.Requests,
				Dispatcher: svc.Orchestrator,
				Config:     cfg.Config.Scheduler,
				Logger:     logger,
				Metrics:    metrics,
			})
		}},
		{mode: config.ServiceModeReaper, run: func(ctx context.Context) error {
			rc := ReaperConfig{
				DB:       cfg.DB,
				Config:   cfg.Config.Reaper,
				Logger:   logger,
				Metrics:  metrics,
				Requests: svc.Requests,
				Ledger:   svc.Ledger,
				Quota:    svc.Quota,
			}
			if svc.Observability.FailureNotifier != nil {
				rc.Notifier = svc.Observability.FailureNotifier
			}
			return RunReaper(ctx, rc)
		}},
	}
}

// startLoops launches each enabled loop in its own goroutine. A loop that returns an error
// reports it on failures; errors beyond the channel's capacity are logged and dropped.
func startLoops(
	ctx context.Context,
	logger *slog.Logger,
	enabled map[config.ServiceMode]bool,
	loops []loop,
	failures chan<- error,
) []running {
	out := make([]running, 0, len(loops))
	for _, l := range loops {
		if !enabled[l.mode] {
			continue
		}
		done := make(chan struct{})
		go func(l loop) {
			defer close(done)
			err := l.run(ctx)
			if err == nil {
				return
			}
			err = fmt.Errorf("%s failed: %w", l.mode, err)
			select {
			case failures <- err:
			default:
				logger.WarnContext(ctx, "dropping background service error", "service", string(l.mode), "error", err)
			}
		}(l)
		logger.InfoContext(ctx, "background service started", "service", string(l.mode))
		out = append(out, running{mode: l.mode, done: done})
	}
	return out
}

// errorChannelBufferSize leaves room for one failure per enabled mode plus the HTTP listener.
func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	n := 1
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			n++
		}
	}
	return n
}

type stopper struct {
	cancel          context.CancelFunc
	server          *http.Server
	httpTimeout     time.Duration
	loops           []running
	orchestrator    drainer
	orchestratorTTL time.Duration
	metrics         *statsd.Client
	logger          *slog.Logger
}

// wait blocks until a signal or a loop failure, then stops everything. A loop failure is
// returned even when the stop itself succeeds.
func (s stopper) wait(signals <-chan struct{}, failures <-chan error) error {
	select {
	case <-signals:
		s.logger.Info("shutdown signal received")
		return s.stop()
	case err := <-failures:
		s.logger.Error("background service failed", "error", err)
		if stopErr := s.stop(); stopErr != nil {
			s.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

func (s stopper) stop() error {
	var errs []error

	if s.server != nil {
		if err := ShutdownHTTPServer(ShutdownConfig{
			Server:  s.server,
			Timeout: s.httpTimeout,
			Logger:  s.logger,
		}); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	for _, r := range s.loops {
		select {
		case <-r.done:
			s.logger.Info("background service stopped", "service", string(r.mode))
		case <-time.After(stopWait):
			s.logger.Warn("background service did not stop in time", "service", string(r.mode))
		}
	}

	if s.orchestrator != nil {
		ttl := s.orchestratorTTL
		if ttl <= 0 {
			ttl = stopWait
		}
		ctx, cancel := context.WithTimeout(context.Background(), ttl)
		err := s.orchestrator.Shutdown(ctx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("drain pipelines: %w", err))
		} else {
			s.logger.Info("in-flight pipelines drained")
		}
	}

	if s.metrics != nil {
		if err := s.metrics.Close(); err != nil {
			s.logger.Warn("close statsd client", "error", err)
		}
	}
	return errors.Join(errs...)
}
