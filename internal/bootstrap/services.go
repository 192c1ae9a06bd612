package bootstrap

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/target/quotaflow/config"
	"github.com/target/quotaflow/internal/adapters/executor"
	"github.com/target/quotaflow/internal/core"
	"github.com/target/quotaflow/internal/data"
	"github.com/target/quotaflow/internal/domain/pipeline"
	"github.com/target/quotaflow/internal/observability/notify/pagerduty"
	"github.com/target/quotaflow/internal/observability/notify/slack"
	"github.com/target/quotaflow/internal/observability/statsd"
	"github.com/target/quotaflow/internal/service"
	"github.com/target/quotaflow/internal/service/failurenotifier"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Orchestrator  *service.Orchestrator
	Quota         *service.QuotaService
	Ledger        *service.IdempotencyService
	Intake        *service.IntakeService
	Requests      core.RequestRepository
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     statsd.Sink
	MetricsClient   *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger

	// Executors overrides the HTTP stage executor (tests, embedded executors).
	Executors pipeline.ExecutorFactory
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	Requests *data.RequestRepo
	Ledger   *data.LedgerRepo
	Quota    *data.QuotaRepo
	Cache    core.ProcessedCache
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	out := ObservabilityContainer{
		MetricsConfig:  cfg.Metrics,
		NotifierConfig: cfg.Notifications,
	}
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled:       true,
			Address:       cfg.Metrics.StatsdAddress,
			Prefix:        cfg.Metrics.Prefix,
			GlobalTags:    cfg.Metrics.GlobalTags,
			FlushInterval: cfg.Metrics.FlushInterval,
			MaxPacketSize: cfg.Metrics.MaxPacketSize,
			Logger:        obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			out.MetricsClient = client
			out.MetricsSink = client
		}
	}

	out.FailureNotifier = buildFailureNotifier(obsLogger, out.MetricsSink, cfg.Notifications)
	return out
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(deps *ServiceDeps, logger *slog.Logger) *serviceRepositories {
	repoCfg := data.RepoConfig{Logger: logger}
	repos := &serviceRepositories{
		Requests: data.NewRequestRepo(deps.DB, repoCfg),
		Ledger:   data.NewLedgerRepo(deps.DB, repoCfg),
	}

	var quotaCfg config.QuotaConfig
	if deps.Config != nil {
		quotaCfg = deps.Config.Quota
	}
	repos.Quota = data.NewQuotaRepo(deps.DB, data.QuotaRepoConfig{RepoConfig: repoCfg, LockTimeout: quotaCfg.LockTimeout})

	if deps.RedisClient != nil && deps.Config != nil && deps.Config.Ledger.CacheEnabled {
		repos.Cache = data.NewRedisProcessedCache(deps.RedisClient, deps.Config.Ledger.CachePrefix)
	}
	return repos
}

func newExecutorFactory(cfg config.ExecutorConfig, logger *slog.Logger) (pipeline.ExecutorFactory, error) {
	exec, err := executor.NewHTTPExecutor(executor.HTTPExecutorOptions{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create stage executor: %w", err)
	}
	return exec.Factory(), nil
}

// NewServices wires repositories, the quota ledger, the orchestrator and intake.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service deps are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.AppConfig{}
	}

	observability := buildObservability(logger, cfg.Observability)
	repos := buildRepositories(deps, logger)

	quota, err := service.NewQuotaService(service.QuotaServiceOptions{
		Repo:    repos.Quota,
		Logger:  logger,
		Metrics: observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	ledgerCfg := service.IdempotencyConfig{}
	if repos.Cache != nil {
		ledgerCfg.CacheTTL = cfg.Ledger.CacheTTL
	}
	ledger, err := service.NewIdempotencyService(service.IdempotencyServiceOptions{
		Repo:   repos.Ledger,
		Cache:  repos.Cache,
		Config: ledgerCfg,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	executors := deps.Executors
	if executors == nil {
		executors, err = newExecutorFactory(cfg.Executor, logger)
		if err != nil {
			return ServiceContainer{}, err
		}
	}
	registry, err := pipeline.NewRegistry(pipeline.DefaultDefinitions(executors))
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build pipeline registry: %w", err)
	}

	orch, err := service.NewOrchestrator(service.OrchestratorOptions{
		Requests: repos.Requests,
		Quota:    quota,
		Registry: registry,
		Ledger:   ledger,
		Notifier: observability.FailureNotifier,
		Config:   cfg.Orchestrator,
		Logger:   logger,
		Metrics:  observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	intake, err := service.NewIntakeService(service.IntakeServiceOptions{
		Ledger:    ledger,
		Submitter: orch,
		Logger:    logger,
		Metrics:   observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	return ServiceContainer{
		Orchestrator:  orch,
		Quota:         quota,
		Ledger:        ledger,
		Intake:        intake,
		Requests:      repos.Requests,
		Observability: observability,
	}, nil
}

func buildFailureNotifier(
	logger *slog.Logger,
	sink statsd.Sink,
	cfg config.ObservabilityNotificationsConfig,
) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{Logger: baseLogger, Metrics: sink})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:      cfg.Slack.WebhookURL,
			Channel:         cfg.Slack.Channel,
			Username:        cfg.Slack.Username,
			Timeout:         cfg.Timeout,
			RetryLimit:      cfg.RetryLimit,
			StatusURLPrefix: cfg.Slack.StatusURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger:          baseLogger,
		Metrics:         sink,
		Sinks:           sinks,
		DeliveryTimeout: cfg.DeliveryTimeout,
	})
}
