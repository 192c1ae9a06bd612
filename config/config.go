package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres, Redis and ledger cache configuration
//   - http.go: ops HTTP server configuration
//   - pipeline.go: orchestrator, quota, bus and executor configuration
//   - services.go: service modes, retry scheduler and reaper configuration
type AppConfig struct {
	// IsDev controls development mode behavior (text logs, debug level).
	// Set DEV=true or APP_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// LogLevel overrides the mode default: debug, info, warn or error.
	LogLevel string `env:"LOG_LEVEL"`

	// Database configuration
	Postgres DBConfig          `envPrefix:"DB_"`
	Redis    RedisConfig       `envPrefix:"REDIS_"`
	Ledger   LedgerCacheConfig `envPrefix:"LEDGER_"`

	// HTTP server configuration
	HTTP HTTPConfig `envPrefix:"HTTP_"`

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"http,worker,scheduler,reaper"`

	// Request pipeline configuration
	Orchestrator OrchestratorConfig `envPrefix:"ORCHESTRATOR_"`
	Quota        QuotaConfig        `envPrefix:"QUOTA_"`
	Bus          BusConfig          `envPrefix:"BUS_"`
	Executor     ExecutorConfig     `envPrefix:"EXECUTOR_"`

	// Background loops
	Scheduler SchedulerConfig `envPrefix:"SCHEDULER_"`
	Reaper    ReaperConfig    `envPrefix:"REAPER_"`

	// Observability configuration
	Observability ObservabilityConfig `envPrefix:"OBSERVABILITY_"`
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Ledger.Sanitize()
	c.Orchestrator.Sanitize()
	c.Quota.Sanitize()
	c.Bus.Sanitize()
	c.Executor.Sanitize()
	c.Scheduler.Sanitize()
	c.Reaper.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// detectDevMode falls back to APP_ENV when DEV is not set.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsEnabled reports whether the given service mode is enabled. Invalid configuration enables nothing.
func (c *AppConfig) IsEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool { return c.IsEnabled(ServiceModeHTTP) }

// IsWorkerEnabled returns true if the bus consumer and pipeline workers are enabled.
func (c *AppConfig) IsWorkerEnabled() bool { return c.IsEnabled(ServiceModeWorker) }

// IsSchedulerEnabled returns true if the retry scheduler is enabled.
func (c *AppConfig) IsSchedulerEnabled() bool { return c.IsEnabled(ServiceModeScheduler) }

// IsReaperEnabled returns true if the daily cleanup reaper is enabled.
func (c *AppConfig) IsReaperEnabled() bool { return c.IsEnabled(ServiceModeReaper) }
