package config

import (
	"reflect"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "single service - http",
			input:    "http",
			expected: map[ServiceMode]bool{ServiceModeHTTP: true},
		},
		{
			name:     "single service - worker",
			input:    "worker",
			expected: map[ServiceMode]bool{ServiceModeWorker: true},
		},
		{
			name:  "all services with spaces",
			input: " http , worker , scheduler , reaper ",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:      true,
				ServiceModeWorker:    true,
				ServiceModeScheduler: true,
				ServiceModeReaper:    true,
			},
		},
		{
			name:  "duplicate services",
			input: "worker,worker,scheduler",
			expected: map[ServiceMode]bool{
				ServiceModeWorker:    true,
				ServiceModeScheduler: true,
			},
		},
		{name: "empty string", input: "", expectError: true},
		{name: "only commas", input: " , ,", expectError: true},
		{name: "invalid service", input: "http,rules-engine", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestConfig_ServiceEnabledMethods(t *testing.T) {
	cfg := AppConfig{Services: "http,reaper"}

	if !cfg.IsHTTPServerEnabled() {
		t.Errorf("expected http enabled")
	}
	if cfg.IsWorkerEnabled() {
		t.Errorf("expected worker disabled")
	}
	if cfg.IsSchedulerEnabled() {
		t.Errorf("expected scheduler disabled")
	}
	if !cfg.IsReaperEnabled() {
		t.Errorf("expected reaper enabled")
	}

	invalid := AppConfig{Services: "bogus"}
	if invalid.IsHTTPServerEnabled() || invalid.IsReaperEnabled() {
		t.Errorf("expected invalid configuration to enable nothing")
	}
}

func TestValidServiceModes(t *testing.T) {
	expected := []ServiceMode{ServiceModeHTTP, ServiceModeWorker, ServiceModeScheduler, ServiceModeReaper}
	if got := ValidServiceModes(); !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
}

func TestAppConfig_Defaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"pool size", cfg.Orchestrator.PoolSize, 4},
		{"max retries", cfg.Orchestrator.MaxRetries, 3},
		{"stage timeout", cfg.Orchestrator.StageTimeout, 2 * time.Minute},
		{"quota lock timeout", cfg.Quota.LockTimeout, 5 * time.Second},
		{"scheduler interval", cfg.Scheduler.Interval, 5 * time.Minute},
		{"reaper interval", cfg.Reaper.Interval, 24 * time.Hour},
		{"abandoned after", cfg.Reaper.AbandonedAfter, 24 * time.Hour},
		{"ledger retention", cfg.Reaper.LedgerRetention, 7 * 24 * time.Hour},
		{"request retention", cfg.Reaper.RequestRetention, 30 * 24 * time.Hour},
		{"reaper batch", cfg.Reaper.BatchSize, 1000},
		{"stream prefix", cfg.Bus.StreamPrefix, "quotaflow:"},
		{"group", cfg.Bus.Group, "quotaflow"},
		{"claim idle", cfg.Bus.ClaimIdle, time.Minute},
		{"topics", cfg.Bus.Topics, []string{"analysis", "chat", "accounting", "credit_score"}},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(c.got, c.want) {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, c.got)
		}
	}
}

func TestAppConfig_ParsePrefixedEnv(t *testing.T) {
	t.Setenv("ORCHESTRATOR_POOL_SIZE", "8")
	t.Setenv("QUOTA_LOCK_TIMEOUT", "250ms")
	t.Setenv("BUS_TOPICS", "chat, analysis")
	t.Setenv("REAPER_ABANDONED_AFTER", "12h")
	t.Setenv("EXECUTOR_BASE_URL", " http://executor:9000/ ")
	t.Setenv("OBSERVABILITY_METRICS_ENABLED", "true")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Orchestrator.PoolSize != 8 {
		t.Errorf("expected pool size 8, got %d", cfg.Orchestrator.PoolSize)
	}
	if cfg.Quota.LockTimeout != 250*time.Millisecond {
		t.Errorf("expected lock timeout 250ms, got %v", cfg.Quota.LockTimeout)
	}
	if !reflect.DeepEqual(cfg.Bus.Topics, []string{"chat", "analysis"}) {
		t.Errorf("unexpected topics %v", cfg.Bus.Topics)
	}
	if cfg.Reaper.AbandonedAfter != 12*time.Hour {
		t.Errorf("expected abandoned after 12h, got %v", cfg.Reaper.AbandonedAfter)
	}
	if cfg.Executor.BaseURL != "http://executor:9000" {
		t.Errorf("expected trimmed base url, got %q", cfg.Executor.BaseURL)
	}
	if !cfg.Observability.Metrics.IsEnabled() {
		t.Errorf("expected metrics enabled")
	}
}

func TestReaperConfig_Sanitize(t *testing.T) {
	cfg := ReaperConfig{BatchSize: 50000}
	cfg.Sanitize()

	if cfg.Interval != time.Minute {
		t.Errorf("expected interval clamped to 1m, got %v", cfg.Interval)
	}
	if cfg.AbandonedAfter != 5*time.Minute {
		t.Errorf("expected abandoned after clamped to 5m, got %v", cfg.AbandonedAfter)
	}
	if cfg.BatchSize != 10000 {
		t.Errorf("expected batch size clamped to 10000, got %d", cfg.BatchSize)
	}
}

func TestOrchestratorConfig_Sanitize(t *testing.T) {
	cfg := OrchestratorConfig{PoolSize: 0, MaxRetries: -2, StageTimeout: time.Millisecond}
	cfg.Sanitize()

	if cfg.PoolSize != 1 {
		t.Errorf("expected pool size 1, got %d", cfg.PoolSize)
	}
	if cfg.MaxRetries != 1 {
		t.Errorf("expected max retries 1, got %d", cfg.MaxRetries)
	}
	if cfg.StageTimeout != time.Second {
		t.Errorf("expected stage timeout 1s, got %v", cfg.StageTimeout)
	}

	zero := OrchestratorConfig{MaxRetries: 0}
	zero.Sanitize()
	if zero.MaxRetries != 1 {
		t.Errorf("zero max retries must not fall through to the record default, got %d", zero.MaxRetries)
	}
}

func TestObservabilityMetricsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " ",
	}

	cfg.Sanitize()

	if cfg.Enabled {
		t.Fatalf("expected enabled to be false when address is empty")
	}

	cfg = ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " statsd:1234 ",
	}

	cfg.Sanitize()

	if !cfg.IsEnabled() {
		t.Fatalf("expected metrics to remain enabled")
	}
	if cfg.StatsdAddress != "statsd:1234" {
		t.Fatalf("expected address to be trimmed, got %q", cfg.StatsdAddress)
	}
}

func TestObservabilityNotificationsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityNotificationsConfig{
		Enabled:    true,
		Timeout:    0,
		RetryLimit: -1,
		Slack:      SlackNotificationConfig{Enabled: true, WebhookURL: " "},
		PagerDuty:  PagerDutyNotificationConfig{Enabled: true, RoutingKey: " key ", Source: " "},
	}

	cfg.Sanitize()

	if cfg.Timeout != 5*time.Second {
		t.Errorf("expected default timeout, got %v", cfg.Timeout)
	}
	if cfg.RetryLimit != 0 {
		t.Errorf("expected retry limit clamped to 0, got %d", cfg.RetryLimit)
	}
	if cfg.Slack.Enabled {
		t.Error("expected slack disabled without webhook url")
	}
	if cfg.Slack.Username != "quotaflow" {
		t.Errorf("expected default slack username, got %q", cfg.Slack.Username)
	}
	if !cfg.PagerDuty.Enabled || cfg.PagerDuty.RoutingKey != "key" {
		t.Errorf("expected pagerduty enabled with trimmed key, got %+v", cfg.PagerDuty)
	}
	if cfg.PagerDuty.Source != "quotaflow" {
		t.Errorf("expected default source, got %q", cfg.PagerDuty.Source)
	}

	cfg = ObservabilityNotificationsConfig{
		Slack: SlackNotificationConfig{Enabled: true, WebhookURL: "https://hooks.example/x"},
	}
	cfg.Sanitize()
	if cfg.Slack.Enabled {
		t.Error("expected sinks disabled when notifications are off")
	}
}

func TestObservabilityConfig_ParseNotifications(t *testing.T) {
	var cfg AppConfig
	err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{
		"OBSERVABILITY_NOTIFICATIONS_ENABLED":                 "true",
		"OBSERVABILITY_NOTIFICATIONS_SLACK_ENABLED":           "true",
		"OBSERVABILITY_NOTIFICATIONS_SLACK_WEBHOOK_URL":       "https://hooks.example/x",
		"OBSERVABILITY_NOTIFICATIONS_SLACK_STATUS_URL_PREFIX": "https://ops.example/api/requests",
	}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.Sanitize()

	n := cfg.Observability.Notifications
	if !n.Enabled || !n.Slack.Enabled {
		t.Fatalf("expected slack notifications enabled, got %+v", n)
	}
	if n.Slack.StatusURLPrefix != "https://ops.example/api/requests" {
		t.Errorf("unexpected status url prefix %q", n.Slack.StatusURLPrefix)
	}
	if n.RetryLimit != 3 {
		t.Errorf("expected default retry limit 3, got %d", n.RetryLimit)
	}
}

func TestObservabilityMetricsConfig_ParseTagsAndClamp(t *testing.T) {
	var cfg AppConfig
	err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{
		"OBSERVABILITY_METRICS_ENABLED":         "true",
		"OBSERVABILITY_METRICS_PREFIX":          " quotaflow. ",
		"OBSERVABILITY_METRICS_GLOBAL_TAGS":     "env:prod,region:us-east",
		"OBSERVABILITY_METRICS_MAX_PACKET_SIZE": "100",
	}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.Sanitize()

	m := cfg.Observability.Metrics
	if !reflect.DeepEqual(m.GlobalTags, map[string]string{"env": "prod", "region": "us-east"}) {
		t.Errorf("unexpected global tags %v", m.GlobalTags)
	}
	if m.Prefix != "quotaflow" {
		t.Errorf("expected trimmed prefix, got %q", m.Prefix)
	}
	if m.MaxPacketSize != 1432 {
		t.Errorf("expected packet size reset to 1432, got %d", m.MaxPacketSize)
	}
	if m.FlushInterval != time.Second {
		t.Errorf("expected default flush interval, got %v", m.FlushInterval)
	}
}

func TestObservabilityNotificationsConfig_DeliveryTimeoutCoversRetries(t *testing.T) {
	cfg := ObservabilityNotificationsConfig{Timeout: 2 * time.Second, RetryLimit: 20, DeliveryTimeout: time.Second}
	cfg.Sanitize()

	if cfg.RetryLimit != 10 {
		t.Errorf("expected retry limit capped at 10, got %d", cfg.RetryLimit)
	}
	if cfg.DeliveryTimeout != 22*time.Second {
		t.Errorf("expected delivery timeout 22s, got %v", cfg.DeliveryTimeout)
	}
}
