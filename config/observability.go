package config

import (
	"strings"
	"time"
)

const defaultObservabilityName = "quotaflow"

// ObservabilityConfig groups configuration that controls metrics and failure notifications.
type ObservabilityConfig struct {
	Metrics       ObservabilityMetricsConfig       `envPrefix:"METRICS_"`
	Notifications ObservabilityNotificationsConfig `envPrefix:"NOTIFICATIONS_"`
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Metrics.Sanitize()
	c.Notifications.Sanitize()
}

// ObservabilityMetricsConfig controls emission of DogStatsD-style metrics over UDP.
type ObservabilityMetricsConfig struct {
	Enabled       bool   `env:"ENABLED"        envDefault:"false"`
	StatsdAddress string `env:"STATSD_ADDRESS" envDefault:"127.0.0.1:8125"`
	Prefix        string `env:"PREFIX"         envDefault:"quotaflow"`
	// GlobalTags are attached to every metric, e.g. "env:prod,region:us-east".
	GlobalTags    map[string]string `env:"GLOBAL_TAGS"     envKeyValSeparator:":"`
	FlushInterval time.Duration     `env:"FLUSH_INTERVAL"  envDefault:"1s"`
	MaxPacketSize int               `env:"MAX_PACKET_SIZE" envDefault:"1432"`
}

// Sanitize normalises derived fields and enforces safe defaults.
func (c *ObservabilityMetricsConfig) Sanitize() {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	if c.StatsdAddress == "" {
		c.Enabled = false
	}
	c.Prefix = strings.Trim(strings.TrimSpace(c.Prefix), ".")
	if c.FlushInterval < 100*time.Millisecond {
		c.FlushInterval = time.Second
	}
	// Stay under a typical 1500 byte MTU and above the size of one line.
	if c.MaxPacketSize < 512 || c.MaxPacketSize > 65000 {
		c.MaxPacketSize = 1432
	}
}

// IsEnabled returns true when metrics emission is active after sanitisation.
func (c *ObservabilityMetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}

// ObservabilityNotificationsConfig controls outbound notifications for requests that failed for good.
type ObservabilityNotificationsConfig struct {
	Enabled    bool          `env:"ENABLED"     envDefault:"false"`
	Timeout    time.Duration `env:"TIMEOUT"     envDefault:"5s"`
	RetryLimit int           `env:"RETRY_LIMIT" envDefault:"3"`
	// DeliveryTimeout bounds one sink delivery including its retries.
	DeliveryTimeout time.Duration `env:"DELIVERY_TIMEOUT" envDefault:"20s"`

	Slack     SlackNotificationConfig     `envPrefix:"SLACK_"`
	PagerDuty PagerDutyNotificationConfig `envPrefix:"PAGERDUTY_"`
}

// Sanitize normalises notification configuration values.
func (c *ObservabilityNotificationsConfig) Sanitize() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	c.RetryLimit = min(max(c.RetryLimit, 0), 10)
	if c.DeliveryTimeout < c.Timeout {
		c.DeliveryTimeout = c.Timeout * time.Duration(c.RetryLimit+1)
	}

	c.Slack.sanitize()
	c.PagerDuty.sanitize()

	if !c.Enabled {
		c.Slack.Enabled = false
		c.PagerDuty.Enabled = false
		return
	}

	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		c.Slack.Enabled = false
	}

	if c.PagerDuty.Enabled && c.PagerDuty.RoutingKey == "" {
		c.PagerDuty.Enabled = false
	}
}

// SlackNotificationConfig controls Slack webhook fan-out.
type SlackNotificationConfig struct {
	Enabled    bool   `env:"ENABLED"     envDefault:"false"`
	WebhookURL string `env:"WEBHOOK_URL"`
	Channel    string `env:"CHANNEL"`
	Username   string `env:"USERNAME"    envDefault:"quotaflow"`
	// StatusURLPrefix turns request ids into links, e.g. https://ops.example/api/requests.
	StatusURLPrefix string `env:"STATUS_URL_PREFIX"`
}

func (c *SlackNotificationConfig) sanitize() {
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	c.Channel = strings.TrimSpace(c.Channel)
	c.StatusURLPrefix = strings.TrimSpace(c.StatusURLPrefix)
	if c.Username == "" {
		c.Username = defaultObservabilityName
	}
}

// PagerDutyNotificationConfig controls PagerDuty Events API v2 fan-out.
type PagerDutyNotificationConfig struct {
	Enabled    bool   `env:"ENABLED"     envDefault:"false"`
	RoutingKey string `env:"ROUTING_KEY"`
	Source     string `env:"SOURCE"      envDefault:"quotaflow"`
	Component  string `env:"COMPONENT"   envDefault:"quotaflow"`
}

func (c *PagerDutyNotificationConfig) sanitize() {
	c.RoutingKey = strings.TrimSpace(c.RoutingKey)
	if c.Source = strings.TrimSpace(c.Source); c.Source == "" {
		c.Source = defaultObservabilityName
	}
	if c.Component = strings.TrimSpace(c.Component); c.Component == "" {
		c.Component = defaultObservabilityName
	}
}
