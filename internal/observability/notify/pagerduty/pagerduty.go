// Package pagerduty raises incidents for failed requests through the Events API v2.
package pagerduty

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/target/quotaflow/internal/observability/notify"
)

// APIEndpoint is the Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

// Config captures runtime configuration for the PagerDuty sink.
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// Endpoint overrides APIEndpoint.
	Endpoint string
}

// Client publishes trigger events.
type Client struct {
	routingKey string
	source     string
	component  string
	endpoint   string
	poster     notify.Poster
}

// NewClient constructs a client. A routing key is required.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}
	return &Client{
		routingKey: key,
		source:     notify.Or(strings.TrimSpace(cfg.Source), "quotaflow"),
		component:  notify.Or(strings.TrimSpace(cfg.Component), "quotaflow"),
		endpoint:   notify.Or(cfg.Endpoint, APIEndpoint),
		poster:     notify.NewPoster("pagerduty", cfg.Client, cfg.Timeout, cfg.RetryLimit),
	}, nil
}

type event struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key,omitempty"`
	Payload     eventPayload `json:"payload"`
}

type eventPayload struct {
	Summary       string         `json:"summary"`
	Severity      string         `json:"severity"`
	Source        string         `json:"source"`
	Component     string         `json:"component"`
	Timestamp     string         `json:"timestamp"`
	CustomDetails map[string]any `json:"custom_details"`
}

// SendRequestFailure triggers (or re-triggers) the incident for the failed request.
func (c *Client) SendRequestFailure(ctx context.Context, p notify.RequestFailurePayload) error {
	return c.poster.PostJSON(ctx, c.endpoint, c.buildEvent(p))
}

func (c *Client) buildEvent(p notify.RequestFailurePayload) event {
	at := p.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return event{
		RoutingKey:  c.routingKey,
		EventAction: "trigger",
		// Retried failures of one request land on the same incident.
		DedupKey: strings.Trim(p.TenantID+":"+p.RequestID, ":"),
		Payload: eventPayload{
			Summary: fmt.Sprintf("Request %s (%s) %s",
				notify.Or(p.RequestID, "unknown"), notify.Or(p.WorkType, "unknown"), notify.Or(p.Status, "failed")),
			Severity:      notify.Or(strings.ToLower(p.Severity), notify.SeverityCritical),
			Source:        c.source,
			Component:     c.component,
			Timestamp:     at.UTC().Format(time.RFC3339),
			CustomDetails: customDetails(p),
		},
	}
}

// customDetails flattens the payload; metadata never shadows a core field.
func customDetails(p notify.RequestFailurePayload) map[string]any {
	details := make(map[string]any, 9+len(p.Metadata))
	for k, v := range p.Metadata {
		details[k] = v
	}
	core := map[string]any{
		"request_id":     p.RequestID,
		"correlation_id": p.CorrelationID,
		"work_type":      p.WorkType,
		"tenant_id":      p.TenantID,
		"status":         p.Status,
		"retry_count":    p.RetryCount,
		"max_retries":    p.MaxRetries,
		"error":          p.Error,
		"error_class":    p.ErrorClass,
	}
	for k, v := range core {
		details[k] = v
	}
	return details
}
