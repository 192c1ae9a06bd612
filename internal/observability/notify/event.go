// Package notify defines the payload and sink contract for request failure notifications.
package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// RequestFailurePayload captures the canonical data emitted when a request fails for good.
type RequestFailurePayload struct {
	RequestID     string
	CorrelationID string
	WorkType      string
	TenantID      string
	Status        string
	RetryCount    int
	MaxRetries    int
	Error         string
	ErrorClass    string
	Severity      string
	OccurredAt    time.Time
	Metadata      map[string]string
}

// Sink describes a destination capable of consuming request failure notifications.
type Sink interface {
	SendRequestFailure(ctx context.Context, payload RequestFailurePayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload RequestFailurePayload) error

// SendRequestFailure implements the Sink interface.
func (f SinkFunc) SendRequestFailure(ctx context.Context, payload RequestFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
