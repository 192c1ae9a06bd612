package model

import "time"

// ProcessedMessage is an idempotency ledger entry for one inbound message id.
type ProcessedMessage struct {
	MessageID     string    `json:"message_id"          db:"message_id"`
	CorrelationID string    `json:"correlation_id"      db:"correlation_id"`
	Topic         string    `json:"topic"               db:"topic"`
	TenantID      *string   `json:"tenant_id,omitempty" db:"tenant_id"`
	DurationMs    int64     `json:"duration_ms"         db:"duration_ms"`
	ProcessedAt   time.Time `json:"processed_at"        db:"processed_at"`
}

// CleanupReport is the structured result of an administrative cleanup run.
type CleanupReport struct {
	DeletedMessages int64 `json:"deletedMessages"`
	DeletedRequests int64 `json:"deletedRequests"`
	AbandonedMarked int64 `json:"abandonedMarked"`
	StalePending    int64 `json:"stalePending,omitempty"`
	DryRun          bool  `json:"dryRun,omitempty"`
}
