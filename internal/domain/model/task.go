package model

import (
	"encoding/json"
	"time"
)

// TaskProgress is the in-memory progress view of a request owned by this process.
type TaskProgress struct {
	RequestID string    `json:"requestId"`
	Stage     string    `json:"currentStage"`
	Progress  int       `json:"progress"`
	Cancelled bool      `json:"cancelled"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RequestStatusView is the status/result query response.
type RequestStatusView struct {
	RequestID        string          `json:"requestId"`
	Status           RequestStatus   `json:"status"`
	Progress         *int            `json:"progress,omitempty"`
	CurrentStage     *string         `json:"currentStage,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *string         `json:"error,omitempty"`
	ProcessingTimeMs *int64          `json:"processingTimeMs,omitempty"`
	TokensUsed       *int64          `json:"tokensUsed,omitempty"`
	RetryCount       int             `json:"retryCount"`
	NextRetryAt      *time.Time      `json:"nextRetryAt,omitempty"`
}

// PipelineStats aggregates terminal outcomes observed by this process.
type PipelineStats struct {
	TotalRequests         int64   `json:"totalRequests"`
	SuccessCount          int64   `json:"successCount"`
	FailureCount          int64   `json:"failureCount"`
	RunningAverageLatency float64 `json:"runningAverageLatencyMs"`
	InFlight              int64   `json:"inFlight"`
}

// BatchItem is one entry of a processBatch call.
type BatchItem struct {
	CorrelationID string          `json:"correlationId,omitempty"`
	WorkType      WorkType        `json:"type"`
	UserID        *string         `json:"userId,omitempty"`
	Payload       json.RawMessage `json:"data"`
}

// BatchResult reports the outcome of one batch item. Exactly one of RequestID or Error is set.
type BatchResult struct {
	Index     int    `json:"index"`
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error,omitempty"`
	Err       error  `json:"-"`
}
