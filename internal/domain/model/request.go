// Package model defines the core data types used by the quotaflow request lifecycle engine.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// WorkType is the closed set of metered work a tenant can submit.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type WorkType string

// RequestStatus is the lifecycle state of a request record.
type RequestStatus string

const (
	// WorkTypeAnalysis is a document analysis request.
	WorkTypeAnalysis WorkType = "analysis"
	// WorkTypeChat is a single chat turn.
	WorkTypeChat WorkType = "chat"
	// WorkTypeAccounting is an accounting generation request.
	WorkTypeAccounting WorkType = "accounting"
	// WorkTypeScoring is a credit scoring request. Its wire name is "credit_score".
	WorkTypeScoring WorkType = "credit_score"

	// RequestStatusPending indicates the record is waiting to be dispatched.
	RequestStatusPending RequestStatus = "pending"
	// RequestStatusProcessing indicates the pipeline owns the record.
	RequestStatusProcessing RequestStatus = "processing"
	// RequestStatusCompleted indicates every stage succeeded.
	RequestStatusCompleted RequestStatus = "completed"
	// RequestStatusFailed indicates a stage failed or the request was cancelled.
	RequestStatusFailed RequestStatus = "failed"
	// RequestStatusTimeout indicates the record was reclaimed after its deadline.
	RequestStatusTimeout RequestStatus = "timeout"
)

const (
	// DefaultMaxRetries is applied when a record is created without an explicit limit.
	DefaultMaxRetries = 3

	// DeadlineExceededMessage is the fixed error message stored by MarkTimeout.
	DeadlineExceededMessage = "deadline exceeded"

	maxBackoffSeconds = 60
)

// AllWorkTypes returns every supported work type.
func AllWorkTypes() []WorkType {
	return []WorkType{WorkTypeAnalysis, WorkTypeChat, WorkTypeAccounting, WorkTypeScoring}
}

// Valid returns true if the WorkType is one of the supported work types.
func (t WorkType) Valid() bool {
	switch t {
	case WorkTypeAnalysis, WorkTypeChat, WorkTypeAccounting, WorkTypeScoring:
		return true
	default:
		return false
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so work types can be decoded from JSON and env.
// "scoring" is accepted as an alias for credit_score.
func (t *WorkType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	if v == "scoring" {
		v = string(WorkTypeScoring)
	}
	wt := WorkType(v)
	if !wt.Valid() {
		return fmt.Errorf("invalid WorkType: %q", v)
	}
	*t = wt
	return nil
}

// Valid returns true if the RequestStatus is known.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestStatusPending, RequestStatusProcessing, RequestStatusCompleted,
		RequestStatusFailed, RequestStatusTimeout:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends a processing attempt.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusFailed || s == RequestStatusTimeout
}

// TerminalStatuses lists the statuses eligible for age-based cleanup.
func TerminalStatuses() []RequestStatus {
	return []RequestStatus{RequestStatusCompleted, RequestStatusFailed, RequestStatusTimeout}
}

// Request is the durable record for one unit of work.
type Request struct {
	ID               string          `json:"id"                           db:"id"`
	CorrelationID    string          `json:"correlation_id"               db:"correlation_id"`
	MessageID        *string         `json:"message_id,omitempty"         db:"message_id"`
	Topic            *string         `json:"topic,omitempty"              db:"topic"`
	WorkType         WorkType        `json:"work_type"                    db:"work_type"`
	TenantID         string          `json:"tenant_id"                    db:"tenant_id"`
	UserID           *string         `json:"user_id,omitempty"            db:"user_id"`
	Status           RequestStatus   `json:"status"                       db:"status"`
	Payload          json.RawMessage `json:"payload"                      db:"payload"`
	Result           json.RawMessage `json:"result,omitempty"             db:"result"`
	ErrorMessage     *string         `json:"error_message,omitempty"      db:"error_message"`
	ErrorDetail      *string         `json:"error_detail,omitempty"       db:"error_detail"`
	RetryCount       int             `json:"retry_count"                  db:"retry_count"`
	MaxRetries       int             `json:"max_retries"                  db:"max_retries"`
	NextRetryAt      *time.Time      `json:"next_retry_at,omitempty"      db:"next_retry_at"`
	TokensReserved   int64           `json:"tokens_reserved"              db:"tokens_reserved"`
	TokensUsed       int64           `json:"tokens_used"                  db:"tokens_used"`
	ProcessingTimeMs *int64          `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
	CreatedAt        time.Time       `json:"created_at"                   db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"                   db:"updated_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"         db:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"       db:"completed_at"`
}

// CreateRequestParams carries the caller-supplied fields of a new request record.
type CreateRequestParams struct {
	CorrelationID string
	MessageID     *string
	Topic         *string
	WorkType      WorkType
	TenantID      string
	UserID        *string
	Payload       json.RawMessage
	MaxRetries    int
}

// Validate validates the CreateRequestParams fields.
func (p *CreateRequestParams) Validate() error {
	if !p.WorkType.Valid() {
		return fmt.Errorf("invalid work type %q", p.WorkType)
	}
	if strings.TrimSpace(p.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if len(p.Payload) == 0 {
		return errors.New("payload is required")
	}
	if !json.Valid(p.Payload) {
		return errors.New("payload must be valid JSON")
	}
	if p.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// NewRequest builds a pending record from validated params.
func NewRequest(id string, p CreateRequestParams, now time.Time) *Request {
	maxRetries := p.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	correlationID := p.CorrelationID
	if correlationID == "" {
		correlationID = id
	}
	return &Request{
		ID:            id,
		CorrelationID: correlationID,
		MessageID:     p.MessageID,
		Topic:         p.Topic,
		WorkType:      p.WorkType,
		TenantID:      p.TenantID,
		UserID:        p.UserID,
		Status:        RequestStatusPending,
		Payload:       p.Payload,
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CanRetry reports whether the record may be scheduled for another attempt.
func (r *Request) CanRetry() bool {
	return (r.Status == RequestStatusFailed || r.Status == RequestStatusTimeout) &&
		r.RetryCount < r.MaxRetries
}

// ScheduleRetry moves a failed or timed-out record back to pending with an exponential backoff.
// It returns false without mutating the record when CanRetry is false.
func (r *Request) ScheduleRetry(now time.Time) bool {
	if !r.CanRetry() {
		return false
	}
	r.RetryCount++
	r.Status = RequestStatusPending
	r.clearOutcome()
	next := now.Add(BackoffDelay(r.RetryCount))
	r.NextRetryAt = &next
	r.UpdatedAt = now
	return true
}

// BackoffDelay returns min(2^(retryCount-1), 60) seconds.
func BackoffDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	exp := retryCount - 1
	if exp >= 6 {
		return maxBackoffSeconds * time.Second
	}
	secs := 1 << exp
	if secs > maxBackoffSeconds {
		secs = maxBackoffSeconds
	}
	return time.Duration(secs) * time.Second
}

// MarkProcessing dispatches a pending record and holds the reserved amount on it.
func (r *Request) MarkProcessing(now time.Time, reserved int64) error {
	if r.Status != RequestStatusPending {
		return r.transitionError(RequestStatusProcessing)
	}
	r.Status = RequestStatusProcessing
	r.clearOutcome()
	started := now
	r.StartedAt = &started
	r.NextRetryAt = nil
	r.TokensReserved = reserved
	r.ErrorMessage = nil
	r.ErrorDetail = nil
	r.UpdatedAt = now
	return nil
}

// MarkCompleted records a successful outcome.
func (r *Request) MarkCompleted(now time.Time, result json.RawMessage, tokensUsed int64) error {
	if r.Status != RequestStatusProcessing {
		return r.transitionError(RequestStatusCompleted)
	}
	r.Status = RequestStatusCompleted
	r.Result = result
	r.TokensUsed = tokensUsed
	r.finish(now)
	return nil
}

// MarkFailed records a failed outcome. detail is optional.
func (r *Request) MarkFailed(now time.Time, message string, detail *string) error {
	if r.Status != RequestStatusProcessing {
		return r.transitionError(RequestStatusFailed)
	}
	r.Status = RequestStatusFailed
	r.ErrorMessage = &message
	r.ErrorDetail = detail
	r.finish(now)
	return nil
}

// MarkTimeout records that the processing deadline elapsed.
func (r *Request) MarkTimeout(now time.Time) error {
	if r.Status != RequestStatusProcessing {
		return r.transitionError(RequestStatusTimeout)
	}
	msg := DeadlineExceededMessage
	r.Status = RequestStatusTimeout
	r.ErrorMessage = &msg
	r.ErrorDetail = nil
	r.finish(now)
	return nil
}

// RecordRejection stores why a pending record could not be dispatched. The record stays pending
// and any scheduled retry is cleared so it is not picked up again automatically.
func (r *Request) RecordRejection(now time.Time, message string) {
	r.ErrorMessage = &message
	r.NextRetryAt = nil
	r.UpdatedAt = now
}

// DeferDispatch schedules another dispatch of a pending record after a transient failure,
// consuming one retry. When no retries remain it behaves like RecordRejection and returns false.
func (r *Request) DeferDispatch(now time.Time, message string) bool {
	if r.Status != RequestStatusPending || r.RetryCount >= r.MaxRetries {
		r.RecordRejection(now, message)
		return false
	}
	r.RetryCount++
	next := now.Add(BackoffDelay(r.RetryCount))
	r.NextRetryAt = &next
	r.ErrorMessage = &message
	r.UpdatedAt = now
	return true
}

func (r *Request) finish(now time.Time) {
	completed := now
	r.CompletedAt = &completed
	r.TokensReserved = 0
	var ms int64
	if r.StartedAt != nil {
		ms = now.Sub(*r.StartedAt).Milliseconds()
		if ms < 0 {
			ms = 0
		}
	}
	r.ProcessingTimeMs = &ms
	r.UpdatedAt = now
}

// clearOutcome drops what a previous terminal attempt recorded. Only a terminal record carries
// completed_at.
func (r *Request) clearOutcome() {
	r.CompletedAt = nil
	r.ProcessingTimeMs = nil
	r.TokensUsed = 0
	r.Result = nil
}

func (r *Request) transitionError(to RequestStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
}

// Clone returns a deep copy of the record.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.MessageID = cloneString(r.MessageID)
	c.Topic = cloneString(r.Topic)
	c.UserID = cloneString(r.UserID)
	c.ErrorMessage = cloneString(r.ErrorMessage)
	c.ErrorDetail = cloneString(r.ErrorDetail)
	c.NextRetryAt = cloneTime(r.NextRetryAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	if r.ProcessingTimeMs != nil {
		v := *r.ProcessingTimeMs
		c.ProcessingTimeMs = &v
	}
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
