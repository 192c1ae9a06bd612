package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientQuota matches any *InsufficientQuotaError via errors.Is.
	ErrInsufficientQuota = errors.New("insufficient quota")
	// ErrDuplicateMessage is returned when a message id has already been handled.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrTimeoutExceeded marks records reclaimed after their processing deadline.
	ErrTimeoutExceeded = errors.New(DeadlineExceededMessage)
	// ErrReservationRaceExhausted is returned when the tenant row lock could not be acquired in time.
	ErrReservationRaceExhausted = errors.New("quota reservation lock not acquired")
	// ErrRequestCancelled is stored on records cancelled while processing.
	ErrRequestCancelled = errors.New("cancelled by request")
	// ErrInvalidPayload is returned when a payload fails its work type's schema.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrRequestNotFound is returned when a request record does not exist.
	ErrRequestNotFound = errors.New("request not found")
	// ErrTenantNotFound is returned when a tenant has no quota row.
	ErrTenantNotFound = errors.New("tenant quota not found")
	// ErrInvalidTransition is returned when a state machine transition is not permitted.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// InsufficientQuotaError reports a reservation that exceeded the tenant balance.
type InsufficientQuotaError struct {
	TenantID  string
	Available int64
	Required  int64
}

func (e *InsufficientQuotaError) Error() string {
	return fmt.Sprintf("insufficient quota for tenant %s: available=%d required=%d",
		e.TenantID, e.Available, e.Required)
}

// Is lets errors.Is(err, ErrInsufficientQuota) match.
func (e *InsufficientQuotaError) Is(target error) bool {
	return target == ErrInsufficientQuota
}

// ExecutorFailureError wraps an error raised by a pipeline stage.
type ExecutorFailureError struct {
	Stage string
	Err   error
}

func (e *ExecutorFailureError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *ExecutorFailureError) Unwrap() error { return e.Err }

// IsRetryable reports whether a failed attempt may be scheduled for retry.
// Business rejections and cancellations are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrInsufficientQuota),
		errors.Is(err, ErrRequestCancelled),
		errors.Is(err, ErrInvalidPayload):
		return false
	default:
		return true
	}
}
