// Package errors provides the structured application error used across repositories, services and
// the HTTP layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/target/quotaflow/internal/domain/model"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict indicates a conflict with existing data (e.g., unique constraint violation).
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeValidation indicates invalid input data.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeInsufficientQuota indicates the tenant balance cannot cover a reservation.
	ErrCodeInsufficientQuota ErrorCode = "insufficient_quota"
	// ErrCodeLockTimeout indicates a row lock could not be acquired in time.
	ErrCodeLockTimeout ErrorCode = "lock_timeout"
	// ErrCodeUnavailable indicates a transient infrastructure failure.
	ErrCodeUnavailable ErrorCode = "unavailable"
	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a timeout occurred.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"
)

// AppError represents a structured application error with a code, message, and optional cause.
// It supports error wrapping and unwrapping for use with errors.Is and errors.As.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	// Field is the specific field that caused the error (validation and conflict errors).
	Field string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NotFoundf creates a new NotFound error with formatted message.
func NotFoundf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a new Validation error.
func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message}
}

// ValidationField creates a new Validation error for a specific field.
func ValidationField(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Field: field}
}

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool { return isCode(err, ErrCodeNotFound) }

// IsConflict checks if an error is a Conflict error.
func IsConflict(err error) bool { return isCode(err, ErrCodeConflict) }

// IsValidation checks if an error is a Validation error.
func IsValidation(err error) bool { return isCode(err, ErrCodeValidation) }

// IsLockTimeout checks if an error is a LockTimeout error.
func IsLockTimeout(err error) bool { return isCode(err, ErrCodeLockTimeout) }

// IsTimeout checks if an error is a Timeout error.
func IsTimeout(err error) bool { return isCode(err, ErrCodeTimeout) }

// IsCanceled checks if an error is a Canceled error.
func IsCanceled(err error) bool { return isCode(err, ErrCodeCanceled) }

// IsTransient reports whether retrying the same operation later may succeed.
func IsTransient(err error) bool {
	switch GetCode(err) {
	case ErrCodeLockTimeout, ErrCodeUnavailable, ErrCodeTimeout:
		return true
	}
	return errors.Is(err, model.ErrReservationRaceExhausted)
}

// GetCode returns the ErrorCode from an error, or empty string if not an AppError.
// Domain sentinels are classified as well so callers see one taxonomy.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, model.ErrInsufficientQuota):
		return ErrCodeInsufficientQuota
	case errors.Is(err, model.ErrReservationRaceExhausted):
		return ErrCodeLockTimeout
	case errors.Is(err, model.ErrRequestNotFound), errors.Is(err, model.ErrTenantNotFound):
		return ErrCodeNotFound
	case errors.Is(err, model.ErrDuplicateMessage), errors.Is(err, model.ErrInvalidTransition):
		return ErrCodeConflict
	case errors.Is(err, model.ErrInvalidPayload):
		return ErrCodeValidation
	default:
		return ""
	}
}

// GetField returns the Field from an error, or empty string if not an AppError or no field set.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}

// HTTPStatus maps an error to the status code used by the ops API.
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeInsufficientQuota:
		return http.StatusPaymentRequired
	case ErrCodeLockTimeout, ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
