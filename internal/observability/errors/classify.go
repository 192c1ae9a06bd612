// Package errors turns request lifecycle errors into short, stable class names for metric tags,
// logs and failure notifications.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"

	"github.com/target/quotaflow/internal/domain/model"
	apperrors "github.com/target/quotaflow/internal/errors"
)

var domainClasses = []struct {
	target error
	class  string
}{
	{model.ErrRequestCancelled, "cancelled"},
	{model.ErrTimeoutExceeded, "timeout"},
	{model.ErrInsufficientQuota, "insufficient_quota"},
	{model.ErrReservationRaceExhausted, "reservation_race"},
	{model.ErrInvalidPayload, "invalid_payload"},
	{model.ErrDuplicateMessage, "duplicate_message"},
	{model.ErrRequestNotFound, "request_not_found"},
	{model.ErrTenantNotFound, "tenant_not_found"},
	{model.ErrInvalidTransition, "invalid_transition"},
	{context.DeadlineExceeded, "timeout"},
	{context.Canceled, "canceled"},
}

// Classify returns a class name for err, or "" for nil. Known domain errors map to fixed
// names; executor failures are "executor"; coded application errors use their code; anything
// else falls back to the innermost concrete type name in snake case.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	for _, dc := range domainClasses {
		if goerrors.Is(err, dc.target) {
			return dc.class
		}
	}
	var execErr *model.ExecutorFailureError
	if goerrors.As(err, &execErr) {
		return "executor"
	}
	var appErr *apperrors.AppError
	if goerrors.As(err, &appErr) && appErr.Code != "" && appErr.Code != apperrors.ErrCodeInternal {
		return string(appErr.Code)
	}
	return typeName(innermost(err))
}

func innermost(err error) error {
	for {
		next := goerrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.String() == "" {
		return "unknown"
	}
	return strings.ReplaceAll(strings.ToLower(t.String()), ".", "_")
}
