package service

import (
	"context"
	"errors"
	"time"

	"github.com/target/quotaflow/internal/domain/model"
	obserrors "github.com/target/quotaflow/internal/observability/errors"
	"github.com/target/quotaflow/internal/observability/notify"
)

// FailureNotifier is told about requests that reached a failure status with no retry left.
// *failurenotifier.Service implements it.
type FailureNotifier interface {
	NotifyRequestFailure(ctx context.Context, payload notify.RequestFailurePayload)
}

// requestFailurePayload describes a permanently failed request. Cancellations are not failures
// anyone needs paging about and yield false.
func requestFailurePayload(req *model.Request, cause error, now time.Time) (notify.RequestFailurePayload, bool) {
	if errors.Is(cause, model.ErrRequestCancelled) {
		return notify.RequestFailurePayload{}, false
	}
	payload := notify.RequestFailurePayload{
		RequestID:     req.ID,
		CorrelationID: req.CorrelationID,
		WorkType:      string(req.WorkType),
		TenantID:      req.TenantID,
		Status:        string(req.Status),
		RetryCount:    req.RetryCount,
		MaxRetries:    req.MaxRetries,
		ErrorClass:    obserrors.Classify(cause),
		OccurredAt:    now,
	}
	if req.ErrorMessage != nil {
		payload.Error = *req.ErrorMessage
	} else if cause != nil {
		payload.Error = cause.Error()
	}
	if req.Status == model.RequestStatusTimeout {
		payload.Severity = notify.SeverityWarning
	}
	meta := map[string]string{}
	if req.Topic != nil {
		meta["topic"] = *req.Topic
	}
	if req.MessageID != nil {
		meta["message_id"] = *req.MessageID
	}
	if len(meta) > 0 {
		payload.Metadata = meta
	}
	return payload, true
}
