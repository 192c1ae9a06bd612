package httpx

import (
	"log/slog"
	"net/http"
)

// RequestHandlers serves request status, cancellation and pipeline stats.
type RequestHandlers struct {
	Svc    RequestService
	Logger *slog.Logger
}

// GetStatus handles GET /api/requests/{id}.
func (h *RequestHandlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	view, err := h.Svc.GetStatus(r.Context(), id)
	if err != nil {
		h.logError(r, "get status failed", id, err)
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// Cancel handles POST /api/requests/{id}/cancel. A request that is not processing answers
// 200 with cancelled=false.
func (h *RequestHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	cancelled, err := h.Svc.Cancel(r.Context(), id)
	if err != nil {
		h.logError(r, "cancel failed", id, err)
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, cancelResponse{Cancelled: cancelled})
}

// Stats handles GET /api/pipeline/stats.
func (h *RequestHandlers) Stats(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.Svc.GetPipelineStats())
}

func (h *RequestHandlers) logError(r *http.Request, msg, requestID string, err error) {
	if h.Logger == nil {
		return
	}
	h.Logger.WarnContext(r.Context(), msg, "request_id", requestID, "error", err)
}

// TenantHandlers serves tenant quota reads.
type TenantHandlers struct {
	Svc QuotaReader
}

// GetQuota handles GET /api/tenants/{id}/quota.
func (h *TenantHandlers) GetQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	balance, err := h.Svc.GetBalance(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, balance)
}
