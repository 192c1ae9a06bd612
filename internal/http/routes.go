// Package httpx serves the internal ops API: health, request status and cancellation, pipeline
// stats and tenant balances.
package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/target/quotaflow/internal/domain/model"
)

// RequestService is the slice of the orchestrator the ops API needs.
type RequestService interface {
	GetStatus(ctx context.Context, requestID string) (*model.RequestStatusView, error)
	Cancel(ctx context.Context, requestID string) (bool, error)
	GetPipelineStats() model.PipelineStats
}

// QuotaReader reads tenant balances.
type QuotaReader interface {
	GetBalance(ctx context.Context, tenantID string) (*model.QuotaBalance, error)
}

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Requests RequestService
	Quota    QuotaReader
	Health   map[string]HealthCheck
	Logger   *slog.Logger
}

// NewRouter creates and configures the ops HTTP router. Route groups whose service is nil are
// not registered.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	if services.Requests != nil {
		registerRequestRoutes(mux, &RequestHandlers{Svc: services.Requests, Logger: services.Logger})
	}
	if services.Quota != nil {
		registerTenantRoutes(mux, &TenantHandlers{Svc: services.Quota})
	}
	health := &HealthHandlers{Checks: services.Health}
	mux.HandleFunc("GET /healthz", health.Health)
	mux.HandleFunc("HEAD /healthz", health.Health)

	return mux
}

func registerRequestRoutes(mux *http.ServeMux, h *RequestHandlers) {
	mux.HandleFunc("GET /api/requests/{id}", h.GetStatus)
	mux.HandleFunc("POST /api/requests/{id}/cancel", h.Cancel)
	mux.HandleFunc("GET /api/pipeline/stats", h.Stats)
}

func registerTenantRoutes(mux *http.ServeMux, h *TenantHandlers) {
	mux.HandleFunc("GET /api/tenants/{id}/quota", h.GetQuota)
}
