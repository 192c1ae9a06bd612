package httpx

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

const defaultHealthCheckTimeout = 2 * time.Second

// HealthCheck probes one dependency and returns nil when it is usable.
type HealthCheck func(ctx context.Context) error

// HealthHandlers reports process health, probing each named dependency on every call.
type HealthHandlers struct {
	Checks  map[string]HealthCheck
	Timeout time.Duration
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health returns 200 when every check passes and 503 with the failing checks otherwise.
// HEAD requests get the status code only.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	results, healthy := h.run(r.Context())
	code := http.StatusOK
	resp := healthResponse{Status: "ok", Checks: results}
	if !healthy {
		code = http.StatusServiceUnavailable
		resp.Status = "degraded"
	}
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		return
	}
	WriteJSON(w, code, resp)
}

func (h *HealthHandlers) run(ctx context.Context) (map[string]string, bool) {
	if len(h.Checks) == 0 {
		return nil, true
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultHealthCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		healthy = true
	)
	results := make(map[string]string, len(names))
	for _, name := range names {
		check := h.Checks[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			state := "ok"
			if err := check(ctx); err != nil {
				state = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			results[name] = state
			if state != "ok" {
				healthy = false
			}
		}()
	}
	wg.Wait()
	return results, healthy
}
