package handlers

import (
	"context"
	"net/http"
	"time"

	"coderunner/pkg/api"

	"go.uber.org/zap"
)

// Healthz is a liveness probe.
// It returns 200 OK if the server is running.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

// Readyz is a readiness probe.
// It pings every configured backend and answers 503 if any of them fails.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := api.HealthResponse{Status: "ready", Checks: map[string]string{}}
	status := http.StatusOK
	for name, p := range h.pingers {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("backend", name), zap.Error(err))
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	h.respondJson(w, status, resp)
}
