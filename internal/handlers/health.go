package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/muandane/special-stack/edgeworker/internal/lifecycle"
)

// StateReporter exposes the worker lifecycle state.
type StateReporter interface {
	State() lifecycle.State
	Active() bool
}

type HealthHandler struct {
	worker StateReporter
	logger *slog.Logger
}

func NewHealthHandler(worker StateReporter, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		worker: worker,
		logger: logger,
	}
}

// ServeHTTP always answers 200 while the process runs. A redundant worker
// still serves traffic by passing it through.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"worker": h.worker.State(),
		"active": h.worker.Active(),
	})

	h.logger.Debug("health check completed",
		"duration", time.Since(start).String(),
		"remote_addr", r.RemoteAddr,
	)
}
