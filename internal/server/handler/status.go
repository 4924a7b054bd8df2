package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the process status for operators.
type StatusHandler struct {
	Mode      string
	Version   string
	StartedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, version string, startedAt time.Time) *StatusHandler {
	return &StatusHandler{Mode: mode, Version: version, StartedAt: startedAt}
}

// GetStatus responds with the run mode and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"version":        h.Version,
		"started_at":     h.StartedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}
