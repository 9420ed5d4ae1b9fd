package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// maxPageSize is the hard upper bound on any list page.
const maxPageSize = 100

// errorResponse is the standard error payload.
type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// queryInt parses an integer query parameter, falling back to def and
// clamping to [lo, hi].
func queryInt(r *http.Request, name string, def, lo, hi int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}

	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}

// handleHealth reports server and database health.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	type healthResponse struct {
		Status         string `json:"status"`
		Database       string `json:"database"`
		ResponseTimeMs int64  `json:"responseTimeMs"`
	}

	if err := s.store.Ping(r.Context()); err != nil {
		s.log.WithError(err).Warn("Health check failed")

		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:         "degraded",
			Database:       "down",
			ResponseTimeMs: time.Since(start).Milliseconds(),
		})

		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		Database:       "up",
		ResponseTimeMs: time.Since(start).Milliseconds(),
	})
}
