package api

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/ethpandaops/flakewatch/pkg/store"
	"github.com/go-chi/chi/v5"
)

// testResponse is the aggregate view of one test identity, with
// pass/fail rates computed on the fly from the stored counters.
type testResponse struct {
	TestID        string       `json:"testId"`
	Title         string       `json:"title"`
	File          string       `json:"file"`
	TotalRuns     int64        `json:"totalRuns"`
	TotalPassed   int64        `json:"totalPassed"`
	TotalFailed   int64        `json:"totalFailed"`
	TotalSkipped  int64        `json:"totalSkipped"`
	AvgDurationMs float64      `json:"avgDurationMs"`
	MinDurationMs int64        `json:"minDurationMs"`
	MaxDurationMs int64        `json:"maxDurationMs"`
	Flakiness     float64      `json:"flakiness"`
	PassRate      float64      `json:"passRate"`
	FailRate      float64      `json:"failRate"`
	LastRunAt     time.Time    `json:"lastRunAt"`
	LastStatus    store.Status `json:"lastStatus"`
}

func toTestResponse(ts *store.TestStats) testResponse {
	resp := testResponse{
		TestID:        ts.TestID,
		Title:         ts.Title,
		File:          ts.File,
		TotalRuns:     ts.TotalRuns,
		TotalPassed:   ts.TotalPassed,
		TotalFailed:   ts.TotalFailed,
		TotalSkipped:  ts.TotalSkipped,
		AvgDurationMs: ts.AvgDurationMs,
		MinDurationMs: ts.MinDurationMs,
		MaxDurationMs: ts.MaxDurationMs,
		Flakiness:     ts.Flakiness,
		LastRunAt:     ts.LastRunAt,
		LastStatus:    ts.LastStatus,
	}

	if ts.TotalRuns > 0 {
		resp.PassRate = float64(ts.TotalPassed) / float64(ts.TotalRuns)
		resp.FailRate = float64(ts.TotalFailed) / float64(ts.TotalRuns)
	}

	return resp
}

func toTestResponses(stats []store.TestStats) []testResponse {
	resp := make([]testResponse, 0, len(stats))
	for i := range stats {
		resp = append(resp, toTestResponse(&stats[i]))
	}

	return resp
}

// handleListTests returns aggregate rows for all known tests, sorted
// by the requested key.
func (s *server) handleListTests(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 1, maxPageSize)

	orderByRaw := r.URL.Query().Get("orderBy")
	if orderByRaw == "" {
		orderByRaw = string(store.OrderByName)
	}

	orderBy, err := store.ParseOrderBy(orderByRaw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{Error: "Invalid orderBy"})

		return
	}

	order := r.URL.Query().Get("order")

	switch order {
	case "", "asc", "desc":
	default:
		writeJSON(w, http.StatusBadRequest,
			errorResponse{Error: "Invalid order"})

		return
	}

	stats, err := s.store.ListTestStats(
		r.Context(), orderBy, order == "desc", limit,
	)
	if err != nil {
		s.log.WithError(err).Error("Failed to list tests")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tests": toTestResponses(stats),
	})
}

// handleTestHistory returns the current aggregate snapshot for one
// test identity together with its most recent results.
func (s *server) handleTestHistory(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "id")

	// chi routes over the raw path only when it differs from the
	// decoded one; in that case the captured segment is still escaped.
	// Unescaping unconditionally would mangle ids that contain a
	// literal percent sequence.
	if r.URL.RawPath != "" {
		if decoded, err := url.PathUnescape(testID); err == nil {
			testID = decoded
		}
	}

	limit := queryInt(r, "limit", 50, 1, maxPageSize)

	stats, err := s.store.GetTestStats(r.Context(), testID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{Error: "Test not found"})

			return
		}

		s.log.WithError(err).Error("Failed to get test stats")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "internal error"})

		return
	}

	history, err := s.store.ListTestHistory(r.Context(), testID, limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list test history")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"test":    toTestResponse(stats),
		"history": history,
	})
}
