package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethpandaops/flakewatch/pkg/ingest"
	"github.com/ethpandaops/flakewatch/pkg/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// handleIngestRun accepts a run submission and writes it atomically.
func (s *server) handleIngestRun(w http.ResponseWriter, r *http.Request) {
	var sub ingest.RunSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "Invalid payload",
			Details: []string{err.Error()},
		})

		return
	}

	receipt, err := s.ingester.Ingest(r.Context(), &sub)
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:   "Invalid payload",
				Details: verr.Details,
			})

			return
		}

		s.log.WithError(err).Error("Failed to ingest run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "internal error"})

		return
	}

	writeJSON(w, http.StatusCreated, receipt)
}

// handleListRuns returns a page of runs, newest first, optionally
// filtered by branch and pass/fail outcome.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 1, maxPageSize)
	offset := queryInt(r, "offset", 0, 0, 1<<30)

	status := r.URL.Query().Get("status")
	if status != "" && status != "passed" && status != "failed" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{Error: "Invalid status filter"})

		return
	}

	runs, total, err := s.store.ListRuns(r.Context(), store.RunFilter{
		Branch: r.URL.Query().Get("branch"),
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":    runs,
		"total":   total,
		"hasMore": int64(offset+len(runs)) < total,
	})
}

// runSummary is the derived per-run summary of a detail response.
type runSummary struct {
	Total      int     `json:"total"`
	Passed     int     `json:"passed"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	DurationMs int64   `json:"durationMs"`
	PassRate   float64 `json:"passRate"`
}

// handleGetRun returns a single run with its ordered results and a
// derived summary.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := uuid.Parse(id); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{Error: "Invalid run ID format"})

		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{Error: "Run not found"})

			return
		}

		s.log.WithError(err).Error("Failed to get run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "internal error"})

		return
	}

	results, err := s.store.ListResultsByRun(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list run results")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "internal error"})

		return
	}

	summary := runSummary{
		Total:      run.TestsTotal,
		Passed:     run.TestsPassed,
		Failed:     run.TestsFailed,
		Skipped:    run.TestsSkipped,
		DurationMs: run.DurationMs,
	}

	if run.TestsTotal > 0 {
		summary.PassRate =
			float64(run.TestsPassed) / float64(run.TestsTotal)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":     run,
		"results": results,
		"summary": summary,
	})
}
