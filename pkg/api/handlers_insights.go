package api

import (
	"net/http"

	"github.com/ethpandaops/flakewatch/pkg/insights"
)

const (
	// overviewRecentRuns is the number of runs shown on the overview.
	overviewRecentRuns = 10

	// overviewTopN bounds the flaky/slow rankings on the overview.
	overviewTopN = 5

	// defaultMinRuns is the minimum observation count for the flaky
	// ranking; single sightings are not meaningful flakiness signals.
	defaultMinRuns = 5
)

// handleOverview assembles the dashboard overview: global counters,
// the pass-rate trend over the two most recent run windows, and the
// top flaky/slow tests.
func (s *server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalRuns, err := s.store.CountRuns(ctx)
	if err != nil {
		s.log.WithError(err).Error("Failed to count runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "internal error"})

		return
	}

	totalTests, err := s.store.CountTests(ctx)
	if err != nil {
		s.log.WithError(err).Error("Failed to count tests")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "internal error"})

		return
	}

	passed, total, err := s.store.SumRunCounts(ctx)
	if err != nil {
		s.log.WithError(err).Error("Failed to sum run counts")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "internal error"})

		return
	}

	overallPassRate := 0.0
	if total > 0 {
		overallPassRate = float64(passed) / float64(total)
	}

	window := s.cfg.Insights.TrendWindow

	windowRuns, err := s.store.ListRecentRuns(ctx, 2*window)
	if err != nil {
		s.log.WithError(err).Error("Failed to list recent runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "internal error"})

		return
	}

	recentWindow, previousWindow := insights.SplitWindows(windowRuns, window)
	trend := insights.Trend(
		recentWindow, previousWindow, s.cfg.Insights.TrendThreshold,
	)

	recentRuns := windowRuns
	if len(recentRuns) > overviewRecentRuns {
		recentRuns = recentRuns[:overviewRecentRuns]
	}

	topFlaky, err := s.store.ListFlaky(ctx, defaultMinRuns, overviewTopN)
	if err != nil {
		s.log.WithError(err).Error("Failed to list flaky tests")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "internal error"})

		return
	}

	topSlow, err := s.store.ListSlow(ctx, overviewTopN)
	if err != nil {
		s.log.WithError(err).Error("Failed to list slow tests")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"totalRuns":       totalRuns,
		"totalTests":      totalTests,
		"overallPassRate": overallPassRate,
		"trend":           trend,
		"recentRuns":      recentRuns,
		"topFlaky":        toTestResponses(topFlaky),
		"topSlow":         toTestResponses(topSlow),
	})
}

// handleFlakyTests returns the flakiness ranking for tests with at
// least minRuns observations.
func (s *server) handleFlakyTests(w http.ResponseWriter, r *http.Request) {
	minRuns := queryInt(r, "minRuns", defaultMinRuns, 1, 1<<30)
	limit := queryInt(r, "limit", 20, 1, maxPageSize)

	stats, err := s.store.ListFlaky(r.Context(), int64(minRuns), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list flaky tests")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tests": toTestResponses(stats),
	})
}

// handleSlowTests returns the average-duration ranking.
func (s *server) handleSlowTests(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 1, maxPageSize)

	stats, err := s.store.ListSlow(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list slow tests")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{Error: "internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tests": toTestResponses(stats),
	})
}
