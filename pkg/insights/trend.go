// Package insights derives aggregate health signals from ingested
// runs: the pass-rate trend across two adjacent windows of recent runs.
package insights

import "github.com/ethpandaops/flakewatch/pkg/store"

// Direction classifies the pass-rate movement between two adjacent
// windows of recent runs.
type Direction string

// Trend directions.
const (
	TrendImproving Direction = "improving"
	TrendStable    Direction = "stable"
	TrendDeclining Direction = "declining"
)

// Default trend parameters.
const (
	DefaultWindow    = 10
	DefaultThreshold = 0.05
)

// SplitWindows divides runs ordered newest-first into the recent
// window and the window immediately before it. Each window holds at
// most `window` runs; runs beyond the second window are ignored.
func SplitWindows(runs []store.Run, window int) (recent, previous []store.Run) {
	if window <= 0 {
		window = DefaultWindow
	}

	if len(runs) <= window {
		return runs, nil
	}

	boundary := 2 * window
	if len(runs) < boundary {
		boundary = len(runs)
	}

	return runs[:window], runs[window:boundary]
}

// Trend compares the aggregate pass rate of the recent window against
// the previous one. Either window being empty yields stable, as does
// any difference within the threshold.
func Trend(recent, previous []store.Run, threshold float64) Direction {
	if len(recent) == 0 || len(previous) == 0 {
		return TrendStable
	}

	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	diff := PassRate(recent) - PassRate(previous)

	switch {
	case diff > threshold:
		return TrendImproving
	case diff < -threshold:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// PassRate returns sum(passed)/sum(total) over the runs, or 0 when no
// tests were reported.
func PassRate(runs []store.Run) float64 {
	var passed, total int64

	for i := range runs {
		passed += int64(runs[i].TestsPassed)
		total += int64(runs[i].TestsTotal)
	}

	if total == 0 {
		return 0
	}

	return float64(passed) / float64(total)
}
