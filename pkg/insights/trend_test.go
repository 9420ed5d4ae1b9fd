package insights_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethpandaops/flakewatch/pkg/insights"
	"github.com/ethpandaops/flakewatch/pkg/store"
)

// window builds n runs whose aggregate pass rate is passed/total per run.
func window(n, passed, total int) []store.Run {
	runs := make([]store.Run, n)
	for i := range runs {
		runs[i] = store.Run{TestsPassed: passed, TestsTotal: total}
	}

	return runs
}

func TestTrend(t *testing.T) {
	tests := []struct {
		name      string
		recent    []store.Run
		previous  []store.Run
		threshold float64
		want      insights.Direction
	}{
		{
			name:     "clear improvement",
			recent:   window(10, 95, 100),
			previous: window(10, 85, 100),
			want:     insights.TrendImproving,
		},
		{
			name:     "within threshold is stable",
			recent:   window(10, 90, 100),
			previous: window(10, 88, 100),
			want:     insights.TrendStable,
		},
		{
			name:     "clear decline",
			recent:   window(10, 70, 100),
			previous: window(10, 90, 100),
			want:     insights.TrendDeclining,
		},
		{
			name:     "empty recent window is stable",
			recent:   nil,
			previous: window(10, 90, 100),
			want:     insights.TrendStable,
		},
		{
			name:     "empty previous window is stable",
			recent:   window(10, 90, 100),
			previous: nil,
			want:     insights.TrendStable,
		},
		{
			name:      "tighter threshold flips stable to improving",
			recent:    window(10, 90, 100),
			previous:  window(10, 88, 100),
			threshold: 0.01,
			want:      insights.TrendImproving,
		},
		{
			name:     "zero totals are stable",
			recent:   window(5, 0, 0),
			previous: window(5, 0, 0),
			want:     insights.TrendStable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			threshold := tt.threshold
			if threshold == 0 {
				threshold = insights.DefaultThreshold
			}

			got := insights.Trend(tt.recent, tt.previous, threshold)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPassRate(t *testing.T) {
	assert.InDelta(t, 0.0, insights.PassRate(nil), 1e-9)
	assert.InDelta(t, 0.0, insights.PassRate(window(3, 0, 0)), 1e-9)
	assert.InDelta(t, 0.75, insights.PassRate([]store.Run{
		{TestsPassed: 1, TestsTotal: 2},
		{TestsPassed: 2, TestsTotal: 2},
	}), 1e-9)
}

func TestSplitWindows(t *testing.T) {
	runs := make([]store.Run, 25)
	for i := range runs {
		runs[i] = store.Run{TestsTotal: i}
	}

	t.Run("full windows", func(t *testing.T) {
		recent, previous := insights.SplitWindows(runs, 10)
		assert.Len(t, recent, 10)
		assert.Len(t, previous, 10)
		assert.Equal(t, runs[0], recent[0])
		assert.Equal(t, runs[10], previous[0])
	})

	t.Run("partial previous window", func(t *testing.T) {
		recent, previous := insights.SplitWindows(runs[:15], 10)
		assert.Len(t, recent, 10)
		assert.Len(t, previous, 5)
	})

	t.Run("fewer runs than one window", func(t *testing.T) {
		recent, previous := insights.SplitWindows(runs[:7], 10)
		assert.Len(t, recent, 7)
		assert.Empty(t, previous)
	})

	t.Run("non-positive window uses default", func(t *testing.T) {
		recent, previous := insights.SplitWindows(runs, 0)
		assert.Len(t, recent, insights.DefaultWindow)
		assert.Len(t, previous, insights.DefaultWindow)
	})
}
