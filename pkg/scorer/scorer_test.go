package scorer_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/flakewatch/pkg/config"
	"github.com/ethpandaops/flakewatch/pkg/scorer"
	"github.com/ethpandaops/flakewatch/pkg/store"
)

func seq(statuses ...store.Status) []store.Status {
	return statuses
}

const (
	pass = store.StatusPassed
	fail = store.StatusFailed
)

func TestScore(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []store.Status
		want     float64
	}{
		{name: "empty history", outcomes: nil, want: 0},
		{name: "single outcome", outcomes: seq(pass), want: 0},
		{name: "constant pass", outcomes: seq(pass, pass, pass, pass), want: 0},
		{name: "constant fail", outcomes: seq(fail, fail, fail), want: 0},
		{name: "strictly alternating", outcomes: seq(pass, fail, pass, fail), want: 1},
		{name: "two disagreeing", outcomes: seq(pass, fail), want: 1},
		{name: "half transitions", outcomes: seq(pass, pass, fail, fail, pass), want: 0.5},
		{
			name: "four transitions over nine gaps",
			outcomes: seq(
				pass, pass, fail, pass, pass, pass, fail, pass, pass, pass,
			),
			want: 4.0 / 9.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scorer.Score(tt.outcomes)
			assert.InDelta(t, tt.want, got, 1e-9)

			// Pure function: recomputation yields the identical value.
			assert.Equal(t, got, scorer.Score(tt.outcomes))

			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	// File-backed rather than :memory: because the scorer workers and
	// the test poll from separate pooled connections.
	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "scorer.db"),
		},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func ingestOutcome(
	t *testing.T,
	s store.Store,
	runID string,
	status store.Status,
	at time.Time,
) {
	t.Helper()

	run := &store.Run{
		ID:          runID,
		Source:      "ci",
		StartedAt:   at.Add(-time.Minute),
		CompletedAt: at,
		TestsTotal:  1,
		CreatedAt:   at,
	}

	require.NoError(t, s.CreateRunWithResults(
		context.Background(), run,
		[]*store.TestResult{{
			RunID:     runID,
			TestID:    "t/bg",
			Status:    status,
			CreatedAt: at,
		}},
	))
}

func TestScorer_RecomputesInBackground(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 11, 12, 0, 0, 0, time.UTC)

	ingestOutcome(t, s, "bg-1", store.StatusPassed, base)
	ingestOutcome(t, s, "bg-2", store.StatusFailed, base.Add(time.Minute))
	ingestOutcome(t, s, "bg-3", store.StatusPassed, base.Add(2*time.Minute))

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	sc := scorer.NewScorer(log, s, 2, 16)
	require.NoError(t, sc.Start(ctx))

	t.Cleanup(func() { _ = sc.Stop() })

	sc.Enqueue("t/bg")

	assert.Eventually(t, func() bool {
		stats, err := s.GetTestStats(ctx, "t/bg")
		if err != nil {
			return false
		}

		return stats.Flakiness == 1.0
	}, 2*time.Second, 10*time.Millisecond,
		"strictly alternating history must converge to score 1.0")
}

func TestScorer_EnqueueUnknownIdentityIsHarmless(t *testing.T) {
	s := setupTestStore(t)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	sc := scorer.NewScorer(log, s, 1, 4)
	require.NoError(t, sc.Start(context.Background()))

	// Unknown identities produce an empty history and a zero score
	// update touching no rows; nothing may panic or block.
	sc.Enqueue("t/never-seen")

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, sc.Stop())
}

func TestScorer_EnqueueNeverBlocksWhenStopped(t *testing.T) {
	s := setupTestStore(t)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	// Tiny queue, never started: enqueue beyond capacity must drop
	// rather than block the caller.
	sc := scorer.NewScorer(log, s, 1, 2)

	done := make(chan struct{})

	go func() {
		sc.Enqueue("a", "b", "c", "d", "e")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}
