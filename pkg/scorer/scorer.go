// Package scorer maintains the derived per-test flakiness score. The
// score itself is a pure function of a test's chronological pass/fail
// history; the background service recomputes it out-of-band after each
// ingestion so the write path never waits on it.
package scorer

import (
	"context"
	"sync"

	"github.com/ethpandaops/flakewatch/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// defaultConcurrency is the number of recomputations processed in
// parallel when no explicit value is configured.
const defaultConcurrency = 4

// defaultQueueSize is the enqueue buffer when no explicit value is
// configured.
const defaultQueueSize = 1024

// Score returns the flakiness of a chronological pass/fail outcome
// sequence: the fraction of adjacent pairs that disagree. A constant
// sequence scores 0, a strictly alternating one scores 1, and anything
// shorter than two outcomes scores 0. The function is pure, so
// recomputing the same history always converges to the same value.
func Score(outcomes []store.Status) float64 {
	if len(outcomes) < 2 {
		return 0
	}

	transitions := 0

	for i := 1; i < len(outcomes); i++ {
		if outcomes[i] != outcomes[i-1] {
			transitions++
		}
	}

	return float64(transitions) / float64(len(outcomes)-1)
}

// Scorer recomputes flakiness scores in the background.
type Scorer interface {
	Start(ctx context.Context) error
	Stop() error

	// Enqueue schedules recomputation for the given test identities.
	// It never blocks; when the queue is full the identities are
	// dropped and the scores stay stale until the next sighting.
	Enqueue(testIDs ...string)
}

// Compile-time interface check.
var _ Scorer = (*scorer)(nil)

type scorer struct {
	log         logrus.FieldLogger
	store       store.Store
	queue       chan string
	concurrency int
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewScorer creates a new background flakiness scorer.
func NewScorer(
	log logrus.FieldLogger,
	st store.Store,
	concurrency, queueSize int,
) Scorer {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &scorer{
		log:         log.WithField("component", "scorer"),
		store:       st,
		queue:       make(chan string, queueSize),
		concurrency: concurrency,
		done:        make(chan struct{}),
	}
}

// Start launches the worker pool draining the recomputation queue.
func (sc *scorer) Start(ctx context.Context) error {
	sc.log.WithField("concurrency", sc.concurrency).
		Info("Starting flakiness scorer")

	sc.wg.Add(1)

	go func() {
		defer sc.wg.Done()

		g, gCtx := errgroup.WithContext(ctx)

		for i := 0; i < sc.concurrency; i++ {
			g.Go(func() error {
				sc.worker(gCtx)

				return nil
			})
		}

		_ = g.Wait()
	}()

	return nil
}

// Stop signals the workers to stop and waits for them. Queued work
// that has not started yet is abandoned; the scores it would have
// refreshed are recomputed on the next sighting of those tests.
func (sc *scorer) Stop() error {
	close(sc.done)
	sc.wg.Wait()

	sc.log.Info("Flakiness scorer stopped")

	return nil
}

// Enqueue schedules recomputation without ever blocking the caller.
func (sc *scorer) Enqueue(testIDs ...string) {
	for _, id := range testIDs {
		select {
		case sc.queue <- id:
		default:
			sc.log.WithField("test_id", id).
				Warn("Scorer queue full, dropping recompute")
		}
	}
}

func (sc *scorer) worker(ctx context.Context) {
	for {
		select {
		case <-sc.done:
			return
		case <-ctx.Done():
			return
		case testID := <-sc.queue:
			sc.recompute(ctx, testID)
		}
	}
}

// recompute loads the full pass/fail history for one identity and
// overwrites its score. Failures are logged and swallowed: the score
// may go stale but recomputation never fails an ingestion.
func (sc *scorer) recompute(ctx context.Context, testID string) {
	outcomes, err := sc.store.OutcomeHistory(ctx, testID)
	if err != nil {
		sc.log.WithError(err).
			WithField("test_id", testID).
			Warn("Failed to load outcome history")

		return
	}

	score := Score(outcomes)

	if err := sc.store.UpdateFlakiness(ctx, testID, score); err != nil {
		sc.log.WithError(err).
			WithField("test_id", testID).
			Warn("Failed to update flakiness score")

		return
	}

	sc.log.WithField("test_id", testID).
		WithField("flakiness", score).
		Debug("Flakiness score recomputed")
}
