// Package ingest validates run submissions and performs the atomic
// write of a run, its per-test results, and the incremental per-test
// aggregate updates.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/flakewatch/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RunSubmission is the payload an external test runner posts for one
// execution batch.
type RunSubmission struct {
	RunID       string             `json:"runId,omitempty"`
	Source      string             `json:"source"`
	Branch      string             `json:"branch,omitempty"`
	CommitSHA   string             `json:"commitSha,omitempty"`
	PRNumber    int                `json:"prNumber,omitempty"`
	StartedAt   time.Time          `json:"startedAt"`
	CompletedAt time.Time          `json:"completedAt"`
	Results     []ResultSubmission `json:"results"`
}

// ResultSubmission is one test outcome within a submission.
type ResultSubmission struct {
	TestID     string       `json:"testId"`
	Title      string       `json:"title"`
	File       string       `json:"file"`
	Status     store.Status `json:"status"`
	DurationMs int64        `json:"duration"`
	Retries    int          `json:"retries"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail carries the failure message and optional stack trace.
type ErrorDetail struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Receipt confirms a successful ingestion.
type Receipt struct {
	RunID         string `json:"runId"`
	TestsReceived int    `json:"testsReceived"`
	TestsStored   int    `json:"testsStored"`
}

// ValidationError rejects a submission before any write, with
// field-level detail the caller can act on.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + strings.Join(e.Details, "; ")
}

// ScoreScheduler schedules background flakiness recomputation for the
// given test identities. Implementations must never block.
type ScoreScheduler interface {
	Enqueue(testIDs ...string)
}

// Service is the ingestion write path.
type Service struct {
	log       logrus.FieldLogger
	store     store.Store
	scheduler ScoreScheduler
}

// NewService creates an ingestion service.
func NewService(
	log logrus.FieldLogger,
	st store.Store,
	scheduler ScoreScheduler,
) *Service {
	return &Service{
		log:       log.WithField("component", "ingest"),
		store:     st,
		scheduler: scheduler,
	}
}

// Ingest validates the submission, derives the run summary, and writes
// the run, its results, and the per-test aggregate updates in one
// transaction. On success it schedules flakiness recomputation for
// every distinct touched identity; that scheduling is fire-and-forget
// and never affects the result. Resubmitting the same logical run is
// not deduplicated and produces a second run.
func (s *Service) Ingest(
	ctx context.Context, sub *RunSubmission,
) (*Receipt, error) {
	if verr := validate(sub); verr != nil {
		return nil, verr
	}

	runID := sub.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	var passed, failed, skipped int

	for i := range sub.Results {
		switch sub.Results[i].Status {
		case store.StatusPassed:
			passed++
		case store.StatusFailed:
			failed++
		case store.StatusSkipped:
			skipped++
		case store.StatusTimedOut:
			// Counted in the total only.
		}
	}

	now := time.Now().UTC()

	run := &store.Run{
		ID:           runID,
		Source:       sub.Source,
		Branch:       sub.Branch,
		CommitSHA:    sub.CommitSHA,
		PRNumber:     sub.PRNumber,
		StartedAt:    sub.StartedAt.UTC(),
		CompletedAt:  sub.CompletedAt.UTC(),
		DurationMs:   sub.CompletedAt.Sub(sub.StartedAt).Milliseconds(),
		TestsTotal:   len(sub.Results),
		TestsPassed:  passed,
		TestsFailed:  failed,
		TestsSkipped: skipped,
		CreatedAt:    now,
	}

	results := make([]*store.TestResult, 0, len(sub.Results))
	touched := make([]string, 0, len(sub.Results))
	seen := make(map[string]struct{}, len(sub.Results))

	for i := range sub.Results {
		r := &sub.Results[i]

		result := &store.TestResult{
			RunID:      runID,
			TestID:     r.TestID,
			Title:      r.Title,
			File:       r.File,
			Status:     r.Status,
			DurationMs: r.DurationMs,
			Retries:    r.Retries,
			CreatedAt:  now,
		}

		if r.Error != nil {
			result.ErrorMessage = r.Error.Message
			result.ErrorStack = r.Error.Stack
		}

		results = append(results, result)

		if _, ok := seen[r.TestID]; !ok {
			seen[r.TestID] = struct{}{}
			touched = append(touched, r.TestID)
		}
	}

	if err := s.store.CreateRunWithResults(ctx, run, results); err != nil {
		return nil, fmt.Errorf("persisting run: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id": runID,
		"tests":  len(results),
		"failed": failed,
	}).Info("Run ingested")

	s.scheduler.Enqueue(touched...)

	return &Receipt{
		RunID:         runID,
		TestsReceived: len(sub.Results),
		TestsStored:   len(results),
	}, nil
}

// validate rejects malformed submissions before any write.
func validate(sub *RunSubmission) *ValidationError {
	var details []string

	if sub.Source != "ci" && sub.Source != "local" {
		details = append(details,
			fmt.Sprintf("source must be \"ci\" or \"local\", got %q",
				sub.Source))
	}

	if sub.StartedAt.IsZero() {
		details = append(details, "startedAt is required")
	}

	if sub.CompletedAt.IsZero() {
		details = append(details, "completedAt is required")
	}

	if !sub.StartedAt.IsZero() && !sub.CompletedAt.IsZero() &&
		sub.CompletedAt.Before(sub.StartedAt) {
		details = append(details, "completedAt precedes startedAt")
	}

	if len(sub.Results) == 0 {
		details = append(details, "results must not be empty")
	}

	for i := range sub.Results {
		r := &sub.Results[i]

		if r.TestID == "" {
			details = append(details,
				fmt.Sprintf("results[%d].testId is required", i))
		}

		if !store.ValidStatus(r.Status) {
			details = append(details,
				fmt.Sprintf("results[%d].status %q is not recognized",
					i, r.Status))
		}

		if r.DurationMs < 0 {
			details = append(details,
				fmt.Sprintf("results[%d].duration must be >= 0", i))
		}

		if r.Retries < 0 {
			details = append(details,
				fmt.Sprintf("results[%d].retries must be >= 0", i))
		}
	}

	if len(details) > 0 {
		return &ValidationError{Details: details}
	}

	return nil
}
