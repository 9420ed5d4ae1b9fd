package store

import "time"

// Status is the outcome of a single test within a run.
type Status string

// Recognized test outcome statuses.
const (
	StatusPassed   Status = "passed"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
	StatusTimedOut Status = "timedOut"
)

// ValidStatus reports whether s is one of the four recognized statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusTimedOut:
		return true
	}

	return false
}

// Run represents one ingested test-execution batch. Rows are write-once:
// a run is created atomically at ingestion and never modified afterwards.
type Run struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Source      string    `gorm:"not null;index" json:"source"`
	Branch      string    `gorm:"index" json:"branch,omitempty"`
	CommitSHA   string    `json:"commitSha,omitempty"`
	PRNumber    int       `json:"prNumber,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"durationMs"`

	// Derived counts. timedOut results count toward TestsTotal but not
	// toward any of the three named buckets, so the buckets may sum to
	// less than the total.
	TestsTotal   int `json:"testsTotal"`
	TestsPassed  int `json:"testsPassed"`
	TestsFailed  int `json:"testsFailed"`
	TestsSkipped int `json:"testsSkipped"`

	CreatedAt time.Time `gorm:"index" json:"createdAt"`

	Results []TestResult `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE" json:"-"`
}

// TestResult is one test outcome within a run. Owned by its run and
// cascade-deleted with it.
type TestResult struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	RunID        string    `gorm:"not null;index;size:36" json:"runId"`
	TestID       string    `gorm:"not null;index" json:"testId"`
	Title        string    `json:"title"`
	File         string    `json:"file"`
	Status       Status    `gorm:"not null" json:"status"`
	DurationMs   int64     `json:"durationMs"`
	Retries      int       `json:"retries"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	ErrorStack   string    `gorm:"type:text" json:"errorStack,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"createdAt"`
}

// TestStats is the single mutable aggregate row per test identity,
// maintained incrementally across every run that reports the identity.
// The flakiness field is the only value recomputed from full history;
// everything else only ever incorporates one more observation.
type TestStats struct {
	TestID string `gorm:"primaryKey" json:"testId"`
	Title  string `json:"title"`
	File   string `json:"file"`

	TotalRuns    int64 `json:"totalRuns"`
	TotalPassed  int64 `json:"totalPassed"`
	TotalFailed  int64 `json:"totalFailed"`
	TotalSkipped int64 `json:"totalSkipped"`

	AvgDurationMs float64 `json:"avgDurationMs"`
	MinDurationMs int64   `json:"minDurationMs"`
	MaxDurationMs int64   `json:"maxDurationMs"`

	Flakiness float64 `gorm:"index" json:"flakiness"`

	LastRunAt  time.Time `json:"lastRunAt"`
	LastStatus Status    `json:"lastStatus"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
