package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/flakewatch/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested run or test identity does
// not exist.
var ErrNotFound = errors.New("record not found")

// resultBatchSize bounds the per-statement row count for bulk inserts.
const resultBatchSize = 100

// OrderBy is the closed enumeration of test listing sort keys.
type OrderBy string

// Supported test listing sort keys.
const (
	OrderByFlakiness   OrderBy = "flakiness"
	OrderByAvgDuration OrderBy = "avgDuration"
	OrderByFailRate    OrderBy = "failRate"
	OrderByName        OrderBy = "name"
)

// ParseOrderBy maps a caller-supplied sort key onto the enumeration.
func ParseOrderBy(s string) (OrderBy, error) {
	switch OrderBy(s) {
	case OrderByFlakiness, OrderByAvgDuration, OrderByFailRate, OrderByName:
		return OrderBy(s), nil
	}

	return "", fmt.Errorf("unknown order key: %s", s)
}

// orderClause translates the sort key into an ORDER BY fragment. Keys
// come from the closed enumeration above, never from caller input.
func (o OrderBy) orderClause(desc bool) string {
	var col string

	switch o {
	case OrderByFlakiness:
		col = "flakiness"
	case OrderByAvgDuration:
		col = "avg_duration_ms"
	case OrderByFailRate:
		// Float division portable across sqlite and postgres.
		col = "(CASE WHEN total_runs > 0" +
			" THEN (total_failed * 1.0) / total_runs ELSE 0 END)"
	case OrderByName:
		col = "title"
	}

	if desc {
		return col + " DESC"
	}

	return col + " ASC"
}

// RunFilter narrows and pages the run listing.
type RunFilter struct {
	// Branch filters by exact branch match when non-empty.
	Branch string

	// Status is "passed" (no failed results) or "failed" (at least one
	// failed result) when non-empty.
	Status string

	Limit  int
	Offset int
}

// Store provides persistence for runs, per-test results, and the
// per-test aggregate statistics.
type Store interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	CreateRunWithResults(
		ctx context.Context, run *Run, results []*TestResult,
	) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]Run, int64, error)
	ListRecentRuns(ctx context.Context, limit int) ([]Run, error)
	ListResultsByRun(ctx context.Context, runID string) ([]TestResult, error)
	CountRuns(ctx context.Context) (int64, error)
	SumRunCounts(ctx context.Context) (passed, total int64, err error)

	GetTestStats(ctx context.Context, testID string) (*TestStats, error)
	ListTestStats(
		ctx context.Context, orderBy OrderBy, desc bool, limit int,
	) ([]TestStats, error)
	ListTestHistory(
		ctx context.Context, testID string, limit int,
	) ([]TestResult, error)
	ListFlaky(
		ctx context.Context, minRuns int64, limit int,
	) ([]TestStats, error)
	ListSlow(ctx context.Context, limit int) ([]TestStats, error)
	CountTests(ctx context.Context) (int64, error)

	OutcomeHistory(ctx context.Context, testID string) ([]Status, error)
	UpdateFlakiness(ctx context.Context, testID string, score float64) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&TestResult{},
		&TestStats{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not started")
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.PingContext(ctx)
}

// CreateRunWithResults writes a run, its results, and the per-test
// aggregate updates in a single transaction. Either everything commits
// or nothing does. The stats update is applied once per distinct test
// identity in the submission, using the first occurrence.
func (s *store) CreateRunWithResults(
	ctx context.Context, run *Run, results []*TestResult,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		if err := tx.CreateInBatches(
			results, resultBatchSize,
		).Error; err != nil {
			return fmt.Errorf("bulk inserting results: %w", err)
		}

		seen := make(map[string]struct{}, len(results))

		for _, r := range results {
			if _, ok := seen[r.TestID]; ok {
				continue
			}

			seen[r.TestID] = struct{}{}

			if err := upsertTestStats(tx, run, r); err != nil {
				return fmt.Errorf(
					"updating stats for %s: %w", r.TestID, err,
				)
			}
		}

		return nil
	})
}

// upsertTestStats inserts a fresh aggregate row for a first-seen test
// identity, or folds one more observation into the existing row. All
// arithmetic on the conflict path is expressed as SQL over the live
// committed row, so concurrent transactions touching the same identity
// serialize on the row instead of losing updates.
func upsertTestStats(tx *gorm.DB, run *Run, r *TestResult) error {
	var passed, failed, skipped int64

	switch r.Status {
	case StatusPassed:
		passed = 1
	case StatusFailed:
		failed = 1
	case StatusSkipped:
		skipped = 1
	case StatusTimedOut:
		// Counted in total_runs only.
	}

	now := time.Now().UTC()

	row := &TestStats{
		TestID:        r.TestID,
		Title:         r.Title,
		File:          r.File,
		TotalRuns:     1,
		TotalPassed:   passed,
		TotalFailed:   failed,
		TotalSkipped:  skipped,
		AvgDurationMs: float64(r.DurationMs),
		MinDurationMs: r.DurationMs,
		MaxDurationMs: r.DurationMs,
		LastRunAt:     run.CompletedAt,
		LastStatus:    r.Status,
		UpdatedAt:     now,
	}

	assignments := map[string]interface{}{
		"total_runs":    gorm.Expr("test_stats.total_runs + 1"),
		"total_passed":  gorm.Expr("test_stats.total_passed + ?", passed),
		"total_failed":  gorm.Expr("test_stats.total_failed + ?", failed),
		"total_skipped": gorm.Expr("test_stats.total_skipped + ?", skipped),
		"avg_duration_ms": gorm.Expr(
			"(test_stats.avg_duration_ms * test_stats.total_runs + ?)"+
				" / (test_stats.total_runs + 1)",
			float64(r.DurationMs),
		),
		"min_duration_ms": gorm.Expr(
			"CASE WHEN test_stats.min_duration_ms < ?"+
				" THEN test_stats.min_duration_ms ELSE ? END",
			r.DurationMs, r.DurationMs,
		),
		"max_duration_ms": gorm.Expr(
			"CASE WHEN test_stats.max_duration_ms > ?"+
				" THEN test_stats.max_duration_ms ELSE ? END",
			r.DurationMs, r.DurationMs,
		),
		"last_run_at": run.CompletedAt,
		"last_status": string(r.Status),
		"updated_at":  now,
	}

	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "test_id"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(row).Error
}

// GetRun returns a single run by id.
func (s *store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

// ListRuns returns a page of runs matching the filter, newest first,
// together with the total number of matching rows.
func (s *store) ListRuns(
	ctx context.Context, f RunFilter,
) ([]Run, int64, error) {
	q := s.db.WithContext(ctx).Model(&Run{})

	if f.Branch != "" {
		q = q.Where("branch = ?", f.Branch)
	}

	switch f.Status {
	case "passed":
		q = q.Where("tests_failed = 0")
	case "failed":
		q = q.Where("tests_failed > 0")
	}

	// Fresh sessions so the count and the page query do not share
	// statement state.
	var total int64
	if err := q.Session(&gorm.Session{}).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting runs: %w", err)
	}

	var runs []Run
	if err := q.Session(&gorm.Session{}).
		Order("created_at DESC").
		Limit(f.Limit).
		Offset(f.Offset).
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("listing runs: %w", err)
	}

	return runs, total, nil
}

// ListRecentRuns returns the most recent runs, newest first.
func (s *store) ListRecentRuns(
	ctx context.Context, limit int,
) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing recent runs: %w", err)
	}

	return runs, nil
}

// ListResultsByRun returns all results for a run in insertion order.
func (s *store) ListResultsByRun(
	ctx context.Context, runID string,
) ([]TestResult, error) {
	var results []TestResult
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing run results: %w", err)
	}

	return results, nil
}

// CountRuns returns the total number of ingested runs.
func (s *store) CountRuns(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting runs: %w", err)
	}

	return count, nil
}

// SumRunCounts returns the passed and total test counts summed over
// all runs, for the overall pass rate.
func (s *store) SumRunCounts(
	ctx context.Context,
) (passed, total int64, err error) {
	var sums struct {
		Passed int64
		Total  int64
	}

	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Select("COALESCE(SUM(tests_passed), 0) AS passed," +
			" COALESCE(SUM(tests_total), 0) AS total").
		Scan(&sums).Error; err != nil {
		return 0, 0, fmt.Errorf("summing run counts: %w", err)
	}

	return sums.Passed, sums.Total, nil
}

// GetTestStats returns the aggregate row for a test identity.
func (s *store) GetTestStats(
	ctx context.Context, testID string,
) (*TestStats, error) {
	var stats TestStats
	if err := s.db.WithContext(ctx).
		First(&stats, "test_id = ?", testID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting test stats: %w", err)
	}

	return &stats, nil
}

// ListTestStats returns aggregate rows sorted by the given key.
func (s *store) ListTestStats(
	ctx context.Context, orderBy OrderBy, desc bool, limit int,
) ([]TestStats, error) {
	var stats []TestStats
	if err := s.db.WithContext(ctx).
		Order(orderBy.orderClause(desc)).
		Limit(limit).
		Find(&stats).Error; err != nil {
		return nil, fmt.Errorf("listing test stats: %w", err)
	}

	return stats, nil
}

// ListTestHistory returns the most recent results for a test identity,
// newest first.
func (s *store) ListTestHistory(
	ctx context.Context, testID string, limit int,
) ([]TestResult, error) {
	var results []TestResult
	if err := s.db.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing test history: %w", err)
	}

	return results, nil
}

// ListFlaky returns the flakiest tests with at least minRuns
// observations, flakiest first.
func (s *store) ListFlaky(
	ctx context.Context, minRuns int64, limit int,
) ([]TestStats, error) {
	var stats []TestStats
	if err := s.db.WithContext(ctx).
		Where("total_runs >= ?", minRuns).
		Order("flakiness DESC").
		Limit(limit).
		Find(&stats).Error; err != nil {
		return nil, fmt.Errorf("listing flaky tests: %w", err)
	}

	return stats, nil
}

// ListSlow returns tests with the highest average duration first.
func (s *store) ListSlow(
	ctx context.Context, limit int,
) ([]TestStats, error) {
	var stats []TestStats
	if err := s.db.WithContext(ctx).
		Order("avg_duration_ms DESC").
		Limit(limit).
		Find(&stats).Error; err != nil {
		return nil, fmt.Errorf("listing slow tests: %w", err)
	}

	return stats, nil
}

// CountTests returns the number of distinct test identities.
func (s *store) CountTests(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&TestStats{}).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting tests: %w", err)
	}

	return count, nil
}

// OutcomeHistory returns the chronological passed/failed sequence for
// a test identity. Skipped and timed-out outcomes are excluded; the
// flakiness score is defined over the pass/fail sequence only.
func (s *store) OutcomeHistory(
	ctx context.Context, testID string,
) ([]Status, error) {
	var raw []string
	if err := s.db.WithContext(ctx).
		Model(&TestResult{}).
		Where("test_id = ? AND status IN ?",
			testID, []string{string(StatusPassed), string(StatusFailed)}).
		Order("created_at ASC, id ASC").
		Pluck("status", &raw).Error; err != nil {
		return nil, fmt.Errorf("loading outcome history: %w", err)
	}

	outcomes := make([]Status, 0, len(raw))
	for _, r := range raw {
		outcomes = append(outcomes, Status(r))
	}

	return outcomes, nil
}

// UpdateFlakiness overwrites the derived flakiness score for a test
// identity. The score is a pure function of history, so concurrent
// recomputations converge regardless of ordering.
func (s *store) UpdateFlakiness(
	ctx context.Context, testID string, score float64,
) error {
	if err := s.db.WithContext(ctx).
		Model(&TestStats{}).
		Where("test_id = ?", testID).
		Updates(map[string]interface{}{
			"flakiness":  score,
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
		return fmt.Errorf("updating flakiness: %w", err)
	}

	return nil
}
