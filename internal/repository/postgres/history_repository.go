// Package postgres provides the PostgreSQL-backed history repository.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/nadmax/rtsched/internal/logging"
	"github.com/nadmax/rtsched/internal/repository"
	"github.com/nadmax/rtsched/internal/repository/models"
	"github.com/nadmax/rtsched/internal/scheduler"
	"github.com/nadmax/rtsched/internal/task"
	"github.com/nadmax/rtsched/internal/timing"
)

var _ repository.HistoryRepository = (*HistoryRepository)(nil)

type HistoryRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewHistoryRepository(connectionString string, logger *slog.Logger) (*HistoryRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewHistoryRepositoryFromDB(db, logger), nil
}

func NewHistoryRepositoryFromDB(db *sql.DB, logger *slog.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:     db,
		logger: logging.OrDiscard(logger).With("component", "history"),
	}
}

func (r *HistoryRepository) RecordTask(ctx context.Context, runID string, d task.Descriptor) error {
	query := `
		INSERT INTO rt_tasks (
			run_id, task_id, name, period_ns, deadline_ns,
			wcet_ns, offset_ns, sporadic, threshold_ns
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, task_id) DO UPDATE SET
			name = EXCLUDED.name,
			threshold_ns = EXCLUDED.threshold_ns
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		runID,
		int64(d.ID),
		d.Name,
		int64(d.Period),
		int64(d.RelativeDeadline),
		int64(d.WCET),
		int64(d.Offset),
		d.Sporadic,
		int64(d.ViolationThreshold),
	)

	return err
}

func (r *HistoryRepository) RecordSample(ctx context.Context, runID string, s timing.Sample) error {
	query := `
		INSERT INTO rt_samples (
			run_id, task_id, release_ns, start_ns, completion_ns,
			latency_ns, period_actual_ns, missed, superseded, violation
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	var startNs any
	if s.Started {
		startNs = int64(s.Start)
	}

	var periodNs any
	if s.HasPeriod {
		periodNs = int64(s.PeriodActual)
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		runID,
		int64(s.TaskID),
		int64(s.Release),
		startNs,
		int64(s.Completion),
		int64(s.Latency),
		periodNs,
		s.Missed,
		s.Superseded,
		s.Violation,
	)

	return err
}

func (r *HistoryRepository) RecordViolation(ctx context.Context, runID string, v scheduler.Violation) error {
	query := `
		INSERT INTO rt_violations (
			run_id, task_id, task_name, kind, release_ns,
			deadline_ns, at_ns, latency_ns
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		runID,
		int64(v.TaskID),
		v.Task,
		string(v.Kind),
		int64(v.Release),
		int64(v.Deadline),
		int64(v.At),
		int64(v.Latency),
	)

	return err
}

func (r *HistoryRepository) GetTaskSummary(ctx context.Context, runID string) ([]models.TaskSummary, error) {
	query := `
		SELECT
			t.task_id, t.name,
			COUNT(s.id) FILTER (WHERE NOT s.superseded) as samples,
			COUNT(s.id) FILTER (WHERE s.missed) as deadline_misses,
			COUNT(s.id) FILTER (WHERE s.violation) as violations,
			COALESCE(AVG(s.latency_ns) FILTER (WHERE NOT s.superseded), 0) as avg_latency_ns,
			COALESCE(MAX(s.latency_ns) FILTER (WHERE NOT s.superseded), 0) as max_latency_ns,
			COALESCE(MIN(s.latency_ns) FILTER (WHERE NOT s.superseded), 0) as min_latency_ns
		FROM rt_tasks t
		LEFT JOIN rt_samples s ON s.run_id = t.run_id AND s.task_id = t.task_id
		WHERE t.run_id = $1
		GROUP BY t.task_id, t.name
		ORDER BY t.task_id
	`
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Warn("failed to close rows", "error", err)
		}
	}()

	var summaries []models.TaskSummary
	for rows.Next() {
		var s models.TaskSummary
		var id int64
		if err := rows.Scan(
			&id,
			&s.Name,
			&s.Samples,
			&s.DeadlineMisses,
			&s.Violations,
			&s.AvgLatencyNs,
			&s.MaxLatencyNs,
			&s.MinLatencyNs,
		); err != nil {
			return nil, err
		}

		s.TaskID = task.ID(id)
		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}

func (r *HistoryRepository) GetRecentSamples(ctx context.Context, runID string, taskID task.ID, limit int) ([]models.SampleRecord, error) {
	query := `
		SELECT
			id, run_id, task_id, release_ns, start_ns, completion_ns,
			latency_ns, period_actual_ns, missed, superseded, violation, recorded_at
		FROM rt_samples
		WHERE run_id = $1 AND ($2::bigint = 0 OR task_id = $2)
		ORDER BY id DESC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, runID, int64(taskID), limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Warn("failed to close rows", "error", err)
		}
	}()

	var samples []models.SampleRecord
	for rows.Next() {
		var s models.SampleRecord
		var id int64
		var startNs, periodNs sql.NullInt64
		if err := rows.Scan(
			&s.ID,
			&s.RunID,
			&id,
			&s.ReleaseNs,
			&startNs,
			&s.CompletionNs,
			&s.LatencyNs,
			&periodNs,
			&s.Missed,
			&s.Superseded,
			&s.Violation,
			&s.RecordedAt,
		); err != nil {
			return nil, err
		}

		s.TaskID = task.ID(id)
		if startNs.Valid {
			s.StartNs = &startNs.Int64
		}
		if periodNs.Valid {
			s.PeriodActualNs = &periodNs.Int64
		}
		samples = append(samples, s)
	}

	return samples, rows.Err()
}

func (r *HistoryRepository) GetViolations(ctx context.Context, runID string, limit int) ([]models.ViolationRecord, error) {
	query := `
		SELECT
			id, run_id, task_id, task_name, kind, release_ns,
			deadline_ns, at_ns, latency_ns, recorded_at
		FROM rt_violations
		WHERE run_id = $1
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Warn("failed to close rows", "error", err)
		}
	}()

	var violations []models.ViolationRecord
	for rows.Next() {
		var v models.ViolationRecord
		var id int64
		if err := rows.Scan(
			&v.ID,
			&v.RunID,
			&id,
			&v.Task,
			&v.Kind,
			&v.ReleaseNs,
			&v.DeadlineNs,
			&v.AtNs,
			&v.LatencyNs,
			&v.RecordedAt,
		); err != nil {
			return nil, err
		}

		v.TaskID = task.ID(id)
		violations = append(violations, v)
	}

	return violations, rows.Err()
}

func (r *HistoryRepository) DB() *sql.DB {
	return r.db
}

func (r *HistoryRepository) Close() error {
	return r.db.Close()
}
