package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/rakunlabs/brain/internal/store"
)

func (s *SQLite) CreateJob(ctx context.Context, jobID, jobType, source string) (*store.JobRow, error) {
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableJobs).Rows(
		goqu.Record{
			"job_id":     jobID,
			"type":       jobType,
			"status":     store.JobStatusDispatched,
			"source":     source,
			"created_at": now.Format(time.RFC3339),
			"updated_at": now.Format(time.RFC3339),
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert job query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	return &store.JobRow{
		JobID: jobID, Type: jobType, Status: store.JobStatusDispatched, Source: source,
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (s *SQLite) GetJob(ctx context.Context, jobID string) (*store.JobRow, error) {
	return s.getJob(ctx, s.db, jobID)
}

func (s *SQLite) getJob(ctx context.Context, q querier, jobID string) (*store.JobRow, error) {
	query, _, err := s.goqu.From(s.tableJobs).
		Select("job_id", "type", "status", "worker_id", "result", "error", "duration_ms", "source", "created_at", "updated_at").
		Where(goqu.I("job_id").Eq(jobID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get job query: %w", err)
	}

	var (
		j              store.JobRow
		createdAt, upd string
	)
	err = q.QueryRowContext(ctx, query).Scan(
		&j.JobID, &j.Type, &j.Status, &j.WorkerID, &j.Result, &j.Error, &j.DurationMs, &j.Source, &createdAt, &upd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %q: %w", jobID, err)
	}

	j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339, upd)
	return &j, nil
}

func (s *SQLite) ListJobs(ctx context.Context) ([]store.JobRow, error) {
	query, _, err := s.goqu.From(s.tableJobs).
		Select("job_id", "type", "status", "worker_id", "result", "error", "duration_ms", "source", "created_at", "updated_at").
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list jobs query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var result []store.JobRow
	for rows.Next() {
		var (
			j              store.JobRow
			createdAt, upd string
		)
		if err := rows.Scan(&j.JobID, &j.Type, &j.Status, &j.WorkerID, &j.Result, &j.Error, &j.DurationMs, &j.Source, &createdAt, &upd); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		j.UpdatedAt, _ = time.Parse(time.RFC3339, upd)
		result = append(result, j)
	}
	return result, rows.Err()
}

// UpdateJobStatus transitions a job's status. Terminal jobs (completed,
// failed) are immutable: attempting to update one returns ErrVersionConflict.
func (s *SQLite) UpdateJobStatus(ctx context.Context, jobID, status, workerID, result, errMsg string, durationMs int64) (*store.JobRow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := s.getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if store.JobIsTerminal(current.Status) {
		return nil, store.ErrVersionConflict
	}

	now := time.Now().UTC()
	record := goqu.Record{
		"status":     status,
		"updated_at": now.Format(time.RFC3339),
	}
	if workerID != "" {
		record["worker_id"] = workerID
	}
	if result != "" {
		record["result"] = result
	}
	if errMsg != "" {
		record["error"] = errMsg
	}
	if durationMs > 0 {
		record["duration_ms"] = durationMs
	}

	query, _, err := s.goqu.Update(s.tableJobs).Set(record).
		Where(goqu.I("job_id").Eq(jobID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update job query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update job %q: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return s.GetJob(ctx, jobID)
}

// querier abstracts over *sql.DB and *sql.Tx for read paths shared between
// plain calls and transactional callers.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
