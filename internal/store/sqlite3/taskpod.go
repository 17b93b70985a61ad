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

func taskPodRecord(t store.TaskPodRow, createdAt, updatedAt time.Time) goqu.Record {
	return goqu.Record{
		"task_id":       t.TaskID,
		"recipe":        t.Recipe,
		"toolbox":       t.Toolbox,
		"mode":          t.Mode,
		"goal":          t.Goal,
		"mounts":        t.Mounts,
		"job_name":      t.JobName,
		"status":        t.Status,
		"result":        t.Result,
		"error":         t.Error,
		"duration_ms":   t.DurationMs,
		"files_changed": t.FilesChanged,
		"trace_id":      t.TraceID,
		"created_at":    createdAt.Format(time.RFC3339),
		"updated_at":    updatedAt.Format(time.RFC3339),
	}
}

func (s *SQLite) CreateTaskPodRow(ctx context.Context, t store.TaskPodRow) (*store.TaskPodRow, error) {
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableTaskPods).Rows(taskPodRecord(t, now, now)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert task pod query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create task pod: %w", err)
	}

	return s.GetTaskPodRow(ctx, t.TaskID)
}

func (s *SQLite) UpdateTaskPodRow(ctx context.Context, t store.TaskPodRow) (*store.TaskPodRow, error) {
	existing, err := s.GetTaskPodRow(ctx, t.TaskID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record := taskPodRecord(t, existing.CreatedAt, now)
	delete(record, "task_id")
	delete(record, "created_at")

	query, _, err := s.goqu.Update(s.tableTaskPods).Set(record).Where(goqu.I("task_id").Eq(t.TaskID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update task pod query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update task pod %q: %w", t.TaskID, err)
	}

	return s.GetTaskPodRow(ctx, t.TaskID)
}

func (s *SQLite) GetTaskPodRow(ctx context.Context, taskID string) (*store.TaskPodRow, error) {
	query, _, err := s.goqu.From(s.tableTaskPods).
		Select("task_id", "recipe", "toolbox", "mode", "goal", "mounts", "job_name", "status", "result", "error", "duration_ms", "files_changed", "trace_id", "created_at", "updated_at").
		Where(goqu.I("task_id").Eq(taskID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get task pod query: %w", err)
	}

	var (
		t              store.TaskPodRow
		createdAt, upd string
	)
	err = s.db.QueryRowContext(ctx, query).Scan(
		&t.TaskID, &t.Recipe, &t.Toolbox, &t.Mode, &t.Goal, &t.Mounts, &t.JobName, &t.Status,
		&t.Result, &t.Error, &t.DurationMs, &t.FilesChanged, &t.TraceID, &createdAt, &upd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task pod %q: %w", taskID, err)
	}

	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, upd)
	return &t, nil
}
