package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/brain/internal/store"
)

// validateCron rejects a malformed 5-field cron expression at write time
//.
// Full parsing (including step/range expansion) is the Schedule Manager's
// job via robfig/cron; this is a cheap shape check so bad rows never land in
// the store in the first place.
func validateCron(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("invalid cron expression %q: want 5 fields, got %d", expr, len(fields))
	}
	return nil
}

func (s *SQLite) CreateSchedule(ctx context.Context, sc store.ScheduleRow) (*store.ScheduleRow, error) {
	if err := validateCron(sc.CronExpr); err != nil {
		return nil, err
	}

	if sc.ID == "" {
		sc.ID = ulid.Make().String()
	}
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableSchedules).Rows(
		goqu.Record{
			"id":         sc.ID,
			"name":       sc.Name,
			"cron_expr":  sc.CronExpr,
			"type":       sc.Type,
			"config":     sc.Config,
			"enabled":    sc.Enabled,
			"created_at": now.Format(time.RFC3339),
			"updated_at": now.Format(time.RFC3339),
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert schedule query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}

	return s.GetSchedule(ctx, sc.ID)
}

func (s *SQLite) GetSchedule(ctx context.Context, id string) (*store.ScheduleRow, error) {
	query, _, err := s.goqu.From(s.tableSchedules).
		Select("id", "name", "cron_expr", "type", "config", "enabled", "last_run_at", "last_status", "last_output", "created_at", "updated_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get schedule query: %w", err)
	}

	return scanSchedule(s.db.QueryRowContext(ctx, query))
}

func scanSchedule(row *sql.Row) (*store.ScheduleRow, error) {
	var (
		sc             store.ScheduleRow
		enabled        bool
		createdAt, upd string
	)
	err := row.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.Type, &sc.Config, &enabled, &sc.LastRunAt, &sc.LastStatus, &sc.LastOutput, &createdAt, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule row: %w", err)
	}

	sc.Enabled = enabled
	sc.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sc.UpdatedAt, _ = time.Parse(time.RFC3339, upd)
	return &sc, nil
}

func (s *SQLite) ListSchedules(ctx context.Context) ([]store.ScheduleRow, error) {
	query, _, err := s.goqu.From(s.tableSchedules).
		Select("id", "name", "cron_expr", "type", "config", "enabled", "last_run_at", "last_status", "last_output", "created_at", "updated_at").
		Order(goqu.I("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list schedules query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var result []store.ScheduleRow
	for rows.Next() {
		var (
			sc             store.ScheduleRow
			enabled        bool
			createdAt, upd string
		)
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.Type, &sc.Config, &enabled, &sc.LastRunAt, &sc.LastStatus, &sc.LastOutput, &createdAt, &upd); err != nil {
			return nil, fmt.Errorf("scan schedule row: %w", err)
		}
		sc.Enabled = enabled
		sc.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		sc.UpdatedAt, _ = time.Parse(time.RFC3339, upd)
		result = append(result, sc)
	}
	return result, rows.Err()
}

func (s *SQLite) UpdateSchedule(ctx context.Context, sc store.ScheduleRow) (*store.ScheduleRow, error) {
	if err := validateCron(sc.CronExpr); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	query, _, err := s.goqu.Update(s.tableSchedules).Set(
		goqu.Record{
			"name":       sc.Name,
			"cron_expr":  sc.CronExpr,
			"type":       sc.Type,
			"config":     sc.Config,
			"enabled":    sc.Enabled,
			"updated_at": now.Format(time.RFC3339),
		},
	).Where(goqu.I("id").Eq(sc.ID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update schedule query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update schedule %q: %w", sc.ID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetSchedule(ctx, sc.ID)
}

func (s *SQLite) DeleteSchedule(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableSchedules).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete schedule query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete schedule %q: %w", id, err)
	}
	return nil
}

func (s *SQLite) RecordScheduleRun(ctx context.Context, id, status, output string) error {
	now := time.Now().UTC()
	lastRunAt := types.NewTimeNull(now)
	query, _, err := s.goqu.Update(s.tableSchedules).Set(
		goqu.Record{
			"last_run_at": lastRunAt,
			"last_status": status,
			"last_output": output,
			"updated_at":  now.Format(time.RFC3339),
		},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build record schedule run query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("record schedule run %q: %w", id, err)
	}
	return nil
}
