// Package schedule implements the Schedule Manager: a cron
// evaluator backed by durable rows. On startup it loads every enabled
// schedule and registers an in-memory timer for its next fire; firing a
// schedule dispatches a job and records the outcome.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/rakunlabs/brain/internal/dispatcher"
	"github.com/rakunlabs/brain/internal/store"
)

// parser accepts the standard 5-field cron grammar (minute hour dom month dow).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCronExpr reports whether expr parses as standard 5-field cron,
// per the ScheduleRow invariant that cron_expr is rejected at write.
func ValidateCronExpr(expr string) error {
	_, err := parser.Parse(expr)
	return err
}

// Dispatch is the narrow surface the Schedule Manager needs from the
// Dispatcher, passed in at construction to avoid an import cycle between
// dispatcher and schedule.
type Dispatch interface {
	Dispatch(ctx context.Context, jobType, source string, spec dispatcher.JobSpec) (string, error)
}

// Manager owns the cron engine and the enabled→timer binding.
type Manager struct {
	store      store.Store
	dispatch   Dispatch
	cron       *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID // schedule id -> cron entry
}

// New constructs a Manager. Call Start to load enabled schedules and begin
// firing them.
func New(st store.Store, d Dispatch) *Manager {
	return &Manager{
		store:   st,
		dispatch: d,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads every enabled schedule and registers its timer, then starts
// the cron engine. Missed fires (the process was down) are not back-filled;
// only the next scheduled fire is honoured.
func (m *Manager) Start(ctx context.Context) error {
	rows, err := m.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		if err := m.register(ctx, row); err != nil {
			slog.Error("schedule: failed to register on startup", "id", row.ID, "error", err)
		}
	}

	m.cron.Start()
	return nil
}

// Stop halts the cron engine, waiting for any in-flight job to finish.
func (m *Manager) Stop() context.Context {
	return m.cron.Stop()
}

func (m *Manager) register(ctx context.Context, row store.ScheduleRow) error {
	id, err := m.cron.AddFunc(row.CronExpr, func() {
		if err := m.Trigger(context.Background(), row.ID); err != nil {
			slog.Error("schedule: trigger failed", "id", row.ID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: parse cron expr %q: %w", row.ID, row.CronExpr, err)
	}

	m.mu.Lock()
	m.entries[row.ID] = id
	m.mu.Unlock()

	return nil
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	entryID, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()

	if ok {
		m.cron.Remove(entryID)
	}
}

// Create validates the schedule and atomically persists it and registers
// its timer (if enabled).
func (m *Manager) Create(ctx context.Context, row store.ScheduleRow) (*store.ScheduleRow, error) {
	if err := ValidateCronExpr(row.CronExpr); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", row.CronExpr, err)
	}
	if row.Type != store.JobTypeAgent && row.Type != store.JobTypeCommand && row.Type != store.JobTypeHTTP {
		return nil, fmt.Errorf("invalid schedule type %q", row.Type)
	}

	created, err := m.store.CreateSchedule(ctx, row)
	if err != nil {
		return nil, err
	}

	if created.Enabled {
		if err := m.register(ctx, *created); err != nil {
			return nil, err
		}
	}

	return created, nil
}

// Update re-evaluates the timer atomically: the old timer (if any) is torn
// down before the new one (if enabled) is registered.
func (m *Manager) Update(ctx context.Context, row store.ScheduleRow) (*store.ScheduleRow, error) {
	if err := ValidateCronExpr(row.CronExpr); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", row.CronExpr, err)
	}

	m.unregister(row.ID)

	updated, err := m.store.UpdateSchedule(ctx, row)
	if err != nil {
		return nil, err
	}

	if updated.Enabled {
		if err := m.register(ctx, *updated); err != nil {
			return nil, err
		}
	}

	return updated, nil
}

// Delete cancels the timer before deleting the row.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.unregister(id)
	return m.store.DeleteSchedule(ctx, id)
}

// Trigger fires a schedule immediately: it translates the row's type/config
// into a dispatch envelope with source=schedule and records the outcome.
// A manual call is always honoured, even for a schedule whose timer isn't
// due yet.
func (m *Manager) Trigger(ctx context.Context, id string) error {
	row, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", id, err)
	}
	if !row.Enabled {
		return fmt.Errorf("schedule %q is disabled", id)
	}

	spec, err := specFromConfig(row.Type, row.Config)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", id, err)
	}

	jobID, err := m.dispatch.Dispatch(ctx, row.Type, "schedule", spec)
	if err != nil {
		_ = m.store.RecordScheduleRun(ctx, id, "failed", err.Error())
		return fmt.Errorf("dispatch schedule %q: %w", id, err)
	}

	return m.store.RecordScheduleRun(ctx, id, "dispatched", jobID)
}
