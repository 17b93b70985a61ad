package schedule

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rakunlabs/brain/internal/config"
	"github.com/rakunlabs/brain/internal/dispatcher"
	"github.com/rakunlabs/brain/internal/store"
	"github.com/rakunlabs/brain/internal/store/sqlite3"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "brain.db")
	s, err := sqlite3.New(context.Background(), &config.StoreSQLite{Datasource: dsn}, nil)
	if err != nil {
		t.Fatalf("sqlite3.New() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// fakeDispatch records every dispatch call in place of a real Dispatcher,
// which needs a live bus connection.
type fakeDispatch struct {
	mu    sync.Mutex
	calls []dispatcher.JobSpec
	err   error
}

func (f *fakeDispatch) Dispatch(_ context.Context, jobType, source string, spec dispatcher.JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, spec)
	return "job-1", nil
}

func TestValidateCronExprRejectsMalformed(t *testing.T) {
	if err := ValidateCronExpr("not a cron"); err == nil {
		t.Fatal("expected error for malformed cron expression")
	}
	if err := ValidateCronExpr("0 * * * *"); err != nil {
		t.Errorf("ValidateCronExpr() on valid expr error = %v", err)
	}
}

func TestCreateRejectsBadCronAndType(t *testing.T) {
	st := newTestStore(t)
	m := New(st, &fakeDispatch{})
	ctx := context.Background()

	if _, err := m.Create(ctx, store.ScheduleRow{Name: "bad-cron", CronExpr: "nope", Type: store.JobTypeCommand, Config: "{}"}); err == nil {
		t.Fatal("expected error for malformed cron expression")
	}
	if _, err := m.Create(ctx, store.ScheduleRow{Name: "bad-type", CronExpr: "0 * * * *", Type: "bogus", Config: "{}"}); err == nil {
		t.Fatal("expected error for invalid schedule type")
	}
}

func TestTriggerDispatchesAndRecordsRun(t *testing.T) {
	st := newTestStore(t)
	fd := &fakeDispatch{}
	m := New(st, fd)
	ctx := context.Background()

	created, err := m.Create(ctx, store.ScheduleRow{
		Name: "ping", CronExpr: "* * * * *", Type: store.JobTypeCommand,
		Config: `{"command":"echo hi"}`, Enabled: true,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.Trigger(ctx, created.ID); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	fd.mu.Lock()
	n := len(fd.calls)
	fd.mu.Unlock()
	if n != 1 {
		t.Fatalf("dispatch calls = %d, want 1", n)
	}
	if fd.calls[0].Command != "echo hi" {
		t.Errorf("dispatched command = %q, want %q", fd.calls[0].Command, "echo hi")
	}

	row, err := st.GetSchedule(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if row.LastStatus != "dispatched" {
		t.Errorf("LastStatus = %q, want %q", row.LastStatus, "dispatched")
	}
	if !row.LastRunAt.Valid {
		t.Error("LastRunAt not set after Trigger()")
	}
}

func TestTriggerRejectsDisabledOrMissing(t *testing.T) {
	st := newTestStore(t)
	m := New(st, &fakeDispatch{})
	ctx := context.Background()

	if err := m.Trigger(ctx, "does-not-exist"); err == nil {
		t.Fatal("expected error for missing schedule")
	}

	created, err := m.Create(ctx, store.ScheduleRow{
		Name: "off", CronExpr: "0 * * * *", Type: store.JobTypeCommand, Config: "{}", Enabled: false,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.Trigger(ctx, created.ID); err == nil {
		t.Fatal("expected error triggering a disabled schedule")
	}
}

func TestDeleteCancelsTimerBeforeRemovingRow(t *testing.T) {
	st := newTestStore(t)
	m := New(st, &fakeDispatch{})
	ctx := context.Background()

	created, err := m.Create(ctx, store.ScheduleRow{
		Name: "temp", CronExpr: "0 * * * *", Type: store.JobTypeCommand, Config: "{}", Enabled: true,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, ok := m.entries[created.ID]; !ok {
		t.Fatal("expected a registered cron entry after Create()")
	}

	if err := m.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, ok := m.entries[created.ID]; ok {
		t.Error("cron entry still registered after Delete()")
	}
	if _, err := st.GetSchedule(ctx, created.ID); err != store.ErrNotFound {
		t.Errorf("GetSchedule() after delete error = %v, want ErrNotFound", err)
	}
}

func TestUpdateReEvaluatesTimerAtomically(t *testing.T) {
	st := newTestStore(t)
	m := New(st, &fakeDispatch{})
	ctx := context.Background()

	created, err := m.Create(ctx, store.ScheduleRow{
		Name: "re-eval", CronExpr: "0 * * * *", Type: store.JobTypeCommand, Config: "{}", Enabled: true,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	oldEntry := m.entries[created.ID]

	created.CronExpr = "30 * * * *"
	updated, err := m.Update(ctx, *created)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.CronExpr != "30 * * * *" {
		t.Errorf("CronExpr after update = %q", updated.CronExpr)
	}
	if m.entries[created.ID] == oldEntry {
		t.Error("cron entry id unchanged after Update(), want a fresh registration")
	}
}
