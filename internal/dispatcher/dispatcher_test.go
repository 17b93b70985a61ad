package dispatcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rakunlabs/brain/internal/config"
	"github.com/rakunlabs/brain/internal/store"
	"github.com/rakunlabs/brain/internal/store/sqlite3"
)

// The bus-facing half (Dispatch publish, handleStatus consumption) needs a
// live JetStream connection, so these tests cover the store-backed paths:
// wait-for-completion resolution and the zombie reaper.

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

func TestWaitForCompletionResolvesSynchronouslyOnTerminalRow(t *testing.T) {
	st := newTestStore(t)
	d := New(nil, st)
	ctx := context.Background()

	if _, err := st.CreateJob(ctx, "job-1", store.JobTypeCommand, "test"); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if _, err := st.UpdateJobStatus(ctx, "job-1", store.JobStatusCompleted, "w1", "done", "", 42); err != nil {
		t.Fatalf("UpdateJobStatus() error = %v", err)
	}

	row, err := d.WaitForCompletion(ctx, "job-1", time.Minute)
	if err != nil {
		t.Fatalf("WaitForCompletion() error = %v", err)
	}
	if row.Status != store.JobStatusCompleted || row.Result != "done" {
		t.Errorf("row = %+v, want completed/done", row)
	}
}

func TestWaitForCompletionTimesOutAndForceFails(t *testing.T) {
	st := newTestStore(t)
	d := New(nil, st)
	ctx := context.Background()

	if _, err := st.CreateJob(ctx, "job-2", store.JobTypeCommand, "test"); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	row, err := d.WaitForCompletion(ctx, "job-2", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForCompletion() error = %v", err)
	}
	if row.Status != store.JobStatusFailed {
		t.Errorf("Status = %q, want failed", row.Status)
	}
	if row.Error == "" {
		t.Error("force-failed job should carry a timeout reason")
	}

	// Terminal rows are immutable: a late status update must be rejected.
	if _, err := st.UpdateJobStatus(ctx, "job-2", store.JobStatusCompleted, "w1", "late", "", 0); err != store.ErrVersionConflict {
		t.Errorf("late update error = %v, want ErrVersionConflict", err)
	}
}

func TestWaitForCompletionWakesOnTerminalTransition(t *testing.T) {
	st := newTestStore(t)
	d := New(nil, st)
	ctx := context.Background()

	if _, err := st.CreateJob(ctx, "job-3", store.JobTypeCommand, "test"); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	done := make(chan *store.JobRow, 1)
	go func() {
		row, err := d.WaitForCompletion(ctx, "job-3", time.Minute)
		if err != nil {
			t.Errorf("WaitForCompletion() error = %v", err)
		}
		done <- row
	}()

	// Let the waiter register, then complete the job the way handleStatus
	// would: persist, then wake.
	time.Sleep(50 * time.Millisecond)
	if _, err := st.UpdateJobStatus(ctx, "job-3", store.JobStatusCompleted, "w1", "ok", "", 7); err != nil {
		t.Fatalf("UpdateJobStatus() error = %v", err)
	}
	d.wake("job-3")

	select {
	case row := <-done:
		if row.Status != store.JobStatusCompleted {
			t.Errorf("Status = %q, want completed", row.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitForCompletionUnknownJob(t *testing.T) {
	st := newTestStore(t)
	d := New(nil, st)

	if _, err := d.WaitForCompletion(context.Background(), "missing", time.Minute); err == nil {
		t.Fatal("expected error for unknown job id")
	}
}

func TestReapOnceSkipsFreshAndTerminalJobs(t *testing.T) {
	st := newTestStore(t)
	d := New(nil, st)
	ctx := context.Background()

	if _, err := st.CreateJob(ctx, "fresh", store.JobTypeCommand, "test"); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if _, err := st.CreateJob(ctx, "finished", store.JobTypeCommand, "test"); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if _, err := st.UpdateJobStatus(ctx, "finished", store.JobStatusCompleted, "w1", "ok", "", 1); err != nil {
		t.Fatalf("UpdateJobStatus() error = %v", err)
	}

	d.reapOnce(ctx)

	fresh, err := st.GetJob(ctx, "fresh")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if fresh.Status != store.JobStatusDispatched {
		t.Errorf("fresh job Status = %q, want dispatched (reaper must not touch young jobs)", fresh.Status)
	}

	finished, err := st.GetJob(ctx, "finished")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if finished.Result != "ok" {
		t.Errorf("terminal job mutated by reaper: %+v", finished)
	}
}
