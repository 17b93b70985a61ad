package sqlite3

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rakunlabs/brain/internal/config"
	"github.com/rakunlabs/brain/internal/crypto"
	"github.com/rakunlabs/brain/internal/store"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "brain.db")
	s, err := New(context.Background(), &config.StoreSQLite{Datasource: dsn}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "test")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	ms, err := s.GetOrCreateMemoryState(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetOrCreateMemoryState() error = %v", err)
	}
	if ms.Version != 0 {
		t.Errorf("initial Version = %d, want 0", ms.Version)
	}

	if _, err := s.AppendMessage(ctx, conv.ID, "user", "hello"); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	msgs, err := s.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("ListMessages() = %+v, want one message with content %q", msgs, "hello")
	}

	if err := s.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if _, err := s.GetConversation(ctx, conv.ID); err != store.ErrNotFound {
		t.Errorf("GetConversation() after delete error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStateOptimisticLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "lock-test")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	ms, err := s.UpdateMemoryState(ctx, conv.ID, 0, func(m *store.MemoryState) {
		m.UnobservedTokenCount = 42
	})
	if err != nil {
		t.Fatalf("UpdateMemoryState() error = %v", err)
	}
	if ms.Version != 1 {
		t.Errorf("Version after update = %d, want 1", ms.Version)
	}

	// Stale expected version must be rejected.
	if _, err := s.UpdateMemoryState(ctx, conv.ID, 0, func(m *store.MemoryState) {}); err != store.ErrVersionConflict {
		t.Errorf("UpdateMemoryState() with stale version error = %v, want ErrVersionConflict", err)
	}
}

func TestJobTerminalImmutability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "job-1", store.JobTypeCommand, "test")
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if job.Status != store.JobStatusDispatched {
		t.Errorf("initial Status = %q, want %q", job.Status, store.JobStatusDispatched)
	}

	if _, err := s.UpdateJobStatus(ctx, job.JobID, store.JobStatusCompleted, "worker-1", "ok", "", 100); err != nil {
		t.Fatalf("UpdateJobStatus() to completed error = %v", err)
	}

	if _, err := s.UpdateJobStatus(ctx, job.JobID, store.JobStatusRunning, "", "", "", 0); err != store.ErrVersionConflict {
		t.Errorf("UpdateJobStatus() on terminal job error = %v, want ErrVersionConflict", err)
	}
}

func TestScheduleCronValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSchedule(ctx, store.ScheduleRow{
		Name: "bad", CronExpr: "not a cron", Type: store.JobTypeCommand, Config: "{}",
	})
	if err == nil {
		t.Fatal("expected error for malformed cron expression")
	}

	sc, err := s.CreateSchedule(ctx, store.ScheduleRow{
		Name: "good", CronExpr: "0 * * * *", Type: store.JobTypeCommand, Config: "{}", Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}
	if sc.CronExpr != "0 * * * *" {
		t.Errorf("CronExpr = %q", sc.CronExpr)
	}
}

func TestSecretMaskedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutSecret(ctx, "api-key", "sk-abcdefgh1234"); err != nil {
		t.Fatalf("PutSecret() error = %v", err)
	}

	masked, err := s.GetSecretMasked(ctx, "api-key")
	if err != nil {
		t.Fatalf("GetSecretMasked() error = %v", err)
	}
	if masked.Value == "sk-abcdefgh1234" {
		t.Error("GetSecretMasked() returned the unmasked value")
	}
	if masked.Value[len(masked.Value)-4:] != "1234" {
		t.Errorf("GetSecretMasked() = %q, want suffix 1234", masked.Value)
	}
}

func TestSecretSealedAtRestAndRotation(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "brain.db")

	first, err := crypto.New("first-passphrase")
	if err != nil {
		t.Fatalf("crypto.New() error = %v", err)
	}

	s, err := New(ctx, &config.StoreSQLite{Datasource: dsn}, first)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(s.Close)

	if _, err := s.PutSecret(ctx, "api-key", "super-secret-value"); err != nil {
		t.Fatalf("PutSecret() error = %v", err)
	}

	rawAtRest := func() string {
		t.Helper()
		var raw string
		if err := s.db.QueryRowContext(ctx, "SELECT value FROM brain_secrets WHERE key = 'api-key'").Scan(&raw); err != nil {
			t.Fatalf("read raw secret row: %v", err)
		}
		return raw
	}

	sealed := rawAtRest()
	if !crypto.IsSealed(sealed) {
		t.Fatalf("stored value is not sealed: %q", sealed)
	}

	second, err := crypto.New("second-passphrase")
	if err != nil {
		t.Fatalf("crypto.New() error = %v", err)
	}
	if err := s.RotateEncryptionKey(ctx, second); err != nil {
		t.Fatalf("RotateEncryptionKey() error = %v", err)
	}

	resealed := rawAtRest()
	if !crypto.IsSealed(resealed) || resealed == sealed {
		t.Fatalf("rotation did not re-seal the row: before %q, after %q", sealed, resealed)
	}

	masked, err := s.GetSecretMasked(ctx, "api-key")
	if err != nil {
		t.Fatalf("GetSecretMasked() after rotation error = %v", err)
	}
	if masked.Value[len(masked.Value)-4:] != "alue" {
		t.Errorf("masked value after rotation = %q, want the plaintext suffix", masked.Value)
	}
}
