// Package sqlite3 is the primary State Store backend: goqu-built SQL over
// modernc.org/sqlite, ulid primary keys, muz-driven migrations, and
// AES-256-GCM encryption of secret values at rest.
package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rakunlabs/brain/internal/config"
	"github.com/rakunlabs/brain/internal/crypto"
	"github.com/rakunlabs/brain/internal/store"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "brain_"

var _ store.Store = (*SQLite)(nil)

// SQLite is the State Store backend for single-instance deployments.
type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableConversations exp.IdentifierExpression
	tableMessages      exp.IdentifierExpression
	tableMemoryStates  exp.IdentifierExpression
	tableJobs          exp.IdentifierExpression
	tableSchedules     exp.IdentifierExpression
	tableSkills        exp.IdentifierExpression
	tableMemoryEntries exp.IdentifierExpression
	tableHandoffNotes  exp.IdentifierExpression
	tableChangelog     exp.IdentifierExpression
	tableTaskPods      exp.IdentifierExpression
	tableSecrets       exp.IdentifierExpression

	// cipher seals secret values at rest. nil means encryption is
	// disabled. Protected by cipherMu because key rotation swaps it.
	cipher   *crypto.Cipher
	cipherMu sync.RWMutex
}

// New opens (and migrates) the sqlite3 state store. cipher may be nil to
// store secrets in the clear.
func New(ctx context.Context, cfg *config.StoreSQLite, cipher *crypto.Cipher) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
		db:                 db,
		goqu:               dbGoqu,
		tableConversations: goqu.T(tablePrefix + "conversations"),
		tableMessages:      goqu.T(tablePrefix + "messages"),
		tableMemoryStates:  goqu.T(tablePrefix + "memory_states"),
		tableJobs:          goqu.T(tablePrefix + "jobs"),
		tableSchedules:     goqu.T(tablePrefix + "schedules"),
		tableSkills:        goqu.T(tablePrefix + "skills"),
		tableMemoryEntries: goqu.T(tablePrefix + "memory_entries"),
		tableHandoffNotes:  goqu.T(tablePrefix + "handoff_notes"),
		tableChangelog:     goqu.T(tablePrefix + "changelog"),
		tableTaskPods:      goqu.T(tablePrefix + "task_pods"),
		tableSecrets:       goqu.T(tablePrefix + "secrets"),
		cipher:             cipher,
	}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}
