package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/brain/internal/store"
)

// CreateHandoffNote appends a new note. Notes are never updated or deleted;
// the newest row is authoritative.
func (s *SQLite) CreateHandoffNote(ctx context.Context, n store.HandoffNote) (*store.HandoffNote, error) {
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableHandoffNotes).Rows(
		goqu.Record{
			"id":                   n.ID,
			"from_version":         n.FromVersion,
			"to_version":           n.ToVersion,
			"active_conversations": n.ActiveConversations,
			"pending_schedules":    n.PendingSchedules,
			"created_at":           now.Format(time.RFC3339),
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert handoff note query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create handoff note: %w", err)
	}

	n.CreatedAt = now
	return &n, nil
}

func (s *SQLite) LatestHandoffNote(ctx context.Context) (*store.HandoffNote, error) {
	query, _, err := s.goqu.From(s.tableHandoffNotes).
		Select("id", "from_version", "to_version", "active_conversations", "pending_schedules", "created_at").
		Order(goqu.I("created_at").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build latest handoff note query: %w", err)
	}

	var (
		n         store.HandoffNote
		createdAt string
	)
	err = s.db.QueryRowContext(ctx, query).Scan(&n.ID, &n.FromVersion, &n.ToVersion, &n.ActiveConversations, &n.PendingSchedules, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest handoff note: %w", err)
	}

	n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &n, nil
}

// ─── Changelog ───

func (s *SQLite) CreateChangelogEntry(ctx context.Context, version, summary string) error {
	query, _, err := s.goqu.Insert(s.tableChangelog).Rows(
		goqu.Record{"version": version, "summary": summary, "delivered": false},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert changelog entry query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create changelog entry %q: %w", version, err)
	}
	return nil
}

func (s *SQLite) UndeliveredChangelog(ctx context.Context) ([]store.ChangelogEntry, error) {
	query, _, err := s.goqu.From(s.tableChangelog).
		Select("version", "summary", "delivered").
		Where(goqu.I("delivered").Eq(false)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build undelivered changelog query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list undelivered changelog: %w", err)
	}
	defer rows.Close()

	var result []store.ChangelogEntry
	for rows.Next() {
		var e store.ChangelogEntry
		if err := rows.Scan(&e.Version, &e.Summary, &e.Delivered); err != nil {
			return nil, fmt.Errorf("scan changelog row: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// MarkChangelogDelivered is idempotent per version: delivering an
// already-delivered entry is a no-op, matching "delivered once per version".
func (s *SQLite) MarkChangelogDelivered(ctx context.Context, version string) error {
	query, _, err := s.goqu.Update(s.tableChangelog).Set(
		goqu.Record{"delivered": true},
	).Where(goqu.I("version").Eq(version)).ToSQL()
	if err != nil {
		return fmt.Errorf("build mark changelog delivered query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("mark changelog %q delivered: %w", version, err)
	}
	return nil
}
