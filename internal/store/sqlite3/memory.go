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

func (s *SQLite) GetOrCreateMemoryState(ctx context.Context, conversationID string) (*store.MemoryState, error) {
	ms, err := s.getMemoryState(ctx, conversationID)
	if err == nil {
		return ms, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	query, _, err := s.goqu.Insert(s.tableMemoryStates).Rows(
		goqu.Record{
			"conversation_id":        conversationID,
			"version":                0,
			"unobserved_token_count": 0,
			"turns_since_reflection": 0,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert memory state query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create memory state: %w", err)
	}

	return s.getMemoryState(ctx, conversationID)
}

func (s *SQLite) getMemoryState(ctx context.Context, conversationID string) (*store.MemoryState, error) {
	query, _, err := s.goqu.From(s.tableMemoryStates).
		Select("conversation_id", "version", "unobserved_token_count", "turns_since_reflection", "last_observer_at", "last_reflector_at").
		Where(goqu.I("conversation_id").Eq(conversationID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get memory state query: %w", err)
	}

	var (
		ms                         store.MemoryState
		lastObserver, lastReflector sql.NullString
	)
	err = s.db.QueryRowContext(ctx, query).Scan(
		&ms.ConversationID, &ms.Version, &ms.UnobservedTokenCount, &ms.TurnsSinceReflection,
		&lastObserver, &lastReflector,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory state %q: %w", conversationID, err)
	}

	if lastObserver.Valid {
		t, _ := time.Parse(time.RFC3339, lastObserver.String)
		ms.LastObserverAt = &t
	}
	if lastReflector.Valid {
		t, _ := time.Parse(time.RFC3339, lastReflector.String)
		ms.LastReflectorAt = &t
	}

	return &ms, nil
}

// UpdateMemoryState applies fn to a fresh copy of the row and writes it back
// iff the row's current version still equals expectedVersion.
func (s *SQLite) UpdateMemoryState(ctx context.Context, conversationID string, expectedVersion int64, fn func(*store.MemoryState)) (*store.MemoryState, error) {
	current, err := s.getMemoryState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}

	fn(current)
	current.Version++

	record := goqu.Record{
		"version":                current.Version,
		"unobserved_token_count": current.UnobservedTokenCount,
		"turns_since_reflection": current.TurnsSinceReflection,
	}
	if current.LastObserverAt != nil {
		record["last_observer_at"] = current.LastObserverAt.Format(time.RFC3339)
	}
	if current.LastReflectorAt != nil {
		record["last_reflector_at"] = current.LastReflectorAt.Format(time.RFC3339)
	}

	query, _, err := s.goqu.Update(s.tableMemoryStates).Set(record).
		Where(
			goqu.I("conversation_id").Eq(conversationID),
			goqu.I("version").Eq(expectedVersion),
		).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update memory state query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update memory state %q: %w", conversationID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, store.ErrVersionConflict
	}

	return current, nil
}

// ─── Memory entry metadata (vectors live in the Memory Service's store) ───

func (s *SQLite) CreateMemoryEntryMeta(ctx context.Context, content, category string) (*store.MemoryEntryMeta, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableMemoryEntries).Rows(
		goqu.Record{
			"id":         id,
			"content":    content,
			"category":   category,
			"created_at": now.Format(time.RFC3339),
			"updated_at": now.Format(time.RFC3339),
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert memory entry query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create memory entry: %w", err)
	}

	return &store.MemoryEntryMeta{ID: id, Content: content, Category: category, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLite) ListMemoryEntryMeta(ctx context.Context, category string) ([]store.MemoryEntryMeta, error) {
	ds := s.goqu.From(s.tableMemoryEntries).
		Select("id", "content", "category", "created_at", "updated_at")
	if category != "" {
		ds = ds.Where(goqu.I("category").Eq(category))
	}

	query, _, err := ds.Order(goqu.I("created_at").Desc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list memory entries query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list memory entries: %w", err)
	}
	defer rows.Close()

	var result []store.MemoryEntryMeta
	for rows.Next() {
		var (
			m              store.MemoryEntryMeta
			createdAt, upd string
		)
		if err := rows.Scan(&m.ID, &m.Content, &m.Category, &createdAt, &upd); err != nil {
			return nil, fmt.Errorf("scan memory entry row: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		m.UpdatedAt, _ = time.Parse(time.RFC3339, upd)
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *SQLite) DeleteMemoryEntryMeta(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableMemoryEntries).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete memory entry query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete memory entry %q: %w", id, err)
	}
	return nil
}
