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

func (s *SQLite) CreateConversation(ctx context.Context, title string) (*store.Conversation, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableConversations).Rows(
		goqu.Record{
			"id":         id,
			"title":      title,
			"created_at": now.Format(time.RFC3339),
			"updated_at": now.Format(time.RFC3339),
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert conversation query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	conv := &store.Conversation{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}

	// Every conversation gets exactly one MemoryState row at creation.
	if _, err := s.GetOrCreateMemoryState(ctx, id); err != nil {
		return nil, fmt.Errorf("create memory state for conversation %q: %w", id, err)
	}

	return conv, nil
}

func (s *SQLite) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	query, _, err := s.goqu.From(s.tableConversations).
		Select("id", "title", "created_at", "updated_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get conversation query: %w", err)
	}

	var (
		conv           store.Conversation
		createdAt, upd string
	)
	err = s.db.QueryRowContext(ctx, query).Scan(&conv.ID, &conv.Title, &createdAt, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %q: %w", id, err)
	}

	conv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	conv.UpdatedAt, _ = time.Parse(time.RFC3339, upd)
	return &conv, nil
}

func (s *SQLite) ListConversations(ctx context.Context) ([]store.Conversation, error) {
	query, _, err := s.goqu.From(s.tableConversations).
		Select("id", "title", "created_at", "updated_at").
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var result []store.Conversation
	for rows.Next() {
		var (
			conv           store.Conversation
			createdAt, upd string
		)
		if err := rows.Scan(&conv.ID, &conv.Title, &createdAt, &upd); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		conv.UpdatedAt, _ = time.Parse(time.RFC3339, upd)
		result = append(result, conv)
	}
	return result, rows.Err()
}

func (s *SQLite) DeleteConversation(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableConversations).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete conversation query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete conversation %q: %w", id, err)
	}
	return nil
}

// ─── Messages ───

func (s *SQLite) AppendMessage(ctx context.Context, conversationID, role, content string) (*store.Message, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableMessages).Rows(
		goqu.Record{
			"id":              id,
			"conversation_id": conversationID,
			"role":            role,
			"content":         content,
			"created_at":      now.Format(time.RFC3339),
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert message query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	return &store.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

func (s *SQLite) ListMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	query, _, err := s.goqu.From(s.tableMessages).
		Select("id", "conversation_id", "role", "content", "created_at").
		Where(goqu.I("conversation_id").Eq(conversationID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var result []store.Message
	for rows.Next() {
		var (
			m         store.Message
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		result = append(result, m)
	}
	return result, rows.Err()
}
