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

func (s *SQLite) CreateSkill(ctx context.Context, sk store.SkillRow) (*store.SkillRow, error) {
	if sk.ID == "" {
		sk.ID = ulid.Make().String()
	}
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableSkills).Rows(skillRecord(sk, now, now)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert skill query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create skill: %w", err)
	}

	return s.GetSkill(ctx, sk.ID)
}

func skillRecord(sk store.SkillRow, createdAt, updatedAt time.Time) goqu.Record {
	return goqu.Record{
		"id":                  sk.ID,
		"name":                sk.Name,
		"version":             sk.Version,
		"description":         sk.Description,
		"tier":                sk.Tier,
		"transport":           sk.Transport,
		"enabled":             sk.Enabled,
		"config":              sk.Config,
		"owner":               sk.Owner,
		"stdio_command":       sk.StdioCommand,
		"stdio_args":          sk.StdioArgs,
		"http_url":            sk.HTTPURL,
		"instruction_path":    sk.InstructionPath,
		"instruction_content": sk.InstructionContent,
		"created_at":          createdAt.Format(time.RFC3339),
		"updated_at":          updatedAt.Format(time.RFC3339),
	}
}

func (s *SQLite) GetSkill(ctx context.Context, id string) (*store.SkillRow, error) {
	query, _, err := s.goqu.From(s.tableSkills).Select(skillColumns()...).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get skill query: %w", err)
	}
	return scanSkill(s.db.QueryRowContext(ctx, query))
}

func skillColumns() []any {
	return []any{
		"id", "name", "version", "description", "tier", "transport", "enabled", "config",
		"owner", "stdio_command", "stdio_args", "http_url", "instruction_path", "instruction_content",
		"created_at", "updated_at",
	}
}

func scanSkill(row *sql.Row) (*store.SkillRow, error) {
	var (
		sk                   store.SkillRow
		enabled              bool
		createdAt, upd       string
	)
	err := row.Scan(
		&sk.ID, &sk.Name, &sk.Version, &sk.Description, &sk.Tier, &sk.Transport, &enabled, &sk.Config,
		&sk.Owner, &sk.StdioCommand, &sk.StdioArgs, &sk.HTTPURL, &sk.InstructionPath, &sk.InstructionContent,
		&createdAt, &upd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan skill row: %w", err)
	}
	sk.Enabled = enabled
	sk.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sk.UpdatedAt, _ = time.Parse(time.RFC3339, upd)
	return &sk, nil
}

func (s *SQLite) ListSkills(ctx context.Context) ([]store.SkillRow, error) {
	query, _, err := s.goqu.From(s.tableSkills).Select(skillColumns()...).Order(goqu.I("name").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list skills query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var result []store.SkillRow
	for rows.Next() {
		var (
			sk             store.SkillRow
			enabled        bool
			createdAt, upd string
		)
		if err := rows.Scan(
			&sk.ID, &sk.Name, &sk.Version, &sk.Description, &sk.Tier, &sk.Transport, &enabled, &sk.Config,
			&sk.Owner, &sk.StdioCommand, &sk.StdioArgs, &sk.HTTPURL, &sk.InstructionPath, &sk.InstructionContent,
			&createdAt, &upd,
		); err != nil {
			return nil, fmt.Errorf("scan skill row: %w", err)
		}
		sk.Enabled = enabled
		sk.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		sk.UpdatedAt, _ = time.Parse(time.RFC3339, upd)
		result = append(result, sk)
	}
	return result, rows.Err()
}

// UpdateSkill refuses to modify a system-owned row on behalf of the agent;
// callers enforce the owner check before calling this with an agent-initiated request — this
// method itself only guards against changing ownership away from the
// original value.
func (s *SQLite) UpdateSkill(ctx context.Context, sk store.SkillRow) (*store.SkillRow, error) {
	existing, err := s.GetSkill(ctx, sk.ID)
	if err != nil {
		return nil, err
	}
	if existing.Owner == store.SkillOwnerSystem && sk.Owner != store.SkillOwnerSystem {
		return nil, errors.New("cannot change a system-owned skill's owner")
	}

	now := time.Now().UTC()
	record := skillRecord(sk, existing.CreatedAt, now)
	delete(record, "id")
	delete(record, "created_at")

	query, _, err := s.goqu.Update(s.tableSkills).Set(record).Where(goqu.I("id").Eq(sk.ID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update skill query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update skill %q: %w", sk.ID, err)
	}

	return s.GetSkill(ctx, sk.ID)
}

func (s *SQLite) DeleteSkill(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableSkills).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete skill query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete skill %q: %w", id, err)
	}
	return nil
}
