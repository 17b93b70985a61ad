package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/brain/internal/crypto"
	"github.com/rakunlabs/brain/internal/store"
)

func (s *SQLite) currentCipher() *crypto.Cipher {
	s.cipherMu.RLock()
	defer s.cipherMu.RUnlock()
	return s.cipher
}

// PutSecret upserts a secret by key, sealing the value at rest.
func (s *SQLite) PutSecret(ctx context.Context, key, value string) (*store.SecretRecord, error) {
	stored, err := s.currentCipher().Seal(value)
	if err != nil {
		return nil, fmt.Errorf("seal secret %q: %w", key, err)
	}

	existing, err := s.getSecretRow(ctx, key)
	now := time.Now().UTC()

	if errors.Is(err, store.ErrNotFound) {
		id := ulid.Make().String()
		insertQuery, _, err := s.goqu.Insert(s.tableSecrets).Rows(
			goqu.Record{
				"id": id, "key": key, "value": stored,
				"created_at": now.Format(time.RFC3339), "updated_at": now.Format(time.RFC3339),
			},
		).ToSQL()
		if err != nil {
			return nil, fmt.Errorf("build insert secret query: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, insertQuery); err != nil {
			return nil, fmt.Errorf("create secret %q: %w", key, err)
		}
		return &store.SecretRecord{ID: id, Key: key, Value: value, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return nil, err
	}

	updateQuery, _, err := s.goqu.Update(s.tableSecrets).Set(
		goqu.Record{"value": stored, "updated_at": now.Format(time.RFC3339)},
	).Where(goqu.I("key").Eq(key)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update secret query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, updateQuery); err != nil {
		return nil, fmt.Errorf("update secret %q: %w", key, err)
	}

	return &store.SecretRecord{ID: existing.ID, Key: key, Value: value, CreatedAt: existing.CreatedAt, UpdatedAt: now}, nil
}

// getSecretRow fetches and opens a secret's value.
func (s *SQLite) getSecretRow(ctx context.Context, key string) (*store.SecretRecord, error) {
	query, _, err := s.goqu.From(s.tableSecrets).
		Select("id", "key", "value", "created_at", "updated_at").
		Where(goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get secret query: %w", err)
	}

	var (
		rec            store.SecretRecord
		createdAt, upd string
	)
	err = s.db.QueryRowContext(ctx, query).Scan(&rec.ID, &rec.Key, &rec.Value, &createdAt, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret %q: %w", key, err)
	}

	rec.Value, err = s.currentCipher().Open(rec.Value)
	if err != nil {
		return nil, fmt.Errorf("open secret %q: %w", key, err)
	}

	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, upd)
	return &rec, nil
}

// GetSecretMasked returns a secret with its value masked, per the HTTP
// Surface's "secrets are returned masked" contract.
func (s *SQLite) GetSecretMasked(ctx context.Context, key string) (*store.SecretRecord, error) {
	rec, err := s.getSecretRow(ctx, key)
	if err != nil {
		return nil, err
	}
	rec.Value = store.MaskSecret(rec.Value)
	return rec, nil
}

func (s *SQLite) ListSecretsMasked(ctx context.Context) ([]store.SecretRecord, error) {
	query, _, err := s.goqu.From(s.tableSecrets).
		Select("id", "key", "value", "created_at", "updated_at").
		Order(goqu.I("key").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list secrets query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	cipher := s.currentCipher()

	var result []store.SecretRecord
	for rows.Next() {
		var (
			rec            store.SecretRecord
			createdAt, upd string
		)
		if err := rows.Scan(&rec.ID, &rec.Key, &rec.Value, &createdAt, &upd); err != nil {
			return nil, fmt.Errorf("scan secret row: %w", err)
		}
		if opened, err := cipher.Open(rec.Value); err == nil {
			rec.Value = opened
		}
		rec.Value = store.MaskSecret(rec.Value)
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, upd)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *SQLite) DeleteSecret(ctx context.Context, key string) error {
	query, _, err := s.goqu.Delete(s.tableSecrets).Where(goqu.I("key").Eq(key)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete secret query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete secret %q: %w", key, err)
	}
	return nil
}

// RotateEncryptionKey opens every stored secret under the current cipher,
// re-seals it under newCipher, and commits the rewrite atomically. The
// store only adopts newCipher once the transaction commits.
func (s *SQLite) RotateEncryptionKey(ctx context.Context, newCipher *crypto.Cipher) error {
	s.cipherMu.Lock()
	defer s.cipherMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := s.goqu.From(s.tableSecrets).Select("id", "key", "value").ToSQL()
	if err != nil {
		return fmt.Errorf("build select secrets query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectQuery)
	if err != nil {
		return fmt.Errorf("list secrets for rotation: %w", err)
	}

	type rowData struct{ id, key, value string }
	var all []rowData
	for rows.Next() {
		var r rowData
		if err := rows.Scan(&r.id, &r.key, &r.value); err != nil {
			rows.Close()
			return fmt.Errorf("scan secret row: %w", err)
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate secret rows: %w", err)
	}

	for _, r := range all {
		plain, err := s.cipher.Open(r.value)
		if err != nil {
			return fmt.Errorf("open secret %q: %w", r.key, err)
		}

		stored, err := newCipher.Seal(plain)
		if err != nil {
			return fmt.Errorf("re-seal secret %q: %w", r.key, err)
		}

		updateQuery, _, err := s.goqu.Update(s.tableSecrets).Set(
			goqu.Record{"value": stored},
		).Where(goqu.I("id").Eq(r.id)).ToSQL()
		if err != nil {
			return fmt.Errorf("build update query for %q: %w", r.key, err)
		}
		if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
			return fmt.Errorf("update secret %q: %w", r.key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.cipher = newCipher
	return nil
}
