package host

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and runs
// migrations. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetAssociation implements AssociationStore
func (s *SQLiteStore) SetAssociation(ctx context.Context, namespace, entityID, key string, value any) error {
	raw, err := encode(key, value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO associations (namespace, entity_id, key, value, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(namespace, entity_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, entityID, key, string(raw))
	if err != nil {
		return &StoreError{Type: "backend_error", Message: "failed to set association", Err: err, Key: key}
	}
	return nil
}

// GetAssociation implements AssociationStore
func (s *SQLiteStore) GetAssociation(ctx context.Context, namespace, entityID, key string, dest any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM associations WHERE namespace = ? AND entity_id = ? AND key = ?`,
		namespace, entityID, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &StoreError{Type: "backend_error", Message: "failed to get association", Err: err, Key: key}
	}
	return true, decode(key, []byte(raw), dest)
}

// DeleteAssociation implements AssociationStore
func (s *SQLiteStore) DeleteAssociation(ctx context.Context, namespace, entityID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM associations WHERE namespace = ? AND entity_id = ? AND key = ?`,
		namespace, entityID, key)
	if err != nil {
		return &StoreError{Type: "backend_error", Message: "failed to delete association", Err: err, Key: key}
	}
	return nil
}

// ListAssociations implements AssociationStore
func (s *SQLiteStore) ListAssociations(ctx context.Context, namespace, entityID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM associations WHERE namespace = ? AND entity_id = ? ORDER BY key`,
		namespace, entityID)
	if err != nil {
		return nil, &StoreError{Type: "backend_error", Message: "failed to list associations", Err: err}
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// CountEntities implements AssociationStore
func (s *SQLiteStore) CountEntities(ctx context.Context, namespace, key string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT entity_id) FROM associations WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&count)
	if err != nil {
		return 0, &StoreError{Type: "backend_error", Message: "failed to count associations", Err: err, Key: key}
	}
	return count, nil
}

// GetState implements StateStore. Wildcard reads compare the key prefix
// exactly, so LIKE metacharacters and case never widen the match.
func (s *SQLiteStore) GetState(ctx context.Context, key string) ([]StateEntry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if prefix, wildcard := IsWildcard(key); wildcard {
		rows, err = s.db.QueryContext(ctx,
			`SELECT key, value FROM state WHERE substr(key, 1, length(?)) = ? ORDER BY key`,
			prefix, prefix)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT key, value FROM state WHERE key = ?`, key)
	}
	if err != nil {
		return nil, &StoreError{Type: "backend_error", Message: "failed to read state", Err: err, Key: key}
	}
	defer rows.Close()

	out := []StateEntry{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out = append(out, StateEntry{Name: name, Data: []byte(value)})
	}
	return out, rows.Err()
}

// SetState implements StateStore
func (s *SQLiteStore) SetState(ctx context.Context, key string, value any) error {
	if _, wildcard := IsWildcard(key); wildcard {
		return &StoreError{Type: "validation_error", Message: "cannot write a wildcard key", Key: key}
	}
	raw, err := encode(key, value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO state (key, value, updated_at) VALUES (?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw))
	if err != nil {
		return &StoreError{Type: "backend_error", Message: "failed to set state", Err: err, Key: key}
	}
	return nil
}

// DeleteState implements StateStore
func (s *SQLiteStore) DeleteState(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, key)
	if err != nil {
		return false, &StoreError{Type: "backend_error", Message: "failed to delete state", Err: err, Key: key}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
