package host

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is the current host store schema version
const SchemaVersion = 1

// migrations are applied in order; each statement is idempotent
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS associations (
		namespace  TEXT NOT NULL,
		entity_id  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (datetime('now')),
		PRIMARY KEY (namespace, entity_id, key)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_associations_key ON associations(namespace, key)`,

	`CREATE TABLE IF NOT EXISTS state (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,

	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	)`,
}

func runMigrations(db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if count == 0 {
		_, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, SchemaVersion)
		return err
	}
	_, err := db.Exec(`UPDATE schema_version SET version = ?`, SchemaVersion)
	return err
}
