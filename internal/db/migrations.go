package db

import "fmt"

// migrate creates or upgrades the schema. Statements are idempotent so a
// partially-applied schema from an interrupted run heals on next open.
func (db *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS offline_actions (
			id                 TEXT PRIMARY KEY,
			kind               TEXT NOT NULL,
			entity_id          INTEGER NOT NULL,
			actor_id           TEXT NOT NULL,
			payload            JSON NOT NULL,
			created_at         TEXT NOT NULL,
			synced             INTEGER NOT NULL DEFAULT 0,
			synced_at          TEXT,
			attempts           INTEGER NOT NULL DEFAULT 0,
			last_error         TEXT,
			permanently_failed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_pending
			ON offline_actions(entity_id, synced, permanently_failed)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_created
			ON offline_actions(created_at)`,

		`CREATE TABLE IF NOT EXISTS status_overlays (
			entity_id  INTEGER PRIMARY KEY,
			status     TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			synced     INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS store_kv (
			key        TEXT PRIMARY KEY,
			data       BLOB NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS blob_refs (
			id           TEXT PRIMARY KEY,
			primary_path TEXT NOT NULL,
			backup_path  TEXT,
			byte_size    INTEGER NOT NULL,
			mime_type    TEXT NOT NULL,
			created_at   TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// tableExists checks whether a table exists in the database
func (db *DB) tableExists(table string) (bool, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
