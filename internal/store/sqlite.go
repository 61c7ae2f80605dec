package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldworks/fieldsync/internal/db"
)

// SQLiteStore persists keyed blobs in the device database (store_kv table).
// This is the primary tier.
type SQLiteStore struct {
	db *db.DB
}

// NewSQLite creates a store backed by the given device database.
func NewSQLite(database *db.DB) *SQLiteStore {
	return &SQLiteStore{db: database}
}

// Read returns the bytes stored for key, or ErrNotFound.
func (s *SQLiteStore) Read(key string) ([]byte, error) {
	var data []byte
	err := s.db.Conn().QueryRow(
		`SELECT data FROM store_kv WHERE key = ?`, key,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	return data, nil
}

// Write stores data under key, replacing any previous value.
func (s *SQLiteStore) Write(key string, data []byte) error {
	return s.db.WithWriteLock(func() error {
		_, err := s.db.Conn().Exec(
			`INSERT OR REPLACE INTO store_kv (key, data, updated_at) VALUES (?, ?, ?)`,
			key, data, db.FormatTime(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("write %q: %w", key, err)
		}
		return nil
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(key string) error {
	return s.db.WithWriteLock(func() error {
		_, err := s.db.Conn().Exec(`DELETE FROM store_kv WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
		return nil
	})
}
