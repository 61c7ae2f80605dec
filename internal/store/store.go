// Package store provides the two-tier keyed byte store backing the entity
// cache: a primary tier, a best-effort backup mirror, and one implementation
// of the fallback-and-repair read path shared by every caller.
package store

import "errors"

var (
	// ErrNotFound indicates the key has never been written (or was deleted).
	ErrNotFound = errors.New("store: key not found")

	// ErrCorrupt indicates the stored bytes failed the caller's validation.
	ErrCorrupt = errors.New("store: corrupt data")
)

// Store is a keyed byte store. Implementations are device-local and
// single-writer; no locking beyond the database's own is required.
type Store interface {
	Read(key string) ([]byte, error)
	Write(key string, data []byte) error
	Delete(key string) error
}

// Source identifies which tier satisfied a read.
type Source string

const (
	SourcePrimary Source = "primary"
	SourceBackup  Source = "backup"
)
