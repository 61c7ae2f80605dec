// Package blob provides content-addressable persistence for binary assets
// (photos), with a primary content directory and a best-effort mirror.
package blob

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fieldworks/fieldsync/internal/db"
	"github.com/fieldworks/fieldsync/internal/models"
)

// ErrNotFound indicates no blob exists for the given ID.
var ErrNotFound = errors.New("blob: not found")

const (
	contentDir = "blobs"
	mirrorDir  = "blobs-backup"
)

// Store persists blobs under the device data directory with metadata rows
// in the database. Blob IDs are the SHA-256 of the content, so storing the
// same bytes twice yields the same ref.
type Store struct {
	db         *db.DB
	primaryDir string
	backupDir  string
}

// New creates a blob store rooted at the database's data directory.
func New(database *db.DB) *Store {
	return &Store{
		db:         database,
		primaryDir: filepath.Join(database.DataDir(), contentDir),
		backupDir:  filepath.Join(database.DataDir(), mirrorDir),
	}
}

// Put stores data and returns its ref. The blob is durable only once the
// primary write passes a size check; the mirror copy is best-effort and a
// failure there is logged, not fatal. An empty mime is sniffed from the
// bytes.
func (s *Store) Put(data []byte, mime string) (models.BlobRef, error) {
	var ref models.BlobRef
	if len(data) == 0 {
		return ref, fmt.Errorf("put blob: empty data")
	}

	if mime == "" {
		mime = mimetype.Detect(data).String()
	}
	ext := extensionFor(data, mime)

	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	name := id + ext
	primaryPath := filepath.Join(s.primaryDir, name)
	backupPath := filepath.Join(s.backupDir, name)

	// Same content already stored
	if existing, err := s.Ref(id); err == nil && existing != nil {
		return *existing, nil
	}

	if err := writeVerified(s.primaryDir, primaryPath, data); err != nil {
		return ref, fmt.Errorf("put blob: %w", err)
	}

	if err := writeVerified(s.backupDir, backupPath, data); err != nil {
		slog.Warn("blob mirror write failed", "id", id, "err", err)
		backupPath = ""
	}

	ref = models.BlobRef{
		ID:          id,
		PrimaryPath: primaryPath,
		BackupPath:  backupPath,
		ByteSize:    int64(len(data)),
		MimeType:    mime,
		CreatedAt:   time.Now().UTC(),
	}

	err := s.db.WithWriteLock(func() error {
		_, err := s.db.Conn().Exec(
			`INSERT OR REPLACE INTO blob_refs
				(id, primary_path, backup_path, byte_size, mime_type, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			ref.ID, ref.PrimaryPath, ref.BackupPath, ref.ByteSize,
			ref.MimeType, db.FormatTime(ref.CreatedAt),
		)
		return err
	})
	if err != nil {
		return ref, fmt.Errorf("put blob metadata: %w", err)
	}
	return ref, nil
}

// writeVerified writes data atomically and confirms the on-disk size.
func writeVerified(dir, path string, data []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "blob-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if info.Size() != int64(len(data)) {
		return fmt.Errorf("verify: wrote %d bytes, expected %d", info.Size(), len(data))
	}
	return nil
}

// Ref returns the metadata row for a blob ID, or nil if absent.
func (s *Store) Ref(id string) (*models.BlobRef, error) {
	var ref models.BlobRef
	var backup sql.NullString
	var createdAt string

	err := s.db.Conn().QueryRow(
		`SELECT id, primary_path, backup_path, byte_size, mime_type, created_at
		 FROM blob_refs WHERE id = ?`, id,
	).Scan(&ref.ID, &ref.PrimaryPath, &backup, &ref.ByteSize, &ref.MimeType, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blob ref: %w", err)
	}

	ref.BackupPath = backup.String
	if ref.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("blob %s created_at: %w", id, err)
	}
	return &ref, nil
}

// Get returns the blob bytes, reading the primary location and falling
// back to the mirror. A mirror hit repairs the primary.
func (s *Store) Get(id string) ([]byte, *models.BlobRef, error) {
	ref, err := s.Ref(id)
	if err != nil {
		return nil, nil, err
	}
	if ref == nil {
		return nil, nil, ErrNotFound
	}

	data, perr := os.ReadFile(ref.PrimaryPath)
	if perr == nil {
		return data, ref, nil
	}

	if ref.BackupPath == "" {
		return nil, nil, fmt.Errorf("read blob %s: %w", id, perr)
	}
	data, berr := os.ReadFile(ref.BackupPath)
	if berr != nil {
		return nil, nil, fmt.Errorf("read blob %s: %w", id, perr)
	}

	if rerr := writeVerified(s.primaryDir, ref.PrimaryPath, data); rerr != nil {
		slog.Warn("blob primary repair failed", "id", id, "err", rerr)
	}
	return data, ref, nil
}

// Delete removes the blob from both locations and drops its metadata.
// Deleting a missing blob is not an error.
func (s *Store) Delete(id string) error {
	ref, err := s.Ref(id)
	if err != nil {
		return err
	}
	if ref == nil {
		return nil
	}

	if err := os.Remove(ref.PrimaryPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", id, err)
	}
	if ref.BackupPath != "" {
		if err := os.Remove(ref.BackupPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("blob mirror delete failed", "id", id, "err", err)
		}
	}

	return s.db.WithWriteLock(func() error {
		_, err := s.db.Conn().Exec(`DELETE FROM blob_refs WHERE id = ?`, id)
		return err
	})
}

// extensionFor picks a filename extension from the mime type, preferring
// the sniffed one when the declared type is unknown.
func extensionFor(data []byte, mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	}
	if ext := mimetype.Detect(data).Extension(); ext != "" {
		return ext
	}
	return ".bin"
}
