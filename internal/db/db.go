package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

const (
	dataDir = ".fieldsync"
	dbFile  = ".fieldsync/fieldsync.db"
)

// DB wraps the device-local database connection
type DB struct {
	conn    *sql.DB
	baseDir string
	locker  *writeLocker

	// writeMu serializes writers inside this process. The file lock only
	// excludes other processes; the locker's fd handling is not safe for
	// concurrent goroutines, and the drain's worker pool writes from several.
	writeMu sync.Mutex
}

// Open opens the database and runs any pending migrations
func Open(baseDir string) (*DB, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found: run 'fieldsync init' first")
	}

	return open(baseDir, dbPath)
}

// Initialize creates the database and runs migrations
func Initialize(baseDir string) (*DB, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	return open(baseDir, dbPath)
}

func open(baseDir, dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Busy timeout as fallback protection (matches write-lock timeout)
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Slightly faster writes, still safe with WAL
	conn.Exec("PRAGMA synchronous=NORMAL")

	db := &DB{conn: conn, baseDir: baseDir, locker: newWriteLocker(baseDir)}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying *sql.DB connection for use in transactions.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// BaseDir returns the directory the database lives under.
func (db *DB) BaseDir() string {
	return db.baseDir
}

// DataDir returns the device data directory (blobs, mirrors, config).
func (db *DB) DataDir() string {
	return filepath.Join(db.baseDir, dataDir)
}

// WithWriteLock serializes a write against other goroutines in this process
// and other processes on the same device.
func (db *DB) WithWriteLock(fn func() error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if err := db.locker.acquire(defaultTimeout); err != nil {
		return err
	}
	defer db.locker.release()
	return fn()
}
