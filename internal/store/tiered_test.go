package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fieldworks/fieldsync/internal/db"
)

func setupTiers(t *testing.T) (*Tiered, *SQLiteStore, *FileStore) {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Initialize(dir)
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	primary := NewSQLite(database)
	backup := NewFile(filepath.Join(dir, "backup"))
	return NewTiered(primary, backup), primary, backup
}

func TestWriteMirrorsToBackup(t *testing.T) {
	tiered, primary, backup := setupTiers(t)

	data := []byte(`{"hello":"world"}`)
	if err := tiered.Write("k1", data); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := primary.Read("k1")
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("primary: %v %q", err, got)
	}
	got, err = backup.Read("k1")
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("backup: %v %q", err, got)
	}
}

func TestReadPrefersPrimary(t *testing.T) {
	tiered, primary, backup := setupTiers(t)

	primary.Write("k1", []byte("from-primary"))
	backup.Write("k1", []byte("from-backup"))

	data, source, err := tiered.Read("k1", nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if source != SourcePrimary || string(data) != "from-primary" {
		t.Errorf("got %q from %s", data, source)
	}
}

func TestReadFallsBackAndRepairs(t *testing.T) {
	tiered, primary, backup := setupTiers(t)

	if err := backup.Write("k1", []byte("survivor")); err != nil {
		t.Fatalf("seed backup: %v", err)
	}

	data, source, err := tiered.Read("k1", nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if source != SourceBackup || string(data) != "survivor" {
		t.Fatalf("got %q from %s", data, source)
	}

	// The fallback read must have re-seeded the primary
	repaired, err := primary.Read("k1")
	if err != nil {
		t.Fatalf("primary after repair: %v", err)
	}
	if string(repaired) != "survivor" {
		t.Errorf("primary not repaired: %q", repaired)
	}
}

func TestReadCorruptPrimaryFallsBack(t *testing.T) {
	tiered, primary, backup := setupTiers(t)

	primary.Write("k1", []byte("{not json"))
	backup.Write("k1", []byte(`{"ok":true}`))

	validate := func(data []byte) error {
		var v map[string]any
		return json.Unmarshal(data, &v)
	}

	data, source, err := tiered.Read("k1", validate)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if source != SourceBackup {
		t.Errorf("corrupt primary not bypassed, source %s", source)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("got %q", data)
	}

	// Corrupt data was replaced by the valid backup copy
	repaired, _ := primary.Read("k1")
	if string(repaired) != `{"ok":true}` {
		t.Errorf("primary not repaired: %q", repaired)
	}
}

func TestReadDoubleMiss(t *testing.T) {
	tiered, _, _ := setupTiers(t)

	_, _, err := tiered.Read("nope", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestReadBothCorrupt(t *testing.T) {
	tiered, primary, backup := setupTiers(t)

	primary.Write("k1", []byte("{bad"))
	backup.Write("k1", []byte("{worse"))

	validate := func(data []byte) error {
		var v map[string]any
		return json.Unmarshal(data, &v)
	}
	_, _, err := tiered.Read("k1", validate)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("got %v, want ErrCorrupt", err)
	}
}

func TestDeleteBothTiers(t *testing.T) {
	tiered, primary, backup := setupTiers(t)

	tiered.Write("k1", []byte("x"))
	if err := tiered.Delete("k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := primary.Read("k1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("primary after delete: %v", err)
	}
	if _, err := backup.Read("k1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("backup after delete: %v", err)
	}
}

func TestFileStoreSanitizesKeys(t *testing.T) {
	fs := NewFile(t.TempDir())

	if err := fs.Write("workorders:tech/7", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := fs.Read("workorders:tech/7")
	if err != nil || string(got) != "x" {
		t.Errorf("read back: %v %q", err, got)
	}
}
