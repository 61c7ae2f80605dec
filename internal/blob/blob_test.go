package blob

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/fieldworks/fieldsync/internal/db"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database)
}

// Minimal JPEG header so mime sniffing has something to chew on.
var jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, bytes.Repeat([]byte{0xAB}, 512)...)

func TestPutAndGet(t *testing.T) {
	s := setupStore(t)

	ref, err := s.Put(jpegBytes, "image/jpeg")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref.ID == "" || ref.ByteSize != int64(len(jpegBytes)) {
		t.Fatalf("bad ref: %+v", ref)
	}
	if !strings.HasSuffix(ref.PrimaryPath, ".jpg") {
		t.Errorf("extension: %s", ref.PrimaryPath)
	}

	data, got, err := s.Get(ref.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(data, jpegBytes) {
		t.Error("bytes differ after round trip")
	}
	if got.MimeType != "image/jpeg" {
		t.Errorf("mime: %s", got.MimeType)
	}
}

func TestPutMirrorsToBackup(t *testing.T) {
	s := setupStore(t)

	ref, err := s.Put(jpegBytes, "image/jpeg")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref.BackupPath == "" {
		t.Fatal("no backup path recorded")
	}

	backup, err := os.ReadFile(ref.BackupPath)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !bytes.Equal(backup, jpegBytes) {
		t.Error("backup copy differs")
	}
}

func TestContentAddressing(t *testing.T) {
	s := setupStore(t)

	ref1, _ := s.Put(jpegBytes, "image/jpeg")
	ref2, err := s.Put(jpegBytes, "image/jpeg")
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if ref1.ID != ref2.ID {
		t.Errorf("same content, different ids: %s vs %s", ref1.ID, ref2.ID)
	}

	other := append([]byte{}, jpegBytes...)
	other[100] ^= 0xFF
	ref3, _ := s.Put(other, "image/jpeg")
	if ref3.ID == ref1.ID {
		t.Error("different content, same id")
	}
}

func TestGetFallsBackToMirror(t *testing.T) {
	s := setupStore(t)

	ref, _ := s.Put(jpegBytes, "image/jpeg")
	if err := os.Remove(ref.PrimaryPath); err != nil {
		t.Fatalf("remove primary: %v", err)
	}

	data, _, err := s.Get(ref.ID)
	if err != nil {
		t.Fatalf("get after primary loss: %v", err)
	}
	if !bytes.Equal(data, jpegBytes) {
		t.Error("mirror bytes differ")
	}

	// Primary repaired from the mirror
	if _, err := os.Stat(ref.PrimaryPath); err != nil {
		t.Errorf("primary not repaired: %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := setupStore(t)
	_, _, err := s.Get("deadbeef")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := setupStore(t)

	ref, _ := s.Put(jpegBytes, "image/jpeg")
	if err := s.Delete(ref.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := os.Stat(ref.PrimaryPath); !os.IsNotExist(err) {
		t.Error("primary file survives delete")
	}
	if _, err := os.Stat(ref.BackupPath); !os.IsNotExist(err) {
		t.Error("backup file survives delete")
	}
	if _, _, err := s.Get(ref.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("metadata survives delete: %v", err)
	}

	// Deleting again is fine
	if err := s.Delete(ref.ID); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestPutSniffsMime(t *testing.T) {
	s := setupStore(t)

	ref, err := s.Put(jpegBytes, "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref.MimeType != "image/jpeg" {
		t.Errorf("sniffed mime: %s", ref.MimeType)
	}
}

func TestPutEmpty(t *testing.T) {
	s := setupStore(t)
	if _, err := s.Put(nil, ""); err == nil {
		t.Error("empty blob accepted")
	}
}
