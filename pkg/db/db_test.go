package db

import (
	"path/filepath"
	"testing"
)

func TestNewConfiguresStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.db")
	d, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	var mode string
	if err := d.DB.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("empty path accepted")
	}
}
