package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	database, err := Initialize(dir)
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestInitialize(t *testing.T) {
	dir := t.TempDir()

	db, err := Initialize(dir)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(dir, ".divvy", "ledger.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file not created")
	}

	version, err := db.GetSchemaVersion()
	if err != nil {
		t.Fatalf("GetSchemaVersion failed: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("schema version = %d, want %d", version, SchemaVersion)
	}
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(t.TempDir())
	if err == nil {
		t.Fatal("expected error opening missing ledger")
	}
}

func TestOpenExisting(t *testing.T) {
	dir := t.TempDir()
	db, err := Initialize(dir)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	db.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db2.Close()

	if _, err := db2.AppliedCount(); err != nil {
		t.Errorf("query after reopen: %v", err)
	}
}

func TestWithTxRollback(t *testing.T) {
	db := newTestDB(t)

	wantErr := fmt.Errorf("boom")
	err := db.WithTx(func(tx *sql.Tx) error {
		if _, err := MarkAppliedTx(tx, "dev1", 1, "uuid-1"); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("WithTx error = %v, want %v", err, wantErr)
	}

	count, err := db.AppliedCount()
	if err != nil {
		t.Fatalf("AppliedCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("applied count after rollback = %d, want 0", count)
	}
}

func TestWithTxCommit(t *testing.T) {
	db := newTestDB(t)

	err := db.WithTx(func(tx *sql.Tx) error {
		_, err := MarkAppliedTx(tx, "dev1", 1, "uuid-1")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}

	count, err := db.AppliedCount()
	if err != nil {
		t.Fatalf("AppliedCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("applied count = %d, want 1", count)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	db := newTestDB(t)

	got, err := db.GetMeta(MetaMode)
	if err != nil {
		t.Fatalf("GetMeta failed: %v", err)
	}
	if got != "" {
		t.Errorf("unset meta = %q, want empty", got)
	}

	if err := db.SetMeta(MetaMode, "synced"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	got, err = db.GetMeta(MetaMode)
	if err != nil {
		t.Fatalf("GetMeta failed: %v", err)
	}
	if got != "synced" {
		t.Errorf("meta = %q, want %q", got, "synced")
	}

	// Overwrite
	if err := db.SetMeta(MetaMode, "solo"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	got, _ = db.GetMeta(MetaMode)
	if got != "solo" {
		t.Errorf("meta after overwrite = %q, want %q", got, "solo")
	}
}
