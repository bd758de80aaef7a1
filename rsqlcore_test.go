package rsqlcore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relicio/rsqlcore/internal/config"
	"github.com/relicio/rsqlcore/internal/engine"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.DBDir = filepath.Join(t.TempDir(), "data")
	return cfg
}

func TestOpenCreateInsertSelect(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	const connID = 1
	if _, err := db.Execute("CREATE TABLE widgets (id INTEGER PRIMARY KEY, label VARCHAR(32))", connID); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}
	if _, err := db.Execute("INSERT INTO widgets (id, label) VALUES (1, 'a'), (2, 'b')", connID); err != nil {
		t.Fatalf("INSERT: %v", err)
	}
	results, err := db.Execute("SELECT * FROM widgets WHERE id = 1", connID)
	if err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if len(results) != 1 || len(results[0].Rows) != 1 {
		t.Fatalf("expected exactly one row, got %+v", results)
	}
	if results[0].Rows[0][1].VarCharVal != "a" {
		t.Fatalf("expected label 'a', got %q", results[0].Rows[0][1].VarCharVal)
	}
}

func TestExecuteBatchesMultipleStatements(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	results, err := db.Execute(
		"CREATE TABLE widgets (id INTEGER PRIMARY KEY, label VARCHAR(32)); "+
			"INSERT INTO widgets (id, label) VALUES (1, 'a;b'); "+
			"SELECT * FROM widgets;", 1)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 statement results, got %d", len(results))
	}
	if results[2].Kind != engine.ResultQuery || len(results[2].Rows) != 1 {
		t.Fatalf("expected the final SELECT to return one row, got %+v", results[2])
	}
	if results[2].Rows[0][1].VarCharVal != "a;b" {
		t.Fatalf("expected the semicolon inside the string literal to survive splitting, got %q", results[2].Rows[0][1].VarCharVal)
	}
}

func TestValidateUserAndDisconnect(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := db.Execute("CREATE USER alice PASSWORD 'hunter2'", 1); err != nil {
		t.Fatalf("CREATE USER: %v", err)
	}
	ok, err := db.ValidateUser("alice", "hunter2")
	if err != nil || !ok {
		t.Fatalf("expected valid credentials, ok=%v err=%v", ok, err)
	}
	ok, err = db.ValidateUser("alice", "wrong")
	if err != nil || ok {
		t.Fatalf("expected invalid credentials to be rejected, ok=%v err=%v", ok, err)
	}

	db.DisconnectCallback(1) // must not panic for a connection with no open transaction
}

func TestCheckpointAndReopenPreservesData(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := db.Execute("CREATE TABLE widgets (id INTEGER PRIMARY KEY, label VARCHAR(32))", 1); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}
	if _, err := db.Execute("INSERT INTO widgets (id, label) VALUES (1, 'a')", 1); err != nil {
		t.Fatalf("INSERT: %v", err)
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(cfg)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer db2.Close()
	results, err := db2.Execute("SELECT label FROM widgets WHERE id = 1", 1)
	if err != nil {
		t.Fatalf("SELECT after reopen: %v", err)
	}
	if len(results[0].Rows) != 1 || results[0].Rows[0][0].VarCharVal != "a" {
		t.Fatalf("expected the checkpointed row to survive reopen, got %+v", results[0].Rows)
	}
}

func TestBackupDatabaseCopiesDataDirectory(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if _, err := db.Execute("CREATE TABLE widgets (id INTEGER PRIMARY KEY, label VARCHAR(32))", 1); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}

	destRoot := t.TempDir()
	if err := db.BackupDatabase(destRoot); err != nil {
		t.Fatalf("BackupDatabase: %v", err)
	}
	entries, err := os.ReadDir(destRoot)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one backup subdirectory, got %d", len(entries))
	}
	if _, err := os.Stat(filepath.Join(destRoot, entries[0].Name(), "wal.log")); err != nil {
		t.Fatalf("expected wal.log to be copied into the backup: %v", err)
	}
}
