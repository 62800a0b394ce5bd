package migrator_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/archon-research/stl/stl-wrapper/db/migrator"
)

func TestMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.sql", "0001_a.sql", "README.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "0003_dir.sql"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got, err := migrator.MigrationFiles(dir)
	if err != nil {
		t.Fatalf("MigrationFiles: %v", err)
	}
	want := []string{"0001_a.sql", "0002_b.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MigrationFiles() = %v, want %v", got, want)
	}
}

func TestMigrationFiles_RepositoryMigrations(t *testing.T) {
	files, err := migrator.MigrationFiles("../migrations")
	if err != nil {
		t.Fatalf("MigrationFiles: %v", err)
	}
	if len(files) < 3 {
		t.Fatalf("expected at least 3 migrations, got %v", files)
	}
	if files[0] != "0001_valid_users.sql" {
		t.Errorf("first migration = %s, want 0001_valid_users.sql", files[0])
	}
}

func TestChecksum(t *testing.T) {
	a := migrator.Checksum([]byte("CREATE TABLE a ();"))
	b := migrator.Checksum([]byte("CREATE TABLE b ();"))
	if len(a) != 64 {
		t.Errorf("checksum length = %d, want 64", len(a))
	}
	if a == b {
		t.Error("different contents produced the same checksum")
	}
	if a != migrator.Checksum([]byte("CREATE TABLE a ();")) {
		t.Error("checksum is not deterministic")
	}
}
