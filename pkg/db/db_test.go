package db

import (
	"context"
	"io/fs"
	"reflect"
	"testing"
)

func TestEmbeddedMigrations(t *testing.T) {
	files, err := fs.Glob(sqlMigrations, "migrations/*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	want := []string{"migrations/0002_report_indexes.sql"}
	if !reflect.DeepEqual(files, want) {
		t.Fatalf("embedded migrations = %v, want %v", files, want)
	}
}

func TestNilPool(t *testing.T) {
	if err := Migrate(context.Background(), nil); err == nil {
		t.Fatal("Migrate(nil) succeeded")
	}
	if _, err := OpenORM(nil); err == nil {
		t.Fatal("OpenORM(nil) succeeded")
	}
}

func TestOpenRejectsBadDSN(t *testing.T) {
	if _, err := Open(context.Background(), "postgres://%zz"); err == nil {
		t.Fatal("Open() accepted a malformed DSN")
	}
}
