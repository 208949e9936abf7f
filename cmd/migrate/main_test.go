package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"rampart.dev/internal/migrate"
	"rampart.dev/internal/store"
)

func TestExecuteStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	fsys := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("select 1;")},
		"0001_a.down.sql": {Data: []byte("select 1;")},
		"0002_b.up.sql":   {Data: []byte("select 1;")},
	}
	mgr, err := migrate.NewManager(db, store.Postgres, migrate.WithFS(fsys))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	at := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}).AddRow("0001_a.up.sql", at))

	var out bytes.Buffer
	if err := execute(context.Background(), mgr, "status", &out); err != nil {
		t.Fatalf("status: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "applied 2026-01-05T09:00:00Z") || !strings.HasSuffix(lines[1], "pending") {
		t.Fatalf("unexpected status output:\n%s", out.String())
	}
	if err := execute(context.Background(), mgr, "sideways", &out); err == nil {
		t.Fatalf("unknown command accepted")
	}
}

func TestRunRequiresCommandAndDSN(t *testing.T) {
	t.Setenv("RAMPART_DATABASE_DSN", "")
	if err := run(nil, &bytes.Buffer{}); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("expected usage error, got %v", err)
	}
	if err := run([]string{"--config", "", "up"}, &bytes.Buffer{}); err == nil || !strings.Contains(err.Error(), "DSN") {
		t.Fatalf("expected missing DSN, got %v", err)
	}
	if err := run([]string{"--config", "", "--driver", "mysql", "--dsn", "x", "up"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("unsupported driver accepted")
	}
}
