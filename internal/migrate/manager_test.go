package migrate

import (
	"context"
	"errors"
	"io/fs"
	"regexp"
	"slices"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"rampart.dev/internal/store"
)

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (x text);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
		"0002_b.up.sql":   {Data: []byte("create table b (y text);\ninsert into b values ('a;b');")},
		"0002_b.down.sql": {Data: []byte("drop table b;")},
		"README":          {Data: []byte("not sql")},
	}
}

func newMock(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	m, err := NewManager(db, store.Postgres, WithFS(testFS()), WithClock(func() time.Time { return t0 }))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, mock
}

func executedRows(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"name", "applied_at"})
	for _, n := range names {
		rows.AddRow(n, t0)
	}
	return rows
}

func TestEmbeddedMigrationsPair(t *testing.T) {
	var names [][]string
	for _, d := range []store.Dialect{store.Postgres, store.SQLite} {
		sub, err := fs.Sub(embedded, "sql/"+string(d))
		if err != nil {
			t.Fatalf("sub %s: %v", d, err)
		}
		ups, _ := collectSQL(sub, ".up.sql")
		if len(ups) == 0 {
			t.Fatalf("%s: no migrations embedded", d)
		}
		for _, up := range ups {
			down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
			if _, err := fs.Stat(sub, down); err != nil {
				t.Fatalf("%s: %s has no down migration", d, up)
			}
		}
		names = append(names, ups)
	}
	if !slices.Equal(names[0], names[1]) {
		t.Fatalf("dialects must ship the same migrations: %v vs %v", names[0], names[1])
	}
}

func TestUpAppliesPending(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name, applied_at from schema_migrations").WillReturnRows(executedRows("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("create table b (y text);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("insert into b values ('a;b');")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into schema_migrations(name, applied_at) values ($1, $2)")).
		WithArgs("0002_b.up.sql", t0).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if !slices.Equal(applied, []string{"0002_b.up.sql"}) {
		t.Fatalf("unexpected applied %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name, applied_at from schema_migrations").WillReturnRows(executedRows())
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("create table a (x text);")).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	applied, err := m.Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0001_a.up.sql") {
		t.Fatalf("expected failure naming the migration, got %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("nothing should be reported applied, got %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name, applied_at from schema_migrations").WillReturnRows(executedRows("0002_b.up.sql", "0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("drop table b;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("delete from schema_migrations where name = $1")).
		WithArgs("0002_b.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := m.Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if name != "0002_b.up.sql" {
		t.Fatalf("unexpected rollback %q", name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithNothingApplied(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name, applied_at from schema_migrations").WillReturnRows(executedRows())
	if _, err := m.Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	m, mock := newMock(t)
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name, applied_at from schema_migrations").WillReturnRows(executedRows("0001_a.up.sql", "0000_gone.up.sql"))

	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := []Migration{
		{Name: "0000_gone.up.sql", Applied: true, AppliedAt: t0},
		{Name: "0001_a.up.sql", Applied: true, AppliedAt: t0},
		{Name: "0002_b.up.sql"},
	}
	if !slices.Equal(status, want) {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSQLiteRebindsBookkeeping(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	m, err := NewManager(db, store.SQLite, WithFS(testFS()), WithClock(func() time.Time { return t0 }))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name, applied_at from schema_migrations").WillReturnRows(executedRows("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("create table b (y text);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("insert into b values ('a;b');")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into schema_migrations(name, applied_at) values (?, ?)")).
		WithArgs("0002_b.up.sql", t0).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	if _, err := m.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("a; b 'x;y'; c")
	if len(got) != 3 || strings.TrimSpace(got[1]) != "b 'x;y';" {
		t.Fatalf("unexpected split %q", got)
	}
}
