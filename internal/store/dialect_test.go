package store

import "testing"

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"pgx": Postgres, " Postgres ": Postgres, "sqlite3": SQLite} {
		got, err := ParseDialect(in)
		if err != nil || got != want {
			t.Fatalf("ParseDialect(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDialect("mysql"); err == nil {
		t.Fatalf("mysql accepted")
	}
}

func TestRebind(t *testing.T) {
	q := `insert into t(a, b, note) values ($1, $2, 'costs $3') returning $10`
	if got := Postgres.Rebind(q); got != q {
		t.Fatalf("postgres must keep placeholders, got %q", got)
	}
	want := `insert into t(a, b, note) values (?, ?, 'costs $3') returning ?`
	if got := SQLite.Rebind(q); got != want {
		t.Fatalf("unexpected rebind %q", got)
	}
}
