package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"rampart.dev/internal/store"
)

const defaultMigrationsTable = "schema_migrations"

//go:embed sql
var embedded embed.FS

// ErrNothingApplied is returned by Down when no migration is recorded.
var ErrNothingApplied = errors.New("no migrations applied")

// Migration is one up/down pair and whether it has been applied.
type Migration struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// Manager executes the embedded SQL migrations of one dialect.
type Manager struct {
	db              *sql.DB
	dialect         store.Dialect
	fsys            fs.FS
	migrationsTable string
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithFS replaces the embedded migrations. The root of fsys holds the
// *.up.sql and *.down.sql files.
func WithFS(fsys fs.FS) Option {
	return func(m *Manager) {
		if fsys != nil {
			m.fsys = fsys
		}
	}
}

// WithClock overrides the time recorded for applied migrations.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a Manager over the migrations embedded for dialect.
func NewManager(db *sql.DB, dialect store.Dialect, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, errors.New("migrate: database connection unavailable")
	}
	sub, err := fs.Sub(embedded, path.Join("sql", string(dialect)))
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	m := &Manager{
		db:              db,
		dialect:         dialect,
		fsys:            sub,
		migrationsTable: defaultMigrationsTable,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Up applies all pending migrations in name order and returns their names.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	executed, err := m.listExecuted(ctx)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.fsys, ".up.sql")
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, name := range files {
		if _, ok := executed[name]; ok {
			continue
		}
		if err := m.exec(ctx, name, m.recordStmt(name)); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

// Down rolls back the most recent applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return "", err
	}
	executed, err := m.listExecuted(ctx)
	if err != nil {
		return "", err
	}
	if len(executed) == 0 {
		return "", ErrNothingApplied
	}
	names := make([]string, 0, len(executed))
	for name := range executed {
		names = append(names, name)
	}
	sort.Strings(names)
	last := names[len(names)-1]
	down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	if _, err := fs.Stat(m.fsys, down); err != nil {
		return "", fmt.Errorf("missing down migration for %s", last)
	}
	forget := statement{
		query: m.dialect.Rebind(fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable)),
		args:  []any{last},
	}
	if err := m.exec(ctx, down, forget); err != nil {
		return "", fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return last, nil
}

// Status lists every known migration in order with its applied state.
// Recorded migrations whose files are gone are listed too.
func (m *Manager) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	executed, err := m.listExecuted(ctx)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.fsys, ".up.sql")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(files))
	var out []Migration
	for _, name := range files {
		at, ok := executed[name]
		out = append(out, Migration{Name: name, Applied: ok, AppliedAt: at})
		seen[name] = true
	}
	for name, at := range executed {
		if !seen[name] {
			out = append(out, Migration{Name: name, Applied: true, AppliedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamp not null
		)`, m.migrationsTable)
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

type statement struct {
	query string
	args  []any
}

func (m *Manager) recordStmt(name string) statement {
	return statement{
		query: m.dialect.Rebind(fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, m.migrationsTable)),
		args:  []any{name, m.now()},
	}
}

// exec runs the file and the bookkeeping statement in one transaction.
func (m *Manager) exec(ctx context.Context, name string, bookkeeping statement) error {
	sqlBytes, err := fs.ReadFile(m.fsys, name)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(sqlBytes)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping.query, bookkeeping.args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) listExecuted(ctx context.Context) (map[string]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]time.Time)
	for rows.Next() {
		var (
			name string
			at   time.Time
		)
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		result[name] = at
	}
	return result, rows.Err()
}

func collectSQL(fsys fs.FS, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// splitStatements naively splits SQL by semicolon, ignoring semicolons
// inside single-quoted strings.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	var inString bool
	for _, r := range sql {
		current.WriteRune(r)
		switch r {
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
