package pg

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"rampart.dev/internal/rbac"
	"rampart.dev/internal/store"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// ErrUnavailable is returned when the store has no open connection.
var ErrUnavailable = errors.New("database connection unavailable")

// Store persists tenant datasets and audit events over database/sql. The
// same queries serve PostgreSQL (pgx) and SQLite (modernc).
type Store struct {
	db      *sql.DB
	dialect store.Dialect
}

// Open connects with the named driver and applies pool defaults.
func Open(driver, dsn string, maxConns int) (*Store, error) {
	dialect, err := store.ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.Driver(), dsn)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	if dialect == store.SQLite {
		// One writer at a time avoids SQLITE_BUSY under concurrent flushes.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, dialect: dialect}, nil
}

// New wraps an existing handle.
func New(db *sql.DB, dialect store.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() store.Dialect { return s.dialect }

func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapError translates constraint violations into engine sentinels.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s: %s", rbac.ErrAlreadyExists, what, pgErr.Detail)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s: %s", rbac.ErrNotFound, what, pgErr.Detail)
		}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", rbac.ErrAlreadyExists, what)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
