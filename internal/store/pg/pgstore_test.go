package pg

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"rampart.dev/internal/audit"
	"rampart.dev/internal/rbac"
	"rampart.dev/internal/store"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newMock(t *testing.T, dialect store.Dialect) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, dialect), mock
}

func smallDataset() rbac.Dataset {
	return rbac.Dataset{
		OrgUnits: []rbac.OrgUnit{{Name: "West", Type: rbac.OUUser}},
		Roles:    []rbac.Role{{Name: "Base"}},
		AdminRoles: []rbac.AdminRole{{
			Name:      "West-Admin",
			UserScope: []rbac.OURange{{Begin: "West"}},
			Roles:     rbac.RoleRange{Begin: "Base", End: "Base", BeginInclusive: true},
		}},
		Objects:     []rbac.PermObj{{Name: "report"}},
		Permissions: []rbac.Permission{{PermRef: rbac.PermRef{Object: "report", Operation: "read"}, Roles: []string{"Base"}}},
		Users:       []rbac.User{{ID: "alice", OU: "West", Roles: []string{"Base"}, CreatedAt: t0}},
		SDSets:      []rbac.SDSet{{Name: "duty", Kind: rbac.SSD, Roles: []string{"Base", "Other"}, Cardinality: 2}},
	}
}

func expectClear(mock sqlmock.Sqlmock, tenant string) {
	for _, table := range datasetTables {
		mock.ExpectExec("delete from "+table+" where tenant").WithArgs(tenant).WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func TestSaveDataset(t *testing.T) {
	s, mock := newMock(t, store.Postgres)
	ok := sqlmock.NewResult(1, 1)

	mock.ExpectBegin()
	expectClear(mock, "acme")
	mock.ExpectExec("insert into rbac_org_units").
		WithArgs("acme", "user", "West", "", "null").WillReturnResult(ok)
	mock.ExpectExec("insert into rbac_roles").
		WithArgs("acme", false, "Base", "", "null", sqlmock.AnyArg(), "null", "null", sqlmock.AnyArg()).WillReturnResult(ok)
	mock.ExpectExec("insert into rbac_roles").
		WithArgs("acme", true, "West-Admin", "", "null", sqlmock.AnyArg(), `[{"Begin":"West","End":""}]`, "null",
			`{"Begin":"Base","End":"Base","BeginInclusive":true,"EndInclusive":false}`).WillReturnResult(ok)
	mock.ExpectExec("insert into rbac_objects").
		WithArgs("acme", false, "report", "", "").WillReturnResult(ok)
	mock.ExpectExec("insert into rbac_permissions").
		WithArgs("acme", false, "report", "read", "", "", `["Base"]`).WillReturnResult(ok)
	mock.ExpectExec("insert into rbac_users").
		WithArgs("acme", "alice", "West", "", `["Base"]`, "null", "", false, sqlmock.AnyArg(), t0, t0).WillReturnResult(ok)
	mock.ExpectExec("insert into rbac_sd_sets").
		WithArgs("acme", "ssd", "duty", "", `["Base","Other"]`, 2).WillReturnResult(ok)
	mock.ExpectCommit()

	if err := s.SaveDataset(context.Background(), "acme", smallDataset()); err != nil {
		t.Fatalf("SaveDataset: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveDatasetMapsUniqueViolation(t *testing.T) {
	s, mock := newMock(t, store.Postgres)
	mock.ExpectBegin()
	expectClear(mock, "acme")
	mock.ExpectExec("insert into rbac_org_units").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, Detail: "Key (tenant, type, name) already exists."})
	mock.ExpectRollback()

	err := s.SaveDataset(context.Background(), "acme", smallDataset())
	if !errors.Is(err, rbac.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMapErrorSQLiteUnique(t *testing.T) {
	err := mapError(errors.New("constraint failed: UNIQUE constraint failed: rbac_users.tenant, rbac_users.id (2067)"), "user alice")
	if !errors.Is(err, rbac.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mapError(errors.New("disk full"), "user alice"); errors.Is(err, rbac.ErrAlreadyExists) {
		t.Fatalf("unrelated errors must pass through, got %v", err)
	}
}

func TestLoadDataset(t *testing.T) {
	s, mock := newMock(t, store.Postgres)

	mock.ExpectQuery("from rbac_org_units where tenant").WithArgs("acme").WillReturnRows(
		sqlmock.NewRows([]string{"type", "name", "description", "parents"}).
			AddRow("user", "West", "", []byte("[]")).
			AddRow("user", "West/Store3", "", []byte(`["West"]`)))
	mock.ExpectQuery("from rbac_roles where tenant").WithArgs("acme").WillReturnRows(
		sqlmock.NewRows([]string{"admin", "name", "description", "inherits", "time_constraint", "user_scope", "perm_scope", "role_range"}).
			AddRow(false, "Base", "", []byte("null"), []byte("{}"), []byte("null"), []byte("null"), []byte("{}")).
			AddRow(false, "Employee", "", []byte(`["Base"]`), []byte(`{"DailyStart":"09:00","DailyEnd":"17:00"}`), []byte("null"), []byte("null"), []byte("{}")).
			AddRow(true, "West-Admin", "", []byte("[]"), []byte("{}"), []byte(`[{"Begin":"West"}]`), []byte("[]"), []byte(`{"Begin":"Base","End":"Employee","EndInclusive":true}`)))
	mock.ExpectQuery("from rbac_objects where tenant").WithArgs("acme").WillReturnRows(
		sqlmock.NewRows([]string{"admin", "name", "ou", "description"}).AddRow(false, "report", "", ""))
	mock.ExpectQuery("from rbac_permissions where tenant").WithArgs("acme").WillReturnRows(
		sqlmock.NewRows([]string{"admin", "object", "operation", "object_id", "description", "roles"}).
			AddRow(false, "report", "read", "", "", []byte(`["Base"]`)))
	mock.ExpectQuery("from rbac_users where tenant").WithArgs("acme").WillReturnRows(
		sqlmock.NewRows([]string{"id", "ou", "description", "roles", "admin_roles", "password_hash", "locked", "time_constraint", "created_at", "updated_at"}).
			AddRow("alice", "West/Store3", "", []byte(`["Employee"]`), []byte("null"), "", false, []byte("{}"), t0, t0))
	mock.ExpectQuery("from rbac_sd_sets where tenant").WithArgs("acme").WillReturnRows(
		sqlmock.NewRows([]string{"kind", "name", "description", "roles", "cardinality"}))

	ds, err := s.LoadDataset(context.Background(), "acme")
	if err != nil {
		t.Fatalf("LoadDataset: %v", err)
	}
	if len(ds.Roles) != 2 || len(ds.AdminRoles) != 1 {
		t.Fatalf("admin rows must be split out, got %d roles %d admin roles", len(ds.Roles), len(ds.AdminRoles))
	}
	if emp := ds.Roles[1]; !slices.Equal(emp.Inherits, []string{"Base"}) || emp.Constraint.DailyStart != "09:00" {
		t.Fatalf("unexpected role %+v", emp)
	}
	ar := ds.AdminRoles[0]
	if len(ar.UserScope) != 1 || ar.UserScope[0].Begin != "West" || !ar.Roles.EndInclusive {
		t.Fatalf("unexpected admin role %+v", ar)
	}
	if ds.OrgUnits[1].Parents[0] != "West" || ds.Users[0].Roles[0] != "Employee" || !ds.Users[0].CreatedAt.Equal(t0) {
		t.Fatalf("unexpected dataset %+v", ds)
	}

	e, err := rbac.New("acme")
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Replace(context.Background(), ds); err != nil {
		t.Fatalf("loaded dataset must be consistent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditAppend(t *testing.T) {
	s, mock := newMock(t, store.Postgres)
	events := []audit.Event{
		{ID: "01A", Kind: audit.KindBind, Tenant: "acme", OccurredAt: t0, UserID: "alice", Success: true},
		{ID: "01B", Kind: audit.KindAuthZ, Tenant: "acme", OccurredAt: t0, UserID: "alice", Object: "report",
			Operation: "read", Fields: map[string]string{"reason": "granted"}},
	}
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("insert into audit_events")
	prep.ExpectExec().WithArgs("01A", "acme", "bind", t0, "alice", "", "", "", "", true, "", "null").
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs("01B", "acme", "authz", t0, "alice", "", "", "report", "read", false, "", `{"reason":"granted"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.Audit().Append(context.Background(), events); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Audit().Append(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditSearch(t *testing.T) {
	s, mock := newMock(t, store.Postgres)
	yes := true
	f := audit.Filter{
		Tenant:  "acme",
		Kinds:   []audit.Kind{audit.KindBind, audit.KindAuthZ},
		Success: &yes,
		Since:   t0.Add(-time.Hour),
		Limit:   10,
	}
	query := `select id, tenant, kind, occurred_at, user_id, session_id, role, object, operation, success, reason, fields from audit_events` +
		` where tenant = $1 and (kind = $2 or kind = $3) and success = $4 and occurred_at >= $5` +
		` order by occurred_at desc, id desc limit $6`
	cols := []string{"id", "tenant", "kind", "occurred_at", "user_id", "session_id", "role", "object", "operation", "success", "reason", "fields"}
	mock.ExpectQuery(regexp.QuoteMeta(query)).
		WithArgs("acme", "bind", "authz", true, t0.Add(-time.Hour), 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("01B", "acme", "authz", t0, "alice", "s1", "", "report", "read", true, "", []byte(`{"k":"v"}`)).
			AddRow("01A", "acme", "bind", t0, "alice", "s1", "", "", "", true, "", []byte("null")))

	events, err := s.Audit().Search(context.Background(), f)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(events) != 2 || events[0].Kind != audit.KindAuthZ || events[0].Fields["k"] != "v" || events[1].Fields != nil {
		t.Fatalf("unexpected events %+v", events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditSearchSQLite(t *testing.T) {
	s, mock := newMock(t, store.SQLite)
	query := `select id, tenant, kind, occurred_at, user_id, session_id, role, object, operation, success, reason, fields from audit_events` +
		` where user_id = ? order by occurred_at desc, id desc limit ?`
	mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("bob", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	events, err := s.Audit().Search(context.Background(), audit.Filter{UserID: "bob", Limit: 1})
	if err != nil || len(events) != 0 {
		t.Fatalf("unexpected result %v %v", events, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditStoreFeedsService(t *testing.T) {
	s, mock := newMock(t, store.Postgres)
	svc, err := audit.NewService(s.Audit())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	mock.ExpectQuery("where tenant = \\$1 and \\(kind = \\$2\\)").WithArgs("acme", "bind").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant", "kind", "occurred_at", "user_id", "session_id", "role", "object", "operation", "success", "reason", "fields"}))
	if _, err := svc.SearchBinds(context.Background(), audit.Filter{Tenant: "acme"}); err != nil {
		t.Fatalf("SearchBinds: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
