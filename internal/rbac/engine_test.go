package rbac

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"rampart.dev/internal/audit"
)

type testClock struct {
	mu    sync.Mutex
	t     time.Time
	onNow func()
}

// Now returns the fake time. A pending onNow hook runs once, outside the
// clock lock, on the next reading.
func (c *testClock) Now() time.Time {
	c.mu.Lock()
	t, hook := c.t, c.onNow
	c.onNow = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return t
}

func (c *testClock) OnNextNow(fn func()) {
	c.mu.Lock()
	c.onNow = fn
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type captured struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captured) Record(_ context.Context, e audit.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captured) of(kind audit.Kind) []audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audit.Event
	for _, e := range c.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func corpDataset() Dataset {
	return Dataset{
		OrgUnits: []OrgUnit{
			{Name: "West", Type: OUUser},
			{Name: "West/Store3", Type: OUUser, Parents: []string{"West"}},
			{Name: "East", Type: OUUser},
			{Name: "East/Store1", Type: OUUser, Parents: []string{"East"}},
			{Name: "Ops", Type: OUPerm},
			{Name: "Ops/Reports", Type: OUPerm, Parents: []string{"Ops"}},
			{Name: "Finance", Type: OUPerm},
		},
		Roles: []Role{
			{Name: "Base"},
			{Name: "Employee", Inherits: []string{"Base"}},
			{Name: "Manager", Inherits: []string{"Employee"}},
			{Name: "Auditor"},
			{Name: "Clerk"},
		},
		AdminRoles: []AdminRole{
			{
				Name:      "OU-West-Admin",
				UserScope: []OURange{{Begin: "West", End: "West/*"}},
				PermScope: []OURange{{Begin: "Ops"}},
				Roles:     RoleRange{Begin: "Base", End: "Manager", BeginInclusive: true, EndInclusive: true},
			},
			{Name: "Global-Admin", Inherits: []string{"OU-West-Admin"}},
		},
		Objects: []PermObj{
			{Name: "report", OU: "Ops/Reports"},
			{Name: "ledger", OU: "Finance"},
			{Name: "users", OU: "Ops", Admin: true},
		},
		Permissions: []Permission{
			{PermRef: PermRef{Object: "report", Operation: "read"}, Roles: []string{"Base"}},
			{PermRef: PermRef{Object: "report", Operation: "write"}, Roles: []string{"Manager"}},
			{PermRef: PermRef{Object: "ledger", Operation: "approve"}, Roles: []string{"Auditor"}},
			{PermRef: PermRef{Object: "ledger", Operation: "post"}, Roles: []string{"Clerk"}},
			{PermRef: PermRef{Object: "users", Operation: "assign", Admin: true}, Roles: []string{"OU-West-Admin"}},
		},
		Users: []User{
			{ID: "alice", OU: "West/Store3", Roles: []string{"Employee"}},
			{ID: "bob", OU: "East/Store1", Roles: []string{"Employee"}},
			{ID: "carol", OU: "West", Roles: []string{"Manager", "Employee", "Base", "Auditor", "Clerk"}},
			{ID: "root", OU: "West", AdminRoles: []string{"OU-West-Admin"}},
			{ID: "dave", OU: "East", AdminRoles: []string{"Global-Admin"}},
		},
		SDSets: []SDSet{
			{Name: "approve-post", Kind: DSD, Roles: []string{"Auditor", "Clerk"}, Cardinality: 2},
		},
	}
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *testClock, *captured) {
	t.Helper()
	clk := &testClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	rec := &captured{}
	base := []Option{WithClock(clk.Now), WithRecorder(rec)}
	e, err := New("acme", append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Replace(context.Background(), corpDataset()); err != nil {
		t.Fatalf("load dataset: %v", err)
	}
	return e, clk, rec
}

func mustSession(t *testing.T, e *Engine, user string, roles []string) Session {
	t.Helper()
	s, err := e.CreateSession(context.Background(), user, roles, nil)
	if err != nil {
		t.Fatalf("create session for %s: %v", user, err)
	}
	return s
}

func mustCheck(t *testing.T, e *Engine, sessionID string, p PermRef) Decision {
	t.Helper()
	d, err := e.CheckAccess(context.Background(), sessionID, p)
	if err != nil {
		t.Fatalf("check %s: %v", p, err)
	}
	return d
}

var (
	reportRead  = PermRef{Object: "report", Operation: "read"}
	reportWrite = PermRef{Object: "report", Operation: "write"}
)

func TestNewRequiresTenant(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty tenant")
	}
	if _, err := New("acme", WithSessionTTL(-time.Second)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative ttl, got %v", err)
	}
}

func TestParseInheritanceMode(t *testing.T) {
	cases := map[string]InheritanceMode{"": Hierarchical, "Hierarchical": Hierarchical, " flat ": Flat}
	for in, want := range cases {
		got, err := ParseInheritanceMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseInheritanceMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseInheritanceMode("upward"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestInheritedAccessHierarchical(t *testing.T) {
	e, _, _ := newTestEngine(t)

	emp := mustSession(t, e, "alice", []string{"Employee"})
	if d := mustCheck(t, e, emp.ID, reportRead); !d.Allowed {
		t.Fatalf("employee should inherit report:read from Base, got %+v", d)
	}
	if d := mustCheck(t, e, emp.ID, reportWrite); d.Allowed || d.Reason != ReasonDenied {
		t.Fatalf("employee must not write reports, got %+v", d)
	}

	mgr := mustSession(t, e, "carol", []string{"Manager"})
	if d := mustCheck(t, e, mgr.ID, reportRead); !d.Allowed {
		t.Fatalf("manager should inherit report:read through Employee, got %+v", d)
	}
}

func TestInheritedAccessFlat(t *testing.T) {
	e, _, _ := newTestEngine(t, WithInheritance(Flat))

	emp := mustSession(t, e, "alice", []string{"Employee"})
	if d := mustCheck(t, e, emp.ID, reportRead); d.Allowed {
		t.Fatalf("flat mode must not inherit, got %+v", d)
	}

	mgr := mustSession(t, e, "carol", []string{"Manager"})
	if d := mustCheck(t, e, mgr.ID, reportRead); d.Allowed {
		t.Fatalf("manager alone must not read in flat mode, got %+v", d)
	}
	if d := mustCheck(t, e, mgr.ID, reportWrite); !d.Allowed {
		t.Fatalf("manager holds report:write directly, got %+v", d)
	}

	if err := e.AddActiveRole(context.Background(), mgr.ID, "Base"); err != nil {
		t.Fatalf("activate Base: %v", err)
	}
	if d := mustCheck(t, e, mgr.ID, reportRead); !d.Allowed {
		t.Fatalf("explicitly active Base grants report:read, got %+v", d)
	}
}

func TestInheritanceMonotonic(t *testing.T) {
	e, _, _ := newTestEngine(t)
	for _, r := range e.Export().Roles {
		juniors, err := e.RoleDescendants(r.Name)
		if err != nil {
			t.Fatalf("descendants of %s: %v", r.Name, err)
		}
		senior, _ := e.RolePermissions(r.Name, true)
		for _, j := range juniors {
			junior, _ := e.RolePermissions(j, true)
			for _, p := range junior {
				if !slices.Contains(senior, p) {
					t.Fatalf("%s misses %s inherited from %s", r.Name, p, j)
				}
			}
		}
	}
}

func TestFlatRolePermissionsAreDirect(t *testing.T) {
	e, _, _ := newTestEngine(t, WithInheritance(Flat))
	got, err := e.RolePermissions("Manager", true)
	if err != nil {
		t.Fatalf("role permissions: %v", err)
	}
	if len(got) != 1 || got[0] != reportWrite {
		t.Fatalf("flat mode should only list direct grants, got %v", got)
	}
}

func TestUnknownPermissionDenied(t *testing.T) {
	e, _, rec := newTestEngine(t)
	s := mustSession(t, e, "alice", nil)
	d := mustCheck(t, e, s.ID, PermRef{Object: "report", Operation: "delete"})
	if d.Allowed || d.Reason != ReasonNoPermission {
		t.Fatalf("expected no_such_permission, got %+v", d)
	}
	authz := rec.of(audit.KindAuthZ)
	if len(authz) != 1 || authz[0].Success || authz[0].SessionID != s.ID {
		t.Fatalf("expected one failed authz event, got %+v", authz)
	}
}

func TestInstancePermissionFallsBackToObject(t *testing.T) {
	e, _, _ := newTestEngine(t)
	s := mustSession(t, e, "alice", nil)
	d := mustCheck(t, e, s.ID, PermRef{Object: "report", Operation: "read", ObjectID: "q3"})
	if !d.Allowed {
		t.Fatalf("object-wide permission should cover instances, got %+v", d)
	}
}

func TestCheckAccessDeterministic(t *testing.T) {
	e, _, _ := newTestEngine(t)
	s := mustSession(t, e, "carol", []string{"Employee", "Auditor"})
	perms := []PermRef{reportRead, reportWrite, {Object: "ledger", Operation: "approve"}, {Object: "ledger", Operation: "post"}}
	first := make([]Decision, len(perms))
	for i, p := range perms {
		first[i] = mustCheck(t, e, s.ID, p)
	}
	for round := 0; round < 20; round++ {
		for i, p := range perms {
			if d := mustCheck(t, e, s.ID, p); d != first[i] {
				t.Fatalf("round %d: %s changed from %+v to %+v", round, p, first[i], d)
			}
		}
	}
}

func TestCheckAccessUnknownSession(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.CheckAccess(context.Background(), "missing", reportRead); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckAdminAccessScope(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	s := mustSession(t, e, "root", nil)
	assign := PermRef{Object: "users", Operation: "assign"}

	d, err := e.CheckAdminAccess(ctx, s.ID, assign)
	if err != nil || !d.Allowed {
		t.Fatalf("root should hold users:assign inside Ops, got %+v err=%v", d, err)
	}
	if d := mustCheck(t, e, s.ID, assign); d.Allowed {
		t.Fatalf("admin permission must not be granted through regular check, got %+v", d)
	}

	ar, _ := e.ReadAdminRole("OU-West-Admin")
	ar.PermScope = []OURange{{Begin: "Finance"}}
	if err := e.UpdateAdminRole(ctx, ar); err != nil {
		t.Fatalf("update admin role: %v", err)
	}
	d, err = e.CheckAdminAccess(ctx, s.ID, assign)
	if err != nil || d.Allowed || d.Reason != ReasonOutOfScope {
		t.Fatalf("expected out_of_scope after narrowing, got %+v err=%v", d, err)
	}
}

func TestRoleConstraintDeniesOutsideWindow(t *testing.T) {
	e, clk, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.UpdateRole(ctx, Role{Name: "Base", Constraint: Constraint{DailyStart: "09:00", DailyEnd: "17:00"}}); err != nil {
		t.Fatalf("update role: %v", err)
	}
	s := mustSession(t, e, "carol", []string{"Base"})
	if d := mustCheck(t, e, s.ID, reportRead); !d.Allowed {
		t.Fatalf("inside window, got %+v", d)
	}
	clk.Advance(8 * time.Hour)
	if d := mustCheck(t, e, s.ID, reportRead); d.Allowed || d.Reason != ReasonConstraint {
		t.Fatalf("outside window, got %+v", d)
	}
}

func TestReplaceRejectsInvalidDataset(t *testing.T) {
	e, _, _ := newTestEngine(t)
	before := e.Version()

	ds := corpDataset()
	ds.Roles[0].Inherits = []string{"Manager"}
	if err := e.Replace(context.Background(), ds); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	if e.Version() != before {
		t.Fatalf("rejected replace must not publish, version %d -> %d", before, e.Version())
	}

	ds = corpDataset()
	ds.Users[0].Roles = []string{"Nobody"}
	if err := e.Replace(context.Background(), ds); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExportRoundTrip(t *testing.T) {
	e, _, _ := newTestEngine(t)
	first := e.Export()

	other, err := New("other")
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := other.Replace(context.Background(), first); err != nil {
		t.Fatalf("replace: %v", err)
	}
	second := other.Export()
	if len(first.Users) != len(second.Users) || len(first.Permissions) != len(second.Permissions) {
		t.Fatalf("export mismatch: %d/%d users, %d/%d permissions",
			len(first.Users), len(second.Users), len(first.Permissions), len(second.Permissions))
	}
	for i := range first.Roles {
		if first.Roles[i].Name != second.Roles[i].Name {
			t.Fatalf("role order differs at %d: %s vs %s", i, first.Roles[i].Name, second.Roles[i].Name)
		}
	}
}

func TestPublicMessageHidesRule(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.CreateSession(context.Background(), "carol", []string{"Auditor", "Clerk"}, nil)
	if !errors.Is(err, ErrDSDViolation) {
		t.Fatalf("expected ErrDSDViolation, got %v", err)
	}
	if Code(err) != "dsd_violation" {
		t.Fatalf("unexpected code %q", Code(err))
	}
	if msg := PublicMessage(err); msg == "" || containsAny(msg, "approve-post", "Auditor", "Clerk") {
		t.Fatalf("public message leaks detail: %q", msg)
	}
	if !containsAny(err.Error(), "approve-post") {
		t.Fatalf("internal error should name the set: %v", err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
