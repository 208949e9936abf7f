package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"rampart.dev/internal/rbac"
)

const storeYAML = `
tenant: acme
org_units:
  - {name: West, type: user}
  - {name: West/Store3, type: user, parents: [West]}
  - {name: Ops, type: perm}
roles:
  - name: Base
  - name: Employee
    inherits: [Base]
    constraint:
      days: [mon, tuesday]
      daily_start: "08:00"
      daily_end: "18:00"
  - name: Clerk
  - name: Auditor
admin_roles:
  - name: West-Admin
    user_scope: [{begin: West}]
    perm_scope: [{begin: Ops}]
    roles: {begin: Base, end: Employee, begin_inclusive: true, end_inclusive: true}
objects:
  - {name: report, ou: Ops}
permissions:
  - {object: report, operation: read, roles: [Base]}
users:
  - id: alice
    ou: West/Store3
    roles: [Employee]
    password: s3cret
  - id: root
    ou: West
    admin_roles: [West-Admin]
sd_sets:
  - {name: duty, kind: ssd, roles: [Clerk, Auditor], cardinality: 2}
`

const storeTOML = `
tenant = "acme"

[[org_units]]
name = "Ops"
type = "perm"

[[roles]]
name = "Base"

[[roles]]
name = "Employee"
inherits = ["Base"]

[[objects]]
name = "report"
ou = "Ops"

[[permissions]]
object = "report"
operation = "read"
roles = ["Base"]

[[users]]
id = "alice"
roles = ["Employee"]
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newEngine(t *testing.T) *rbac.Engine {
	t.Helper()
	e, err := rbac.New("acme")
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "acme.yaml", storeYAML)
	doc, digest, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Tenant != "acme" || len(doc.Roles) != 4 || len(doc.Users) != 2 {
		t.Fatalf("unexpected document %+v", doc)
	}
	if digest != Sum([]byte(storeYAML)) {
		t.Fatalf("digest must cover the raw bytes")
	}

	ds, err := doc.Dataset()
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	emp := ds.Roles[1]
	if !slices.Equal(emp.Constraint.Days, []time.Weekday{time.Monday, time.Tuesday}) || emp.Constraint.DailyEnd != "18:00" {
		t.Fatalf("unexpected constraint %+v", emp.Constraint)
	}
	if ds.Users[0].PasswordHash == "" || ds.Users[0].PasswordHash == "s3cret" {
		t.Fatalf("password must be hashed, got %q", ds.Users[0].PasswordHash)
	}
	if err := rbac.VerifyPassword(ds.Users[0].PasswordHash, "s3cret"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	ar := ds.AdminRoles[0]
	if len(ar.UserScope) != 1 || ar.UserScope[0].Begin != "West" || !ar.Roles.EndInclusive {
		t.Fatalf("unexpected admin role %+v", ar)
	}
	if ds.SDSets[0].Kind != rbac.SSD || ds.SDSets[0].Cardinality != 2 {
		t.Fatalf("unexpected sd set %+v", ds.SDSets[0])
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "acme.toml", storeTOML)
	doc, _, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	e := newEngine(t)
	if err := Apply(context.Background(), e, doc); err != nil {
		t.Fatalf("apply: %v", err)
	}
	roles, err := e.AuthorizedRoles("alice")
	if err != nil {
		t.Fatalf("authorized roles: %v", err)
	}
	if !slices.Equal(roles, []string{"Base", "Employee"}) {
		t.Fatalf("unexpected roles %v", roles)
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name, ext, body string
		want            error
	}{
		{"unknown yaml key", ".yaml", "rolez: []\n", rbac.ErrInvalidInput},
		{"unknown toml key", ".toml", "rolez = []\n", rbac.ErrInvalidInput},
		{"broken yaml", ".yml", "roles: [\n", rbac.ErrInvalidInput},
		{"json", ".json", "{}", ErrUnsupportedFormat},
	}
	for _, c := range cases {
		if _, err := Decode(c.ext, []byte(c.body)); !errors.Is(err, c.want) {
			t.Fatalf("%s: expected %v, got %v", c.name, c.want, err)
		}
	}
	if doc, err := Decode(".yaml", nil); err != nil || doc.Tenant != "" {
		t.Fatalf("empty document is valid, got %+v %v", doc, err)
	}
}

func TestDatasetRejects(t *testing.T) {
	cases := []Document{
		{OrgUnits: []OrgUnit{{Name: "X", Type: "group"}}},
		{SDSets: []SDSet{{Name: "s", Kind: "static"}}},
		{Roles: []Role{{Name: "R", Constraint: Constraint{Days: []string{"someday"}}}}},
		{Roles: []Role{{Name: "R", Constraint: Constraint{NotBefore: "yesterday"}}}},
		{Users: []User{{ID: "u", Password: "a", PasswordHash: "b"}}},
		{Users: []User{{ID: "u", PasswordHash: "$argon2id$v=19$m=65536,t=0,p=1$c2FsdHNhbHQ$a2V5a2V5"}}},
		{Users: []User{{ID: "u", PasswordHash: "$2b$not-bcrypt"}}},
		{Users: []User{{ID: "u", PasswordHash: "plain"}}},
	}
	for i, doc := range cases {
		if _, err := doc.Dataset(); !errors.Is(err, rbac.ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	doc, err := Decode(".yaml", []byte(storeYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	e := newEngine(t)
	seeded := false
	if err := Apply(ctx, e, doc, func(ds *rbac.Dataset) { seeded = len(ds.Users) == 2 }); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !seeded {
		t.Fatalf("prepare hook not run")
	}
	if _, err := e.ReadUser("root"); err != nil {
		t.Fatalf("root should exist: %v", err)
	}

	other := doc
	other.Tenant = "globex"
	if err := Apply(ctx, e, other); !errors.Is(err, rbac.ErrInvalidInput) {
		t.Fatalf("expected tenant mismatch, got %v", err)
	}

	broken := doc
	broken.Users = append(slices.Clone(doc.Users), User{ID: "eve", Roles: []string{"Ghost"}})
	v := e.Version()
	if err := Apply(ctx, e, broken); err == nil {
		t.Fatalf("dangling role reference accepted")
	}
	if e.Version() != v {
		t.Fatalf("failed apply must keep the previous state")
	}
}

func TestWatcherReloadSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeFile(t, dir, "acme.yaml", storeYAML)
	e := newEngine(t)
	w, err := NewWatcher(e, path)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	if changed, err := w.Reload(ctx); err != nil || !changed {
		t.Fatalf("first reload: changed=%v err=%v", changed, err)
	}
	v := e.Version()
	if changed, err := w.Reload(ctx); err != nil || changed {
		t.Fatalf("unchanged document must be skipped: changed=%v err=%v", changed, err)
	}
	if e.Version() != v {
		t.Fatalf("engine changed on skipped reload")
	}

	writeFile(t, dir, "acme.yaml", storeYAML+"  - {name: extra, kind: dsd, roles: [Clerk, Auditor], cardinality: 2}\n")
	if changed, err := w.Reload(ctx); err != nil || !changed {
		t.Fatalf("edited document: changed=%v err=%v", changed, err)
	}
	if sets, _ := e.DSDRoleSets("Clerk"); len(sets) != 1 {
		t.Fatalf("new dsd set not applied, got %v", sets)
	}

	before, _ := w.Digest()
	writeFile(t, dir, "acme.yaml", "roles: [\n")
	if _, err := w.Reload(ctx); err == nil {
		t.Fatalf("broken document accepted")
	}
	if after, _ := w.Digest(); after != before {
		t.Fatalf("failed reload must keep the last digest")
	}
}

func TestWatcherRunPicksUpEdits(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "acme.toml", storeTOML)
	e := newEngine(t)
	w, err := NewWatcher(e, path, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := w.Reload(ctx); err != nil {
		t.Fatalf("initial reload: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	// Give the watcher time to register before editing.
	time.Sleep(50 * time.Millisecond)

	writeFile(t, dir, "acme.toml", storeTOML+"\n[[users]]\nid = \"bob\"\n")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := e.ReadUser("bob"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("edit was not picked up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestWatcherRunWithTinyDebounce(t *testing.T) {
	for _, d := range []time.Duration{time.Nanosecond, time.Millisecond, time.Second} {
		if p := pollInterval(d); p <= 0 || p < minPoll {
			t.Fatalf("debounce %s: poll interval %s", d, p)
		}
	}

	dir := t.TempDir()
	path := writeFile(t, dir, "acme.yaml", storeYAML)
	w, err := NewWatcher(newEngine(t), path, WithDebounce(time.Nanosecond))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestWatcherOnApplied(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeFile(t, dir, "acme.yaml", storeYAML)
	e := newEngine(t)

	var exported []rbac.Dataset
	w, err := NewWatcher(e, path, OnApplied(func(_ context.Context, e *rbac.Engine) error {
		exported = append(exported, e.Export())
		return nil
	}))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if _, err := w.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := w.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(exported) != 1 || len(exported[0].Users) != 2 {
		t.Fatalf("hook must run once per applied document, got %d", len(exported))
	}

	failing, _ := NewWatcher(newEngine(t), path, OnApplied(func(context.Context, *rbac.Engine) error {
		return errors.New("mirror down")
	}))
	if _, err := failing.Reload(ctx); err == nil {
		t.Fatalf("hook error must surface")
	}
	if _, ok := failing.Digest(); !ok {
		t.Fatalf("the document was applied even though the hook failed")
	}
}
