package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rampart.dev/internal/audit"
	"rampart.dev/internal/config"
	"rampart.dev/internal/guard"
	"rampart.dev/internal/rbac"
)

const acmePolicy = `
roles:
  - name: Staff
users:
  - id: olga
    roles: [Staff]
    password: pw-olga
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Token.Secret = "0123456789abcdef0123456789abcdef"
	return cfg
}

func TestNewDaemonLoadsPolicyAndSeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acme.yaml")
	if err := os.WriteFile(path, []byte(acmePolicy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	cfg := testConfig(t)
	cfg.Tenants = []string{"globex"}
	cfg.Policy.Paths = map[string]string{"acme": path}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	ctx := context.Background()
	d, err := newDaemon(ctx, cfg)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	defer d.close()

	tenants := d.gate.Tenants()
	if len(tenants) != 2 || tenants[0] != "acme" || tenants[1] != "globex" {
		t.Fatalf("unexpected tenants %v", tenants)
	}
	if len(d.watchers) != 1 {
		t.Fatalf("expected one policy watcher, got %d", len(d.watchers))
	}

	acme, err := d.gate.Engine("acme")
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := guard.Validate(acme); err != nil {
		t.Fatalf("policy tenants must be seeded: %v", err)
	}
	raw, s, err := d.gate.Login(ctx, "acme", rbac.Credentials{UserID: "olga", Password: "pw-olga"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if s.UserID != "olga" || raw == "" {
		t.Fatalf("unexpected session %+v", s)
	}

	globex, _ := d.gate.Engine("globex")
	if err := guard.Validate(globex); err != nil {
		t.Fatalf("empty tenants must be seeded too: %v", err)
	}
	for name, err := range d.monitor.Check(ctx) {
		if err != nil {
			t.Fatalf("health check %s failed: %v", name, err)
		}
	}
}

func TestNewDaemonAuditTrailIsBoundedAndSearchable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tenants = []string{"acme"}
	cfg.Audit.MemoryLimit = 2
	cfg.Audit.BatchSize = 1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	ctx := context.Background()
	d, err := newDaemon(ctx, cfg)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	defer d.close()
	if d.audits == nil {
		t.Fatalf("audit service not built")
	}

	for range 5 {
		if _, _, err := d.gate.Login(ctx, "acme", rbac.Credentials{UserID: "nobody", Password: "x"}); err == nil {
			t.Fatalf("unknown user logged in")
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		binds, err := d.audits.SearchBinds(ctx, audit.Filter{Tenant: "acme"})
		if err != nil {
			t.Fatalf("search binds: %v", err)
		}
		if len(binds) == 2 {
			break
		}
		if len(binds) > 2 {
			t.Fatalf("memory store kept %d events, limit is 2", len(binds))
		}
		if time.Now().After(deadline) {
			t.Fatalf("bind events not recorded, got %d", len(binds))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := d.monitor.Check(ctx)["audit"]; err != nil {
		t.Fatalf("audit health check: %v", err)
	}
}

func TestNewDaemonRejectsBrokenPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acme.yaml")
	if err := os.WriteFile(path, []byte("users:\n  - id: x\n    roles: [Ghost]\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	cfg := testConfig(t)
	cfg.Policy.Paths = map[string]string{"acme": path}
	if _, err := newDaemon(context.Background(), cfg); err == nil {
		t.Fatalf("dangling role reference must fail startup")
	}
}

func TestRunVersion(t *testing.T) {
	if err := run([]string{"--version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if err := run([]string{"--no-such-flag"}); err == nil {
		t.Fatalf("unknown flag accepted")
	}
}
