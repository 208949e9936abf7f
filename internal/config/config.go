package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"rampart.dev/internal/rbac"
	"rampart.dev/internal/store"
)

const envPrefix = "RAMPART_"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	Session  SessionConfig  `koanf:"session"`
	Audit    AuditConfig    `koanf:"audit"`
	Token    TokenConfig    `koanf:"token"`
	Policy   PolicyConfig   `koanf:"policy"`
	Engine   EngineConfig   `koanf:"engine"`
	Tenants  []string       `koanf:"tenants"`
}

type ServerConfig struct {
	MetricsAddr     string        `koanf:"metrics_addr"`
	GRPCAddr        string        `koanf:"grpc_addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig selects the optional SQL backend. An empty driver keeps
// everything in memory.
type DatabaseConfig struct {
	Driver   string `koanf:"driver"`
	DSN      string `koanf:"dsn"`
	MaxConns int    `koanf:"max_conns"`
	Migrate  bool   `koanf:"migrate"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type SessionConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	IdleTimeout   time.Duration `koanf:"idle_timeout"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type AuditConfig struct {
	BufferSize    int           `koanf:"buffer_size"`
	BatchSize     int           `koanf:"batch_size"`
	FlushInterval time.Duration `koanf:"flush_interval"`
	QueryTimeout  time.Duration `koanf:"query_timeout"`
	MemoryLimit   int           `koanf:"memory_limit"`
}

type TokenConfig struct {
	Secret string        `koanf:"secret"`
	Issuer string        `koanf:"issuer"`
	TTL    time.Duration `koanf:"ttl"`
}

// PolicyConfig maps tenants to policy documents.
type PolicyConfig struct {
	Paths    map[string]string `koanf:"paths"`
	Watch    bool              `koanf:"watch"`
	Debounce time.Duration     `koanf:"debounce"`
}

type EngineConfig struct {
	Inheritance              string `koanf:"inheritance"`
	MaxAuthAttemptsPerMinute int    `koanf:"max_auth_attempts_per_minute"`
}

func defaults() map[string]any {
	return map[string]any{
		"server.metrics_addr":                 ":9090",
		"server.grpc_addr":                    ":9091",
		"server.shutdown_timeout":             "10s",
		"database.max_conns":                  10,
		"database.migrate":                    false,
		"log.level":                           "info",
		"session.ttl":                         "8h",
		"session.idle_timeout":                "0s",
		"session.sweep_interval":              "1m",
		"audit.buffer_size":                   4096,
		"audit.batch_size":                    100,
		"audit.flush_interval":                "500ms",
		"audit.query_timeout":                 "5s",
		"audit.memory_limit":                  100000,
		"token.issuer":                        "rampart",
		"token.ttl":                           "1h",
		"policy.watch":                        true,
		"policy.debounce":                     "250ms",
		"engine.inheritance":                  "hierarchical",
		"engine.max_auth_attempts_per_minute": 10,
	}
}

// envKey maps RAMPART_SESSION_IDLE_TIMEOUT to session.idle_timeout. The
// first underscore separates the section. Policy paths are keyed by tenant,
// so RAMPART_POLICY_PATHS_ACME maps to policy.paths.acme.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	key = strings.Replace(key, "_", ".", 1)
	if rest, ok := strings.CutPrefix(key, "policy.paths_"); ok {
		key = "policy.paths." + rest
	}
	return key
}

// Load layers defaults, then each YAML file in order, then the environment.
// Missing files are skipped. Files that exist but do not parse are errors.
func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}

	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Tenants = splitList(cfg.Tenants)
	return &cfg, nil
}

// splitList accepts "a,b" from the environment as well as YAML lists.
func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// TenantNames returns the configured tenants plus any tenant that only has
// a policy document.
func (c *Config) TenantNames() []string {
	seen := make(map[string]bool, len(c.Tenants))
	var out []string
	for _, t := range c.Tenants {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for t := range c.Policy.Paths {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.TenantNames()) == 0 {
		errs = append(errs, errors.New("at least one tenant is required"))
	}
	if c.Database.Driver != "" {
		if _, err := store.ParseDialect(c.Database.Driver); err != nil {
			errs = append(errs, err)
		}
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required with a driver"))
		}
	}
	if c.Database.MaxConns < 0 {
		errs = append(errs, errors.New("database.max_conns must not be negative"))
	}
	if _, err := rbac.ParseInheritanceMode(c.Engine.Inheritance); err != nil {
		errs = append(errs, err)
	}
	if c.Engine.MaxAuthAttemptsPerMinute < 0 {
		errs = append(errs, errors.New("engine.max_auth_attempts_per_minute must not be negative"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("session.idle_timeout must not be negative"))
	}
	if c.Session.SweepInterval <= 0 {
		errs = append(errs, errors.New("session.sweep_interval must be positive"))
	}
	if c.Policy.Debounce < time.Millisecond {
		errs = append(errs, errors.New("policy.debounce must be at least 1ms"))
	}
	if c.Audit.MemoryLimit <= 0 {
		errs = append(errs, errors.New("audit.memory_limit must be positive"))
	}
	if c.Audit.BatchSize > c.Audit.BufferSize {
		errs = append(errs, errors.New("audit.batch_size exceeds audit.buffer_size"))
	}
	if len(c.Token.Secret) < 32 {
		errs = append(errs, errors.New("token.secret must be at least 32 bytes"))
	}
	if c.Token.TTL <= 0 {
		errs = append(errs, errors.New("token.ttl must be positive"))
	}
	for tenant, path := range c.Policy.Paths {
		if strings.TrimSpace(path) == "" {
			errs = append(errs, fmt.Errorf("policy.paths.%s is empty", tenant))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
