package guard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"rampart.dev/internal/audit"
	"rampart.dev/internal/ids"
	"rampart.dev/internal/obs"
	"rampart.dev/internal/rbac"
	"rampart.dev/internal/token"
)

// ErrUnknownTenant is returned when a token names a tenant the gate does not
// serve.
var ErrUnknownTenant = errors.New("unknown tenant")

// Principal is the caller resolved from a token. Target is the session a
// session operation was authorised for; callers must pass it, not an id
// taken from the request, to the engine. RequestID tags the audit lines of
// the call.
type Principal struct {
	Tenant    string
	SessionID string
	UserID    string
	Target    string
	RequestID string
	Engine    *rbac.Engine
}

// Context returns ctx carrying the principal's request id, for the engine
// calls made on its behalf.
func (p Principal) Context(ctx context.Context) context.Context {
	return audit.WithRequestID(ctx, p.RequestID)
}

// requestContext tags ctx with a fresh request id unless it already has one.
func requestContext(ctx context.Context) context.Context {
	if audit.RequestIDFromContext(ctx) != "" {
		return ctx
	}
	return audit.WithRequestID(ctx, ids.New())
}

// Gate resolves session tokens to tenant engines and enforces the operation
// table.
type Gate struct {
	tokens *token.Issuer

	mu      sync.RWMutex
	engines map[string]*rbac.Engine
}

// NewGate builds a gate over engines. Every engine must define the admin
// permissions of the table.
func NewGate(tokens *token.Issuer, engines ...*rbac.Engine) (*Gate, error) {
	if tokens == nil {
		return nil, errors.New("guard: token issuer is required")
	}
	g := &Gate{tokens: tokens, engines: make(map[string]*rbac.Engine, len(engines))}
	for _, e := range engines {
		if err := g.Register(e); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Register adds or replaces the engine of a tenant after validating it.
func (g *Gate) Register(e *rbac.Engine) error {
	if e == nil {
		return errors.New("guard: nil engine")
	}
	if err := Validate(e); err != nil {
		return err
	}
	g.mu.Lock()
	g.engines[e.Tenant()] = e
	g.mu.Unlock()
	return nil
}

// Engine returns the engine of tenant.
func (g *Gate) Engine(tenant string) (*rbac.Engine, error) {
	g.mu.RLock()
	e, ok := g.engines[strings.TrimSpace(tenant)]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}
	return e, nil
}

// Tenants lists the served tenants, sorted.
func (g *Gate) Tenants() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.engines))
	for t := range g.engines {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Login authenticates against tenant and returns a token for the new
// session.
func (g *Gate) Login(ctx context.Context, tenant string, c rbac.Credentials) (string, rbac.Session, error) {
	ctx = requestContext(ctx)
	e, err := g.Engine(tenant)
	if err != nil {
		return "", rbac.Session{}, err
	}
	s, err := e.Authenticate(ctx, c)
	if err != nil {
		return "", rbac.Session{}, err
	}
	raw, _, err := g.tokens.Issue(s.Tenant, s.ID, s.UserID, s.ExpiresAt.Sub(s.CreatedAt))
	if err != nil {
		_ = e.CloseSession(ctx, s.ID)
		return "", rbac.Session{}, err
	}
	return raw, s, nil
}

// Authorize resolves the caller of raw and checks that the session may run
// op. Session operations are granted on the caller's own session only, which
// Principal.Target names. Denials wrap rbac.ErrUnauthorized.
func (g *Gate) Authorize(ctx context.Context, raw, op string) (Principal, error) {
	return g.authorize(ctx, raw, op, "")
}

// AuthorizeSession checks a session operation aimed at target. Acting on a
// session other than the caller's needs the admin permission of op.
func (g *Gate) AuthorizeSession(ctx context.Context, raw, op, target string) (Principal, error) {
	return g.authorize(ctx, raw, op, strings.TrimSpace(target))
}

func (g *Gate) authorize(ctx context.Context, raw, op, target string) (Principal, error) {
	ctx = requestContext(ctx)
	req, err := Lookup(op)
	if err != nil {
		return Principal{}, err
	}
	claims, err := g.tokens.Parse(raw)
	if err != nil {
		return Principal{}, err
	}
	e, err := g.Engine(claims.Tenant)
	if err != nil {
		return Principal{}, err
	}
	s, err := e.Session(ctx, claims.SessionID)
	if err != nil {
		return Principal{}, err
	}
	if s.UserID != claims.Subject {
		return Principal{}, fmt.Errorf("%w: subject does not own session", token.ErrInvalidToken)
	}
	p := Principal{
		Tenant:    e.Tenant(),
		SessionID: s.ID,
		UserID:    s.UserID,
		Target:    s.ID,
		RequestID: audit.RequestIDFromContext(ctx),
		Engine:    e,
	}
	switch {
	case req.Public:
		return p, nil
	case req.Session && (target == "" || target == s.ID):
		return p, nil
	}

	d, err := e.CheckAdminAccess(ctx, s.ID, req.Perm)
	if err != nil {
		return Principal{}, err
	}
	if !d.Allowed {
		obs.Debug("guard denied operation", map[string]any{
			"tenant": p.Tenant, "session": p.SessionID, "op": op, "target": target, "reason": d.Reason,
			"request_id": p.RequestID,
		})
		return Principal{}, fmt.Errorf("%w: %s requires %s (%s)", rbac.ErrUnauthorized, op, req, d.Reason)
	}
	if target != "" {
		p.Target = target
	}
	return p, nil
}

// AuthorizeContext is Authorize with the token taken from ctx.
func (g *Gate) AuthorizeContext(ctx context.Context, op string) (Principal, error) {
	raw, ok := token.FromContext(ctx)
	if !ok {
		return Principal{}, token.ErrInvalidToken
	}
	return g.Authorize(ctx, raw, op)
}
