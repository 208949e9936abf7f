package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rampart.dev/internal/audit"
)

// InheritanceMode selects how role hierarchies affect authorization.
type InheritanceMode int

const (
	// Hierarchical lets an active role use the permissions of every role it
	// inherits from.
	Hierarchical InheritanceMode = iota
	// Flat only honours permissions granted directly to an active role.
	Flat
)

func (m InheritanceMode) String() string {
	if m == Flat {
		return "flat"
	}
	return "hierarchical"
}

// ParseInheritanceMode accepts "hierarchical" (or empty) and "flat".
func ParseInheritanceMode(s string) (InheritanceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hierarchical":
		return Hierarchical, nil
	case "flat":
		return Flat, nil
	}
	return Hierarchical, fmt.Errorf("%w: unknown inheritance mode %q", ErrInvalidInput, s)
}

const (
	defaultSessionTTL   = 8 * time.Hour
	defaultAuthAttempts = 10
	limiterIdleTTL      = 10 * time.Minute
)

// Option configures an Engine.
type Option func(*Engine) error

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

// WithRecorder sets the audit sink. Events are dropped by default.
func WithRecorder(r audit.Recorder) Option {
	return func(e *Engine) error {
		if r != nil {
			e.rec = r
		}
		return nil
	}
}

// WithInheritance selects the inheritance mode.
func WithInheritance(mode InheritanceMode) Option {
	return func(e *Engine) error {
		if mode != Hierarchical && mode != Flat {
			return fmt.Errorf("%w: inheritance mode %d", ErrInvalidInput, mode)
		}
		e.mode = mode
		return nil
	}
}

// WithSessionTTL sets the absolute lifetime of sessions.
func WithSessionTTL(ttl time.Duration) Option {
	return func(e *Engine) error {
		if ttl < 0 {
			return fmt.Errorf("%w: negative session ttl", ErrInvalidInput)
		}
		if ttl > 0 {
			e.ttl = ttl
		}
		return nil
	}
}

// WithIdleTimeout expires sessions unused for longer than d. Zero disables
// idle expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		if d < 0 {
			return fmt.Errorf("%w: negative idle timeout", ErrInvalidInput)
		}
		e.idle = d
		return nil
	}
}

// WithAuthRate limits authentication attempts per user and minute.
func WithAuthRate(perMinute int) Option {
	return func(e *Engine) error {
		if perMinute < 0 {
			return fmt.Errorf("%w: negative authentication rate", ErrInvalidInput)
		}
		if perMinute > 0 {
			e.authPerMinute = perMinute
		}
		return nil
	}
}

// Engine is the authorization engine of one tenant. It owns the tenant's
// entity store and live sessions. All methods are safe for concurrent use.
type Engine struct {
	tenant string
	store  *Store
	now    func() time.Time
	rec    audit.Recorder
	mode   InheritanceMode
	ttl    time.Duration
	idle   time.Duration

	authPerMinute int
	limMu         sync.Mutex
	limiters      map[string]*limiter

	// commitMu orders entity commits against session creation and role
	// activation, so a session never sees a snapshot older than the last
	// prune. Take it before sessMu and any session lock.
	commitMu sync.RWMutex

	sessMu   sync.RWMutex
	sessions map[string]*session
}

type limiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// New constructs an empty engine for tenant.
func New(tenant string, opts ...Option) (*Engine, error) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return nil, errors.New("rbac: tenant is required")
	}
	e := &Engine{
		tenant:        tenant,
		now:           time.Now,
		rec:           audit.NopRecorder{},
		ttl:           defaultSessionTTL,
		authPerMinute: defaultAuthAttempts,
		limiters:      make(map[string]*limiter),
		sessions:      make(map[string]*session),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.store = NewStore(e.mode)
	return e, nil
}

func (e *Engine) Tenant() string        { return e.tenant }
func (e *Engine) Mode() InheritanceMode { return e.mode }

// Version returns the version of the current entity snapshot.
func (e *Engine) Version() uint64 { return e.store.Version() }

// Replace swaps the tenant's whole entity set for ds. Live sessions keep
// only roles still assigned to their user; sessions whose user disappeared
// or whose roles now violate dynamic separation of duty are closed.
func (e *Engine) Replace(ctx context.Context, ds Dataset) error {
	const op = "Replace"
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	next, err := snapshotFromDataset(ds, e.mode)
	if err == nil {
		err = e.store.replace(op, next)
	}
	e.record(ctx, audit.Event{
		Kind:      audit.KindMod,
		Operation: op,
		Success:   err == nil,
		Reason:    errReason(err),
		Fields: map[string]string{
			"users": fmt.Sprint(len(ds.Users)),
			"roles": fmt.Sprint(len(ds.Roles)),
		},
	})
	if err != nil {
		return err
	}
	e.pruneSessions(ctx, "")
	return nil
}

// Export returns a deep copy of the current entities.
func (e *Engine) Export() Dataset { return e.store.view().dataset() }

func (e *Engine) record(ctx context.Context, ev audit.Event) {
	ev.Tenant = e.tenant
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now().UTC()
	}
	e.rec.Record(ctx, ev)
}

func errReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
