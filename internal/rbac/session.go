package rbac

import (
	"context"
	"slices"
	"sync"
	"time"

	"rampart.dev/internal/audit"
	"rampart.dev/internal/ids"
	"rampart.dev/internal/obs"
)

// Session is a read-only view of a live session.
type Session struct {
	ID         string
	Tenant     string
	UserID     string
	Roles      []string
	AdminRoles []string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastUsed   time.Time
}

type session struct {
	mu         sync.Mutex
	id         string
	userID     string
	roles      set
	adminRoles set
	created    time.Time
	expires    time.Time
	lastUsed   time.Time
	closed     bool
}

func (s *session) view(tenant string) Session {
	return Session{
		ID:         s.id,
		Tenant:     tenant,
		UserID:     s.userID,
		Roles:      s.roles.sorted(),
		AdminRoles: s.adminRoles.sorted(),
		CreatedAt:  s.created,
		ExpiresAt:  s.expires,
		LastUsed:   s.lastUsed,
	}
}

func (e *Engine) expired(s *session, now time.Time) bool {
	if now.After(s.expires) {
		return true
	}
	return e.idle > 0 && now.Sub(s.lastUsed) > e.idle
}

// acquire returns the session locked. The caller must unlock s.mu.
func (e *Engine) acquire(ctx context.Context, op, id string) (*session, error) {
	e.sessMu.RLock()
	s, ok := e.sessions[id]
	e.sessMu.RUnlock()
	if !ok {
		return nil, notFound(op, "session", id)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, notFound(op, "session", id)
	}
	now := e.now()
	if e.expired(s, now) {
		s.closed = true
		userID := s.userID
		s.mu.Unlock()
		e.forget(id)
		e.sessionEvent(ctx, "expire", id, userID, "", true, "")
		return nil, newError(ErrSessionExpired, op, "session "+id, "")
	}
	s.lastUsed = now
	return s, nil
}

func (e *Engine) forget(id string) {
	e.sessMu.Lock()
	delete(e.sessions, id)
	n := len(e.sessions)
	e.sessMu.Unlock()
	obs.SetSessions(e.tenant, n)
}

func (e *Engine) sessionEvent(ctx context.Context, op, sessionID, userID, role string, ok bool, reason string) {
	e.record(ctx, audit.Event{
		Kind:      audit.KindSession,
		Operation: op,
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		Success:   ok,
		Reason:    reason,
	})
}

// CreateSession opens a session for userID. A nil roles or adminRoles slice
// activates every assigned role whose constraint currently holds, skipping
// roles that would break dynamic separation of duty; an explicit list must
// be a subset of the assigned roles and is activated in full or not at all.
func (e *Engine) CreateSession(ctx context.Context, userID string, roles, adminRoles []string) (Session, error) {
	const op = "CreateSession"
	userID = cleanName(userID)
	e.commitMu.RLock()
	s, err := e.createSession(op, userID, roles, adminRoles)
	if err != nil {
		e.commitMu.RUnlock()
		e.sessionEvent(ctx, "create", "", userID, "", false, err.Error())
		return Session{}, err
	}
	e.sessMu.Lock()
	e.sessions[s.id] = s
	n := len(e.sessions)
	e.sessMu.Unlock()
	e.commitMu.RUnlock()
	obs.SetSessions(e.tenant, n)

	e.sessionEvent(ctx, "create", s.id, userID, "", true, "")
	return s.view(e.tenant), nil
}

func (e *Engine) createSession(op, userID string, roles, adminRoles []string) (*session, error) {
	snap := e.store.view()
	u, ok := snap.users[userID]
	if !ok {
		return nil, notFound(op, "user", userID)
	}
	now := e.now()
	if u.Locked {
		return nil, newError(ErrUnauthorized, op, "user "+userID, "user is locked")
	}
	if !u.Constraint.Allows(now) {
		return nil, newError(ErrUnauthorized, op, "user "+userID, "user constraint does not allow activation")
	}

	active, err := e.selectRoles(op, snap, u, roles, now)
	if err != nil {
		return nil, err
	}
	activeAdmin, err := selectAdminRoles(op, snap, u, adminRoles, now)
	if err != nil {
		return nil, err
	}
	id := ids.Session()
	if roles != nil {
		if err := snap.checkDSD(op, id, active); err != nil {
			return nil, err
		}
	}
	return &session{
		id:         id,
		userID:     userID,
		roles:      newSet(active...),
		adminRoles: newSet(activeAdmin...),
		created:    now,
		expires:    now.Add(e.ttl),
		lastUsed:   now,
	}, nil
}

func (e *Engine) selectRoles(op string, snap *snapshot, u *User, requested []string, now time.Time) ([]string, error) {
	if requested == nil {
		var active []string
		for _, r := range slices.Sorted(slices.Values(u.Roles)) {
			if !snap.roleConstraint(r, false).Allows(now) {
				continue
			}
			if snap.checkDSD(op, "", append(slices.Clone(active), r)) != nil {
				continue
			}
			active = append(active, r)
		}
		return active, nil
	}
	requested = cleanNames(requested)
	for _, r := range requested {
		if !slices.Contains(u.Roles, r) {
			return nil, newError(ErrUnauthorized, op, "user "+u.ID, "role %q is not assigned", r)
		}
		if !snap.roleConstraint(r, false).Allows(now) {
			return nil, newError(ErrUnauthorized, op, "role "+r, "role constraint does not allow activation")
		}
	}
	return requested, nil
}

func selectAdminRoles(op string, snap *snapshot, u *User, requested []string, now time.Time) ([]string, error) {
	if requested == nil {
		var active []string
		for _, r := range u.AdminRoles {
			if snap.roleConstraint(r, true).Allows(now) {
				active = append(active, r)
			}
		}
		return active, nil
	}
	requested = cleanNames(requested)
	for _, r := range requested {
		if !slices.Contains(u.AdminRoles, r) {
			return nil, newError(ErrUnauthorized, op, "user "+u.ID, "admin role %q is not assigned", r)
		}
		if !snap.roleConstraint(r, true).Allows(now) {
			return nil, newError(ErrUnauthorized, op, "admin role "+r, "role constraint does not allow activation")
		}
	}
	return requested, nil
}

// Session returns a view of a live session.
func (e *Engine) Session(ctx context.Context, id string) (Session, error) {
	s, err := e.acquire(ctx, "Session", id)
	if err != nil {
		return Session{}, err
	}
	defer s.mu.Unlock()
	return s.view(e.tenant), nil
}

// AddActiveRole activates an assigned role in a session.
func (e *Engine) AddActiveRole(ctx context.Context, sessionID, role string) error {
	return e.activate(ctx, "AddActiveRole", sessionID, cleanName(role), false)
}

// AddActiveAdminRole activates an assigned administrative role.
func (e *Engine) AddActiveAdminRole(ctx context.Context, sessionID, role string) error {
	return e.activate(ctx, "AddActiveAdminRole", sessionID, cleanName(role), true)
}

func (e *Engine) activate(ctx context.Context, op, sessionID, role string, admin bool) error {
	e.commitMu.RLock()
	s, err := e.acquire(ctx, op, sessionID)
	if err != nil {
		e.commitMu.RUnlock()
		return err
	}
	userID := s.userID
	err = e.activateLocked(op, s, role, admin)
	s.mu.Unlock()
	e.commitMu.RUnlock()

	e.sessionEvent(ctx, op, sessionID, userID, role, err == nil, errReason(err))
	return err
}

func (e *Engine) activateLocked(op string, s *session, role string, admin bool) error {
	snap := e.store.view()
	u, ok := snap.users[s.userID]
	if !ok {
		return notFound(op, "user", s.userID)
	}
	if !snap.roleExists(role, admin) {
		return notFound(op, "role", role)
	}
	assigned, active := u.Roles, s.roles
	if admin {
		assigned, active = u.AdminRoles, s.adminRoles
	}
	if !slices.Contains(assigned, role) {
		return newError(ErrUnauthorized, op, "user "+u.ID, "role %q is not assigned", role)
	}
	if active.has(role) {
		return newError(ErrAlreadyExists, op, "role "+role, "already active")
	}
	if !snap.roleConstraint(role, admin).Allows(e.now()) {
		return newError(ErrUnauthorized, op, "role "+role, "role constraint does not allow activation")
	}
	if !admin {
		if err := snap.checkDSD(op, s.id, append(active.sorted(), role)); err != nil {
			return err
		}
	}
	active[role] = struct{}{}
	return nil
}

// DropActiveRole deactivates a role. It fails only when the role is not active.
func (e *Engine) DropActiveRole(ctx context.Context, sessionID, role string) error {
	return e.deactivate(ctx, "DropActiveRole", sessionID, cleanName(role), false)
}

// DropActiveAdminRole deactivates an administrative role.
func (e *Engine) DropActiveAdminRole(ctx context.Context, sessionID, role string) error {
	return e.deactivate(ctx, "DropActiveAdminRole", sessionID, cleanName(role), true)
}

func (e *Engine) deactivate(ctx context.Context, op, sessionID, role string, admin bool) error {
	s, err := e.acquire(ctx, op, sessionID)
	if err != nil {
		return err
	}
	active := s.roles
	if admin {
		active = s.adminRoles
	}
	userID := s.userID
	if active.has(role) {
		delete(active, role)
	} else {
		err = newError(ErrNotFound, op, "role "+role, "not active")
	}
	s.mu.Unlock()

	e.sessionEvent(ctx, op, sessionID, userID, role, err == nil, errReason(err))
	return err
}

// ActiveRoles lists the active roles of a session.
func (e *Engine) ActiveRoles(ctx context.Context, sessionID string) ([]string, error) {
	s, err := e.acquire(ctx, "ActiveRoles", sessionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.roles.sorted(), nil
}

// ActiveAdminRoles lists the active administrative roles of a session.
func (e *Engine) ActiveAdminRoles(ctx context.Context, sessionID string) ([]string, error) {
	s, err := e.acquire(ctx, "ActiveAdminRoles", sessionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.adminRoles.sorted(), nil
}

// activeSet copies the owner and active roles of a session.
func (e *Engine) activeSet(ctx context.Context, op, sessionID string, admin bool) (string, []string, error) {
	s, err := e.acquire(ctx, op, sessionID)
	if err != nil {
		return "", nil, err
	}
	active := s.roles
	if admin {
		active = s.adminRoles
	}
	roles := active.sorted()
	userID := s.userID
	s.mu.Unlock()
	return userID, roles, nil
}

// SessionPermissions lists the regular permissions usable through the
// session's active roles.
func (e *Engine) SessionPermissions(ctx context.Context, sessionID string) ([]PermRef, error) {
	_, roles, err := e.activeSet(ctx, "SessionPermissions", sessionID, false)
	if err != nil {
		return nil, err
	}
	return e.store.view().permissionsOf(roles, false, e.now()), nil
}

// SessionAdminPermissions lists the administrative permissions usable
// through the session's active admin roles.
func (e *Engine) SessionAdminPermissions(ctx context.Context, sessionID string) ([]PermRef, error) {
	_, roles, err := e.activeSet(ctx, "SessionAdminPermissions", sessionID, true)
	if err != nil {
		return nil, err
	}
	return e.store.view().permissionsOf(roles, true, e.now()), nil
}

// permissionsOf collects the permissions of roles, and of every role they
// inherit in hierarchical mode, skipping roles whose constraint does not
// allow now. A zero now skips constraint evaluation.
func (s *snapshot) permissionsOf(roles []string, admin bool, now time.Time) []PermRef {
	ix := s.index()
	g, granted := ix.roles, ix.rolePerms
	if admin {
		g, granted = ix.admin, ix.adminPerms
	}
	effective := newSet()
	for _, r := range roles {
		if !now.IsZero() && !s.roleConstraint(r, admin).Allows(now) {
			continue
		}
		effective[r] = struct{}{}
		if s.mode == Flat {
			continue
		}
		for d := range g.descendants(r) {
			effective[d] = struct{}{}
		}
	}
	seen := make(map[PermRef]struct{})
	var out []PermRef
	for r := range effective {
		for _, p := range granted[r] {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	slices.SortFunc(out, comparePerm)
	return out
}

func comparePerm(a, b PermRef) int {
	switch {
	case permLess(a, b):
		return -1
	case permLess(b, a):
		return 1
	}
	return 0
}

// CloseSession ends a session.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) error {
	s, err := e.acquire(ctx, "CloseSession", sessionID)
	if err != nil {
		return err
	}
	s.closed = true
	userID := s.userID
	s.mu.Unlock()
	e.forget(sessionID)
	e.sessionEvent(ctx, "close", sessionID, userID, "", true, "")
	return nil
}

// Sweep removes expired sessions and idle rate limiters and returns the
// number of sessions removed.
func (e *Engine) Sweep(ctx context.Context) int {
	now := e.now()
	removed := 0
	for _, s := range e.liveSessions() {
		s.mu.Lock()
		if s.closed || !e.expired(s, now) {
			s.mu.Unlock()
			continue
		}
		s.closed = true
		userID := s.userID
		s.mu.Unlock()
		e.forget(s.id)
		e.sessionEvent(ctx, "expire", s.id, userID, "", true, "")
		removed++
	}

	e.limMu.Lock()
	for k, l := range e.limiters {
		if now.Sub(l.seen) > limiterIdleTTL {
			delete(e.limiters, k)
		}
	}
	e.limMu.Unlock()
	return removed
}

// Sessions returns the number of live sessions.
func (e *Engine) Sessions() int {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	return len(e.sessions)
}

func (e *Engine) liveSessions() []*session {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	out := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// pruneSessions reconciles live sessions with the current snapshot. When
// userID is set only that user's sessions are examined.
func (e *Engine) pruneSessions(ctx context.Context, userID string) {
	snap := e.store.view()
	for _, s := range e.liveSessions() {
		s.mu.Lock()
		if s.closed || (userID != "" && s.userID != userID) {
			s.mu.Unlock()
			continue
		}
		var dropped []string
		reason := ""
		u, ok := snap.users[s.userID]
		if !ok {
			reason = "user removed"
		} else {
			dropped = append(dropped, pruneActive(s.roles, u.Roles)...)
			dropped = append(dropped, pruneActive(s.adminRoles, u.AdminRoles)...)
			if err := snap.checkDSD("prune", s.id, s.roles.sorted()); err != nil {
				reason = err.Error()
			}
		}
		if reason != "" {
			s.closed = true
		}
		id, uid := s.id, s.userID
		s.mu.Unlock()

		for _, r := range dropped {
			e.sessionEvent(ctx, "drop_role", id, uid, r, true, "assignment removed")
		}
		if reason != "" {
			e.forget(id)
			e.sessionEvent(ctx, "close", id, uid, "", true, reason)
		}
	}
}

func pruneActive(active set, assigned []string) []string {
	var dropped []string
	for r := range active {
		if !slices.Contains(assigned, r) {
			delete(active, r)
			dropped = append(dropped, r)
		}
	}
	slices.Sort(dropped)
	return dropped
}
