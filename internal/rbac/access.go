package rbac

import (
	"context"
	"fmt"
	"time"

	"rampart.dev/internal/audit"
	"rampart.dev/internal/obs"
)

// CheckAccess reports whether the session may perform p through one of its
// active roles. Denial is a Decision, not an error; errors report unknown
// or expired sessions.
func (e *Engine) CheckAccess(ctx context.Context, sessionID string, p PermRef) (Decision, error) {
	p = p.normalize()
	p.Admin = false
	return e.check(ctx, "CheckAccess", "check_access", sessionID, p)
}

// CheckAdminAccess reports whether the session may perform the
// administrative permission p. Besides holding the permission, the active
// admin role must have a permission OU scope covering the object's OU when
// the object belongs to one.
func (e *Engine) CheckAdminAccess(ctx context.Context, sessionID string, p PermRef) (Decision, error) {
	p = p.normalize()
	p.Admin = true
	return e.check(ctx, "CheckAdminAccess", "check_admin_access", sessionID, p)
}

func (e *Engine) check(ctx context.Context, op, kind, sessionID string, p PermRef) (Decision, error) {
	userID, active, err := e.activeSet(ctx, op, sessionID, p.Admin)
	if err != nil {
		return Decision{}, err
	}
	d, detail := e.store.view().decide(userID, active, p, e.now())

	obs.ObserveDecision(e.tenant, kind, d.Allowed)
	fields := map[string]string{"decision": d.Reason}
	if p.ObjectID != "" {
		fields["object_id"] = p.ObjectID
	}
	if p.Admin {
		fields["admin"] = "true"
	}
	e.record(ctx, audit.Event{
		Kind:      audit.KindAuthZ,
		SessionID: sessionID,
		UserID:    userID,
		Object:    p.Object,
		Operation: p.Operation,
		Success:   d.Allowed,
		Reason:    detail,
		Fields:    fields,
	})
	return d, nil
}

// lookupPerm finds p, falling back to the object-wide permission when an
// instance permission is not defined.
func (s *snapshot) lookupPerm(p PermRef) *Permission {
	if perm, ok := s.perms[p]; ok {
		return perm
	}
	if p.ObjectID != "" {
		p.ObjectID = ""
		return s.perms[p]
	}
	return nil
}

// grantingRole returns the role through which active holds one of the
// granted roles, or "".
func (s *snapshot) grantingRole(active string, granted []string, admin bool) string {
	g := s.roleGraph(admin)
	for _, r := range granted {
		if r == active {
			return r
		}
	}
	if s.mode == Flat {
		return ""
	}
	for _, r := range granted {
		if g.isDescendant(r, active) {
			return r
		}
	}
	return ""
}

// decide evaluates p for a user with the given active roles and returns the
// decision together with the internal explanation kept for audit.
func (s *snapshot) decide(userID string, active []string, p PermRef, now time.Time) (Decision, string) {
	perm := s.lookupPerm(p)
	if perm == nil {
		return deny(ReasonNoPermission), fmt.Sprintf("permission %s is not defined", p)
	}
	u, ok := s.users[userID]
	if !ok {
		return deny(ReasonDenied), fmt.Sprintf("user %q no longer exists", userID)
	}
	if !u.Constraint.Allows(now) {
		return deny(ReasonConstraint), fmt.Sprintf("constraint of user %q does not hold", userID)
	}
	ou := ""
	if p.Admin {
		if obj, ok := s.objects[objKey{Admin: true, Name: perm.Object}]; ok {
			ou = obj.OU
		}
	}

	var blocked, unscoped string
	for _, r := range active {
		via := s.grantingRole(r, perm.Roles, p.Admin)
		if via == "" {
			continue
		}
		if !s.roleConstraint(r, p.Admin).Allows(now) {
			blocked = r
			continue
		}
		if ou != "" && !s.adminPermScopeCovers(r, ou) {
			unscoped = r
			continue
		}
		return allow(), fmt.Sprintf("permission %s granted to %q, held through active role %q", perm.PermRef, via, r)
	}
	switch {
	case unscoped != "":
		return deny(ReasonOutOfScope), fmt.Sprintf("admin role %q does not cover org unit %q", unscoped, ou)
	case blocked != "":
		return deny(ReasonConstraint), fmt.Sprintf("constraint of role %q does not hold", blocked)
	}
	return deny(ReasonDenied), fmt.Sprintf("no active role holds permission %s", perm.PermRef)
}

// adminAuthority returns the admin role name together with every admin
// role it inherits from in hierarchical mode. Each entry carries its own
// scope.
func (s *snapshot) adminAuthority(name string) []*AdminRole {
	r, ok := s.adminRoles[name]
	if !ok {
		return nil
	}
	out := []*AdminRole{r}
	if s.mode == Flat {
		return out
	}
	for _, d := range s.index().admin.descendants(name).sorted() {
		if jr, ok := s.adminRoles[d]; ok {
			out = append(out, jr)
		}
	}
	return out
}

func (s *snapshot) adminPermScopeCovers(name, ou string) bool {
	g := s.ouGraph(OUPerm)
	for _, ar := range s.adminAuthority(name) {
		if coversAnyOU(g, ar.PermScope, ou) {
			return true
		}
	}
	return false
}
