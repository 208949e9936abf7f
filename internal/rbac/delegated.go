package rbac

import (
	"context"
	"fmt"
	"time"

	"rampart.dev/internal/audit"
	"rampart.dev/internal/obs"
)

// CanAssign reports whether an active admin role of the session may assign
// role to userID: its user OU scope must cover the user's OU and its role
// range must contain the role. Any single authorising admin role suffices.
func (e *Engine) CanAssign(ctx context.Context, sessionID, userID, role string) (Decision, error) {
	return e.canUserRole(ctx, "CanAssign", "can_assign", sessionID, userID, role)
}

// CanDeassign is the removal counterpart of CanAssign.
func (e *Engine) CanDeassign(ctx context.Context, sessionID, userID, role string) (Decision, error) {
	return e.canUserRole(ctx, "CanDeassign", "can_deassign", sessionID, userID, role)
}

// CanGrant reports whether an active admin role of the session may grant p
// to role: its role range must contain the role and its permission OU
// scope must cover the OU of p's object.
func (e *Engine) CanGrant(ctx context.Context, sessionID, role string, p PermRef) (Decision, error) {
	return e.canRolePerm(ctx, "CanGrant", "can_grant", sessionID, role, p)
}

// CanRevoke is the removal counterpart of CanGrant.
func (e *Engine) CanRevoke(ctx context.Context, sessionID, role string, p PermRef) (Decision, error) {
	return e.canRolePerm(ctx, "CanRevoke", "can_revoke", sessionID, role, p)
}

func (e *Engine) canUserRole(ctx context.Context, op, kind, sessionID, userID, role string) (Decision, error) {
	userID, role = cleanName(userID), cleanName(role)
	owner, admins, err := e.activeSet(ctx, op, sessionID, true)
	if err != nil {
		return Decision{}, err
	}
	snap := e.store.view()
	u, ok := snap.users[userID]
	if !ok {
		return Decision{}, notFound(op, "user", userID)
	}
	if _, ok := snap.roles[role]; !ok {
		return Decision{}, notFound(op, "role", role)
	}

	d, detail := snap.delegate(admins, e.now(), func(ar *AdminRole) bool {
		return coversAnyOU(snap.ouGraph(OUUser), ar.UserScope, u.OU) &&
			containsRole(snap.roleGraph(false), ar.Roles, role)
	})
	e.delegatedEvent(ctx, op, kind, d, detail, audit.Event{
		SessionID: sessionID,
		UserID:    owner,
		Role:      role,
		Fields:    map[string]string{"target_user": userID, "user_ou": u.OU},
	})
	return d, nil
}

func (e *Engine) canRolePerm(ctx context.Context, op, kind, sessionID, role string, p PermRef) (Decision, error) {
	role = cleanName(role)
	p = p.normalize()
	p.Admin = false
	owner, admins, err := e.activeSet(ctx, op, sessionID, true)
	if err != nil {
		return Decision{}, err
	}
	snap := e.store.view()
	if _, ok := snap.roles[role]; !ok {
		return Decision{}, notFound(op, "role", role)
	}
	obj, ok := snap.objects[objKey{Name: p.Object}]
	if !ok {
		return Decision{}, notFound(op, "object", p.Object)
	}

	d, detail := snap.delegate(admins, e.now(), func(ar *AdminRole) bool {
		return containsRole(snap.roleGraph(false), ar.Roles, role) &&
			coversAnyOU(snap.ouGraph(OUPerm), ar.PermScope, obj.OU)
	})
	e.delegatedEvent(ctx, op, kind, d, detail, audit.Event{
		SessionID: sessionID,
		UserID:    owner,
		Role:      role,
		Object:    p.Object,
		Fields:    map[string]string{"permission": p.String(), "object_ou": obj.OU},
	})
	return d, nil
}

// delegate ORs authorises over the authority of every active admin role.
func (s *snapshot) delegate(admins []string, now time.Time, authorises func(*AdminRole) bool) (Decision, string) {
	if len(admins) == 0 {
		return deny(ReasonDenied), "session has no active admin role"
	}
	blocked := ""
	for _, a := range admins {
		if !s.roleConstraint(a, true).Allows(now) {
			blocked = a
			continue
		}
		for _, ar := range s.adminAuthority(a) {
			if authorises(ar) {
				return allow(), fmt.Sprintf("authorised by admin role %q through active role %q", ar.Name, a)
			}
		}
	}
	if blocked != "" && len(admins) == 1 {
		return deny(ReasonConstraint), fmt.Sprintf("constraint of admin role %q does not hold", blocked)
	}
	return deny(ReasonOutOfScope), "no active admin role covers the target"
}

func (e *Engine) delegatedEvent(ctx context.Context, op, kind string, d Decision, detail string, ev audit.Event) {
	obs.ObserveDecision(e.tenant, kind, d.Allowed)
	ev.Kind = audit.KindAuthZ
	ev.Operation = op
	ev.Success = d.Allowed
	ev.Reason = detail
	e.record(ctx, ev)
}

// DelegatedAssignUser assigns role to userID when CanAssign allows it.
func (e *Engine) DelegatedAssignUser(ctx context.Context, sessionID, userID, role string) error {
	d, err := e.CanAssign(ctx, sessionID, userID, role)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return newError(ErrUnauthorized, "DelegatedAssignUser", "user "+userID, "%s", d.Reason)
	}
	return e.AssignUser(withActor(ctx, sessionID), userID, role)
}

// DelegatedDeassignUser removes role from userID when CanDeassign allows it.
func (e *Engine) DelegatedDeassignUser(ctx context.Context, sessionID, userID, role string) error {
	d, err := e.CanDeassign(ctx, sessionID, userID, role)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return newError(ErrUnauthorized, "DelegatedDeassignUser", "user "+userID, "%s", d.Reason)
	}
	return e.DeassignUser(withActor(ctx, sessionID), userID, role)
}

// DelegatedGrantPermission grants p to role when CanGrant allows it.
func (e *Engine) DelegatedGrantPermission(ctx context.Context, sessionID string, p PermRef, role string) error {
	d, err := e.CanGrant(ctx, sessionID, role, p)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return newError(ErrUnauthorized, "DelegatedGrantPermission", "role "+role, "%s", d.Reason)
	}
	p.Admin = false
	return e.GrantPermission(withActor(ctx, sessionID), p, role)
}

// DelegatedRevokePermission revokes p from role when CanRevoke allows it.
func (e *Engine) DelegatedRevokePermission(ctx context.Context, sessionID string, p PermRef, role string) error {
	d, err := e.CanRevoke(ctx, sessionID, role, p)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return newError(ErrUnauthorized, "DelegatedRevokePermission", "role "+role, "%s", d.Reason)
	}
	p.Admin = false
	return e.RevokePermission(withActor(ctx, sessionID), p, role)
}
