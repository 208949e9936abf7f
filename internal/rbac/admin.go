package rbac

import (
	"context"
	"slices"

	"rampart.dev/internal/audit"
	"rampart.dev/internal/obs"
)

type actorKey struct{}

// withActor records the session performing a delegated change.
func withActor(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, actorKey{}, sessionID)
}

func actorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}

const pruneAll = "*"

// change is one administrative mutation.
type change struct {
	op    string
	ev    audit.Event
	fn    func(next *snapshot) error
	dsd   bool   // live sessions must still satisfy dynamic separation of duty
	prune string // "" keeps sessions, pruneAll or a user id reconciles them
}

func (e *Engine) apply(ctx context.Context, c change) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	var checks []func(*snapshot) error
	if c.dsd {
		checks = append(checks, e.liveDSD(c.op))
	}
	_, err := e.store.update(c.op, c.fn, checks...)

	ev := c.ev
	ev.Kind = audit.KindMod
	ev.Operation = c.op
	ev.SessionID = actorFromContext(ctx)
	ev.Success = err == nil
	ev.Reason = errReason(err)
	e.record(ctx, ev)
	if err != nil {
		obs.Debug("rbac mutation rejected", map[string]any{"tenant": e.tenant, "op": c.op, "error": err})
		return err
	}

	switch c.prune {
	case "":
	case pruneAll:
		e.pruneSessions(ctx, "")
	default:
		e.pruneSessions(ctx, c.prune)
	}
	return nil
}

// liveDSD returns a check that rejects a snapshot under which some live
// session would violate dynamic separation of duty.
func (e *Engine) liveDSD(op string) func(*snapshot) error {
	return func(next *snapshot) error {
		for _, s := range e.liveSessions() {
			s.mu.Lock()
			id, roles, closed := s.id, s.roles.sorted(), s.closed
			s.mu.Unlock()
			if closed {
				continue
			}
			if err := next.checkDSD(op, id, roles); err != nil {
				return err
			}
		}
		return nil
	}
}

// Lookups used while building a change. They return private copies that
// may be modified and stored back.

func (s *snapshot) userCopy(op, id string) (*User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, notFound(op, "user", id)
	}
	c := copyUser(u)
	return &c, nil
}

func (s *snapshot) roleCopy(op, name string) (*Role, error) {
	r, ok := s.roles[name]
	if !ok {
		return nil, notFound(op, "role", name)
	}
	c := copyRole(r)
	return &c, nil
}

func (s *snapshot) adminRoleCopy(op, name string) (*AdminRole, error) {
	r, ok := s.adminRoles[name]
	if !ok {
		return nil, notFound(op, "admin role", name)
	}
	c := copyAdminRole(r)
	return &c, nil
}

func (s *snapshot) orgUnitCopy(op string, t OUType, name string) (*OrgUnit, error) {
	ou, ok := s.ous[ouKey{Type: t, Name: name}]
	if !ok {
		return nil, notFound(op, string(t)+" org unit", name)
	}
	c := *ou
	c.Parents = slices.Clone(ou.Parents)
	return &c, nil
}

func (s *snapshot) permissionCopy(op string, ref PermRef) (*Permission, error) {
	p, ok := s.perms[ref]
	if !ok {
		return nil, notFound(op, "permission", ref.String())
	}
	c := copyPermission(p)
	return &c, nil
}

func (s *snapshot) sdSetCopy(op string, kind SDKind, name string) (*SDSet, error) {
	sd, ok := s.sdsets[sdKey{Kind: kind, Name: name}]
	if !ok {
		return nil, notFound(op, string(kind)+" set", name)
	}
	c := *sd
	c.Roles = slices.Clone(sd.Roles)
	return &c, nil
}

func remove(values []string, v string) ([]string, bool) {
	i := slices.Index(values, v)
	if i < 0 {
		return values, false
	}
	return slices.Delete(slices.Clone(values), i, i+1), true
}

// Organizational units.

func (e *Engine) AddOrgUnit(ctx context.Context, ou OrgUnit) error {
	const op = "AddOrgUnit"
	ou.Name = cleanName(ou.Name)
	ou.Parents = cleanNames(ou.Parents)
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{Object: ou.Name, Fields: map[string]string{"ou_type": string(ou.Type)}},
		fn: func(next *snapshot) error {
			if ou.Name == "" {
				return invalid(op, "org unit name is required")
			}
			if ou.Type != OUUser && ou.Type != OUPerm {
				return invalid(op, "org unit %q: unknown type %q", ou.Name, ou.Type)
			}
			k := ouKey{Type: ou.Type, Name: ou.Name}
			if _, dup := next.ous[k]; dup {
				return exists(op, "org unit", ou.Name)
			}
			next.ous[k] = &ou
			return nil
		},
	})
}

// UpdateOrgUnit replaces the description and parents of an org unit.
func (e *Engine) UpdateOrgUnit(ctx context.Context, ou OrgUnit) error {
	const op = "UpdateOrgUnit"
	ou.Name = cleanName(ou.Name)
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{Object: ou.Name, Fields: map[string]string{"ou_type": string(ou.Type)}},
		fn: func(next *snapshot) error {
			cur, err := next.orgUnitCopy(op, ou.Type, ou.Name)
			if err != nil {
				return err
			}
			cur.Description = ou.Description
			cur.Parents = cleanNames(ou.Parents)
			next.ous[ouKey{Type: ou.Type, Name: ou.Name}] = cur
			return nil
		},
	})
}

// DeleteOrgUnit removes an org unit that has no children and is not
// referenced by users, objects or admin role scopes.
func (e *Engine) DeleteOrgUnit(ctx context.Context, t OUType, name string) error {
	const op = "DeleteOrgUnit"
	name = cleanName(name)
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{Object: name, Fields: map[string]string{"ou_type": string(t)}},
		fn: func(next *snapshot) error {
			if _, err := next.orgUnitCopy(op, t, name); err != nil {
				return err
			}
			for k, ou := range next.ous {
				if k.Type == t && slices.Contains(ou.Parents, name) {
					return invalid(op, "org unit %q has child %q", name, k.Name)
				}
			}
			if t == OUUser {
				for id, u := range next.users {
					if u.OU == name {
						return invalid(op, "org unit %q is used by user %q", name, id)
					}
				}
			} else {
				for k, o := range next.objects {
					if o.OU == name {
						return invalid(op, "org unit %q is used by object %q", name, k.Name)
					}
				}
			}
			for rn, r := range next.adminRoles {
				scope := r.UserScope
				if t == OUPerm {
					scope = r.PermScope
				}
				for _, rg := range scope {
					if rg.Begin == name || rg.End == name {
						return invalid(op, "org unit %q bounds a scope of admin role %q", name, rn)
					}
				}
			}
			delete(next.ous, ouKey{Type: t, Name: name})
			return nil
		},
	})
}

// AddOrgUnitInheritance makes parent an ascendant of child.
func (e *Engine) AddOrgUnitInheritance(ctx context.Context, t OUType, parent, child string) error {
	const op = "AddOrgUnitInheritance"
	parent, child = cleanName(parent), cleanName(child)
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{Object: child, Fields: map[string]string{"ou_type": string(t), "parent": parent}},
		fn: func(next *snapshot) error {
			cur, err := next.orgUnitCopy(op, t, child)
			if err != nil {
				return err
			}
			if _, err := next.orgUnitCopy(op, t, parent); err != nil {
				return err
			}
			if slices.Contains(cur.Parents, parent) {
				return exists(op, "org unit edge", parent+" -> "+child)
			}
			if err := edgeCycle(op, string(t)+" org unit hierarchy", e.store.view().ouGraph(t), parent, child); err != nil {
				return err
			}
			cur.Parents = append(cur.Parents, parent)
			next.ous[ouKey{Type: t, Name: child}] = cur
			return nil
		},
	})
}

// edgeCycle rejects asc -> desc ahead of validation when the published
// hierarchy already reaches asc from desc. It runs inside update,
// so the published snapshot is the one being cloned.
func edgeCycle(op, entity string, g *graph, asc, desc string) error {
	if g.wouldCycle(asc, desc) {
		return newError(ErrCycleDetected, op, entity, "%s -> %s would close a cycle", asc, desc)
	}
	return nil
}

func (e *Engine) DeleteOrgUnitInheritance(ctx context.Context, t OUType, parent, child string) error {
	const op = "DeleteOrgUnitInheritance"
	parent, child = cleanName(parent), cleanName(child)
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{Object: child, Fields: map[string]string{"ou_type": string(t), "parent": parent}},
		fn: func(next *snapshot) error {
			cur, err := next.orgUnitCopy(op, t, child)
			if err != nil {
				return err
			}
			var ok bool
			if cur.Parents, ok = remove(cur.Parents, parent); !ok {
				return notFound(op, "org unit edge", parent+" -> "+child)
			}
			next.ous[ouKey{Type: t, Name: child}] = cur
			return nil
		},
	})
}

// Roles.

func (e *Engine) AddRole(ctx context.Context, r Role) error {
	const op = "AddRole"
	r.Name = cleanName(r.Name)
	r.Inherits = cleanNames(r.Inherits)
	return e.apply(ctx, change{
		op:  op,
		ev:  audit.Event{Role: r.Name},
		dsd: len(r.Inherits) > 0,
		fn: func(next *snapshot) error {
			if r.Name == "" {
				return invalid(op, "role name is required")
			}
			if _, dup := next.roles[r.Name]; dup {
				return exists(op, "role", r.Name)
			}
			next.roles[r.Name] = &r
			return nil
		},
	})
}

// UpdateRole replaces the description and constraint of a role.
func (e *Engine) UpdateRole(ctx context.Context, r Role) error {
	const op = "UpdateRole"
	r.Name = cleanName(r.Name)
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{Role: r.Name},
		fn: func(next *snapshot) error {
			cur, err := next.roleCopy(op, r.Name)
			if err != nil {
				return err
			}
			cur.Description = r.Description
			cur.Constraint = r.Constraint
			next.roles[r.Name] = cur
			return nil
		},
	})
}

// DeleteRole removes a role with its assignments, grants, inheritance edges
// and separation of duty memberships. Roles bounding an admin role range
// cannot be deleted.
func (e *Engine) DeleteRole(ctx context.Context, name string) error {
	const op = "DeleteRole"
	name = cleanName(name)
	return e.apply(ctx, change{
		op:    op,
		ev:    audit.Event{Role: name},
		prune: pruneAll,
		fn: func(next *snapshot) error {
			if _, err := next.roleCopy(op, name); err != nil {
				return err
			}
			for an, ar := range next.adminRoles {
				if ar.Roles.Begin == name || ar.Roles.End == name {
					return invalid(op, "role %q bounds the range of admin role %q", name, an)
				}
			}
			delete(next.roles, name)
			for id, u := range next.users {
				if roles, ok := remove(u.Roles, name); ok {
					c := copyUser(u)
					c.Roles = roles
					next.users[id] = &c
				}
			}
			for rn, r := range next.roles {
				if inh, ok := remove(r.Inherits, name); ok {
					c := copyRole(r)
					c.Inherits = inh
					next.roles[rn] = &c
				}
			}
			for ref, p := range next.perms {
				if ref.Admin {
					continue
				}
				if roles, ok := remove(p.Roles, name); ok {
					c := copyPermission(p)
					c.Roles = roles
					next.perms[ref] = &c
				}
			}
			for k, sd := range next.sdsets {
				if roles, ok := remove(sd.Roles, name); ok {
					c := *sd
					c.Roles = roles
					next.sdsets[k] = &c
				}
			}
			return nil
		},
	})
}

// AddInheritance makes senior inherit the permissions of junior.
func (e *Engine) AddInheritance(ctx context.Context, senior, junior string) error {
	const op = "AddInheritance"
	senior, junior = cleanName(senior), cleanName(junior)
	return e.apply(ctx, change{
		op:  op,
		ev:  audit.Event{Role: senior, Fields: map[string]string{"junior": junior}},
		dsd: true,
		fn: func(next *snapshot) error {
			cur, err := next.roleCopy(op, senior)
			if err != nil {
				return err
			}
			if _, err := next.roleCopy(op, junior); err != nil {
				return err
			}
			if slices.Contains(cur.Inherits, junior) {
				return exists(op, "role edge", senior+" -> "+junior)
			}
			if err := edgeCycle(op, "role hierarchy", e.store.view().roleGraph(false), senior, junior); err != nil {
				return err
			}
			cur.Inherits = append(cur.Inherits, junior)
			next.roles[senior] = cur
			return nil
		},
	})
}

func (e *Engine) DeleteInheritance(ctx context.Context, senior, junior string) error {
	const op = "DeleteInheritance"
	senior, junior = cleanName(senior), cleanName(junior)
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{Role: senior, Fields: map[string]string{"junior": junior}},
		fn: func(next *snapshot) error {
			cur, err := next.roleCopy(op, senior)
			if err != nil {
				return err
			}
			var ok bool
			if cur.Inherits, ok = remove(cur.Inherits, junior); !ok {
				return notFound(op, "role edge", senior+" -> "+junior)
			}
			next.roles[senior] = cur
			return nil
		},
	})
}

// Administrative roles.

func (e *Engine) AddAdminRole(ctx context.Context, r AdminRole) error {
	const op = "AddAdminRole"
	r.Name = cleanName(r.Name)
	r.Inherits = cleanNames(r.Inherits)
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{Role: r.Name, Fields: map[string]string{"admin": "true"}},
		fn: func(next *snapshot) error {
			if r.Name == "" {
				return invalid(op, "admin role name is required")
			}
			if _, dup := next.adminRoles[r.Name]; dup {
				return exists(op, "admin role", r.Name)
			}
			next.adminRoles[r.Name] = &r
			return nil
		},
	})
}

// UpdateAdminRole replaces the description, constraint, scopes and role
// range of an admin role.
func (e *Engine) UpdateAdminRole(ctx context.Context, r AdminRole) error {
	const op = "UpdateAdminRole"
	r.Name = cleanName(r.Name)
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{Role: r.Name, Fields: map[string]string{"admin": "true"}},
		fn: func(next *snapshot) error {
			cur, err := next.adminRoleCopy(op, r.Name)
			if err != nil {
				return err
			}
			cur.Description = r.Description
			cur.Constraint = r.Constraint
			cur.UserScope = slices.Clone(r.UserScope)
			cur.PermScope = slices.Clone(r.PermScope)
			cur.Roles = r.Roles
			next.adminRoles[r.Name] = cur
			return nil
		},
	})
}

func (e *Engine) DeleteAdminRole(ctx context.Context, name string) error {
	const op = "DeleteAdminRole"
	name = cleanName(name)
	return e.apply(ctx, change{
		op:    op,
		ev:    audit.Event{Role: name, Fields: map[string]string{"admin": "true"}},
		prune: pruneAll,
		fn: func(next *snapshot) error {
			if _, err := next.adminRoleCopy(op, name); err != nil {
				return err
			}
			delete(next.adminRoles, name)
			for id, u := range next.users {
				if roles, ok := remove(u.AdminRoles, name); ok {
					c := copyUser(u)
					c.AdminRoles = roles
					next.users[id] = &c
				}
			}
			for rn, r := range next.adminRoles {
				if inh, ok := remove(r.Inherits, name); ok {
					c := copyAdminRole(r)
					c.Inherits = inh
					next.adminRoles[rn] = &c
				}
			}
			for ref, p := range next.perms {
				if !ref.Admin {
					continue
				}
				if roles, ok := remove(p.Roles, name); ok {
					c := copyPermission(p)
					c.Roles = roles
					next.perms[ref] = &c
				}
			}
			return nil
		},
	})
}

func (e *Engine) AddAdminInheritance(ctx context.Context, senior, junior string) error {
	const op = "AddAdminInheritance"
	senior, junior = cleanName(senior), cleanName(junior)
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{Role: senior, Fields: map[string]string{"junior": junior, "admin": "true"}},
		fn: func(next *snapshot) error {
			cur, err := next.adminRoleCopy(op, senior)
			if err != nil {
				return err
			}
			if _, err := next.adminRoleCopy(op, junior); err != nil {
				return err
			}
			if slices.Contains(cur.Inherits, junior) {
				return exists(op, "admin role edge", senior+" -> "+junior)
			}
			if err := edgeCycle(op, "admin role hierarchy", e.store.view().roleGraph(true), senior, junior); err != nil {
				return err
			}
			cur.Inherits = append(cur.Inherits, junior)
			next.adminRoles[senior] = cur
			return nil
		},
	})
}

func (e *Engine) DeleteAdminInheritance(ctx context.Context, senior, junior string) error {
	const op = "DeleteAdminInheritance"
	senior, junior = cleanName(senior), cleanName(junior)
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{Role: senior, Fields: map[string]string{"junior": junior, "admin": "true"}},
		fn: func(next *snapshot) error {
			cur, err := next.adminRoleCopy(op, senior)
			if err != nil {
				return err
			}
			var ok bool
			if cur.Inherits, ok = remove(cur.Inherits, junior); !ok {
				return notFound(op, "admin role edge", senior+" -> "+junior)
			}
			next.adminRoles[senior] = cur
			return nil
		},
	})
}

// Users.

// AddUser creates a user. Assigned roles are checked against static
// separation of duty.
func (e *Engine) AddUser(ctx context.Context, u User) error {
	const op = "AddUser"
	u.ID = cleanName(u.ID)
	u.OU = cleanName(u.OU)
	u.Roles = cleanNames(u.Roles)
	u.AdminRoles = cleanNames(u.AdminRoles)
	now := e.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{UserID: u.ID},
		fn: func(next *snapshot) error {
			if u.ID == "" {
				return invalid(op, "user id is required")
			}
			if _, dup := next.users[u.ID]; dup {
				return exists(op, "user", u.ID)
			}
			next.users[u.ID] = &u
			return nil
		},
	})
}

// UpdateUser replaces the OU, description, lock state and constraint of a
// user. A non-empty PasswordHash replaces the stored hash.
func (e *Engine) UpdateUser(ctx context.Context, u User) error {
	const op = "UpdateUser"
	u.ID = cleanName(u.ID)
	now := e.now().UTC()
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{UserID: u.ID},
		fn: func(next *snapshot) error {
			cur, err := next.userCopy(op, u.ID)
			if err != nil {
				return err
			}
			cur.OU = cleanName(u.OU)
			cur.Description = u.Description
			cur.Locked = u.Locked
			cur.Constraint = u.Constraint
			if u.PasswordHash != "" {
				cur.PasswordHash = u.PasswordHash
			}
			cur.UpdatedAt = now
			next.users[u.ID] = cur
			return nil
		},
	})
}

// DeleteUser removes a user and closes the user's sessions.
func (e *Engine) DeleteUser(ctx context.Context, id string) error {
	const op = "DeleteUser"
	id = cleanName(id)
	return e.apply(ctx, change{
		op:    op,
		ev:    audit.Event{UserID: id},
		prune: id,
		fn: func(next *snapshot) error {
			if _, err := next.userCopy(op, id); err != nil {
				return err
			}
			delete(next.users, id)
			return nil
		},
	})
}

// SetPassword stores a new argon2id hash of password.
func (e *Engine) SetPassword(ctx context.Context, id, password string) error {
	const op = "SetPassword"
	id = cleanName(id)
	hash, err := HashPassword(password)
	if err != nil {
		return newError(ErrInvalidInput, op, "user "+id, "%v", err)
	}
	now := e.now().UTC()
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{UserID: id},
		fn: func(next *snapshot) error {
			cur, err := next.userCopy(op, id)
			if err != nil {
				return err
			}
			cur.PasswordHash = hash
			cur.UpdatedAt = now
			next.users[id] = cur
			return nil
		},
	})
}

// AssignUser assigns role to a user, enforcing static separation of duty.
func (e *Engine) AssignUser(ctx context.Context, userID, role string) error {
	return e.assign(ctx, "AssignUser", cleanName(userID), cleanName(role), false)
}

// AssignAdminUser assigns an administrative role to a user.
func (e *Engine) AssignAdminUser(ctx context.Context, userID, role string) error {
	return e.assign(ctx, "AssignAdminUser", cleanName(userID), cleanName(role), true)
}

func (e *Engine) assign(ctx context.Context, op, userID, role string, admin bool) error {
	now := e.now().UTC()
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{UserID: userID, Role: role},
		fn: func(next *snapshot) error {
			cur, err := next.userCopy(op, userID)
			if err != nil {
				return err
			}
			if !next.roleExists(role, admin) {
				return notFound(op, "role", role)
			}
			target := &cur.Roles
			if admin {
				target = &cur.AdminRoles
			}
			if slices.Contains(*target, role) {
				return exists(op, "assignment", userID+"/"+role)
			}
			*target = append(*target, role)
			cur.UpdatedAt = now
			next.users[userID] = cur
			return nil
		},
	})
}

// DeassignUser removes role from a user and from the user's live sessions.
func (e *Engine) DeassignUser(ctx context.Context, userID, role string) error {
	return e.deassign(ctx, "DeassignUser", cleanName(userID), cleanName(role), false)
}

// DeassignAdminUser removes an administrative role from a user and from the
// user's live sessions.
func (e *Engine) DeassignAdminUser(ctx context.Context, userID, role string) error {
	return e.deassign(ctx, "DeassignAdminUser", cleanName(userID), cleanName(role), true)
}

func (e *Engine) deassign(ctx context.Context, op, userID, role string, admin bool) error {
	now := e.now().UTC()
	return e.apply(ctx, change{
		op:    op,
		ev:    audit.Event{UserID: userID, Role: role},
		prune: userID,
		fn: func(next *snapshot) error {
			cur, err := next.userCopy(op, userID)
			if err != nil {
				return err
			}
			target := &cur.Roles
			if admin {
				target = &cur.AdminRoles
			}
			var ok bool
			if *target, ok = remove(*target, role); !ok {
				return notFound(op, "assignment", userID+"/"+role)
			}
			cur.UpdatedAt = now
			next.users[userID] = cur
			return nil
		},
	})
}

// Permission objects and permissions.

func (e *Engine) AddPermObj(ctx context.Context, o PermObj) error {
	const op = "AddPermObj"
	o.Name = cleanName(o.Name)
	o.OU = cleanName(o.OU)
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{Object: o.Name},
		fn: func(next *snapshot) error {
			if o.Name == "" {
				return invalid(op, "object name is required")
			}
			k := objKey{Admin: o.Admin, Name: o.Name}
			if _, dup := next.objects[k]; dup {
				return exists(op, "object", o.Name)
			}
			next.objects[k] = &o
			return nil
		},
	})
}

// UpdatePermObj replaces the description and OU of an object.
func (e *Engine) UpdatePermObj(ctx context.Context, o PermObj) error {
	const op = "UpdatePermObj"
	o.Name = cleanName(o.Name)
	o.OU = cleanName(o.OU)
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{Object: o.Name},
		fn: func(next *snapshot) error {
			k := objKey{Admin: o.Admin, Name: o.Name}
			if _, ok := next.objects[k]; !ok {
				return notFound(op, "object", o.Name)
			}
			next.objects[k] = &o
			return nil
		},
	})
}

// DeletePermObj removes an object and every permission defined on it.
func (e *Engine) DeletePermObj(ctx context.Context, name string, admin bool) error {
	const op = "DeletePermObj"
	name = cleanName(name)
	return e.apply(ctx, change{
		op: op,
		ev: audit.Event{Object: name},
		fn: func(next *snapshot) error {
			k := objKey{Admin: admin, Name: name}
			if _, ok := next.objects[k]; !ok {
				return notFound(op, "object", name)
			}
			delete(next.objects, k)
			for ref := range next.perms {
				if ref.Admin == admin && ref.Object == name {
					delete(next.perms, ref)
				}
			}
			return nil
		},
	})
}

func (e *Engine) AddPermission(ctx context.Context, p Permission) error {
	const op = "AddPermission"
	p.PermRef = p.PermRef.normalize()
	p.Roles = cleanNames(p.Roles)
	return e.apply(ctx, change{
		op: op,
		ev: permEvent(p.PermRef, ""),
		fn: func(next *snapshot) error {
			if p.Object == "" || p.Operation == "" {
				return invalid(op, "permission needs object and operation")
			}
			if _, dup := next.perms[p.PermRef]; dup {
				return exists(op, "permission", p.PermRef.String())
			}
			next.perms[p.PermRef] = &p
			return nil
		},
	})
}

// UpdatePermission changes the description of ref. Grants are managed with
// GrantPermission and RevokePermission.
func (e *Engine) UpdatePermission(ctx context.Context, p Permission) error {
	const op = "UpdatePermission"
	p.PermRef = p.PermRef.normalize()
	return e.apply(ctx, change{
		op: op,
		ev: permEvent(p.PermRef, ""),
		fn: func(next *snapshot) error {
			cur, err := next.permissionCopy(op, p.PermRef)
			if err != nil {
				return err
			}
			cur.Description = p.Description
			next.perms[p.PermRef] = cur
			return nil
		},
	})
}

func (e *Engine) DeletePermission(ctx context.Context, ref PermRef) error {
	const op = "DeletePermission"
	ref = ref.normalize()
	return e.apply(ctx, change{
		op: op,
		ev: permEvent(ref, ""),
		fn: func(next *snapshot) error {
			if _, err := next.permissionCopy(op, ref); err != nil {
				return err
			}
			delete(next.perms, ref)
			return nil
		},
	})
}

// GrantPermission grants ref to role. ref.Admin selects the admin role
// namespace.
func (e *Engine) GrantPermission(ctx context.Context, ref PermRef, role string) error {
	const op = "GrantPermission"
	ref, role = ref.normalize(), cleanName(role)
	return e.apply(ctx, change{
		op: op,
		ev: permEvent(ref, role),
		fn: func(next *snapshot) error {
			cur, err := next.permissionCopy(op, ref)
			if err != nil {
				return err
			}
			if !next.roleExists(role, ref.Admin) {
				return notFound(op, "role", role)
			}
			if slices.Contains(cur.Roles, role) {
				return exists(op, "grant", ref.String()+"/"+role)
			}
			cur.Roles = append(cur.Roles, role)
			next.perms[ref] = cur
			return nil
		},
	})
}

func (e *Engine) RevokePermission(ctx context.Context, ref PermRef, role string) error {
	const op = "RevokePermission"
	ref, role = ref.normalize(), cleanName(role)
	return e.apply(ctx, change{
		op: op,
		ev: permEvent(ref, role),
		fn: func(next *snapshot) error {
			cur, err := next.permissionCopy(op, ref)
			if err != nil {
				return err
			}
			var ok bool
			if cur.Roles, ok = remove(cur.Roles, role); !ok {
				return notFound(op, "grant", ref.String()+"/"+role)
			}
			next.perms[ref] = cur
			return nil
		},
	})
}

func permEvent(ref PermRef, role string) audit.Event {
	return audit.Event{
		Object: ref.Object,
		Role:   role,
		Fields: map[string]string{"permission": ref.String()},
	}
}

// Separation of duty sets.

// CreateSDSet adds a separation of duty set. It is rejected when an existing
// user (static) or live session (dynamic) already violates it.
func (e *Engine) CreateSDSet(ctx context.Context, sd SDSet) error {
	const op = "CreateSDSet"
	sd.Name = cleanName(sd.Name)
	sd.Roles = cleanNames(sd.Roles)
	return e.apply(ctx, change{
		op:  op,
		ev:  sdEvent(sd.Kind, sd.Name, ""),
		dsd: sd.Kind == DSD,
		fn: func(next *snapshot) error {
			if err := validateSDSet(op, &sd); err != nil {
				return err
			}
			k := sdKey{Kind: sd.Kind, Name: sd.Name}
			if _, dup := next.sdsets[k]; dup {
				return exists(op, string(sd.Kind)+" set", sd.Name)
			}
			next.sdsets[k] = &sd
			return nil
		},
	})
}

func (e *Engine) AddSDSetMember(ctx context.Context, kind SDKind, name, role string) error {
	const op = "AddSDSetMember"
	name, role = cleanName(name), cleanName(role)
	return e.apply(ctx, change{
		op:  op,
		ev:  sdEvent(kind, name, role),
		dsd: kind == DSD,
		fn: func(next *snapshot) error {
			cur, err := next.sdSetCopy(op, kind, name)
			if err != nil {
				return err
			}
			if slices.Contains(cur.Roles, role) {
				return exists(op, "set member", name+"/"+role)
			}
			cur.Roles = append(cur.Roles, role)
			next.sdsets[sdKey{Kind: kind, Name: name}] = cur
			return nil
		},
	})
}

func (e *Engine) RemoveSDSetMember(ctx context.Context, kind SDKind, name, role string) error {
	const op = "RemoveSDSetMember"
	name, role = cleanName(name), cleanName(role)
	return e.apply(ctx, change{
		op: op,
		ev: sdEvent(kind, name, role),
		fn: func(next *snapshot) error {
			cur, err := next.sdSetCopy(op, kind, name)
			if err != nil {
				return err
			}
			var ok bool
			if cur.Roles, ok = remove(cur.Roles, role); !ok {
				return notFound(op, "set member", name+"/"+role)
			}
			next.sdsets[sdKey{Kind: kind, Name: name}] = cur
			return nil
		},
	})
}

// SetSDSetCardinality changes the cardinality of a set. Lowering it is
// rejected when a user or live session would violate the tightened set.
func (e *Engine) SetSDSetCardinality(ctx context.Context, kind SDKind, name string, n int) error {
	const op = "SetSDSetCardinality"
	name = cleanName(name)
	return e.apply(ctx, change{
		op:  op,
		ev:  sdEvent(kind, name, ""),
		dsd: kind == DSD,
		fn: func(next *snapshot) error {
			cur, err := next.sdSetCopy(op, kind, name)
			if err != nil {
				return err
			}
			cur.Cardinality = n
			if err := validateSDSet(op, cur); err != nil {
				return err
			}
			next.sdsets[sdKey{Kind: kind, Name: name}] = cur
			return nil
		},
	})
}

func (e *Engine) DeleteSDSet(ctx context.Context, kind SDKind, name string) error {
	const op = "DeleteSDSet"
	name = cleanName(name)
	return e.apply(ctx, change{
		op: op,
		ev: sdEvent(kind, name, ""),
		fn: func(next *snapshot) error {
			if _, err := next.sdSetCopy(op, kind, name); err != nil {
				return err
			}
			delete(next.sdsets, sdKey{Kind: kind, Name: name})
			return nil
		},
	})
}

func sdEvent(kind SDKind, name, role string) audit.Event {
	return audit.Event{
		Object: name,
		Role:   role,
		Fields: map[string]string{"sd_kind": string(kind)},
	}
}
