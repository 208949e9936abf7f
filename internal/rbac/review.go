package rbac

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"
)

// Query is a bounded search. Text matches case-insensitively as a
// substring of the entity name; OU restricts users and objects to one
// organizational unit; Limit caps the result when positive.
type Query struct {
	Text  string
	OU    string
	Limit int
}

func (q Query) validate(op string) error {
	if q.Limit < 0 {
		return invalid(op, "limit must not be negative")
	}
	return nil
}

func (q Query) match(name string) bool {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	return text == "" || strings.Contains(strings.ToLower(name), text)
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

// Reads by full key.

func (e *Engine) ReadUser(id string) (User, error) {
	u, err := e.store.view().userCopy("ReadUser", cleanName(id))
	if err != nil {
		return User{}, err
	}
	return *u, nil
}

func (e *Engine) ReadRole(name string) (Role, error) {
	r, err := e.store.view().roleCopy("ReadRole", cleanName(name))
	if err != nil {
		return Role{}, err
	}
	return *r, nil
}

func (e *Engine) ReadAdminRole(name string) (AdminRole, error) {
	r, err := e.store.view().adminRoleCopy("ReadAdminRole", cleanName(name))
	if err != nil {
		return AdminRole{}, err
	}
	return *r, nil
}

func (e *Engine) ReadPermObj(name string, admin bool) (PermObj, error) {
	name = cleanName(name)
	o, ok := e.store.view().objects[objKey{Admin: admin, Name: name}]
	if !ok {
		return PermObj{}, notFound("ReadPermObj", "object", name)
	}
	return *o, nil
}

func (e *Engine) ReadPermission(ref PermRef) (Permission, error) {
	p, err := e.store.view().permissionCopy("ReadPermission", ref.normalize())
	if err != nil {
		return Permission{}, err
	}
	return *p, nil
}

func (e *Engine) ReadOrgUnit(t OUType, name string) (OrgUnit, error) {
	ou, err := e.store.view().orgUnitCopy("ReadOrgUnit", t, cleanName(name))
	if err != nil {
		return OrgUnit{}, err
	}
	return *ou, nil
}

func (e *Engine) ReadSDSet(kind SDKind, name string) (SDSet, error) {
	sd, err := e.store.view().sdSetCopy("ReadSDSet", kind, cleanName(name))
	if err != nil {
		return SDSet{}, err
	}
	return *sd, nil
}

// Searches. Results are sorted by name.

func (e *Engine) FindUsers(q Query) ([]User, error) {
	if err := q.validate("FindUsers"); err != nil {
		return nil, err
	}
	return findUsers(e.store.view(), q, nil), nil
}

func findUsers(s *snapshot, q Query, keep func(*User) bool) []User {
	var out []User
	for id, u := range s.users {
		if !q.match(id) || (q.OU != "" && u.OU != q.OU) {
			continue
		}
		if keep != nil && !keep(u) {
			continue
		}
		out = append(out, copyUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limit(out, q.Limit)
}

func (e *Engine) FindRoles(q Query) ([]Role, error) {
	if err := q.validate("FindRoles"); err != nil {
		return nil, err
	}
	var out []Role
	for name, r := range e.store.view().roles {
		if q.match(name) {
			out = append(out, copyRole(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return limit(out, q.Limit), nil
}

func (e *Engine) FindAdminRoles(q Query) ([]AdminRole, error) {
	if err := q.validate("FindAdminRoles"); err != nil {
		return nil, err
	}
	var out []AdminRole
	for name, r := range e.store.view().adminRoles {
		if q.match(name) {
			out = append(out, copyAdminRole(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return limit(out, q.Limit), nil
}

func (e *Engine) FindPermObjs(q Query, admin bool) ([]PermObj, error) {
	if err := q.validate("FindPermObjs"); err != nil {
		return nil, err
	}
	return findPermObjs(e.store.view(), q, admin, nil), nil
}

func findPermObjs(s *snapshot, q Query, admin bool, keep func(*PermObj) bool) []PermObj {
	var out []PermObj
	for k, o := range s.objects {
		if k.Admin != admin || !q.match(k.Name) || (q.OU != "" && o.OU != q.OU) {
			continue
		}
		if keep != nil && !keep(o) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return limit(out, q.Limit)
}

// FindPermissions matches Text against the object and operation names and
// OU against the object's OU.
func (e *Engine) FindPermissions(q Query, admin bool) ([]Permission, error) {
	if err := q.validate("FindPermissions"); err != nil {
		return nil, err
	}
	s := e.store.view()
	var out []Permission
	for ref, p := range s.perms {
		if ref.Admin != admin || !(q.match(ref.Object) || q.match(ref.Operation)) {
			continue
		}
		if q.OU != "" {
			o, ok := s.objects[objKey{Admin: admin, Name: ref.Object}]
			if !ok || o.OU != q.OU {
				continue
			}
		}
		out = append(out, copyPermission(p))
	}
	sortPermissions(out)
	return limit(out, q.Limit), nil
}

func (e *Engine) FindOrgUnits(t OUType, q Query) ([]OrgUnit, error) {
	if err := q.validate("FindOrgUnits"); err != nil {
		return nil, err
	}
	var out []OrgUnit
	for k, ou := range e.store.view().ous {
		if k.Type != t || !q.match(k.Name) {
			continue
		}
		c := *ou
		c.Parents = slices.Clone(ou.Parents)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return limit(out, q.Limit), nil
}

func (e *Engine) FindSDSets(kind SDKind, q Query) ([]SDSet, error) {
	if err := q.validate("FindSDSets"); err != nil {
		return nil, err
	}
	var out []SDSet
	for _, sd := range e.store.view().sdSets(kind) {
		if q.match(sd.Name) {
			c := *sd
			c.Roles = slices.Clone(sd.Roles)
			out = append(out, c)
		}
	}
	return limit(out, q.Limit), nil
}

// Hierarchy.

// RoleAscendants returns the roles that inherit from name.
func (e *Engine) RoleAscendants(name string) ([]string, error) {
	return e.closure("RoleAscendants", cleanName(name), false, true)
}

// RoleDescendants returns the roles name inherits from.
func (e *Engine) RoleDescendants(name string) ([]string, error) {
	return e.closure("RoleDescendants", cleanName(name), false, false)
}

func (e *Engine) AdminRoleAscendants(name string) ([]string, error) {
	return e.closure("AdminRoleAscendants", cleanName(name), true, true)
}

func (e *Engine) AdminRoleDescendants(name string) ([]string, error) {
	return e.closure("AdminRoleDescendants", cleanName(name), true, false)
}

func (e *Engine) closure(op, name string, admin, up bool) ([]string, error) {
	s := e.store.view()
	if !s.roleExists(name, admin) {
		return nil, notFound(op, "role", name)
	}
	g := s.roleGraph(admin)
	if up {
		return g.ascendants(name).sorted(), nil
	}
	return g.descendants(name).sorted(), nil
}

// OrgUnitDescendants returns the sub-units of name.
func (e *Engine) OrgUnitDescendants(t OUType, name string) ([]string, error) {
	name = cleanName(name)
	s := e.store.view()
	g := s.ouGraph(t)
	if !g.has(name) {
		return nil, notFound("OrgUnitDescendants", string(t)+" org unit", name)
	}
	return g.descendants(name).sorted(), nil
}

// OrgUnitAscendants returns the units containing name.
func (e *Engine) OrgUnitAscendants(t OUType, name string) ([]string, error) {
	name = cleanName(name)
	s := e.store.view()
	g := s.ouGraph(t)
	if !g.has(name) {
		return nil, notFound("OrgUnitAscendants", string(t)+" org unit", name)
	}
	return g.ascendants(name).sorted(), nil
}

// Assignment and authorization review.

func (e *Engine) AssignedRoles(userID string) ([]string, error) {
	u, err := e.store.view().userCopy("AssignedRoles", cleanName(userID))
	if err != nil {
		return nil, err
	}
	slices.Sort(u.Roles)
	return u.Roles, nil
}

func (e *Engine) AssignedAdminRoles(userID string) ([]string, error) {
	u, err := e.store.view().userCopy("AssignedAdminRoles", cleanName(userID))
	if err != nil {
		return nil, err
	}
	slices.Sort(u.AdminRoles)
	return u.AdminRoles, nil
}

// AuthorizedRoles returns the assigned roles of a user together with every
// role they inherit from in hierarchical mode.
func (e *Engine) AuthorizedRoles(userID string) ([]string, error) {
	s := e.store.view()
	u, err := s.userCopy("AuthorizedRoles", cleanName(userID))
	if err != nil {
		return nil, err
	}
	return s.held(u.Roles).sorted(), nil
}

func (e *Engine) AssignedUsers(role string) ([]string, error) {
	return e.usersOf("AssignedUsers", cleanName(role), false, false)
}

// AuthorizedUsers returns users assigned role or, in hierarchical mode, any
// role inheriting from it.
func (e *Engine) AuthorizedUsers(role string) ([]string, error) {
	return e.usersOf("AuthorizedUsers", cleanName(role), false, true)
}

func (e *Engine) AssignedAdminUsers(role string) ([]string, error) {
	return e.usersOf("AssignedAdminUsers", cleanName(role), true, false)
}

func (e *Engine) usersOf(op, role string, admin, authorized bool) ([]string, error) {
	s := e.store.view()
	if !s.roleExists(role, admin) {
		return nil, notFound(op, "role", role)
	}
	ix := s.index()
	assigned := ix.roleUsers
	if admin {
		assigned = ix.adminUsers
	}
	roles := []string{role}
	if authorized && s.mode == Hierarchical {
		roles = append(roles, s.roleGraph(admin).ascendants(role).sorted()...)
	}
	users := newSet()
	for _, r := range roles {
		for _, id := range assigned[r] {
			users[id] = struct{}{}
		}
	}
	return users.sorted(), nil
}

// RolePermissions returns the permissions granted to role directly or, when
// inherited is set and the engine is hierarchical, through its juniors.
func (e *Engine) RolePermissions(role string, inherited bool) ([]PermRef, error) {
	return e.rolePerms("RolePermissions", cleanName(role), false, inherited)
}

// AdminRolePermissions is RolePermissions for the admin hierarchy.
func (e *Engine) AdminRolePermissions(role string, inherited bool) ([]PermRef, error) {
	return e.rolePerms("AdminRolePermissions", cleanName(role), true, inherited)
}

func (e *Engine) rolePerms(op, role string, admin, inherited bool) ([]PermRef, error) {
	s := e.store.view()
	if !s.roleExists(role, admin) {
		return nil, notFound(op, "role", role)
	}
	if inherited {
		return s.permissionsOf([]string{role}, admin, time.Time{}), nil
	}
	ix := s.index()
	granted := ix.rolePerms[role]
	if admin {
		granted = ix.adminPerms[role]
	}
	out := slices.Clone(granted)
	slices.SortFunc(out, comparePerm)
	return out, nil
}

// PermissionRoles returns the roles granted ref directly.
func (e *Engine) PermissionRoles(ref PermRef) ([]string, error) {
	p, err := e.store.view().permissionCopy("PermissionRoles", ref.normalize())
	if err != nil {
		return nil, err
	}
	slices.Sort(p.Roles)
	return p.Roles, nil
}

// AuthorizedPermissionRoles returns every role able to use ref: the granted
// roles and, in hierarchical mode, their ascendants.
func (e *Engine) AuthorizedPermissionRoles(ref PermRef) ([]string, error) {
	s := e.store.view()
	p, err := s.permissionCopy("AuthorizedPermissionRoles", ref.normalize())
	if err != nil {
		return nil, err
	}
	return s.authorizedRoles(p).sorted(), nil
}

func (s *snapshot) authorizedRoles(p *Permission) set {
	out := newSet(p.Roles...)
	if s.mode == Flat {
		return out
	}
	g := s.roleGraph(p.Admin)
	for _, r := range p.Roles {
		for a := range g.ascendants(r) {
			out[a] = struct{}{}
		}
	}
	return out
}

// PermissionUsers returns users holding a role authorized for ref.
func (e *Engine) PermissionUsers(ref PermRef) ([]string, error) {
	s := e.store.view()
	p, err := s.permissionCopy("PermissionUsers", ref.normalize())
	if err != nil {
		return nil, err
	}
	ix := s.index()
	assigned := ix.roleUsers
	if p.Admin {
		assigned = ix.adminUsers
	}
	users := newSet()
	for r := range s.authorizedRoles(p) {
		for _, id := range assigned[r] {
			users[id] = struct{}{}
		}
	}
	return users.sorted(), nil
}

// UserPermissions returns the regular permissions available to a user
// through the assigned roles, ignoring role constraints.
func (e *Engine) UserPermissions(userID string) ([]PermRef, error) {
	s := e.store.view()
	u, err := s.userCopy("UserPermissions", cleanName(userID))
	if err != nil {
		return nil, err
	}
	return s.permissionsOf(u.Roles, false, time.Time{}), nil
}

// Separation of duty review.

// SSDRoleSets returns the static separation of duty sets containing role.
func (e *Engine) SSDRoleSets(role string) ([]SDSet, error) {
	return e.setsOf("SSDRoleSets", SSD, cleanName(role))
}

// DSDRoleSets returns the dynamic separation of duty sets containing role.
func (e *Engine) DSDRoleSets(role string) ([]SDSet, error) {
	return e.setsOf("DSDRoleSets", DSD, cleanName(role))
}

func (e *Engine) setsOf(op string, kind SDKind, role string) ([]SDSet, error) {
	s := e.store.view()
	if _, ok := s.roles[role]; !ok {
		return nil, notFound(op, "role", role)
	}
	var out []SDSet
	for _, sd := range s.sdSets(kind) {
		if slices.Contains(sd.Roles, role) {
			c := *sd
			c.Roles = slices.Clone(sd.Roles)
			out = append(out, c)
		}
	}
	return out, nil
}

// SDSetLoad returns the largest number of the set's roles currently held by
// a single user (static sets, over assigned roles) or a single live session
// (dynamic sets, over active roles). It is computed on every call.
func (e *Engine) SDSetLoad(kind SDKind, name string) (int, error) {
	s := e.store.view()
	sd, err := s.sdSetCopy("SDSetLoad", kind, cleanName(name))
	if err != nil {
		return 0, err
	}
	load := 0
	if kind == SSD {
		for _, u := range s.users {
			load = max(load, countIn(sd, s.held(u.Roles)))
		}
		return load, nil
	}
	for _, ss := range e.liveSessions() {
		ss.mu.Lock()
		roles, closed := ss.roles.sorted(), ss.closed
		ss.mu.Unlock()
		if !closed {
			load = max(load, countIn(sd, s.held(roles)))
		}
	}
	return load, nil
}

// Delegated review.

// ScopedFindUsers is FindUsers restricted to users whose OU is covered by
// the user scope of one of the session's active admin roles.
func (e *Engine) ScopedFindUsers(ctx context.Context, sessionID string, q Query) ([]User, error) {
	const op = "ScopedFindUsers"
	if err := q.validate(op); err != nil {
		return nil, err
	}
	_, admins, err := e.activeSet(ctx, op, sessionID, true)
	if err != nil {
		return nil, err
	}
	s := e.store.view()
	now := e.now()
	g := s.ouGraph(OUUser)
	return findUsers(s, q, func(u *User) bool {
		return s.scoped(admins, now, func(ar *AdminRole) bool { return coversAnyOU(g, ar.UserScope, u.OU) })
	}), nil
}

// ScopedFindPermObjs is FindPermObjs over regular objects restricted to the
// permission scope of the session's active admin roles.
func (e *Engine) ScopedFindPermObjs(ctx context.Context, sessionID string, q Query) ([]PermObj, error) {
	const op = "ScopedFindPermObjs"
	if err := q.validate(op); err != nil {
		return nil, err
	}
	_, admins, err := e.activeSet(ctx, op, sessionID, true)
	if err != nil {
		return nil, err
	}
	s := e.store.view()
	now := e.now()
	g := s.ouGraph(OUPerm)
	return findPermObjs(s, q, false, func(o *PermObj) bool {
		return s.scoped(admins, now, func(ar *AdminRole) bool { return coversAnyOU(g, ar.PermScope, o.OU) })
	}), nil
}

func (s *snapshot) scoped(admins []string, now time.Time, covers func(*AdminRole) bool) bool {
	d, _ := s.delegate(admins, now, covers)
	return d.Allowed
}
