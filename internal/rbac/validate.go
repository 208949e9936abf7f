package rbac

import (
	"slices"
	"sort"
	"strings"
)

// validate checks every invariant of a snapshot: referential integrity,
// acyclic hierarchies, well formed administrative ranges, and static
// separation of duty for every user.
func (s *snapshot) validate(op string) error {
	for k, ou := range s.ous {
		for _, p := range ou.Parents {
			if _, ok := s.ous[ouKey{Type: k.Type, Name: p}]; !ok {
				return newError(ErrNotFound, op, "org unit "+k.Name, "unknown parent %q", p)
			}
		}
	}
	for name, r := range s.roles {
		for _, j := range r.Inherits {
			if _, ok := s.roles[j]; !ok {
				return newError(ErrNotFound, op, "role "+name, "unknown junior role %q", j)
			}
		}
		if err := r.Constraint.Validate(); err != nil {
			return err
		}
	}
	for name, r := range s.adminRoles {
		for _, j := range r.Inherits {
			if _, ok := s.adminRoles[j]; !ok {
				return newError(ErrNotFound, op, "admin role "+name, "unknown junior admin role %q", j)
			}
		}
		if err := r.Constraint.Validate(); err != nil {
			return err
		}
	}

	ix := s.index()
	for _, c := range []struct {
		name string
		g    *graph
	}{
		{"role", ix.roles},
		{"admin role", ix.admin},
		{"user org unit", ix.userOU},
		{"perm org unit", ix.permOU},
	} {
		if cycle := c.g.findCycle(); cycle != nil {
			return newError(ErrCycleDetected, op, c.name+" hierarchy", "%s", strings.Join(cycle, " -> "))
		}
	}

	for _, r := range s.adminRoles {
		if err := s.validateAdminScope(op, r); err != nil {
			return err
		}
	}
	for k, o := range s.objects {
		if o.OU != "" && !ix.permOU.has(o.OU) {
			return newError(ErrNotFound, op, "object "+k.Name, "unknown perm org unit %q", o.OU)
		}
	}
	for ref, p := range s.perms {
		if _, ok := s.objects[objKey{Admin: ref.Admin, Name: ref.Object}]; !ok {
			return newError(ErrNotFound, op, "permission "+ref.String(), "unknown object")
		}
		for _, r := range p.Roles {
			if !s.roleExists(r, ref.Admin) {
				return newError(ErrNotFound, op, "permission "+ref.String(), "unknown role %q", r)
			}
		}
	}
	for id, u := range s.users {
		if u.OU != "" && !ix.userOU.has(u.OU) {
			return newError(ErrNotFound, op, "user "+id, "unknown user org unit %q", u.OU)
		}
		for _, r := range u.Roles {
			if _, ok := s.roles[r]; !ok {
				return newError(ErrNotFound, op, "user "+id, "unknown role %q", r)
			}
		}
		for _, r := range u.AdminRoles {
			if _, ok := s.adminRoles[r]; !ok {
				return newError(ErrNotFound, op, "user "+id, "unknown admin role %q", r)
			}
		}
		if err := u.Constraint.Validate(); err != nil {
			return err
		}
	}
	for k, sd := range s.sdsets {
		if err := validateSDSet(op, sd); err != nil {
			return err
		}
		for _, r := range sd.Roles {
			if _, ok := s.roles[r]; !ok {
				return newError(ErrNotFound, op, string(k.Kind)+" set "+k.Name, "unknown role %q", r)
			}
		}
	}
	for id, u := range s.users {
		if err := s.checkSSD(op, id, u.Roles); err != nil {
			return err
		}
	}
	return nil
}

func (s *snapshot) validateAdminScope(op string, r *AdminRole) error {
	ix := s.index()
	for _, rg := range r.UserScope {
		if err := validateOURange(op, ix.userOU, rg); err != nil {
			return err
		}
	}
	for _, rg := range r.PermScope {
		if err := validateOURange(op, ix.permOU, rg); err != nil {
			return err
		}
	}
	return validateRoleRange(op, ix.roles, r.Roles)
}

func validateSDSet(op string, sd *SDSet) error {
	if sd.Name == "" {
		return invalid(op, "separation of duty set name is required")
	}
	if sd.Kind != SSD && sd.Kind != DSD {
		return invalid(op, "unknown separation of duty kind %q", sd.Kind)
	}
	if sd.Cardinality < 2 {
		return invalid(op, "set %q: cardinality must be at least 2", sd.Name)
	}
	return nil
}

// snapshotFromDataset builds an unpublished snapshot. Structural validation
// is left to validate.
func snapshotFromDataset(ds Dataset, mode InheritanceMode) (*snapshot, error) {
	const op = "load"
	s := emptySnapshot(mode)
	for _, ou := range ds.OrgUnits {
		ou.Name = cleanName(ou.Name)
		if ou.Name == "" {
			return nil, invalid(op, "org unit name is required")
		}
		if ou.Type != OUUser && ou.Type != OUPerm {
			return nil, invalid(op, "org unit %q: unknown type %q", ou.Name, ou.Type)
		}
		k := ouKey{Type: ou.Type, Name: ou.Name}
		if _, dup := s.ous[k]; dup {
			return nil, exists(op, "org unit", ou.Name)
		}
		ou.Parents = cleanNames(ou.Parents)
		s.ous[k] = &ou
	}
	for _, r := range ds.Roles {
		r.Name = cleanName(r.Name)
		if r.Name == "" {
			return nil, invalid(op, "role name is required")
		}
		if _, dup := s.roles[r.Name]; dup {
			return nil, exists(op, "role", r.Name)
		}
		r.Inherits = cleanNames(r.Inherits)
		s.roles[r.Name] = &r
	}
	for _, r := range ds.AdminRoles {
		r.Name = cleanName(r.Name)
		if r.Name == "" {
			return nil, invalid(op, "admin role name is required")
		}
		if _, dup := s.adminRoles[r.Name]; dup {
			return nil, exists(op, "admin role", r.Name)
		}
		r.Inherits = cleanNames(r.Inherits)
		s.adminRoles[r.Name] = &r
	}
	for _, o := range ds.Objects {
		o.Name = cleanName(o.Name)
		if o.Name == "" {
			return nil, invalid(op, "object name is required")
		}
		k := objKey{Admin: o.Admin, Name: o.Name}
		if _, dup := s.objects[k]; dup {
			return nil, exists(op, "object", o.Name)
		}
		o.OU = cleanName(o.OU)
		s.objects[k] = &o
	}
	for _, p := range ds.Permissions {
		p.PermRef = p.PermRef.normalize()
		if p.Object == "" || p.Operation == "" {
			return nil, invalid(op, "permission needs object and operation")
		}
		if _, dup := s.perms[p.PermRef]; dup {
			return nil, exists(op, "permission", p.PermRef.String())
		}
		p.Roles = cleanNames(p.Roles)
		s.perms[p.PermRef] = &p
	}
	for _, u := range ds.Users {
		u.ID = cleanName(u.ID)
		if u.ID == "" {
			return nil, invalid(op, "user id is required")
		}
		if _, dup := s.users[u.ID]; dup {
			return nil, exists(op, "user", u.ID)
		}
		u.OU = cleanName(u.OU)
		u.Roles = cleanNames(u.Roles)
		u.AdminRoles = cleanNames(u.AdminRoles)
		s.users[u.ID] = &u
	}
	for _, sd := range ds.SDSets {
		sd.Name = cleanName(sd.Name)
		sd.Roles = cleanNames(sd.Roles)
		k := sdKey{Kind: sd.Kind, Name: sd.Name}
		if _, dup := s.sdsets[k]; dup {
			return nil, exists(op, string(sd.Kind)+" set", sd.Name)
		}
		s.sdsets[k] = &sd
	}
	return s, nil
}

// dataset copies a snapshot into a Dataset with deterministic ordering.
func (s *snapshot) dataset() Dataset {
	var ds Dataset
	for _, ou := range s.ous {
		c := *ou
		c.Parents = slices.Clone(ou.Parents)
		ds.OrgUnits = append(ds.OrgUnits, c)
	}
	sort.Slice(ds.OrgUnits, func(i, j int) bool {
		if ds.OrgUnits[i].Type != ds.OrgUnits[j].Type {
			return ds.OrgUnits[i].Type < ds.OrgUnits[j].Type
		}
		return ds.OrgUnits[i].Name < ds.OrgUnits[j].Name
	})
	for _, r := range s.roles {
		ds.Roles = append(ds.Roles, copyRole(r))
	}
	sort.Slice(ds.Roles, func(i, j int) bool { return ds.Roles[i].Name < ds.Roles[j].Name })
	for _, r := range s.adminRoles {
		ds.AdminRoles = append(ds.AdminRoles, copyAdminRole(r))
	}
	sort.Slice(ds.AdminRoles, func(i, j int) bool { return ds.AdminRoles[i].Name < ds.AdminRoles[j].Name })
	for _, o := range s.objects {
		ds.Objects = append(ds.Objects, *o)
	}
	sort.Slice(ds.Objects, func(i, j int) bool {
		if ds.Objects[i].Admin != ds.Objects[j].Admin {
			return !ds.Objects[i].Admin
		}
		return ds.Objects[i].Name < ds.Objects[j].Name
	})
	for _, p := range s.perms {
		ds.Permissions = append(ds.Permissions, copyPermission(p))
	}
	sortPermissions(ds.Permissions)
	for _, u := range s.users {
		ds.Users = append(ds.Users, copyUser(u))
	}
	sort.Slice(ds.Users, func(i, j int) bool { return ds.Users[i].ID < ds.Users[j].ID })
	for _, sd := range s.sdsets {
		c := *sd
		c.Roles = slices.Clone(sd.Roles)
		ds.SDSets = append(ds.SDSets, c)
	}
	sort.Slice(ds.SDSets, func(i, j int) bool {
		if ds.SDSets[i].Kind != ds.SDSets[j].Kind {
			return ds.SDSets[i].Kind > ds.SDSets[j].Kind
		}
		return ds.SDSets[i].Name < ds.SDSets[j].Name
	})
	return ds
}

func copyUser(u *User) User {
	c := *u
	c.Roles = slices.Clone(u.Roles)
	c.AdminRoles = slices.Clone(u.AdminRoles)
	c.Constraint.Days = slices.Clone(u.Constraint.Days)
	return c
}

func copyRole(r *Role) Role {
	c := *r
	c.Inherits = slices.Clone(r.Inherits)
	c.Constraint.Days = slices.Clone(r.Constraint.Days)
	return c
}

func copyAdminRole(r *AdminRole) AdminRole {
	c := *r
	c.Inherits = slices.Clone(r.Inherits)
	c.UserScope = slices.Clone(r.UserScope)
	c.PermScope = slices.Clone(r.PermScope)
	c.Constraint.Days = slices.Clone(r.Constraint.Days)
	return c
}

func copyPermission(p *Permission) Permission {
	c := *p
	c.Roles = slices.Clone(p.Roles)
	return c
}

func sortPermissions(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool { return permLess(perms[i].PermRef, perms[j].PermRef) })
}

func permLess(a, b PermRef) bool {
	if a.Admin != b.Admin {
		return !a.Admin
	}
	if a.Object != b.Object {
		return a.Object < b.Object
	}
	if a.Operation != b.Operation {
		return a.Operation < b.Operation
	}
	return a.ObjectID < b.ObjectID
}
