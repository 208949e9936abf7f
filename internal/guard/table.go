// Package guard decides whether a caller may invoke an engine operation at
// all. Each operation name maps to the administrative permission it
// requires; the table is fixed at compile time and checked against every
// tenant's entities at startup.
package guard

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"rampart.dev/internal/rbac"
)

// Admin object names used by the table.
const (
	ObjectAdmin  = "rampart.admin"
	ObjectReview = "rampart.review"
	ObjectAudit  = "rampart.audit"
)

// ErrUnknownOperation is returned for names missing from the table.
var ErrUnknownOperation = errors.New("unknown operation")

// Requirement is what a caller needs to run an operation. Public operations
// only need a live session. Session operations act on one session: the
// caller's own is always allowed, any other needs Perm.
type Requirement struct {
	Public  bool
	Session bool
	Perm    rbac.PermRef
}

func (r Requirement) String() string {
	switch {
	case r.Public:
		return "public"
	case r.Session:
		return "own session or " + r.Perm.String()
	}
	return r.Perm.String()
}

func public() Requirement { return Requirement{Public: true} }

func ownSession(op string) Requirement {
	r := needs(ObjectAdmin, op)
	r.Session = true
	return r
}

func needs(object, op string) Requirement {
	return Requirement{Perm: rbac.PermRef{Object: object, Operation: op, Admin: true}}
}

var table = func() map[string]Requirement {
	t := make(map[string]Requirement)
	t["Authenticate"] = public()
	for _, op := range []string{
		"Session", "CloseSession",
		"AddActiveRole", "DropActiveRole", "AddActiveAdminRole", "DropActiveAdminRole",
		"ActiveRoles", "ActiveAdminRoles", "SessionPermissions", "SessionAdminPermissions",
		"CheckAccess", "CheckAdminAccess",
		"CanAssign", "CanDeassign", "CanGrant", "CanRevoke",
		"DelegatedAssignUser", "DelegatedDeassignUser",
		"DelegatedGrantPermission", "DelegatedRevokePermission",
		"ScopedFindUsers", "ScopedFindPermObjs",
	} {
		t[op] = ownSession(op)
	}
	for _, op := range []string{
		"Replace", "CreateSession",
		"AddOrgUnit", "UpdateOrgUnit", "DeleteOrgUnit", "AddOrgUnitInheritance", "DeleteOrgUnitInheritance",
		"AddRole", "UpdateRole", "DeleteRole", "AddInheritance", "DeleteInheritance",
		"AddAdminRole", "UpdateAdminRole", "DeleteAdminRole", "AddAdminInheritance", "DeleteAdminInheritance",
		"AddUser", "UpdateUser", "DeleteUser", "SetPassword",
		"AssignUser", "DeassignUser", "AssignAdminUser", "DeassignAdminUser",
		"AddPermObj", "UpdatePermObj", "DeletePermObj",
		"AddPermission", "UpdatePermission", "DeletePermission", "GrantPermission", "RevokePermission",
		"CreateSDSet", "AddSDSetMember", "RemoveSDSetMember", "SetSDSetCardinality", "DeleteSDSet",
	} {
		t[op] = needs(ObjectAdmin, op)
	}
	for _, op := range []string{
		"ReadUser", "ReadRole", "ReadAdminRole", "ReadPermObj", "ReadPermission", "ReadOrgUnit", "ReadSDSet",
		"FindUsers", "FindRoles", "FindAdminRoles", "FindPermObjs", "FindPermissions", "FindOrgUnits", "FindSDSets",
		"RoleAscendants", "RoleDescendants", "AdminRoleAscendants", "AdminRoleDescendants",
		"OrgUnitAscendants", "OrgUnitDescendants",
		"AssignedRoles", "AssignedAdminRoles", "AuthorizedRoles",
		"AssignedUsers", "AuthorizedUsers", "AssignedAdminUsers",
		"RolePermissions", "AdminRolePermissions", "PermissionRoles", "AuthorizedPermissionRoles",
		"PermissionUsers", "UserPermissions",
		"SSDRoleSets", "DSDRoleSets", "SDSetLoad",
	} {
		t[op] = needs(ObjectReview, op)
	}
	for _, op := range []string{
		"SearchBinds", "SearchAuthZs", "SearchAdminMods", "SearchUserSessions", "SearchInvalidUsers",
	} {
		t[op] = needs(ObjectAudit, op)
	}
	return t
}()

// Lookup returns the requirement of op.
func Lookup(op string) (Requirement, error) {
	r, ok := table[strings.TrimSpace(op)]
	if !ok {
		return Requirement{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return r, nil
}

// Operations lists every operation name in the table, sorted.
func Operations() []string {
	ops := make([]string, 0, len(table))
	for op := range table {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

// Permissions returns the administrative permissions the table refers to,
// without grants.
func Permissions() []rbac.Permission {
	var out []rbac.Permission
	for _, op := range Operations() {
		if r := table[op]; !r.Public {
			out = append(out, rbac.Permission{PermRef: r.Perm, Description: "invoke " + op})
		}
	}
	return out
}

// Seed adds the admin objects and permissions of the table that ds does not
// define yet. Existing entries, and their grants, are left untouched.
func Seed(ds *rbac.Dataset) {
	objects := make(map[string]bool)
	for _, o := range ds.Objects {
		if o.Admin {
			objects[o.Name] = true
		}
	}
	for _, name := range []string{ObjectAdmin, ObjectReview, ObjectAudit} {
		if !objects[name] {
			ds.Objects = append(ds.Objects, rbac.PermObj{Name: name, Admin: true, Description: "rampart " + strings.TrimPrefix(name, "rampart.") + " operations"})
		}
	}
	defined := make(map[rbac.PermRef]bool)
	for _, p := range ds.Permissions {
		defined[p.PermRef] = true
	}
	for _, p := range Permissions() {
		if !defined[p.PermRef] {
			ds.Permissions = append(ds.Permissions, p)
		}
	}
}

// Validate fails when e lacks a permission the table requires.
func Validate(e *rbac.Engine) error {
	var missing []string
	for _, p := range Permissions() {
		if _, err := e.ReadPermission(p.PermRef); err != nil {
			missing = append(missing, p.PermRef.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("tenant %s: %d guarded operations lack their admin permission: %s",
			e.Tenant(), len(missing), strings.Join(missing, ", "))
	}
	return nil
}
