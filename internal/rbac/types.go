package rbac

import (
	"strings"
	"time"
)

// OUType selects one of the two disjoint organizational unit hierarchies.
type OUType string

const (
	OUUser OUType = "user"
	OUPerm OUType = "perm"
)

// OrgUnit is a node in the user or permission OU hierarchy.
type OrgUnit struct {
	Name        string
	Type        OUType
	Description string
	Parents     []string
}

// User is a principal that can be assigned roles and open sessions.
type User struct {
	ID           string
	OU           string
	Description  string
	Roles        []string
	AdminRoles   []string
	PasswordHash string
	Locked       bool
	Constraint   Constraint
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Role groups permissions. Inherits lists the immediate junior roles whose
// permissions this role inherits.
type Role struct {
	Name        string
	Description string
	Inherits    []string
	Constraint  Constraint
}

// OURange bounds delegated authority over one OU hierarchy. Begin is the
// senior bound. End is empty (the whole subtree under Begin), a glob over
// "/"-separated OU names, or a literal junior bound.
type OURange struct {
	Begin string
	End   string
}

// IsZero reports whether the range is unset. Unset ranges cover nothing.
func (r OURange) IsZero() bool { return r.Begin == "" && r.End == "" }

func (r OURange) String() string {
	if r.End == "" {
		return "[" + r.Begin + "]"
	}
	return "[" + r.Begin + ", " + r.End + "]"
}

// RoleRange bounds the regular roles an administrative role may manage.
// Begin is the junior bound and End the senior bound.
type RoleRange struct {
	Begin          string
	End            string
	BeginInclusive bool
	EndInclusive   bool
}

// IsZero reports whether the range is unset. Unset ranges contain no roles.
func (r RoleRange) IsZero() bool { return r.Begin == "" && r.End == "" }

// AdminRole is a role in the administrative hierarchy carrying the scope of
// its delegated authority.
type AdminRole struct {
	Name        string
	Description string
	Inherits    []string
	Constraint  Constraint
	UserScope   []OURange
	PermScope   []OURange
	Roles       RoleRange
}

// PermObj is a named object permissions are defined on.
type PermObj struct {
	Name        string
	OU          string
	Description string
	Admin       bool
}

// PermRef identifies a permission. Admin selects the administrative
// permission namespace.
type PermRef struct {
	Object    string
	Operation string
	ObjectID  string
	Admin     bool
}

func (p PermRef) String() string {
	s := p.Object + ":" + p.Operation
	if p.ObjectID != "" {
		s += ":" + p.ObjectID
	}
	if p.Admin {
		s = "admin/" + s
	}
	return s
}

func (p PermRef) normalize() PermRef {
	p.Object = strings.TrimSpace(p.Object)
	p.Operation = strings.TrimSpace(p.Operation)
	p.ObjectID = strings.TrimSpace(p.ObjectID)
	return p
}

// Permission is an operation on an object, granted to a set of roles. Roles
// holds regular role names for regular permissions and admin role names for
// administrative permissions.
type Permission struct {
	PermRef
	Description string
	Roles       []string
}

// SDKind distinguishes static from dynamic separation of duty.
type SDKind string

const (
	SSD SDKind = "ssd"
	DSD SDKind = "dsd"
)

// SDSet forbids holding Cardinality or more of Roles at once: as assigned
// roles for SSD, as active roles in one session for DSD.
type SDSet struct {
	Name        string
	Kind        SDKind
	Description string
	Roles       []string
	Cardinality int
}

// Dataset is a complete, self-contained copy of one tenant's entities.
type Dataset struct {
	OrgUnits    []OrgUnit
	Roles       []Role
	AdminRoles  []AdminRole
	Objects     []PermObj
	Permissions []Permission
	Users       []User
	SDSets      []SDSet
}

// Decision is the outcome of an authorization predicate. Reason is a
// generic code safe to return to the caller.
type Decision struct {
	Allowed bool
	Reason  string
}

const (
	ReasonGranted      = "granted"
	ReasonDenied       = "denied"
	ReasonNoPermission = "no_such_permission"
	ReasonConstraint   = "constraint"
	ReasonOutOfScope   = "out_of_scope"
)

func allow() Decision            { return Decision{Allowed: true, Reason: ReasonGranted} }
func deny(reason string) Decision { return Decision{Reason: reason} }
