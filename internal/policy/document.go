// Package policy loads tenant datasets from YAML or TOML documents and keeps
// engines in sync with them.
package policy

import (
	"fmt"
	"strings"
	"time"

	"rampart.dev/internal/rbac"
)

// Document is the on-disk shape of one tenant's policy. Field names are
// shared by the YAML and TOML encodings.
type Document struct {
	Tenant      string       `yaml:"tenant" toml:"tenant"`
	OrgUnits    []OrgUnit    `yaml:"org_units" toml:"org_units"`
	Roles       []Role       `yaml:"roles" toml:"roles"`
	AdminRoles  []AdminRole  `yaml:"admin_roles" toml:"admin_roles"`
	Objects     []Object     `yaml:"objects" toml:"objects"`
	Permissions []Permission `yaml:"permissions" toml:"permissions"`
	Users       []User       `yaml:"users" toml:"users"`
	SDSets      []SDSet      `yaml:"sd_sets" toml:"sd_sets"`
}

type OrgUnit struct {
	Name        string   `yaml:"name" toml:"name"`
	Type        string   `yaml:"type" toml:"type"`
	Description string   `yaml:"description" toml:"description"`
	Parents     []string `yaml:"parents" toml:"parents"`
}

// Constraint uses RFC 3339 instants, weekday names and "15:04" clock times.
type Constraint struct {
	NotBefore  string   `yaml:"not_before" toml:"not_before"`
	NotAfter   string   `yaml:"not_after" toml:"not_after"`
	Days       []string `yaml:"days" toml:"days"`
	DailyStart string   `yaml:"daily_start" toml:"daily_start"`
	DailyEnd   string   `yaml:"daily_end" toml:"daily_end"`
}

type Role struct {
	Name        string     `yaml:"name" toml:"name"`
	Description string     `yaml:"description" toml:"description"`
	Inherits    []string   `yaml:"inherits" toml:"inherits"`
	Constraint  Constraint `yaml:"constraint" toml:"constraint"`
}

type OURange struct {
	Begin string `yaml:"begin" toml:"begin"`
	End   string `yaml:"end" toml:"end"`
}

type RoleRange struct {
	Begin          string `yaml:"begin" toml:"begin"`
	End            string `yaml:"end" toml:"end"`
	BeginInclusive bool   `yaml:"begin_inclusive" toml:"begin_inclusive"`
	EndInclusive   bool   `yaml:"end_inclusive" toml:"end_inclusive"`
}

type AdminRole struct {
	Name        string     `yaml:"name" toml:"name"`
	Description string     `yaml:"description" toml:"description"`
	Inherits    []string   `yaml:"inherits" toml:"inherits"`
	Constraint  Constraint `yaml:"constraint" toml:"constraint"`
	UserScope   []OURange  `yaml:"user_scope" toml:"user_scope"`
	PermScope   []OURange  `yaml:"perm_scope" toml:"perm_scope"`
	Roles       RoleRange  `yaml:"roles" toml:"roles"`
}

type Object struct {
	Name        string `yaml:"name" toml:"name"`
	OU          string `yaml:"ou" toml:"ou"`
	Description string `yaml:"description" toml:"description"`
	Admin       bool   `yaml:"admin" toml:"admin"`
}

type Permission struct {
	Object      string   `yaml:"object" toml:"object"`
	Operation   string   `yaml:"operation" toml:"operation"`
	ObjectID    string   `yaml:"object_id" toml:"object_id"`
	Admin       bool     `yaml:"admin" toml:"admin"`
	Description string   `yaml:"description" toml:"description"`
	Roles       []string `yaml:"roles" toml:"roles"`
}

// User carries either a clear-text Password, hashed on conversion, or a
// precomputed PasswordHash. Neither means the user cannot bind.
type User struct {
	ID           string     `yaml:"id" toml:"id"`
	OU           string     `yaml:"ou" toml:"ou"`
	Description  string     `yaml:"description" toml:"description"`
	Roles        []string   `yaml:"roles" toml:"roles"`
	AdminRoles   []string   `yaml:"admin_roles" toml:"admin_roles"`
	Password     string     `yaml:"password" toml:"password"`
	PasswordHash string     `yaml:"password_hash" toml:"password_hash"`
	Locked       bool       `yaml:"locked" toml:"locked"`
	Constraint   Constraint `yaml:"constraint" toml:"constraint"`
}

type SDSet struct {
	Name        string   `yaml:"name" toml:"name"`
	Kind        string   `yaml:"kind" toml:"kind"`
	Description string   `yaml:"description" toml:"description"`
	Roles       []string `yaml:"roles" toml:"roles"`
	Cardinality int      `yaml:"cardinality" toml:"cardinality"`
}

var weekdays = map[string]time.Weekday{}

func init() {
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		weekdays[name] = d
		weekdays[name[:3]] = d
	}
}

func (c Constraint) convert(owner string) (rbac.Constraint, error) {
	var out rbac.Constraint
	var err error
	if c.NotBefore != "" {
		if out.NotBefore, err = time.Parse(time.RFC3339, c.NotBefore); err != nil {
			return out, fmt.Errorf("%w: %s: not_before %q", rbac.ErrInvalidInput, owner, c.NotBefore)
		}
	}
	if c.NotAfter != "" {
		if out.NotAfter, err = time.Parse(time.RFC3339, c.NotAfter); err != nil {
			return out, fmt.Errorf("%w: %s: not_after %q", rbac.ErrInvalidInput, owner, c.NotAfter)
		}
	}
	for _, name := range c.Days {
		d, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return out, fmt.Errorf("%w: %s: unknown weekday %q", rbac.ErrInvalidInput, owner, name)
		}
		out.Days = append(out.Days, d)
	}
	out.DailyStart = c.DailyStart
	out.DailyEnd = c.DailyEnd
	return out, nil
}

func ouRanges(in []OURange) []rbac.OURange {
	if len(in) == 0 {
		return nil
	}
	out := make([]rbac.OURange, len(in))
	for i, r := range in {
		out[i] = rbac.OURange{Begin: r.Begin, End: r.End}
	}
	return out
}

// Dataset converts the document into an engine dataset. Clear-text
// passwords are hashed here, so two conversions of one document differ only
// in password salts. Referential checks are left to the engine.
func (d Document) Dataset() (rbac.Dataset, error) {
	var ds rbac.Dataset
	for _, ou := range d.OrgUnits {
		t := rbac.OUType(strings.ToLower(ou.Type))
		if t != rbac.OUUser && t != rbac.OUPerm {
			return ds, fmt.Errorf("%w: org unit %q: type must be user or perm", rbac.ErrInvalidInput, ou.Name)
		}
		ds.OrgUnits = append(ds.OrgUnits, rbac.OrgUnit{
			Name: ou.Name, Type: t, Description: ou.Description, Parents: ou.Parents,
		})
	}
	for _, r := range d.Roles {
		c, err := r.Constraint.convert("role " + r.Name)
		if err != nil {
			return ds, err
		}
		ds.Roles = append(ds.Roles, rbac.Role{
			Name: r.Name, Description: r.Description, Inherits: r.Inherits, Constraint: c,
		})
	}
	for _, r := range d.AdminRoles {
		c, err := r.Constraint.convert("admin role " + r.Name)
		if err != nil {
			return ds, err
		}
		ds.AdminRoles = append(ds.AdminRoles, rbac.AdminRole{
			Name:        r.Name,
			Description: r.Description,
			Inherits:    r.Inherits,
			Constraint:  c,
			UserScope:   ouRanges(r.UserScope),
			PermScope:   ouRanges(r.PermScope),
			Roles: rbac.RoleRange{
				Begin:          r.Roles.Begin,
				End:            r.Roles.End,
				BeginInclusive: r.Roles.BeginInclusive,
				EndInclusive:   r.Roles.EndInclusive,
			},
		})
	}
	for _, o := range d.Objects {
		ds.Objects = append(ds.Objects, rbac.PermObj{
			Name: o.Name, OU: o.OU, Description: o.Description, Admin: o.Admin,
		})
	}
	for _, p := range d.Permissions {
		ds.Permissions = append(ds.Permissions, rbac.Permission{
			PermRef: rbac.PermRef{
				Object: p.Object, Operation: p.Operation, ObjectID: p.ObjectID, Admin: p.Admin,
			},
			Description: p.Description,
			Roles:       p.Roles,
		})
	}
	for _, u := range d.Users {
		if u.Password != "" && u.PasswordHash != "" {
			return ds, fmt.Errorf("%w: user %q: password and password_hash are exclusive", rbac.ErrInvalidInput, u.ID)
		}
		hash := u.PasswordHash
		if hash != "" {
			if err := rbac.CheckPasswordHash(hash); err != nil {
				return ds, fmt.Errorf("%w: user %q: %v", rbac.ErrInvalidInput, u.ID, err)
			}
		}
		if u.Password != "" {
			var err error
			if hash, err = rbac.HashPassword(u.Password); err != nil {
				return ds, fmt.Errorf("user %q: %w", u.ID, err)
			}
		}
		c, err := u.Constraint.convert("user " + u.ID)
		if err != nil {
			return ds, err
		}
		ds.Users = append(ds.Users, rbac.User{
			ID:           u.ID,
			OU:           u.OU,
			Description:  u.Description,
			Roles:        u.Roles,
			AdminRoles:   u.AdminRoles,
			PasswordHash: hash,
			Locked:       u.Locked,
			Constraint:   c,
		})
	}
	for _, s := range d.SDSets {
		k := rbac.SDKind(strings.ToLower(s.Kind))
		if k != rbac.SSD && k != rbac.DSD {
			return ds, fmt.Errorf("%w: sd set %q: kind must be ssd or dsd", rbac.ErrInvalidInput, s.Name)
		}
		ds.SDSets = append(ds.SDSets, rbac.SDSet{
			Name: s.Name, Kind: k, Description: s.Description, Roles: s.Roles, Cardinality: s.Cardinality,
		})
	}
	return ds, nil
}
