package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rampart.dev/internal/rbac"
)

var datasetTables = []string{
	"rbac_sd_sets",
	"rbac_users",
	"rbac_permissions",
	"rbac_objects",
	"rbac_roles",
	"rbac_org_units",
}

func (s *Store) each(ctx context.Context, query string, tenant string, scan func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, s.q(query), tenant)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LoadDataset reads every entity stored for tenant. A tenant with no rows
// yields an empty dataset.
func (s *Store) LoadDataset(ctx context.Context, tenant string) (rbac.Dataset, error) {
	var ds rbac.Dataset
	if s.db == nil {
		return ds, ErrUnavailable
	}

	err := s.each(ctx, `
		select type, name, description, parents
		from rbac_org_units where tenant = $1 order by type, name
	`, tenant, func(rows *sql.Rows) error {
		var (
			ou      rbac.OrgUnit
			typ     string
			parents []byte
		)
		if err := rows.Scan(&typ, &ou.Name, &ou.Description, &parents); err != nil {
			return err
		}
		ou.Type = rbac.OUType(typ)
		if err := decodeJSON(parents, &ou.Parents); err != nil {
			return fmt.Errorf("org unit %s parents: %w", ou.Name, err)
		}
		ds.OrgUnits = append(ds.OrgUnits, ou)
		return nil
	})
	if err != nil {
		return ds, fmt.Errorf("load org units: %w", err)
	}

	err = s.each(ctx, `
		select admin, name, description, inherits, time_constraint, user_scope, perm_scope, role_range
		from rbac_roles where tenant = $1 order by admin, name
	`, tenant, func(rows *sql.Rows) error {
		var (
			admin                       bool
			name, desc                  string
			inherits, cons, us, ps, rng []byte
			constraint                  rbac.Constraint
			parents                     []string
		)
		if err := rows.Scan(&admin, &name, &desc, &inherits, &cons, &us, &ps, &rng); err != nil {
			return err
		}
		if err := decodeJSON(inherits, &parents); err != nil {
			return fmt.Errorf("role %s inherits: %w", name, err)
		}
		if err := decodeJSON(cons, &constraint); err != nil {
			return fmt.Errorf("role %s constraint: %w", name, err)
		}
		if !admin {
			ds.Roles = append(ds.Roles, rbac.Role{Name: name, Description: desc, Inherits: parents, Constraint: constraint})
			return nil
		}
		ar := rbac.AdminRole{Name: name, Description: desc, Inherits: parents, Constraint: constraint}
		if err := decodeJSON(us, &ar.UserScope); err != nil {
			return fmt.Errorf("admin role %s user scope: %w", name, err)
		}
		if err := decodeJSON(ps, &ar.PermScope); err != nil {
			return fmt.Errorf("admin role %s perm scope: %w", name, err)
		}
		if err := decodeJSON(rng, &ar.Roles); err != nil {
			return fmt.Errorf("admin role %s role range: %w", name, err)
		}
		ds.AdminRoles = append(ds.AdminRoles, ar)
		return nil
	})
	if err != nil {
		return ds, fmt.Errorf("load roles: %w", err)
	}

	err = s.each(ctx, `
		select admin, name, ou, description
		from rbac_objects where tenant = $1 order by admin, name
	`, tenant, func(rows *sql.Rows) error {
		var o rbac.PermObj
		if err := rows.Scan(&o.Admin, &o.Name, &o.OU, &o.Description); err != nil {
			return err
		}
		ds.Objects = append(ds.Objects, o)
		return nil
	})
	if err != nil {
		return ds, fmt.Errorf("load objects: %w", err)
	}

	err = s.each(ctx, `
		select admin, object, operation, object_id, description, roles
		from rbac_permissions where tenant = $1 order by admin, object, operation, object_id
	`, tenant, func(rows *sql.Rows) error {
		var (
			p     rbac.Permission
			roles []byte
		)
		if err := rows.Scan(&p.Admin, &p.Object, &p.Operation, &p.ObjectID, &p.Description, &roles); err != nil {
			return err
		}
		if err := decodeJSON(roles, &p.Roles); err != nil {
			return fmt.Errorf("permission %s roles: %w", p.PermRef, err)
		}
		ds.Permissions = append(ds.Permissions, p)
		return nil
	})
	if err != nil {
		return ds, fmt.Errorf("load permissions: %w", err)
	}

	err = s.each(ctx, `
		select id, ou, description, roles, admin_roles, password_hash, locked, time_constraint, created_at, updated_at
		from rbac_users where tenant = $1 order by id
	`, tenant, func(rows *sql.Rows) error {
		var (
			u                  rbac.User
			roles, admin, cons []byte
		)
		if err := rows.Scan(&u.ID, &u.OU, &u.Description, &roles, &admin, &u.PasswordHash, &u.Locked, &cons, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return err
		}
		if err := decodeJSON(roles, &u.Roles); err != nil {
			return fmt.Errorf("user %s roles: %w", u.ID, err)
		}
		if err := decodeJSON(admin, &u.AdminRoles); err != nil {
			return fmt.Errorf("user %s admin roles: %w", u.ID, err)
		}
		if err := decodeJSON(cons, &u.Constraint); err != nil {
			return fmt.Errorf("user %s constraint: %w", u.ID, err)
		}
		ds.Users = append(ds.Users, u)
		return nil
	})
	if err != nil {
		return ds, fmt.Errorf("load users: %w", err)
	}

	err = s.each(ctx, `
		select kind, name, description, roles, cardinality
		from rbac_sd_sets where tenant = $1 order by kind, name
	`, tenant, func(rows *sql.Rows) error {
		var (
			set   rbac.SDSet
			kind  string
			roles []byte
		)
		if err := rows.Scan(&kind, &set.Name, &set.Description, &roles, &set.Cardinality); err != nil {
			return err
		}
		set.Kind = rbac.SDKind(kind)
		if err := decodeJSON(roles, &set.Roles); err != nil {
			return fmt.Errorf("sd set %s roles: %w", set.Name, err)
		}
		ds.SDSets = append(ds.SDSets, set)
		return nil
	})
	if err != nil {
		return ds, fmt.Errorf("load sd sets: %w", err)
	}
	return ds, nil
}

// SaveDataset replaces everything stored for tenant with ds in one
// transaction. Sessions are never persisted.
func (s *Store) SaveDataset(ctx context.Context, tenant string, ds rbac.Dataset) error {
	if s.db == nil {
		return ErrUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range datasetTables {
		if _, err := tx.ExecContext(ctx, s.q(`delete from `+table+` where tenant = $1`), tenant); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	exec := func(what, query string, args ...any) error {
		_, err := tx.ExecContext(ctx, s.q(query), args...)
		return mapError(err, what)
	}

	for _, ou := range ds.OrgUnits {
		parents, err := encodeJSON(ou.Parents)
		if err != nil {
			return err
		}
		if err := exec("org unit "+ou.Name, `
			insert into rbac_org_units (tenant, type, name, description, parents)
			values ($1, $2, $3, $4, $5)
		`, tenant, string(ou.Type), ou.Name, ou.Description, parents); err != nil {
			return err
		}
	}

	insertRole := func(admin bool, name, desc string, inherits []string, c rbac.Constraint, us, ps []rbac.OURange, rng rbac.RoleRange) error {
		cols := make([]string, 5)
		for i, v := range []any{inherits, c, us, ps, rng} {
			enc, err := encodeJSON(v)
			if err != nil {
				return err
			}
			cols[i] = enc
		}
		return exec("role "+name, `
			insert into rbac_roles (tenant, admin, name, description, inherits, time_constraint, user_scope, perm_scope, role_range)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, tenant, admin, name, desc, cols[0], cols[1], cols[2], cols[3], cols[4])
	}
	for _, r := range ds.Roles {
		if err := insertRole(false, r.Name, r.Description, r.Inherits, r.Constraint, nil, nil, rbac.RoleRange{}); err != nil {
			return err
		}
	}
	for _, r := range ds.AdminRoles {
		if err := insertRole(true, r.Name, r.Description, r.Inherits, r.Constraint, r.UserScope, r.PermScope, r.Roles); err != nil {
			return err
		}
	}

	for _, o := range ds.Objects {
		if err := exec("object "+o.Name, `
			insert into rbac_objects (tenant, admin, name, ou, description)
			values ($1, $2, $3, $4, $5)
		`, tenant, o.Admin, o.Name, o.OU, o.Description); err != nil {
			return err
		}
	}

	for _, p := range ds.Permissions {
		roles, err := encodeJSON(p.Roles)
		if err != nil {
			return err
		}
		if err := exec("permission "+p.PermRef.String(), `
			insert into rbac_permissions (tenant, admin, object, operation, object_id, description, roles)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, tenant, p.Admin, p.Object, p.Operation, p.ObjectID, p.Description, roles); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	for _, u := range ds.Users {
		roles, err := encodeJSON(u.Roles)
		if err != nil {
			return err
		}
		admin, err := encodeJSON(u.AdminRoles)
		if err != nil {
			return err
		}
		cons, err := encodeJSON(u.Constraint)
		if err != nil {
			return err
		}
		created, updated := u.CreatedAt, u.UpdatedAt
		if created.IsZero() {
			created = now
		}
		if updated.IsZero() {
			updated = created
		}
		if err := exec("user "+u.ID, `
			insert into rbac_users (tenant, id, ou, description, roles, admin_roles, password_hash, locked, time_constraint, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, tenant, u.ID, u.OU, u.Description, roles, admin, u.PasswordHash, u.Locked, cons, created, updated); err != nil {
			return err
		}
	}

	for _, set := range ds.SDSets {
		roles, err := encodeJSON(set.Roles)
		if err != nil {
			return err
		}
		if err := exec("sd set "+set.Name, `
			insert into rbac_sd_sets (tenant, kind, name, description, roles, cardinality)
			values ($1, $2, $3, $4, $5, $6)
		`, tenant, string(set.Kind), set.Name, set.Description, roles, set.Cardinality); err != nil {
			return err
		}
	}

	return tx.Commit()
}
