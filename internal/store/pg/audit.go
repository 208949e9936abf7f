package pg

import (
	"context"
	"fmt"
	"strings"

	"rampart.dev/internal/audit"
)

// AuditStore persists audit events in the audit_events table.
type AuditStore struct {
	s *Store
}

var _ audit.Store = (*AuditStore)(nil)

func (s *Store) Audit() *AuditStore { return &AuditStore{s: s} }

// Append writes one batch in a single transaction.
func (a *AuditStore) Append(ctx context.Context, events []audit.Event) error {
	if a.s.db == nil {
		return ErrUnavailable
	}
	if len(events) == 0 {
		return nil
	}
	tx, err := a.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, a.s.q(`
		insert into audit_events (id, tenant, kind, occurred_at, user_id, session_id, role, object, operation, success, reason, fields)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		fields, err := encodeJSON(e.Fields)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Tenant, string(e.Kind), e.OccurredAt.UTC(), e.UserID, e.SessionID,
			e.Role, e.Object, e.Operation, e.Success, e.Reason, fields,
		); err != nil {
			return mapError(err, "audit event "+e.ID)
		}
	}
	return tx.Commit()
}

// Search returns matching events newest first.
func (a *AuditStore) Search(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	if a.s.db == nil {
		return nil, ErrUnavailable
	}
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Tenant != "" {
		add("tenant = $%d", f.Tenant)
	}
	if len(f.Kinds) > 0 {
		var ors []string
		for _, k := range f.Kinds {
			args = append(args, string(k))
			ors = append(ors, fmt.Sprintf("kind = $%d", len(args)))
		}
		where = append(where, "("+strings.Join(ors, " or ")+")")
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.Role != "" {
		add("role = $%d", f.Role)
	}
	if f.Object != "" {
		add("object = $%d", f.Object)
	}
	if f.Operation != "" {
		add("operation = $%d", f.Operation)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("occurred_at < $%d", f.Until.UTC())
	}

	query := `select id, tenant, kind, occurred_at, user_id, session_id, role, object, operation, success, reason, fields from audit_events`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by occurred_at desc, id desc"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := a.s.db.QueryContext(ctx, a.s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			e      audit.Event
			kind   string
			fields []byte
		)
		if err := rows.Scan(&e.ID, &e.Tenant, &kind, &e.OccurredAt, &e.UserID, &e.SessionID,
			&e.Role, &e.Object, &e.Operation, &e.Success, &e.Reason, &fields); err != nil {
			return nil, err
		}
		e.Kind = audit.Kind(kind)
		if err := decodeJSON(fields, &e.Fields); err != nil {
			return nil, fmt.Errorf("audit event %s fields: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
