package rbac

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("rbac: not found")
	ErrAlreadyExists  = errors.New("rbac: already exists")
	ErrCycleDetected  = errors.New("rbac: cycle detected")
	ErrDSDViolation   = errors.New("rbac: dynamic separation of duty violation")
	ErrSSDViolation   = errors.New("rbac: static separation of duty violation")
	ErrSessionExpired = errors.New("rbac: session expired")
	ErrUnauthorized   = errors.New("rbac: unauthorized")
	ErrInvalidRange   = errors.New("rbac: invalid range")
	ErrInvalidInput   = errors.New("rbac: invalid input")
)

// Error carries the failing operation and entity alongside one of the
// sentinel kinds above. Detail may name internal rules and must not be shown
// to unprivileged callers; use PublicMessage for that.
type Error struct {
	Kind   error
	Op     string
	Entity string
	Detail string
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Entity != "" {
		msg += " (" + e.Entity + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, op, entity, format string, args ...any) *Error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Entity: entity, Detail: detail}
}

func invalid(op, format string, args ...any) error {
	return newError(ErrInvalidInput, op, "", format, args...)
}

func notFound(op, kind, name string) error {
	return newError(ErrNotFound, op, kind+" "+name, "")
}

func exists(op, kind, name string) error {
	return newError(ErrAlreadyExists, op, kind+" "+name, "")
}

var codes = []struct {
	kind error
	code string
	msg  string
}{
	{ErrNotFound, "not_found", "resource not found"},
	{ErrAlreadyExists, "already_exists", "resource already exists"},
	{ErrCycleDetected, "cycle_detected", "hierarchy change rejected"},
	{ErrDSDViolation, "dsd_violation", "role activation rejected"},
	{ErrSSDViolation, "ssd_violation", "role assignment rejected"},
	{ErrSessionExpired, "session_expired", "session expired"},
	{ErrUnauthorized, "unauthorized", "not authorized"},
	{ErrInvalidRange, "invalid_range", "invalid administrative range"},
	{ErrInvalidInput, "invalid_input", "invalid input"},
}

// Code returns a stable machine readable code for err, or "internal" when
// err does not wrap one of the package sentinels.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.kind) {
			return c.code
		}
	}
	return "internal"
}

// PublicMessage returns a generic description of err that does not reveal
// which rule, set or entity caused the failure.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.kind) {
			return c.msg
		}
	}
	return "internal error"
}
