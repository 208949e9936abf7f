package audit

import (
	"context"
	"slices"
	"sort"
	"time"
)

// Kind classifies audit events.
type Kind string

const (
	// KindBind records an authentication attempt.
	KindBind Kind = "bind"
	// KindAuthZ records an access or delegated administration decision.
	KindAuthZ Kind = "authz"
	// KindMod records an administrative change.
	KindMod Kind = "mod"
	// KindSession records session lifecycle changes.
	KindSession Kind = "session"
)

// Event is an immutable audit record. Reason keeps the internal detail of a
// failure (the rule or set that caused it) and is never shown to the
// subject of the decision.
type Event struct {
	ID         string
	Kind       Kind
	Tenant     string
	OccurredAt time.Time
	UserID     string
	SessionID  string
	Role       string
	Object     string
	Operation  string
	Success    bool
	Reason     string
	Fields     map[string]string
}

// Recorder accepts audit events. Record must not block the caller.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// NopRecorder discards events.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) {}

// Store persists events and answers filtered searches.
type Store interface {
	Append(ctx context.Context, events []Event) error
	Search(ctx context.Context, f Filter) ([]Event, error)
}

// Filter selects events. Zero fields do not constrain the search. Since is
// inclusive and Until exclusive.
type Filter struct {
	Tenant    string
	Kinds     []Kind
	UserID    string
	SessionID string
	Role      string
	Object    string
	Operation string
	Success   *bool
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Match reports whether e satisfies f.
func (f Filter) Match(e Event) bool {
	switch {
	case f.Tenant != "" && e.Tenant != f.Tenant:
		return false
	case len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind):
		return false
	case f.UserID != "" && e.UserID != f.UserID:
		return false
	case f.SessionID != "" && e.SessionID != f.SessionID:
		return false
	case f.Role != "" && e.Role != f.Role:
		return false
	case f.Object != "" && e.Object != f.Object:
		return false
	case f.Operation != "" && e.Operation != f.Operation:
		return false
	case f.Success != nil && e.Success != *f.Success:
		return false
	case !f.Since.IsZero() && e.OccurredAt.Before(f.Since):
		return false
	case !f.Until.IsZero() && !e.OccurredAt.Before(f.Until):
		return false
	}
	return true
}

// SortNewestFirst orders events by timestamp descending, breaking ties by
// id descending.
func SortNewestFirst(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.After(events[j].OccurredAt)
		}
		return events[i].ID > events[j].ID
	})
}

// Multi fans an event out to several recorders.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e Event) {
	for _, r := range m {
		r.Record(ctx, e)
	}
}
