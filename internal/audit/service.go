package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidFilter is returned for malformed search requests.
var ErrInvalidFilter = errors.New("audit: invalid filter")

const defaultQueryTimeout = 5 * time.Second

// Service answers read-only queries over the audit log.
type Service struct {
	store   Store
	timeout time.Duration
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithQueryTimeout bounds every search against the store.
func WithQueryTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	s := &Service{store: store, timeout: defaultQueryTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) search(ctx context.Context, kind Kind, f Filter) ([]Event, error) {
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return nil, fmt.Errorf("%w: until precedes since", ErrInvalidFilter)
	}
	if f.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidFilter)
	}
	f.Kinds = []Kind{kind}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	events, err := s.store.Search(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("search %s events: %w", kind, err)
	}
	return events, nil
}

// SearchBinds returns authentication attempts, newest first.
func (s *Service) SearchBinds(ctx context.Context, f Filter) ([]Event, error) {
	return s.search(ctx, KindBind, f)
}

// SearchAuthZs returns authorization decisions, newest first.
func (s *Service) SearchAuthZs(ctx context.Context, f Filter) ([]Event, error) {
	return s.search(ctx, KindAuthZ, f)
}

// SearchAdminMods returns administrative changes, newest first.
func (s *Service) SearchAdminMods(ctx context.Context, f Filter) ([]Event, error) {
	return s.search(ctx, KindMod, f)
}

// SearchUserSessions returns session lifecycle events, newest first.
func (s *Service) SearchUserSessions(ctx context.Context, f Filter) ([]Event, error) {
	return s.search(ctx, KindSession, f)
}

// InvalidUser summarises failed authentications of one user.
type InvalidUser struct {
	UserID      string
	Failures    int
	LastFailure time.Time
}

// SearchInvalidUsers returns users whose failed authentications within the
// filter exceed threshold, most recent failure first. f.Limit caps the
// number of users returned.
func (s *Service) SearchInvalidUsers(ctx context.Context, f Filter, threshold int) ([]InvalidUser, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("%w: negative threshold", ErrInvalidFilter)
	}
	limit := f.Limit
	failed := false
	f.Success = &failed
	f.Limit = 0
	events, err := s.search(ctx, KindBind, f)
	if err != nil {
		return nil, err
	}

	byUser := make(map[string]*InvalidUser)
	for _, e := range events {
		if e.UserID == "" {
			continue
		}
		u, ok := byUser[e.UserID]
		if !ok {
			u = &InvalidUser{UserID: e.UserID}
			byUser[e.UserID] = u
		}
		u.Failures++
		if e.OccurredAt.After(u.LastFailure) {
			u.LastFailure = e.OccurredAt
		}
	}

	var out []InvalidUser
	for _, u := range byUser {
		if u.Failures > threshold {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastFailure.Equal(out[j].LastFailure) {
			return out[i].LastFailure.After(out[j].LastFailure)
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
