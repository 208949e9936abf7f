package audit

import (
	"context"
	"sync"

	"rampart.dev/internal/obs"
)

// MemoryStore is an append-only in-process event log. With a limit set the
// oldest events are evicted once the log is full.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	limit  int
}

// MemoryOption configures MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryLimit caps the number of retained events. Zero means unbounded.
func WithMemoryLimit(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.limit = n
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Append(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	if over := len(s.events) - s.limit; s.limit > 0 && over > 0 {
		n := copy(s.events, s.events[over:])
		clear(s.events[n:])
		s.events = s.events[:n]
		obs.AuditEvicted(over)
	}
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	var out []Event
	for _, e := range s.events {
		if f.Match(e) {
			out = append(out, copyEvent(e))
		}
	}
	s.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	SortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func copyEvent(e Event) Event {
	if e.Fields != nil {
		fields := make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			fields[k] = v
		}
		e.Fields = fields
	}
	return e
}
