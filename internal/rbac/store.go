package rbac

import (
	"maps"
	"strings"
	"sync"
	"sync/atomic"
)

type ouKey struct {
	Type OUType
	Name string
}

type objKey struct {
	Admin bool
	Name  string
}

type sdKey struct {
	Kind SDKind
	Name string
}

// snapshot is an immutable view of one tenant's entities. Writers build a
// new snapshot with clone and publish it through Store; values stored in
// the maps are never modified after publication.
type snapshot struct {
	version    uint64
	mode       InheritanceMode
	ous        map[ouKey]*OrgUnit
	users      map[string]*User
	roles      map[string]*Role
	adminRoles map[string]*AdminRole
	objects    map[objKey]*PermObj
	perms      map[PermRef]*Permission
	sdsets     map[sdKey]*SDSet

	once sync.Once
	ix   *index
}

func emptySnapshot(mode InheritanceMode) *snapshot {
	return &snapshot{
		mode:       mode,
		ous:        make(map[ouKey]*OrgUnit),
		users:      make(map[string]*User),
		roles:      make(map[string]*Role),
		adminRoles: make(map[string]*AdminRole),
		objects:    make(map[objKey]*PermObj),
		perms:      make(map[PermRef]*Permission),
		sdsets:     make(map[sdKey]*SDSet),
	}
}

func (s *snapshot) clone() *snapshot {
	return &snapshot{
		version:    s.version + 1,
		mode:       s.mode,
		ous:        maps.Clone(s.ous),
		users:      maps.Clone(s.users),
		roles:      maps.Clone(s.roles),
		adminRoles: maps.Clone(s.adminRoles),
		objects:    maps.Clone(s.objects),
		perms:      maps.Clone(s.perms),
		sdsets:     maps.Clone(s.sdsets),
	}
}

// index holds derived lookups for a snapshot.
type index struct {
	roles  *graph
	admin  *graph
	userOU *graph
	permOU *graph

	roleUsers  map[string][]string
	adminUsers map[string][]string
	rolePerms  map[string][]PermRef
	adminPerms map[string][]PermRef
}

func (s *snapshot) index() *index {
	s.once.Do(func() {
		ix := &index{
			roles:      newGraph(),
			admin:      newGraph(),
			userOU:     newGraph(),
			permOU:     newGraph(),
			roleUsers:  make(map[string][]string),
			adminUsers: make(map[string][]string),
			rolePerms:  make(map[string][]PermRef),
			adminPerms: make(map[string][]PermRef),
		}
		for name, r := range s.roles {
			ix.roles.addNode(name)
			for _, j := range r.Inherits {
				ix.roles.addEdge(name, j)
			}
		}
		for name, r := range s.adminRoles {
			ix.admin.addNode(name)
			for _, j := range r.Inherits {
				ix.admin.addEdge(name, j)
			}
		}
		for k, ou := range s.ous {
			g := ix.userOU
			if k.Type == OUPerm {
				g = ix.permOU
			}
			g.addNode(k.Name)
			for _, p := range ou.Parents {
				g.addEdge(p, k.Name)
			}
		}
		for id, u := range s.users {
			for _, r := range u.Roles {
				ix.roleUsers[r] = append(ix.roleUsers[r], id)
			}
			for _, r := range u.AdminRoles {
				ix.adminUsers[r] = append(ix.adminUsers[r], id)
			}
		}
		for ref, p := range s.perms {
			target := ix.rolePerms
			if ref.Admin {
				target = ix.adminPerms
			}
			for _, r := range p.Roles {
				target[r] = append(target[r], ref)
			}
		}
		s.ix = ix
	})
	return s.ix
}

func (s *snapshot) ouGraph(t OUType) *graph {
	if t == OUPerm {
		return s.index().permOU
	}
	return s.index().userOU
}

func (s *snapshot) roleGraph(admin bool) *graph {
	if admin {
		return s.index().admin
	}
	return s.index().roles
}

func (s *snapshot) roleExists(name string, admin bool) bool {
	if admin {
		_, ok := s.adminRoles[name]
		return ok
	}
	_, ok := s.roles[name]
	return ok
}

func (s *snapshot) roleConstraint(name string, admin bool) Constraint {
	if admin {
		if r, ok := s.adminRoles[name]; ok {
			return r.Constraint
		}
		return Constraint{}
	}
	if r, ok := s.roles[name]; ok {
		return r.Constraint
	}
	return Constraint{}
}

// Store is the copy-on-write entity store of one tenant. Readers obtain the
// current snapshot without locking; writers are serialised and publish a
// new snapshot atomically.
type Store struct {
	mu  sync.Mutex
	cur atomic.Pointer[snapshot]
}

// NewStore returns an empty store resolving inheritance with mode.
func NewStore(mode InheritanceMode) *Store {
	s := &Store{}
	s.cur.Store(emptySnapshot(mode))
	return s
}

func (s *Store) view() *snapshot { return s.cur.Load() }

// Version increases by one with every published change.
func (s *Store) Version() uint64 { return s.view().version }

// update applies fn to a private copy of the current snapshot, validates
// the result, runs checks and publishes it when all succeed. fn must only
// edit maps; derived indexes are built after it returns. The writer lock is
// held until publication.
func (s *Store) update(op string, fn func(next *snapshot) error, checks ...func(next *snapshot) error) (*snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.view().clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := next.validate(op); err != nil {
		return nil, err
	}
	for _, check := range checks {
		if err := check(next); err != nil {
			return nil, err
		}
	}
	s.cur.Store(next)
	return next, nil
}

// replace publishes next after full validation.
func (s *Store) replace(op string, next *snapshot, checks ...func(next *snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next.mode = s.view().mode
	if err := next.validate(op); err != nil {
		return err
	}
	for _, check := range checks {
		if err := check(next); err != nil {
			return err
		}
	}
	next.version = s.view().version + 1
	s.cur.Store(next)
	return nil
}

func cleanName(v string) string { return strings.TrimSpace(v) }

func cleanNames(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
