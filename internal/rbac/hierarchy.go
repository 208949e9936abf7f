package rbac

import (
	"slices"
	"sort"
	"sync"
)

type set map[string]struct{}

func newSet(items ...string) set {
	s := make(set, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func (s set) has(v string) bool {
	_, ok := s[v]
	return ok
}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// graph is a directed hierarchy with edges pointing from an ascendant to its
// immediate descendants. For roles the ascendant is the senior role, for
// organizational units it is the parent unit. A graph is immutable once its
// snapshot is published; closures are memoised.
type graph struct {
	down map[string][]string
	up   map[string][]string

	mu       sync.Mutex
	downMemo map[string]set
	upMemo   map[string]set
}

func newGraph() *graph {
	return &graph{
		down:     make(map[string][]string),
		up:       make(map[string][]string),
		downMemo: make(map[string]set),
		upMemo:   make(map[string]set),
	}
}

func (g *graph) addNode(n string) {
	if _, ok := g.down[n]; !ok {
		g.down[n] = nil
	}
	if _, ok := g.up[n]; !ok {
		g.up[n] = nil
	}
}

func (g *graph) addEdge(asc, desc string) {
	g.addNode(asc)
	g.addNode(desc)
	if !slices.Contains(g.down[asc], desc) {
		g.down[asc] = append(g.down[asc], desc)
		g.up[desc] = append(g.up[desc], asc)
	}
}

func (g *graph) has(n string) bool {
	_, ok := g.down[n]
	return ok
}

// descendants returns every node reachable below n, excluding n. The result
// is shared and must not be modified.
func (g *graph) descendants(n string) set {
	return g.closure(n, g.down, g.downMemo)
}

// ascendants returns every node from which n is reachable, excluding n. The
// result is shared and must not be modified.
func (g *graph) ascendants(n string) set {
	return g.closure(n, g.up, g.upMemo)
}

func (g *graph) closure(n string, edges map[string][]string, memo map[string]set) set {
	g.mu.Lock()
	if s, ok := memo[n]; ok {
		g.mu.Unlock()
		return s
	}
	g.mu.Unlock()

	seen := make(set)
	queue := append([]string(nil), edges[n]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == n || seen.has(cur) {
			continue
		}
		seen[cur] = struct{}{}
		queue = append(queue, edges[cur]...)
	}

	g.mu.Lock()
	memo[n] = seen
	g.mu.Unlock()
	return seen
}

// isDescendant reports whether d lies strictly below a.
func (g *graph) isDescendant(d, a string) bool {
	return g.descendants(a).has(d)
}

// wouldCycle reports whether adding the edge asc -> desc would close a cycle.
func (g *graph) wouldCycle(asc, desc string) bool {
	if asc == desc {
		return true
	}
	return g.descendants(desc).has(asc)
}

// findCycle runs a three colour depth first search and returns the nodes of
// the first cycle found, or nil.
func (g *graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.down))
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, next := range g.down[n] {
			switch color[next] {
			case grey:
				i := slices.Index(stack, next)
				cycle = append(append([]string(nil), stack[i:]...), next)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	nodes := make([]string, 0, len(g.down))
	for n := range g.down {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if color[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}
