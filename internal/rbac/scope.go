package rbac

import (
	"path"
	"strings"
)

// isGlob reports whether an OU range bound uses wildcards.
func isGlob(p string) bool { return strings.ContainsAny(p, "*?[") }

// matchOU matches a "/"-separated OU name against a glob where "*" matches
// one segment and "**" matches any number of segments.
func matchOU(pattern, name string) bool {
	if pattern == "**" {
		return true
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pat, name []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			for i := 0; i <= len(name); i++ {
				if matchSegments(pat[1:], name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(pat[0], name[0])
		if err != nil || !ok {
			return false
		}
		pat, name = pat[1:], name[1:]
	}
	return len(name) == 0
}

// globPrefix returns the literal leading segments of a glob.
func globPrefix(pattern string) string {
	segs := strings.Split(pattern, "/")
	var lit []string
	for _, s := range segs {
		if isGlob(s) {
			break
		}
		lit = append(lit, s)
	}
	return strings.Join(lit, "/")
}

func withinOrEqual(g *graph, node, top string) bool {
	return node == top || g.isDescendant(node, top)
}

func validateOURange(op string, g *graph, r OURange) error {
	if r.Begin == "" {
		return newError(ErrInvalidRange, op, "", "range %s has no begin", r)
	}
	if !g.has(r.Begin) {
		return newError(ErrInvalidRange, op, "", "range %s: unknown org unit %q", r, r.Begin)
	}
	if r.End == "" {
		return nil
	}
	if isGlob(r.End) {
		if _, err := path.Match(r.End, ""); err != nil {
			return newError(ErrInvalidRange, op, "", "range %s: malformed pattern", r)
		}
		prefix := globPrefix(r.End)
		if prefix == "" || !g.has(prefix) || !withinOrEqual(g, prefix, r.Begin) {
			return newError(ErrInvalidRange, op, "", "range %s: pattern is not anchored under begin", r)
		}
		return nil
	}
	if !g.has(r.End) {
		return newError(ErrInvalidRange, op, "", "range %s: unknown org unit %q", r, r.End)
	}
	if !withinOrEqual(g, r.End, r.Begin) {
		return newError(ErrInvalidRange, op, "", "range %s: end is not below begin", r)
	}
	return nil
}

// coversOU reports whether the range r includes ou.
func coversOU(g *graph, r OURange, ou string) bool {
	if r.Begin == "" || ou == "" || !g.has(ou) {
		return false
	}
	if !withinOrEqual(g, ou, r.Begin) {
		return false
	}
	switch {
	case r.End == "", ou == r.Begin:
		return true
	case isGlob(r.End):
		return matchOU(r.End, ou)
	default:
		return withinOrEqual(g, r.End, ou)
	}
}

func coversAnyOU(g *graph, ranges []OURange, ou string) bool {
	for _, r := range ranges {
		if coversOU(g, r, ou) {
			return true
		}
	}
	return false
}

func validateRoleRange(op string, g *graph, r RoleRange) error {
	if r.IsZero() {
		return nil
	}
	if r.Begin != "" && !g.has(r.Begin) {
		return newError(ErrInvalidRange, op, "", "role range: unknown role %q", r.Begin)
	}
	if r.End != "" && !g.has(r.End) {
		return newError(ErrInvalidRange, op, "", "role range: unknown role %q", r.End)
	}
	if r.Begin != "" && r.End != "" {
		if r.Begin == r.End {
			if !r.BeginInclusive || !r.EndInclusive {
				return newError(ErrInvalidRange, op, "", "role range (%s, %s) is empty", r.Begin, r.End)
			}
			return nil
		}
		if !g.isDescendant(r.Begin, r.End) {
			return newError(ErrInvalidRange, op, "", "role range: %q is not junior to %q", r.Begin, r.End)
		}
	}
	return nil
}

// containsRole reports whether role lies inside r. An unset bound leaves
// that side of the range open; a fully unset range contains nothing.
func containsRole(g *graph, r RoleRange, role string) bool {
	if r.IsZero() || !g.has(role) {
		return false
	}
	if r.Begin != "" {
		ok := (role == r.Begin && r.BeginInclusive) || g.isDescendant(r.Begin, role)
		if !ok {
			return false
		}
	}
	if r.End != "" {
		ok := (role == r.End && r.EndInclusive) || g.isDescendant(role, r.End)
		if !ok {
			return false
		}
	}
	return true
}
