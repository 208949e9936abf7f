package rbac

import "sort"

// held expands roles with everything they inherit when the snapshot
// resolves permissions hierarchically. Separation of duty counts inherited
// roles so that activating a senior role cannot sidestep a constraint on
// its juniors.
func (s *snapshot) held(roles []string) set {
	out := newSet(roles...)
	if s.mode == Flat {
		return out
	}
	g := s.index().roles
	for _, r := range roles {
		for d := range g.descendants(r) {
			out[d] = struct{}{}
		}
	}
	return out
}

func (s *snapshot) sdSets(kind SDKind) []*SDSet {
	var out []*SDSet
	for k, sd := range s.sdsets {
		if k.Kind == kind {
			out = append(out, sd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func countIn(sd *SDSet, held set) int {
	n := 0
	for _, r := range sd.Roles {
		if held.has(r) {
			n++
		}
	}
	return n
}

// checkSSD fails when roles, as the complete assigned role set of userID,
// reach the cardinality of a static separation of duty set.
func (s *snapshot) checkSSD(op, userID string, roles []string) error {
	h := s.held(roles)
	for _, sd := range s.sdSets(SSD) {
		if n := countIn(sd, h); n >= sd.Cardinality {
			return newError(ErrSSDViolation, op, "user "+userID,
				"set %q allows fewer than %d roles, user would hold %d", sd.Name, sd.Cardinality, n)
		}
	}
	return nil
}

// checkDSD fails when roles, as the complete active role set of a session,
// reach the cardinality of a dynamic separation of duty set.
func (s *snapshot) checkDSD(op, sessionID string, roles []string) error {
	h := s.held(roles)
	for _, sd := range s.sdSets(DSD) {
		if n := countIn(sd, h); n >= sd.Cardinality {
			return newError(ErrDSDViolation, op, "session "+sessionID,
				"set %q allows fewer than %d active roles, session would hold %d", sd.Name, sd.Cardinality, n)
		}
	}
	return nil
}
