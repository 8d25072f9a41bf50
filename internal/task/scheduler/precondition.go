package scheduler

// gate is a Precondition resolved against the registrations of one generation.
// Unknown names were dropped while resolving.
type gate struct {
	cond Condition
	deps []*registration
}

// resolveGate returns nil when pre is nil (always open).
func resolveGate(pre *Precondition, byName map[string]*registration) *gate {
	if pre == nil {
		return nil
	}
	g := &gate{cond: pre.Condition}
	seen := make(map[string]struct{}, len(pre.TaskNames))
	for _, n := range pre.TaskNames {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		if r, ok := byName[n]; ok {
			g.deps = append(g.deps, r)
		}
	}
	return g
}

// open evaluates the gate against the live status of its dependencies.
// AllCompleted over zero resolved names is open; AnyCompleted is closed.
func (g *gate) open() bool {
	if g == nil {
		return true
	}
	switch g.cond {
	case AllCompleted:
		for _, r := range g.deps {
			if r.getStatus() != StatusCompleted {
				return false
			}
		}
		return true
	case AnyCompleted:
		for _, r := range g.deps {
			if r.getStatus() == StatusCompleted {
				return true
			}
		}
		return false
	default:
		return false
	}
}
