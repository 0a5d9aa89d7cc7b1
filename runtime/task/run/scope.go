package run

import "slices"

// Scope is the set of capability names a run may invoke. NewScope keeps them
// sorted and free of duplicates so they compare and serialize stably; the
// set operations below also accept literal scopes in any order.
type Scope []string

// NewScope returns a normalized scope containing names.
func NewScope(names ...string) Scope {
	out := make(Scope, 0, len(names))
	for _, n := range names {
		if n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Contains reports whether name is granted.
func (s Scope) Contains(name string) bool {
	return slices.Contains(s, name)
}

// Intersect returns the names present in s and in every other scope.
func (s Scope) Intersect(others ...Scope) Scope {
	out := make(Scope, 0, len(s))
	for _, n := range s {
		keep := true
		for _, o := range others {
			if !o.Contains(n) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, n)
		}
	}
	return out
}

// SubsetOf reports whether every name of s is granted by other.
func (s Scope) SubsetOf(other Scope) bool {
	for _, n := range s {
		if !other.Contains(n) {
			return false
		}
	}
	return true
}
