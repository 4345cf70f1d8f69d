// Package vector implements version vectors for causal ordering of
// document revisions across nodes.
package vector

// Relation describes how one version vector relates to another.
type Relation int

const (
	// Equal means both vectors have identical entries.
	Equal Relation = iota
	// Before means the receiver is dominated by the other vector.
	Before
	// After means the receiver dominates the other vector.
	After
	// Concurrent means neither vector dominates the other.
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VersionVector maps node ids to monotonically increasing counters.
// A node only ever increments its own entry.
type VersionVector map[string]uint64

// New returns an empty version vector.
func New() VersionVector {
	return make(VersionVector)
}

// Clone returns a deep copy of the vector.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for id, n := range v {
		out[id] = n
	}
	return out
}

// Increment bumps the counter for the given node id and returns the vector.
func (v VersionVector) Increment(nodeID string) VersionVector {
	v[nodeID]++
	return v
}

// Counter returns the counter for a node id (zero if absent).
func (v VersionVector) Counter(nodeID string) uint64 {
	return v[nodeID]
}

// Compare classifies the relation between v and other. Exactly one of
// Equal, Before, After, Concurrent holds for any pair of vectors.
func (v VersionVector) Compare(other VersionVector) Relation {
	vGreater := false
	oGreater := false

	for id, n := range v {
		if n > other[id] {
			vGreater = true
		} else if n < other[id] {
			oGreater = true
		}
	}
	for id, n := range other {
		if _, seen := v[id]; seen {
			continue
		}
		if n > 0 {
			oGreater = true
		}
	}

	switch {
	case vGreater && oGreater:
		return Concurrent
	case vGreater:
		return After
	case oGreater:
		return Before
	default:
		return Equal
	}
}

// Dominates reports whether every entry of v is >= the corresponding entry
// of other and at least one is greater.
func (v VersionVector) Dominates(other VersionVector) bool {
	return v.Compare(other) == After
}

// Concurrent reports whether neither vector dominates the other and they
// are not equal.
func (v VersionVector) Concurrent(other VersionVector) bool {
	return v.Compare(other) == Concurrent
}

// Merge returns a new vector with the pointwise maximum of both vectors.
func (v VersionVector) Merge(other VersionVector) VersionVector {
	out := v.Clone()
	for id, n := range other {
		if n > out[id] {
			out[id] = n
		}
	}
	return out
}

// Equal reports whether both vectors have identical entries.
func (v VersionVector) Equal(other VersionVector) bool {
	return v.Compare(other) == Equal
}
