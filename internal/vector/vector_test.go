package vector

import "testing"

func TestCompareTrichotomy(t *testing.T) {
	tests := []struct {
		name string
		a, b VersionVector
		want Relation
	}{
		{"both empty", New(), New(), Equal},
		{"identical", VersionVector{"x": 3, "y": 1}, VersionVector{"x": 3, "y": 1}, Equal},
		{"a dominates", VersionVector{"x": 4, "y": 1}, VersionVector{"x": 3, "y": 1}, After},
		{"b dominates", VersionVector{"x": 3}, VersionVector{"x": 3, "y": 2}, Before},
		{"concurrent", VersionVector{"x": 3}, VersionVector{"y": 1}, Concurrent},
		{"concurrent overlapping", VersionVector{"x": 3, "y": 1}, VersionVector{"x": 2, "y": 5}, Concurrent},
		{"zero entry is absent", VersionVector{"x": 3, "y": 0}, VersionVector{"x": 3}, Equal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare() = %v, want %v", got, tt.want)
			}

			// Exactly one classification must hold, and it must be
			// symmetric: swapping operands flips Before/After.
			inverse := tt.b.Compare(tt.a)
			switch tt.want {
			case Equal:
				if inverse != Equal {
					t.Errorf("inverse = %v, want Equal", inverse)
				}
			case After:
				if inverse != Before {
					t.Errorf("inverse = %v, want Before", inverse)
				}
			case Before:
				if inverse != After {
					t.Errorf("inverse = %v, want After", inverse)
				}
			case Concurrent:
				if inverse != Concurrent {
					t.Errorf("inverse = %v, want Concurrent", inverse)
				}
			}
		})
	}
}

func TestDominates(t *testing.T) {
	a := VersionVector{"x": 4, "y": 1}
	b := VersionVector{"x": 3, "y": 1}

	if !a.Dominates(b) {
		t.Error("a should dominate b")
	}
	if b.Dominates(a) {
		t.Error("b should not dominate a")
	}
	if a.Dominates(a) {
		t.Error("a vector does not dominate itself")
	}
}

func TestIncrement(t *testing.T) {
	v := New()
	v.Increment("x")
	v.Increment("x")
	v.Increment("y")

	if v.Counter("x") != 2 {
		t.Errorf("x counter = %d, want 2", v.Counter("x"))
	}
	if v.Counter("y") != 1 {
		t.Errorf("y counter = %d, want 1", v.Counter("y"))
	}
	if v.Counter("z") != 0 {
		t.Errorf("z counter = %d, want 0", v.Counter("z"))
	}
}

func TestMerge(t *testing.T) {
	a := VersionVector{"x": 3, "y": 1}
	b := VersionVector{"y": 4, "z": 2}

	merged := a.Merge(b)

	want := VersionVector{"x": 3, "y": 4, "z": 2}
	if !merged.Equal(want) {
		t.Errorf("Merge() = %v, want %v", merged, want)
	}

	// Merge must not mutate its operands.
	if a.Counter("y") != 1 || b.Counter("x") != 0 {
		t.Error("Merge mutated an operand")
	}

	// The merge dominates or equals both inputs.
	if merged.Compare(a) == Before || merged.Compare(a) == Concurrent {
		t.Error("merge should not be before or concurrent with input a")
	}
	if merged.Compare(b) == Before || merged.Compare(b) == Concurrent {
		t.Error("merge should not be before or concurrent with input b")
	}
}

func TestClone(t *testing.T) {
	a := VersionVector{"x": 1}
	b := a.Clone()
	b.Increment("x")

	if a.Counter("x") != 1 {
		t.Error("Clone should not share storage")
	}
}
