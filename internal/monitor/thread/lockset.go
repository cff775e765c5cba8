package thread

import "sort"

// LockSet is a sorted set of lock addresses.
type LockSet []uint64

// Contains reports whether addr is in the set.
func (s LockSet) Contains(addr uint64) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= addr })
	return i < len(s) && s[i] == addr
}

// With returns a copy of the set with addr added.
func (s LockSet) With(addr uint64) LockSet {
	if s.Contains(addr) {
		return s.Clone()
	}
	out := make(LockSet, 0, len(s)+1)
	i := sort.Search(len(s), func(i int) bool { return s[i] >= addr })
	out = append(out, s[:i]...)
	out = append(out, addr)
	return append(out, s[i:]...)
}

// Without returns a copy of the set with addr removed.
func (s LockSet) Without(addr uint64) LockSet {
	out := make(LockSet, 0, len(s))
	for _, a := range s {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}

// Intersect returns the locks present in both sets.
func (s LockSet) Intersect(o LockSet) LockSet {
	var out LockSet
	i, j := 0, 0
	for i < len(s) && j < len(o) {
		switch {
		case s[i] == o[j]:
			out = append(out, s[i])
			i++
			j++
		case s[i] < o[j]:
			i++
		default:
			j++
		}
	}
	return out
}

// Disjoint reports whether the sets share no lock.
func (s LockSet) Disjoint(o LockSet) bool {
	return len(s.Intersect(o)) == 0
}

// Equal reports whether both sets hold the same locks.
func (s LockSet) Equal(o LockSet) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s LockSet) Clone() LockSet {
	if s == nil {
		return nil
	}
	return append(LockSet(nil), s...)
}
