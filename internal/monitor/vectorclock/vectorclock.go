// Package vectorclock implements vector clocks for tracking happens-before
// relations between program threads.
//
// Key operations:
//   - Join: point-wise maximum, used on lock acquire and thread join
//   - LessOrEqual: partial order check, used to rule out races
//
// Clocks grow on demand: a thread id that was never written reads as 0,
// so programs are not limited to a fixed number of threads.
package vectorclock

import (
	"strconv"
	"strings"
)

// TID identifies a program thread. The main thread is 0.
type TID uint32

// VectorClock represents logical time across threads.
//
// Element i holds the clock of thread i. Missing trailing elements are 0.
//
// Example: {0:50, 1:30, 2:60} means Thread0@50, Thread1@30, Thread2@60.
//
// Thread Safety: not safe for concurrent mutation. Owners (thread contexts,
// sync variables) are guarded by the monitor.
type VectorClock struct {
	clocks []uint32
}

// New creates a zero vector clock.
func New() *VectorClock {
	return &VectorClock{}
}

// Clone creates a deep copy of the vector clock.
//
// Used when a snapshot of logical time must outlive further updates, for
// example the release clock stored in a lock on unlock.
func (vc *VectorClock) Clone() *VectorClock {
	return &VectorClock{clocks: append([]uint32(nil), vc.clocks...)}
}

// Join performs point-wise maximum: vc = vc ⊔ other.
//
// This is the synchronization operation: a thread acquiring a lock joins
// the lock's release clock, a joining thread joins the child's final clock.
func (vc *VectorClock) Join(other *VectorClock) {
	if other == nil {
		return
	}
	vc.grow(len(other.clocks))
	for i, c := range other.clocks {
		if c > vc.clocks[i] {
			vc.clocks[i] = c
		}
	}
}

// LessOrEqual checks partial order: vc ⊑ other.
//
// Returns true if vc[i] <= other[i] for every thread i.
func (vc *VectorClock) LessOrEqual(other *VectorClock) bool {
	for i, c := range vc.clocks {
		if c > other.Get(TID(i)) {
			return false
		}
	}
	return true
}

// Increment advances the clock of thread tid.
func (vc *VectorClock) Increment(tid TID) {
	vc.grow(int(tid) + 1)
	vc.clocks[tid]++
}

// Get returns the clock value of thread tid.
func (vc *VectorClock) Get(tid TID) uint32 {
	if vc == nil || int(tid) >= len(vc.clocks) {
		return 0
	}
	return vc.clocks[tid]
}

// Set sets the clock value of thread tid.
func (vc *VectorClock) Set(tid TID, clock uint32) {
	vc.grow(int(tid) + 1)
	vc.clocks[tid] = clock
}

// Len returns one past the highest thread id with a stored element.
func (vc *VectorClock) Len() int {
	return len(vc.clocks)
}

func (vc *VectorClock) grow(n int) {
	if n <= len(vc.clocks) {
		return
	}
	if n <= cap(vc.clocks) {
		vc.clocks = vc.clocks[:n]
		return
	}
	grown := make([]uint32, n, max(n, 2*cap(vc.clocks)))
	copy(grown, vc.clocks)
	vc.clocks = grown
}

// String returns a debug representation showing only non-zero clocks.
//
// Example: "{0:50, 1:30, 5:42}".
func (vc *VectorClock) String() string {
	var parts []string
	for i, c := range vc.clocks {
		if c != 0 {
			parts = append(parts, strconv.Itoa(i)+":"+strconv.FormatUint(uint64(c), 10))
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
