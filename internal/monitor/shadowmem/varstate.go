package shadowmem

import (
	"sync"

	"github.com/kolkov/probekit/internal/monitor/epoch"
	"github.com/kolkov/probekit/internal/monitor/thread"
	"github.com/kolkov/probekit/internal/monitor/vectorclock"
)

// Access is one recorded access to a variable.
type Access struct {
	TID   vectorclock.TID
	Write bool
	Line  int
	Locks thread.LockSet
	Epoch epoch.Epoch
	// Stack is the stack depot id of the access, 0 if none was captured.
	Stack uint64
}

// Phase is the lockset state of a variable.
//
//	Virgin ──write──▶ Exclusive ──other thread reads──▶ Shared
//	                      │                               │
//	                      └──other thread writes──▶ SharedModified ◀──write
type Phase uint8

// Lockset phases.
const (
	Virgin Phase = iota
	Exclusive
	Shared
	SharedModified
)

func (p Phase) String() string {
	switch p {
	case Exclusive:
		return "exclusive"
	case Shared:
		return "shared"
	case SharedModified:
		return "shared-modified"
	default:
		return "virgin"
	}
}

// VarState is the shadow cell of one variable.
//
// It keeps:
//   - Accesses: the history used by the happens-before/lockset hybrid
//   - Observed: every lock held at any access, for reports
//   - Phase, Threads, Candidates: the pure lockset state machine
//
// Callers must hold the cell with Lock/Unlock around reads and updates.
type VarState struct {
	mu sync.Mutex

	Accesses []Access
	Observed thread.LockSet

	Phase      Phase
	Threads    map[vectorclock.TID]bool
	Candidates thread.LockSet
	refined    bool
}

// NewVarState returns a Virgin cell with no history.
func NewVarState() *VarState {
	return &VarState{Threads: make(map[vectorclock.TID]bool)}
}

// Lock acquires the cell.
func (vs *VarState) Lock() { vs.mu.Lock() }

// Unlock releases the cell.
func (vs *VarState) Unlock() { vs.mu.Unlock() }

// Record appends an access to the history.
//
// Accesses are deduplicated by (thread, kind, line, lock set): a repeated
// access replaces the earlier record so the history keeps the latest
// epoch and stays bounded by the program's distinct access sites.
func (vs *VarState) Record(a Access) {
	for _, l := range a.Locks {
		vs.Observed = vs.Observed.With(l)
	}
	for i := range vs.Accesses {
		r := &vs.Accesses[i]
		if r.TID == a.TID && r.Write == a.Write && r.Line == a.Line && r.Locks.Equal(a.Locks) {
			*r = a
			return
		}
	}
	vs.Accesses = append(vs.Accesses, a)
}

// Refine intersects the candidate lock set with held (C(v) ∩= held).
// The first refinement initializes C(v) to held.
func (vs *VarState) Refine(held thread.LockSet) {
	if !vs.refined {
		vs.Candidates = held.Clone()
		vs.refined = true
		return
	}
	vs.Candidates = vs.Candidates.Intersect(held)
}

// Transition advances the lockset state machine for an access by tid and
// reports whether the variable is now in a state where an empty candidate
// set is a race (a write in SharedModified).
func (vs *VarState) Transition(tid vectorclock.TID, write bool) bool {
	switch vs.Phase {
	case Virgin:
		if write {
			vs.Phase = Exclusive
			vs.Threads[tid] = true
		}
	case Exclusive:
		if vs.Threads[tid] {
			return false
		}
		vs.Threads[tid] = true
		if write {
			vs.Phase = SharedModified
		} else {
			vs.Phase = Shared
		}
	case Shared:
		if write {
			vs.Phase = SharedModified
			vs.Threads[tid] = true
		}
	case SharedModified:
		return write
	}
	return false
}
