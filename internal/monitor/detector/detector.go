package detector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kolkov/probekit/internal/monitor/shadowmem"
	"github.com/kolkov/probekit/internal/monitor/stackdepot"
	"github.com/kolkov/probekit/internal/monitor/syncshadow"
	"github.com/kolkov/probekit/internal/monitor/thread"
	"github.com/kolkov/probekit/internal/monitor/vectorclock"
	"github.com/kolkov/probekit/internal/srcmap"
)

// Algorithm selects the race detection algorithm.
type Algorithm string

// Supported algorithms.
const (
	Hybrid  Algorithm = "hybrid"
	Lockset Algorithm = "lockset"
)

// ParseAlgorithm validates an algorithm name. The empty string selects Hybrid.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "", Hybrid:
		return Hybrid, nil
	case Lockset:
		return Lockset, nil
	}
	return "", fmt.Errorf("detector: unknown race algorithm %q (want hybrid or lockset)", s)
}

// Var is the stable identity of a program variable.
type Var struct {
	Name string
	Decl int
}

// Lock is the identity of a program mutex.
type Lock struct {
	Addr uint64
	Name string
	Decl int
}

// Access describes one instrumented load or store.
type Access struct {
	Addr  uint64
	Var   Var
	Write bool
	Line  int
	// Stack is the call stack at the access, innermost first. Optional.
	Stack []srcmap.Location
}

type dedupKey struct {
	name string
	decl int
	line int
}

// Detector holds the race detection state of one run.
type Detector struct {
	algo    Algorithm
	threads *thread.Registry
	shadow  *shadowmem.ShadowMemory
	syncs   *syncshadow.SyncShadow
	depot   *stackdepot.Depot

	mu       sync.Mutex
	locks    map[uint64]Lock
	reported map[dedupKey]bool
	reports  []*RaceReport
}

// New creates a detector. threads is shared with the caller, which
// creates and joins thread contexts on spawn and join.
func New(algo Algorithm, threads *thread.Registry, depot *stackdepot.Depot) *Detector {
	if depot == nil {
		depot = stackdepot.New()
	}
	return &Detector{
		algo:     algo,
		threads:  threads,
		shadow:   shadowmem.NewShadowMemory(),
		syncs:    syncshadow.NewSyncShadow(),
		depot:    depot,
		locks:    make(map[uint64]Lock),
		reported: make(map[dedupKey]bool),
	}
}

// Algorithm returns the algorithm in use.
func (d *Detector) Algorithm() Algorithm { return d.algo }

// OnAccess handles a load (Write false) or store by thread tid.
//
// Algorithm (hybrid):
//
//  1. Get the thread context and the variable's shadow cell
//  2. Scan records of other threads for an unordered, conflicting,
//     lock-disjoint access
//  3. Record this access (deduplicated, latest epoch wins)
//  4. Report the first conflict found, if any
//
// Lockset mode refines C(v), advances the Eraser state machine and reports
// a write in SharedModified with an empty C(v).
func (d *Detector) OnAccess(tid vectorclock.TID, a Access) {
	ctx := d.threads.Get(tid)
	if ctx == nil {
		return
	}

	rec := shadowmem.Access{
		TID:   tid,
		Write: a.Write,
		Line:  a.Line,
		Locks: ctx.Held.Clone(),
		Epoch: ctx.Epoch,
		Stack: d.depot.Put(a.Stack),
	}

	vs := d.shadow.GetOrCreate(a.Addr)
	vs.Lock()
	var prior *shadowmem.Access
	switch d.algo {
	case Lockset:
		vs.Refine(ctx.Held)
		if vs.Transition(tid, a.Write) && len(vs.Candidates) == 0 {
			// Eraser has no single conflicting access to point at.
			prior = &shadowmem.Access{}
		}
	default:
		for i := range vs.Accesses {
			r := vs.Accesses[i]
			if r.TID == tid || r.Epoch.HappensBefore(ctx.C) {
				continue
			}
			if !r.Write && !a.Write {
				continue
			}
			if !r.Locks.Disjoint(ctx.Held) {
				continue
			}
			prior = &r
			break
		}
	}
	vs.Record(rec)
	vs.Unlock()

	if prior != nil {
		d.report(a, rec, *prior)
	}
}

// OnAcquire handles a completed lock of mutex l by thread tid.
func (d *Detector) OnAcquire(tid vectorclock.TID, l Lock) {
	ctx := d.threads.Get(tid)
	if ctx == nil {
		return
	}
	d.remember(l)
	ctx.Acquire(l.Addr, d.syncs.GetOrCreate(l.Addr).ReleaseClock())
}

// OnRelease handles an imminent unlock of mutex l by thread tid.
func (d *Detector) OnRelease(tid vectorclock.TID, l Lock) {
	ctx := d.threads.Get(tid)
	if ctx == nil {
		return
	}
	d.remember(l)
	d.syncs.GetOrCreate(l.Addr).SetReleaseClock(ctx.Release(l.Addr))
}

func (d *Detector) remember(l Lock) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.locks[l.Addr]; !ok {
		d.locks[l.Addr] = l
	}
}

func (d *Detector) report(a Access, cur, prev shadowmem.Access) {
	key := dedupKey{a.Var.Name, a.Var.Decl, a.Line}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reported[key] {
		return
	}
	d.reported[key] = true
	d.reports = append(d.reports, &RaceReport{
		Number: len(d.reports),
		Addr:   a.Addr,
		Var:    a.Var,
		Current: AccessInfo{
			TID:   cur.TID,
			Type:  accessType(cur.Write),
			Line:  cur.Line,
			Epoch: cur.Epoch,
			Stack: d.depot.Get(cur.Stack),
		},
		Previous: AccessInfo{
			TID:   prev.TID,
			Type:  accessType(prev.Write),
			Line:  prev.Line,
			Epoch: prev.Epoch,
			Stack: d.depot.Get(prev.Stack),
		},
	})
}

// RacesDetected returns the number of distinct races reported so far.
func (d *Detector) RacesDetected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reports)
}

// Reports returns a copy of every report in detection order, with the
// related locks of each variable resolved from all accesses seen so far.
func (d *Detector) Reports() []RaceReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]RaceReport, len(d.reports))
	for i, r := range d.reports {
		out[i] = *r
		out[i].Locks = d.relatedLocks(r.Addr)
	}
	return out
}

// relatedLocks must be called with d.mu held.
func (d *Detector) relatedLocks(addr uint64) []Lock {
	vs := d.shadow.Get(addr)
	if vs == nil {
		return nil
	}
	vs.Lock()
	observed := vs.Observed.Clone()
	vs.Unlock()

	locks := make([]Lock, 0, len(observed))
	for _, a := range observed {
		l, ok := d.locks[a]
		if !ok {
			l = Lock{Addr: a}
		}
		locks = append(locks, l)
	}
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].Decl != locks[j].Decl {
			return locks[i].Decl < locks[j].Decl
		}
		return locks[i].Name < locks[j].Name
	})
	return locks
}
