// Package monitor is the runtime library behind instrumented programs.
//
// A Monitor owns every piece of mutable analysis state of one run:
// coverage counters, the race detector with its thread contexts, the
// memory-safety byte shadow and allocation records, and the symbolic
// path state. The VM delivers every probe and thread lifecycle event to
// Monitor.Handle; nothing else mutates the state.
//
// Thread Safety: Handle is called concurrently by program threads. Each
// analysis guards its own tables; coverage counters are atomic.
package monitor

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/kolkov/probekit/internal/ir"
	"github.com/kolkov/probekit/internal/logging"
	"github.com/kolkov/probekit/internal/monitor/detector"
	"github.com/kolkov/probekit/internal/monitor/shadowmem"
	"github.com/kolkov/probekit/internal/monitor/stackdepot"
	"github.com/kolkov/probekit/internal/monitor/thread"
	"github.com/kolkov/probekit/internal/monitor/vectorclock"
	"github.com/kolkov/probekit/internal/srcmap"
	"github.com/kolkov/probekit/internal/symbolic"
	"github.com/kolkov/probekit/internal/vm"
)

// ExitViolation is the exit status of a program halted by a
// memory-safety violation.
const ExitViolation = 99

// Options configure a Monitor.
type Options struct {
	// Meta is the metadata emitted by instrumentation.
	Meta *ir.Metadata
	// Race selects the race detection algorithm.
	Race detector.Algorithm
	// Redzone is the number of poisoned bytes on each side of an
	// allocation. It must not exceed the VM's redzone.
	Redzone uint64

	// Inputs are the symbolic input values of this run.
	Inputs symbolic.Model
	// Prefix is the number of leading symbolic branches already decided
	// by the path this run was forked from.
	Prefix int
	Solver symbolic.Solver

	Logger *log.Logger
}

// Monitor is the analysis state of one run.
type Monitor struct {
	meta   *ir.Metadata
	log    *log.Logger
	depot  *stackdepot.Depot
	thread *thread.Registry

	cov  *coverage
	race *detector.Detector
	mem  *memSafety
	sym  *symState

	mu       sync.Mutex
	complete bool
}

// New creates the monitor for one run.
func New(opts Options) *Monitor {
	lg := opts.Logger
	if lg == nil {
		lg = logging.Discard()
	}
	meta := opts.Meta
	if meta == nil {
		meta = &ir.Metadata{}
	}
	m := &Monitor{
		meta:   meta,
		log:    lg,
		depot:  stackdepot.New(),
		thread: thread.NewRegistry(),
	}
	if meta.Coverage != nil {
		m.cov = newCoverage(meta.Coverage)
	}
	if meta.Has(ir.ModeRace) {
		algo := opts.Race
		if algo == "" {
			algo = detector.Hybrid
		}
		m.race = detector.New(algo, m.thread, m.depot)
	}
	if meta.Has(ir.ModeMemSafety) {
		rz := opts.Redzone
		if rz == 0 {
			rz = vm.DefaultRedzone
		}
		m.mem = newMemSafety(shadowmem.NewBytes(), rz)
	}
	if meta.Has(ir.ModeSymbolic) {
		solver := opts.Solver
		if solver == nil {
			solver = symbolic.NewSolver()
		}
		m.sym = newSymState(opts.Inputs, opts.Prefix, solver)
	}
	return m
}

// Handle implements vm.Handler. It is the single entry point for probes.
//
// Flow:
//  1. Thread lifecycle events update the thread registry (happens-before)
//  2. Probe events are routed to the analysis of their mode
//  3. A memory-safety violation is returned as *Violation, halting the VM
//
// Probes of a mode that was not instrumented are ignored.
func (m *Monitor) Handle(ev *vm.Event) error {
	switch ev.Kind {
	case vm.ThreadSpawn:
		if m.thread.Spawn(vectorclock.TID(ev.TID), vectorclock.TID(ev.Child)) == nil {
			m.log.Warn("spawn from unknown thread", "parent", ev.TID, "child", ev.Child)
		}
		return nil
	case vm.ThreadExit:
		if ctx := m.thread.Get(vectorclock.TID(ev.TID)); ctx != nil {
			ctx.Exit()
		}
		return nil
	case vm.ThreadJoin:
		joiner := m.thread.Get(vectorclock.TID(ev.TID))
		child := m.thread.Get(vectorclock.TID(ev.Child))
		if joiner != nil && child != nil {
			joiner.Join(child)
		}
		return nil
	}

	switch ev.Kind {
	case ir.ProbeCovFunc, ir.ProbeCovBlock, ir.ProbeCovEdge:
		if m.cov != nil {
			m.cov.hit(ev.Kind, ev.Probe.ID)
		}
	case ir.ProbeRaceAccess, ir.ProbeRaceLock, ir.ProbeRaceUnlock:
		if m.race != nil {
			m.handleRace(ev)
		}
	case ir.ProbeMemCheck, ir.ProbeMemAlloc, ir.ProbeMemFree, ir.ProbeMemEnter, ir.ProbeMemLeave:
		if m.mem != nil {
			if v := m.mem.handle(ev); v != nil {
				m.log.Debug("memory-safety violation", "kind", v.Kind, "addr", fmt.Sprintf("0x%x", v.Addr))
				return v
			}
		}
	case ir.ProbeSymMake, ir.ProbeSymBranch:
		if m.sym != nil {
			m.sym.handle(ev)
		}
	default:
		m.log.Warn("unknown probe kind", "kind", ev.Kind)
	}
	return nil
}

// handleRace resolves the identities behind a race probe.
func (m *Monitor) handleRace(ev *vm.Event) {
	tid := vectorclock.TID(ev.TID)
	switch ev.Kind {
	case ir.ProbeRaceAccess:
		var stack []srcmap.Location
		if ev.Stack != nil {
			stack = ev.Stack()
		}
		m.race.OnAccess(tid, detector.Access{
			Addr:  ev.Addr,
			Var:   m.raceVar(ev),
			Write: ev.Probe.Write,
			Line:  ev.Loc.Line,
			Stack: stack,
		})
	case ir.ProbeRaceLock:
		m.race.OnAcquire(tid, m.raceLock(ev))
	case ir.ProbeRaceUnlock:
		m.race.OnRelease(tid, m.raceLock(ev))
	}
}

func (m *Monitor) raceVar(ev *vm.Event) detector.Var {
	if rm := m.meta.Race; rm != nil && ev.Probe.ID >= 0 && ev.Probe.ID < len(rm.Vars) {
		s := rm.Vars[ev.Probe.ID]
		return detector.Var{Name: s.Name, Decl: s.Decl}
	}
	return regionVar(ev.Region)
}

func (m *Monitor) raceLock(ev *vm.Event) detector.Lock {
	l := detector.Lock{Addr: ev.Addr}
	if rm := m.meta.Race; rm != nil && ev.Probe.ID >= 0 && ev.Probe.ID < len(rm.Locks) {
		l.Name, l.Decl = rm.Locks[ev.Probe.ID].Name, rm.Locks[ev.Probe.ID].Decl
		return l
	}
	v := regionVar(ev.Region)
	l.Name, l.Decl = v.Name, v.Decl
	return l
}

// regionVar names an allocation: globals and locals by their name, heap
// blocks by their allocation line.
func regionVar(r *vm.Region) detector.Var {
	switch {
	case r == nil:
		return detector.Var{Name: "<unknown>"}
	case r.Name != "":
		return detector.Var{Name: r.Name, Decl: r.Decl}
	default:
		return detector.Var{Name: fmt.Sprintf("<%s@%d>", r.Kind, r.Decl), Decl: r.Decl}
	}
}

// MarkComplete records that the program ran to an end. Snapshots taken
// before are partial.
func (m *Monitor) MarkComplete() {
	m.mu.Lock()
	m.complete = true
	m.mu.Unlock()
}
