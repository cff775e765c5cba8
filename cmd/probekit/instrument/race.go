package instrument

import (
	"github.com/kolkov/probekit/internal/ir"
)

// racePass inserts race.access before loads and stores of shared memory
// and race.lock/race.unlock around mutex operations.
//
// Shared memory is an integer or array global, or an allocation that
// escapes to another thread. Accesses to thread-local memory are left
// alone.
type racePass struct{}

func (racePass) Mode() string { return ir.ModeRace }

func (racePass) Run(s *state) error {
	esc := analyzeEscapes(s.mod)
	rm := &ir.RaceMap{Vars: []ir.RaceSym{}, Locks: []ir.RaceSym{}}
	varIDs := make(map[string]int)
	lockIDs := make(map[string]int)

	id := func(ids map[string]int, table *[]ir.RaceSym, v ir.Value) int {
		if v.Kind != ir.ValGlobal {
			return -1
		}
		if i, ok := ids[v.Name]; ok {
			return i
		}
		g := s.mod.Global(v.Name)
		ids[v.Name] = len(*table)
		*table = append(*table, ir.RaceSym{Name: g.Name, Decl: g.Line})
		return ids[v.Name]
	}

	var points []InstrumentPoint
	eachInstr(s.mod, func(fn *ir.Function, b *ir.Block, i int, in *ir.Instr) {
		switch in.Op {
		case ir.OpLoad, ir.OpStore:
			o := esc.value(fn, in.X)
			if !esc.isShared(o) {
				return
			}
			varID := -1
			if o.global != "" {
				g := s.mod.Global(o.global)
				if g.Kind != ir.GlobalInt && g.Kind != ir.GlobalArray {
					return
				}
				varID = id(varIDs, &rm.Vars, ir.GlobalAddr(o.global))
			}
			points = append(points, s.at(fn, b, i, false, &ir.Probe{
				Kind:  ir.ProbeRaceAccess,
				ID:    varID,
				Addr:  in.X,
				Size:  ir.Const(int64(in.Width())),
				Write: in.Op == ir.OpStore,
			}))
		case ir.OpLock:
			points = append(points, s.at(fn, b, i, true, &ir.Probe{
				Kind: ir.ProbeRaceLock,
				ID:   id(lockIDs, &rm.Locks, in.X),
				Addr: in.X,
			}))
		case ir.OpUnlock:
			points = append(points, s.at(fn, b, i, false, &ir.Probe{
				Kind: ir.ProbeRaceUnlock,
				ID:   id(lockIDs, &rm.Locks, in.X),
				Addr: in.X,
			}))
		}
	})

	if s.opts.Coalesce {
		points, s.stats.Coalescing = NewCoalescingAnalyzer().Coalesce(points)
	}
	s.apply(points)
	s.meta.Race = rm
	return nil
}
