// Package instrument - Instrumentation points and their application.
//
// Every pass works in two steps. It first walks the module and records
// where probes go as InstrumentPoints, then applies them all at once, so
// instruction indices stay valid during the walk.
package instrument

import (
	"fmt"
	"sort"

	"github.com/kolkov/probekit/internal/ir"
)

// InstrumentStats tracks what instrumentation inserted.
//
//	probekit instrument -v if.yaml
//	  cov.block: 7
//	  cov.edge:  4
//	  cov.func:  1
//	  2 edge blocks, 0 unattributed
//
//nolint:revive // InstrumentStats reads better than Stats at call sites
type InstrumentStats struct {
	Probes       map[ir.ProbeKind]int // probes per kind
	EdgeBlocks   int                  // synthetic blocks created by edge splitting
	Unattributed int                  // probes on instructions without a source line
	Coalescing   CoalescingStats
}

// Total returns the number of probes inserted.
func (s *InstrumentStats) Total() int {
	n := 0
	for _, c := range s.Probes {
		n += c
	}
	return n
}

// Kinds returns the probe kinds that were inserted, sorted.
func (s *InstrumentStats) Kinds() []ir.ProbeKind {
	kinds := make([]ir.ProbeKind, 0, len(s.Probes))
	for k := range s.Probes {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// InstrumentPoint is a probe waiting to be inserted.
//
//nolint:revive // InstrumentPoint is a clear, descriptive name for this type
type InstrumentPoint struct {
	Block *ir.Block
	// Index is the instruction the probe is attached to.
	// len(Block.Instrs) addresses the terminator.
	Index int
	// After places the probe after the instruction instead of before it.
	After bool
	Probe *ir.Probe
	Pos   ir.Pos
}

// state is shared by the passes of one Instrument call.
type state struct {
	mod      *ir.Module
	meta     *ir.Metadata
	opts     Options
	stats    InstrumentStats
	warnings []*InstrumentationError
	warned   map[any]bool
	files    map[string]string
}

func newState(mod *ir.Module, opts Options) *state {
	s := &state{
		mod:    mod,
		meta:   &ir.Metadata{},
		opts:   opts,
		stats:  InstrumentStats{Probes: make(map[ir.ProbeKind]int)},
		warned: make(map[any]bool),
		files:  make(map[string]string, len(mod.Functions)),
	}
	for _, fn := range mod.Functions {
		file := fn.File
		if file == "" {
			file = mod.Source
		}
		s.files[fn.Name] = file
	}
	return s
}

// at records a probe attached to instruction idx of b (or its
// terminator). The probe inherits the instruction's position; when it
// has none the probe is flagged unattributed and a warning is recorded.
func (s *state) at(fn *ir.Function, b *ir.Block, idx int, after bool, p *ir.Probe) InstrumentPoint {
	var pos ir.Pos
	var key any
	var what string
	if idx < len(b.Instrs) {
		in := b.Instrs[idx]
		pos, key, what = in.Pos, in, string(in.Op)
	} else {
		pos, key, what = b.Term.Pos, b.Term, string(b.Term.Op)
	}
	if pos.IsZero() {
		p.Unattributed = true
		if !s.warned[key] {
			s.warned[key] = true
			s.warnings = append(s.warnings, NewInstrumentationErrorWithSuggestion(
				s.files[fn.Name], pos,
				fmt.Sprintf("%s: %s in block %s has no source position", fn.Name, what, b.Label),
				"Regenerate the module with debug positions enabled; reports will show the function without a line",
			))
		}
	}
	return InstrumentPoint{Block: b, Index: idx, After: after, Probe: p, Pos: pos}
}

// entry records a probe at the very start of a function.
func (s *state) entry(fn *ir.Function, p *ir.Probe) InstrumentPoint {
	return InstrumentPoint{Block: fn.Entry(), Index: 0, Probe: p, Pos: fn.Pos}
}

// apply inserts the points. Points at the same place keep the order in
// which they were recorded.
func (s *state) apply(points []InstrumentPoint) {
	byBlock := make(map[*ir.Block][]InstrumentPoint)
	var order []*ir.Block
	for _, pt := range points {
		if _, ok := byBlock[pt.Block]; !ok {
			order = append(order, pt.Block)
		}
		byBlock[pt.Block] = append(byBlock[pt.Block], pt)
	}

	for _, b := range order {
		pts := byBlock[b]
		before := make(map[int][]*ir.Instr)
		after := make(map[int][]*ir.Instr)
		for _, pt := range pts {
			probe := s.probeInstr(pt)
			if pt.After {
				after[pt.Index] = append(after[pt.Index], probe)
			} else {
				before[pt.Index] = append(before[pt.Index], probe)
			}
		}
		out := make([]*ir.Instr, 0, len(b.Instrs)+len(pts))
		for i, in := range b.Instrs {
			out = append(out, before[i]...)
			out = append(out, in)
			out = append(out, after[i]...)
		}
		out = append(out, before[len(b.Instrs)]...)
		b.Instrs = out
	}
}

func (s *state) probeInstr(pt InstrumentPoint) *ir.Instr {
	s.count(pt.Probe)
	return &ir.Instr{Op: ir.OpProbe, Probe: pt.Probe, Pos: pt.Pos}
}

func (s *state) count(p *ir.Probe) {
	s.stats.Probes[p.Kind]++
	if p.Unattributed {
		s.stats.Unattributed++
	}
}

// eachInstr calls f for every original (non-probe) instruction.
func eachInstr(mod *ir.Module, f func(fn *ir.Function, b *ir.Block, idx int, in *ir.Instr)) {
	for _, fn := range mod.Functions {
		for _, b := range fn.Blocks {
			for i, in := range b.Instrs {
				if in.Op == ir.OpProbe {
					continue
				}
				f(fn, b, i, in)
			}
		}
	}
}
