// Package instrument - Static coalescing of race probes.
//
// Consecutive accesses to the same address on the same source line share
// one race.access probe placed before the first of them. A read-modify-
// write such as counter++ lowers to a load and a store of @counter at one
// line; after coalescing it costs a single write probe.
//
//	// BEFORE (2 probes):
//	probe race.access @counter (read)
//	%c = load @counter
//	%c = add %c, 1
//	probe race.access @counter (write)
//	store @counter, %c
//
//	// AFTER (1 probe):
//	probe race.access @counter (write)
//	%c = load @counter
//	%c = add %c, 1
//	store @counter, %c
//
// A race is reported per (variable, line) and a write conflicts with
// everything a read conflicts with, so reports are unchanged.
//
// Coalescing is conservative. A group breaks on:
//  1. A different block, address operand or source line
//  2. An intervening call, spawn, join, lock or unlock
//  3. An intervening redefinition of the address register
//
// Thread Safety: NOT thread-safe (single-threaded instrumentation).
package instrument

import (
	"github.com/kolkov/probekit/internal/ir"
)

// CoalescingGroup is a run of race.access points sharing one probe.
type CoalescingGroup struct {
	Block  *ir.Block
	Addr   ir.Value
	Line   int
	Points []InstrumentPoint
	// Write is set when any access of the group writes.
	Write bool
}

// CoalescingStats tracks coalescing results.
//
//	Coalescing Statistics:
//	  - 10 accesses total
//	  - 6 accesses coalesced into 3 groups
//	  - 3 probes removed
type CoalescingStats struct {
	TotalOperations     int // race.access points analyzed
	CoalescedOperations int // points that ended up in a group of 2+
	GroupsCreated       int // groups of 2+ points
	BarriersRemoved     int // CoalescedOperations - GroupsCreated
}

// CoalescingAnalyzer groups race.access points.
type CoalescingAnalyzer struct {
	groups       []CoalescingGroup
	currentGroup *CoalescingGroup
	stats        CoalescingStats
}

// NewCoalescingAnalyzer creates a new analyzer instance.
func NewCoalescingAnalyzer() *CoalescingAnalyzer {
	return &CoalescingAnalyzer{
		groups: make([]CoalescingGroup, 0, 10),
	}
}

// Coalesce returns points with every group of 2+ race.access points
// replaced by a single one. Other points pass through untouched. points
// must be in instruction order within each block.
func (ca *CoalescingAnalyzer) Coalesce(points []InstrumentPoint) ([]InstrumentPoint, CoalescingStats) {
	var accesses []InstrumentPoint
	for _, pt := range points {
		if pt.Probe.Kind == ir.ProbeRaceAccess {
			accesses = append(accesses, pt)
		}
	}
	ca.stats.TotalOperations = len(accesses)

	for i := range accesses {
		pt := accesses[i]
		if ca.canJoinCurrentGroup(&pt) {
			ca.addToCurrentGroup(&pt)
		} else {
			ca.finalizeCurrentGroup()
			ca.startNewGroup(&pt)
		}
	}
	ca.finalizeCurrentGroup()
	ca.calculateStats()

	// The first point of a group carries the merged probe, the rest go.
	drop := make(map[*ir.Probe]bool)
	for _, g := range ca.groups {
		g.Points[0].Probe.Write = g.Write
		for _, pt := range g.Points[1:] {
			drop[pt.Probe] = true
		}
	}
	out := make([]InstrumentPoint, 0, len(points)-ca.stats.BarriersRemoved)
	for _, pt := range points {
		if !drop[pt.Probe] {
			out = append(out, pt)
		}
	}
	return out, ca.stats
}

func (ca *CoalescingAnalyzer) canJoinCurrentGroup(pt *InstrumentPoint) bool {
	g := ca.currentGroup
	if g == nil {
		return false
	}
	if pt.Block != g.Block || pt.Probe.Addr != g.Addr || pt.Pos.Line != g.Line || g.Line == 0 {
		return false
	}
	last := g.Points[len(g.Points)-1]
	return !hasBarrierBetween(pt.Block, last.Index, pt.Index, g.Addr)
}

func (ca *CoalescingAnalyzer) addToCurrentGroup(pt *InstrumentPoint) {
	ca.currentGroup.Points = append(ca.currentGroup.Points, *pt)
	ca.currentGroup.Write = ca.currentGroup.Write || pt.Probe.Write
}

func (ca *CoalescingAnalyzer) startNewGroup(pt *InstrumentPoint) {
	ca.currentGroup = &CoalescingGroup{
		Block:  pt.Block,
		Addr:   pt.Probe.Addr,
		Line:   pt.Pos.Line,
		Points: []InstrumentPoint{*pt},
		Write:  pt.Probe.Write,
	}
}

// finalizeCurrentGroup keeps the current group if it has 2+ points.
func (ca *CoalescingAnalyzer) finalizeCurrentGroup() {
	if ca.currentGroup == nil {
		return
	}
	if len(ca.currentGroup.Points) >= 2 {
		ca.groups = append(ca.groups, *ca.currentGroup)
	}
	ca.currentGroup = nil
}

func (ca *CoalescingAnalyzer) calculateStats() {
	ca.stats.GroupsCreated = len(ca.groups)
	total := 0
	for _, g := range ca.groups {
		total += len(g.Points)
	}
	ca.stats.CoalescedOperations = total
	ca.stats.BarriersRemoved = total - ca.stats.GroupsCreated
}

// GetCoalescingReduction returns the percentage of probes removed.
func (ca *CoalescingAnalyzer) GetCoalescingReduction() float64 {
	if ca.stats.TotalOperations == 0 {
		return 0.0
	}
	return (float64(ca.stats.BarriersRemoved) / float64(ca.stats.TotalOperations)) * 100.0
}

// hasBarrierBetween reports whether an instruction strictly between from
// and to orders memory with other threads or redefines addr.
func hasBarrierBetween(b *ir.Block, from, to int, addr ir.Value) bool {
	for i := from + 1; i < to && i < len(b.Instrs); i++ {
		in := b.Instrs[i]
		switch in.Op {
		case ir.OpCall, ir.OpSpawn, ir.OpJoin, ir.OpLock, ir.OpUnlock:
			return true
		}
		if addr.Kind == ir.ValReg && in.Dst == addr.Name {
			return true
		}
	}
	return false
}
