package instrument

import (
	"testing"

	"github.com/kolkov/probekit/internal/ir"
)

func TestNewCoalescingAnalyzer(t *testing.T) {
	analyzer := NewCoalescingAnalyzer()
	if analyzer == nil {
		t.Fatal("NewCoalescingAnalyzer returned nil")
	}
	if len(analyzer.groups) != 0 {
		t.Errorf("Expected empty groups, got %d", len(analyzer.groups))
	}
	if got := analyzer.GetCoalescingReduction(); got != 0 {
		t.Errorf("GetCoalescingReduction() = %v, want 0", got)
	}
}

func TestHasBarrierBetween(t *testing.T) {
	block := func(mid *ir.Instr) *ir.Block {
		return &ir.Block{Label: "b", Instrs: []*ir.Instr{
			{Op: ir.OpLoad, Dst: "v", X: ir.Reg("p")},
			mid,
			{Op: ir.OpStore, X: ir.Reg("p"), Y: ir.Reg("v")},
		}}
	}
	tests := []struct {
		name     string
		mid      *ir.Instr
		addr     ir.Value
		expected bool
	}{
		{"arithmetic", &ir.Instr{Op: ir.OpBin, Dst: "v", Pred: "add", X: ir.Reg("v"), Y: ir.Const(1)}, ir.Reg("p"), false},
		{"call", &ir.Instr{Op: ir.OpCall, Callee: "f"}, ir.Reg("p"), true},
		{"lock", &ir.Instr{Op: ir.OpLock, X: ir.GlobalAddr("mu")}, ir.Reg("p"), true},
		{"join", &ir.Instr{Op: ir.OpJoin, X: ir.Reg("t")}, ir.Reg("p"), true},
		{"address redefined", &ir.Instr{Op: ir.OpMov, Dst: "p", X: ir.Reg("q")}, ir.Reg("p"), true},
		{"global address", &ir.Instr{Op: ir.OpMov, Dst: "p", X: ir.Reg("q")}, ir.GlobalAddr("p"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := hasBarrierBetween(block(tt.mid), 0, 2, tt.addr)
			if got != tt.expected {
				t.Errorf("hasBarrierBetween() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestCoalesceKeepsOtherProbes(t *testing.T) {
	b := &ir.Block{Label: "b", Instrs: []*ir.Instr{
		{Op: ir.OpLoad, Dst: "v", X: ir.GlobalAddr("x")},
		{Op: ir.OpLoad, Dst: "w", X: ir.GlobalAddr("x")},
		{Op: ir.OpUnlock, X: ir.GlobalAddr("mu")},
		{Op: ir.OpLoad, Dst: "u", X: ir.GlobalAddr("x")},
	}}
	pos := ir.Pos{Line: 3}
	access := func(idx int) InstrumentPoint {
		return InstrumentPoint{Block: b, Index: idx, Pos: pos,
			Probe: &ir.Probe{Kind: ir.ProbeRaceAccess, Addr: ir.GlobalAddr("x")}}
	}
	points := []InstrumentPoint{
		access(0),
		access(1),
		{Block: b, Index: 2, Pos: pos, Probe: &ir.Probe{Kind: ir.ProbeRaceUnlock, Addr: ir.GlobalAddr("mu")}},
		access(3),
	}

	analyzer := NewCoalescingAnalyzer()
	out, stats := analyzer.Coalesce(points)

	if len(out) != 3 {
		t.Fatalf("len(Coalesce()) = %d, want 3", len(out))
	}
	if out[0].Probe.Write {
		t.Error("merged read group became a write")
	}
	if out[1].Probe.Kind != ir.ProbeRaceUnlock {
		t.Errorf("out[1] = %s, want %s", out[1].Probe.Kind, ir.ProbeRaceUnlock)
	}
	want := CoalescingStats{TotalOperations: 3, CoalescedOperations: 2, GroupsCreated: 1, BarriersRemoved: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
	if got := analyzer.GetCoalescingReduction(); got < 33.3 || got > 33.4 {
		t.Errorf("GetCoalescingReduction() = %v, want ~33.3", got)
	}
}

func TestCoalesceSkipsUnattributed(t *testing.T) {
	b := &ir.Block{Label: "b", Instrs: []*ir.Instr{
		{Op: ir.OpLoad, Dst: "v", X: ir.GlobalAddr("x")},
		{Op: ir.OpStore, X: ir.GlobalAddr("x"), Y: ir.Reg("v")},
	}}
	points := []InstrumentPoint{
		{Block: b, Index: 0, Probe: &ir.Probe{Kind: ir.ProbeRaceAccess, Addr: ir.GlobalAddr("x")}},
		{Block: b, Index: 1, Probe: &ir.Probe{Kind: ir.ProbeRaceAccess, Addr: ir.GlobalAddr("x"), Write: true}},
	}
	out, stats := NewCoalescingAnalyzer().Coalesce(points)
	if len(out) != 2 {
		t.Errorf("len(Coalesce()) = %d, want 2", len(out))
	}
	if stats.GroupsCreated != 0 {
		t.Errorf("GroupsCreated = %d, want 0", stats.GroupsCreated)
	}
}
