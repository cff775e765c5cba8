package instrument

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/probekit/internal/ir"
	"github.com/kolkov/probekit/internal/srcmap"
)

func parse(t *testing.T, src string) *ir.Module {
	t.Helper()
	m, err := ir.Parse([]byte(src))
	require.NoError(t, err)
	return m
}

// kinds lists the probe kinds of a block in order.
func kinds(b *ir.Block) []ir.ProbeKind {
	var out []ir.ProbeKind
	for _, in := range b.Instrs {
		if in.Op == ir.OpProbe {
			out = append(out, in.Probe.Kind)
		}
	}
	return out
}

// ops lists the opcodes of a block, probes by kind.
func ops(b *ir.Block) []string {
	var out []string
	for _, in := range b.Instrs {
		if in.Op == ir.OpProbe {
			out = append(out, string(in.Probe.Kind))
		} else {
			out = append(out, string(in.Op))
		}
	}
	return out
}

const ifModule = `
source: if.c
functions:
  - name: main
    pos: {line: 3, col: 1}
    blocks:
      - label: entry
        instrs:
          - {op: mov, dst: a, x: 2, pos: {line: 4, col: 9}}
          - {op: cmp, dst: c, pred: eq, x: "%a", y: 1, pos: {line: 5, col: 11}}
        term: {op: condbr, cond: "%c", then: yes, else: no, pos: {line: 5, col: 9}}
      - label: yes
        instrs:
          - {op: print, fmt: "one\n", pos: {line: 6, col: 9}}
        term: {op: br, then: done}
      - label: no
        instrs:
          - {op: print, fmt: "other\n", pos: {line: 8, col: 9}}
        term: {op: br, then: done}
      - label: done
        term: {op: ret, x: 0, pos: {line: 10, col: 5}}
`

func TestNormalizeModes(t *testing.T) {
	tests := []struct {
		name    string
		modes   []string
		want    []string
		wantErr bool
	}{
		{"empty", nil, []string{}, false},
		{"pass order", []string{"coverage", "race"}, []string{"race", "coverage"}, false},
		{"duplicates", []string{"memsafety", "memsafety"}, []string{"memsafety"}, false},
		{"all", []string{"symbolic", "coverage", "memsafety", "race"}, ir.Modes, false},
		{"unknown", []string{"tsan"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeModes(tt.modes)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownMode) {
					t.Errorf("NormalizeModes() error = %v, want ErrUnknownMode", err)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInstrumentDoesNotModifyInput(t *testing.T) {
	mod := parse(t, ifModule)
	before, err := mod.Marshal()
	require.NoError(t, err)

	res, err := Instrument(mod, Options{Modes: ir.Modes})
	require.NoError(t, err)
	assert.NotSame(t, mod, res.Module)

	after, err := mod.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestInstrumentNil(t *testing.T) {
	_, err := Instrument(nil, Options{})
	assert.ErrorIs(t, err, ErrNoModule)
}

func TestCoverageEdgeSplitting(t *testing.T) {
	res, err := Instrument(parse(t, ifModule), Options{Modes: []string{ir.ModeCoverage}})
	require.NoError(t, err)
	fn := res.Module.Func("main")

	entry := fn.Entry()
	assert.Equal(t, []ir.ProbeKind{ir.ProbeCovFunc, ir.ProbeCovBlock}, kinds(entry))
	assert.Equal(t, "entry.edge0", entry.Term.Then)
	assert.Equal(t, "entry.edge1", entry.Term.Else)

	e0 := fn.Block("entry.edge0")
	require.NotNil(t, e0)
	assert.True(t, e0.Synthetic)
	assert.Equal(t, []ir.ProbeKind{ir.ProbeCovEdge}, kinds(e0))
	assert.Equal(t, ir.TermBr, e0.Term.Op)
	assert.Equal(t, "yes", e0.Term.Then)

	cm := res.Meta.Coverage
	require.NotNil(t, cm)
	assert.Equal(t, []ir.CovFunc{{Name: "main", File: "if.c", Line: 3}}, cm.Funcs)
	require.Len(t, cm.Blocks, 4)
	assert.Equal(t, []int{4, 5}, cm.Blocks[0].Lines)
	assert.Equal(t, []int{10}, cm.Blocks[3].Lines)
	require.Len(t, cm.Edges, 2)
	assert.Equal(t, "6(8:F)", cm.Edges[0].String())
	assert.Equal(t, "8(6:T)", cm.Edges[1].String())

	assert.Equal(t, 2, res.Stats.EdgeBlocks)
	assert.Equal(t, 1, res.Stats.Probes[ir.ProbeCovFunc])
	assert.Equal(t, 4, res.Stats.Probes[ir.ProbeCovBlock])
	assert.Equal(t, 2, res.Stats.Probes[ir.ProbeCovEdge])
	assert.Equal(t, 7, res.Stats.Total())
	assert.Empty(t, res.Warnings)
}

func TestPairEdges(t *testing.T) {
	tests := []struct {
		name  string
		lines []int
		want  []string
	}{
		{"condbr", []int{7, 9}, []string{"7(9:F)", "9(7:T)"}},
		{"switch even", []int{6, 8, 10, 12}, []string{"6(8:F)", "8(6:T)", "10(12:F)", "12(10:T)"}},
		{"switch odd", []int{6, 8, 14}, []string{"6(8:F)", "8(6:T)", "14(6:T)"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, e := range pairEdges(tt.lines) {
				got = append(got, e.String())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

const raceModule = `
source: race.c
globals:
  - {name: counter, line: 5, kind: int}
  - {name: mu, line: 6, kind: mutex}
  - {name: msg, kind: string, str: "hi"}
functions:
  - name: main
    pos: {line: 20, col: 1}
    blocks:
      - label: entry
        instrs:
          - {op: malloc, dst: shared, x: 8, pos: {line: 21, col: 5}}
          - {op: malloc, dst: local, x: 8, pos: {line: 22, col: 5}}
          - {op: store, x: "%local", y: 1, pos: {line: 23, col: 5}}
          - {op: spawn, dst: t, callee: worker, args: ["%shared"], pos: {line: 24, col: 5}}
          - {op: load, dst: s, x: "@msg", size: 1, pos: {line: 25, col: 5}}
          - {op: join, x: "%t", pos: {line: 26, col: 5}}
        term: {op: ret, x: 0, pos: {line: 27, col: 5}}
  - name: worker
    pos: {line: 10, col: 1}
    params: [p]
    blocks:
      - label: entry
        instrs:
          - {op: lock, x: "@mu", pos: {line: 11, col: 5}}
          - {op: load, dst: c, x: "@counter", pos: {line: 12, col: 5}}
          - {op: bin, dst: c, pred: add, x: "%c", y: 1, pos: {line: 12, col: 5}}
          - {op: store, x: "@counter", y: "%c", pos: {line: 12, col: 5}}
          - {op: unlock, x: "@mu", pos: {line: 13, col: 5}}
          - {op: bin, dst: q, pred: add, x: "%p", y: 4, pos: {line: 14, col: 5}}
          - {op: store, x: "%q", y: 2, pos: {line: 14, col: 5}}
        term: {op: ret, pos: {line: 15, col: 1}}
`

func TestRacePass(t *testing.T) {
	res, err := Instrument(parse(t, raceModule), Options{Modes: []string{ir.ModeRace}})
	require.NoError(t, err)

	main := res.Module.Func("main").Entry()
	assert.Equal(t, []string{"malloc", "malloc", "store", "spawn", "load", "join"}, ops(main),
		"thread-local and string accesses are not instrumented")

	worker := res.Module.Func("worker").Entry()
	assert.Equal(t, []string{
		"lock", "race.lock",
		"race.access", "load", "bin", "race.access", "store",
		"race.unlock", "unlock",
		"bin", "race.access", "store",
	}, ops(worker))

	heap := worker.Instrs[10].Probe
	assert.Equal(t, -1, heap.ID)
	assert.True(t, heap.Write)
	assert.Equal(t, ir.Reg("q"), heap.Addr)

	counter := worker.Instrs[2].Probe
	assert.Equal(t, 0, counter.ID)
	assert.False(t, counter.Write)
	assert.Equal(t, ir.Const(4), counter.Size)

	assert.Equal(t, []ir.RaceSym{{Name: "counter", Decl: 5}}, res.Meta.Race.Vars)
	assert.Equal(t, []ir.RaceSym{{Name: "mu", Decl: 6}}, res.Meta.Race.Locks)
	assert.Equal(t, []string{ir.ModeRace}, res.Meta.Modes)
}

func TestRacePassCoalesce(t *testing.T) {
	res, err := Instrument(parse(t, raceModule), Options{Modes: []string{ir.ModeRace}, Coalesce: true})
	require.NoError(t, err)

	worker := res.Module.Func("worker").Entry()
	assert.Equal(t, []string{
		"lock", "race.lock",
		"race.access", "load", "bin", "store",
		"race.unlock", "unlock",
		"bin", "race.access", "store",
	}, ops(worker))
	assert.True(t, worker.Instrs[2].Probe.Write)
	assert.Equal(t, CoalescingStats{
		TotalOperations:     3,
		CoalescedOperations: 2,
		GroupsCreated:       1,
		BarriersRemoved:     1,
	}, res.Stats.Coalescing)
}

func TestEscapeThroughGlobal(t *testing.T) {
	mod := parse(t, `
source: g.c
globals:
  - {name: gp, line: 3, kind: int, size: 8}
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: call, dst: p, callee: make, pos: {line: 8, col: 5}}
          - {op: store, x: "@gp", y: "%p", size: 8, pos: {line: 9, col: 5}}
          - {op: store, x: "%p", y: 1, pos: {line: 10, col: 5}}
        term: {op: ret, x: 0}
  - name: make
    blocks:
      - label: entry
        instrs:
          - {op: malloc, dst: m, x: 4, pos: {line: 4, col: 5}}
        term: {op: ret, x: "%m"}
`)
	res, err := Instrument(mod, Options{Modes: []string{ir.ModeRace}})
	require.NoError(t, err)
	assert.Equal(t, []string{"call", "race.access", "store", "race.access", "store"},
		ops(res.Module.Func("main").Entry()))
}

const memModule = `
source: mem.c
functions:
  - name: main
    pos: {line: 1, col: 1}
    blocks:
      - label: entry
        instrs:
          - {op: alloca, dst: buf, size: 8, name: buf, pos: {line: 2, col: 5}}
          - {op: malloc, dst: p, x: 4, pos: {line: 3, col: 5}}
          - {op: realloc, dst: q, x: "%p", y: 16, pos: {line: 4, col: 5}}
          - {op: strcpy, x: "%buf", y: "%q", pos: {line: 5, col: 5}}
          - {op: store, x: "%q", y: 7, size: 8, pos: {line: 6, col: 5}}
          - {op: free, x: "%q", pos: {line: 7, col: 5}}
        term: {op: ret, x: 0, pos: {line: 8, col: 1}}
`

func TestMemSafetyPass(t *testing.T) {
	res, err := Instrument(parse(t, memModule), Options{Modes: []string{ir.ModeMemSafety}})
	require.NoError(t, err)

	entry := res.Module.Func("main").Entry()
	assert.Equal(t, []string{
		"mem.enter",
		"alloca", "mem.alloc",
		"malloc", "mem.alloc",
		"mem.free", "realloc", "mem.alloc",
		"mem.check", "strcpy",
		"mem.check", "store",
		"mem.free", "free",
		"mem.leave",
	}, ops(entry))

	stackAlloc := entry.Instrs[2].Probe
	assert.True(t, stackAlloc.Stack)
	assert.Equal(t, ir.Reg("buf"), stackAlloc.Addr)
	assert.Equal(t, ir.Const(8), stackAlloc.Size)

	grow := entry.Instrs[7].Probe
	assert.Equal(t, ir.Reg("q"), grow.Addr)
	assert.Equal(t, ir.Const(16), grow.Size)

	cpy := entry.Instrs[8].Probe
	assert.True(t, cpy.Strcpy)
	assert.Equal(t, ir.Reg("q"), cpy.Src)

	check := entry.Instrs[10].Probe
	assert.True(t, check.Write)
	assert.Equal(t, ir.Const(8), check.Size)
	assert.Equal(t, ir.Pos{Line: 6, Col: 5}, entry.Instrs[10].Pos)
}

func TestSymbolicPass(t *testing.T) {
	mod := parse(t, `
source: sym.c
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: alloca, dst: j, size: 4, name: j, pos: {line: 4, col: 5}}
          - {op: symbolic, x: "%j", size: 4, name: j, pos: {line: 5, col: 5}}
          - {op: load, dst: v, x: "%j", pos: {line: 6, col: 9}}
          - {op: cmp, dst: c, pred: eq, x: "%v", y: 1, pos: {line: 6, col: 11}}
        term: {op: condbr, cond: "%c", then: a, else: b, pos: {line: 6, col: 5}}
      - label: a
        term: {op: ret, x: 1, pos: {line: 7, col: 9}}
      - label: b
        term: {op: ret, x: 0, pos: {line: 9, col: 5}}
`)
	res, err := Instrument(mod, Options{Modes: []string{ir.ModeSymbolic}})
	require.NoError(t, err)

	entry := res.Module.Func("main").Entry()
	assert.Equal(t, []string{"alloca", "sym.make", "symbolic", "load", "cmp", "sym.branch"}, ops(entry))
	mk := entry.Instrs[1].Probe
	assert.Equal(t, "j", mk.Name)
	assert.Equal(t, ir.Const(4), mk.Size)
	assert.Equal(t, ir.Reg("c"), entry.Instrs[5].Probe.Cond)
	assert.Equal(t, ir.Pos{Line: 6, Col: 5}, entry.Instrs[5].Pos)
}

func TestAllModesOrder(t *testing.T) {
	res, err := Instrument(parse(t, memModule), Options{Modes: ir.Modes})
	require.NoError(t, err)
	entry := res.Module.Func("main").Entry()
	k := kinds(entry)
	require.GreaterOrEqual(t, len(k), 3)
	assert.Equal(t, []ir.ProbeKind{ir.ProbeCovFunc, ir.ProbeCovBlock, ir.ProbeMemEnter}, k[:3])
	assert.Equal(t, ir.Modes, res.Meta.Modes)
	assert.NotNil(t, res.Meta.Coverage)
	assert.NotNil(t, res.Meta.Race)
}

func TestUnattributedWarning(t *testing.T) {
	mod := parse(t, `
source: u.c
globals:
  - {name: g, line: 2, kind: int}
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: load, dst: v, x: "@g"}
        term: {op: ret, x: 0}
`)
	res, err := Instrument(mod, Options{Modes: []string{ir.ModeRace, ir.ModeMemSafety}})
	require.NoError(t, err)

	entry := res.Module.Func("main").Entry()
	for _, in := range entry.Instrs {
		if in.Op == ir.OpProbe && (in.Probe.Kind == ir.ProbeRaceAccess || in.Probe.Kind == ir.ProbeMemCheck) {
			assert.True(t, in.Probe.Unattributed, "%s", in.Probe.Kind)
		}
	}
	require.Len(t, res.Warnings, 1, "one warning per instruction")
	w := res.Warnings[0]
	assert.Equal(t, "u.c", w.File)
	assert.Equal(t, 0, w.Line)
	assert.Contains(t, w.Message, "main: load in block entry")
	assert.NotEmpty(t, w.Suggestion)
	assert.Equal(t, 2, res.Stats.Unattributed)
}

func TestSourceAttribution(t *testing.T) {
	mod := parse(t, `
source: f.c
functions:
  - name: main
    blocks:
      - label: entry
        term: {op: ret, x: 0}
`)
	idx := &srcmap.Index{Path: "f.c", Funcs: map[string]int{"main": 9}}
	res, err := Instrument(mod, Options{Modes: []string{ir.ModeCoverage}, Source: idx})
	require.NoError(t, err)
	assert.Equal(t, 9, res.Meta.Coverage.Funcs[0].Line)
	assert.Equal(t, 0, mod.Func("main").Pos.Line)
}
