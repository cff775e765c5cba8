package vm

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/probekit/internal/ir"
	"github.com/kolkov/probekit/internal/symbolic"
)

func parse(t *testing.T, src string) *ir.Module {
	t.Helper()
	m, err := ir.Parse([]byte(src))
	require.NoError(t, err)
	return m
}

func run(t *testing.T, mod *ir.Module, h Handler, args ...string) (*Result, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	m := New(mod, Options{Args: args, Stdout: &stdout, Stderr: &stderr, Handler: h})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := m.Run(ctx)
	require.NoError(t, err)
	return res, stdout.String(), stderr.String()
}

// recorder keeps every event it sees.
type recorder struct {
	mu     sync.Mutex
	events []Event
	fn     func(*Event) error
}

func (r *recorder) Handle(ev *Event) error {
	r.mu.Lock()
	r.events = append(r.events, *ev)
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(ev)
	}
	return nil
}

func (r *recorder) kinds(k ir.ProbeKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want int
	}{
		{"ret", `
source: a.c
functions:
  - name: main
    blocks:
      - label: entry
        term: {op: ret, x: 3}
`, 3},
		{"exit", `
source: a.c
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: call, dst: r, callee: quit}
        term: {op: ret, x: 0}
  - name: quit
    blocks:
      - label: entry
        term: {op: exit, x: 7}
`, 7},
		{"argc", `
source: a.c
functions:
  - name: main
    params: [argc]
    blocks:
      - label: entry
        term: {op: ret, x: "%argc"}
`, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _, _ := run(t, parse(t, tt.src), nil, "x", "y")
			if res.ExitCode != tt.want {
				t.Errorf("ExitCode = %d, want %d", res.ExitCode, tt.want)
			}
		})
	}
}

func TestPrintf(t *testing.T) {
	mod := parse(t, `
source: a.c
globals:
  - {name: msg, kind: string, str: hello}
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: print, fmt: "%d %s %c|%5d|%x|%%|%ld\n", args: [-4, "@msg", 65, 42, 255, 5000000000]}
          - {op: eprint, fmt: "err %u\n", args: [-1]}
        term: {op: ret, x: 0}
`)
	_, stdout, stderr := run(t, mod, nil)
	assert.Equal(t, "-4 hello A|   42|ff|%|5000000000\n", stdout)
	assert.Equal(t, "err 4294967295\n", stderr)
}

func TestMemoryAndArithmetic(t *testing.T) {
	mod := parse(t, `
source: a.c
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: malloc, dst: p, x: 8}
          - {op: store, x: "%p", y: 300, size: 4}
          - {op: bin, dst: q, pred: add, x: "%p", y: 4}
          - {op: store, x: "%q", y: -1, size: 1}
          - {op: load, dst: a, x: "%p", size: 4}
          - {op: load, dst: b, x: "%q", size: 1}
          - {op: realloc, dst: p2, x: "%p", y: 16}
          - {op: load, dst: c, x: "%p2", size: 4}
          - {op: free, x: "%p2"}
          - {op: free, x: 0}
          - {op: print, fmt: "%d %d %d\n", args: ["%a", "%b", "%c"]}
        term: {op: ret, x: 0}
`)
	res, stdout, _ := run(t, mod, nil)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "300 -1 300\n", stdout)
}

func TestMallocBadSize(t *testing.T) {
	mod := parse(t, `
source: a.c
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: malloc, dst: p, x: -1}
          - {op: malloc, dst: q, x: 2147483648}
          - {op: malloc, dst: r, x: 4}
          - {op: realloc, dst: s, x: "%r", y: -8}
          - {op: print, fmt: "%d %d %d\n", args: ["%p", "%q", "%s"]}
        term: {op: ret, x: 0}
`)
	res, stdout, _ := run(t, mod, nil)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "0 0 0\n", stdout)
}

func TestReadInput(t *testing.T) {
	mod := parse(t, `
source: a.c
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: alloca, dst: buf, size: 8, name: buf}
          - {op: read, dst: n, x: "%buf", y: 3}
          - {op: load, dst: a, x: "%buf", size: 1}
          - {op: read, dst: m, x: "%buf", y: 8}
          - {op: load, dst: b, x: "%buf", size: 1}
          - {op: read, dst: e, x: "%buf", y: 8}
          - {op: print, fmt: "%d %c %d %c %d\n", args: ["%n", "%a", "%m", "%b", "%e"]}
        term: {op: ret, x: 0}
`)
	var stdout bytes.Buffer
	m := New(mod, Options{Stdin: bytes.NewReader([]byte("abcde")), Stdout: &stdout})
	res, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "3 a 2 d 0\n", stdout.String())

	res, stdout2, _ := run(t, mod, nil)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "0 \x00 0 \x00 0\n", stdout2)
}

func TestTraps(t *testing.T) {
	tests := []struct {
		name   string
		instrs string
		want   int
	}{
		{"null load", `
          - {op: load, dst: a, x: 0}`, ExitSegfault},
		{"double free", `
          - {op: malloc, dst: p, x: 4}
          - {op: free, x: "%p"}
          - {op: free, x: "%p"}`, ExitAbort},
		{"unlock unlocked", `
          - {op: unlock, x: "@m"}`, ExitAbort},
		{"division by zero", `
          - {op: bin, dst: a, pred: div, x: 7, y: 0}`, ExitFPE},
		{"remainder by zero", `
          - {op: mov, dst: z, x: 0}
          - {op: bin, dst: a, pred: rem, x: 7, y: "%z"}`, ExitFPE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := parse(t, `
source: a.c
globals:
  - {name: m, kind: mutex}
functions:
  - name: main
    blocks:
      - label: entry
        instrs:`+tt.instrs+`
          - {op: print, fmt: "unreachable\n"}
        term: {op: ret, x: 0}
`)
			res, stdout, _ := run(t, mod, nil)
			assert.Equal(t, tt.want, res.ExitCode)
			assert.True(t, errors.Is(res.Trap, ErrTrap), "Trap = %v", res.Trap)
			assert.Empty(t, stdout)
		})
	}
}

const threadsModule = `
source: counter.c
globals:
  - {name: counter, line: 5, kind: int, size: 4}
  - {name: mu, line: 6, kind: mutex}
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: spawn, dst: t1, callee: worker, pos: {line: 20, col: 3}}
          - {op: spawn, dst: t2, callee: worker, pos: {line: 21, col: 3}}
          - {op: join, x: "%t1", pos: {line: 22, col: 3}}
          - {op: join, x: "%t2", pos: {line: 23, col: 3}}
          - {op: load, dst: v, x: "@counter"}
          - {op: print, fmt: "%d\n", args: ["%v"]}
        term: {op: ret, x: 0}
  - name: worker
    blocks:
      - label: entry
        instrs:
          - {op: mov, dst: i, x: 0}
        term: {op: br, then: loop}
      - label: loop
        instrs:
          - {op: lock, x: "@mu"}
          - {op: load, dst: c, x: "@counter"}
          - {op: bin, dst: c, pred: add, x: "%c", y: 1}
          - {op: store, x: "@counter", y: "%c"}
          - {op: unlock, x: "@mu"}
          - {op: bin, dst: i, pred: add, x: "%i", y: 1}
          - {op: cmp, dst: more, pred: slt, x: "%i", y: 500}
        term: {op: condbr, cond: "%more", then: loop, else: done}
      - label: done
        term: {op: ret}
`

func TestThreadsAndLocks(t *testing.T) {
	rec := &recorder{}
	res, stdout, _ := run(t, parse(t, threadsModule), rec)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "1000\n", stdout)

	spawns := rec.kinds(ThreadSpawn)
	require.Len(t, spawns, 2)
	assert.Equal(t, uint32(0), spawns[0].TID)
	assert.Equal(t, uint32(1), spawns[0].Child)
	assert.Equal(t, uint32(2), spawns[1].Child)
	assert.Equal(t, 20, spawns[0].Loc.Line)

	assert.Len(t, rec.kinds(ThreadExit), 2)
	joins := rec.kinds(ThreadJoin)
	require.Len(t, joins, 2)
	assert.Equal(t, uint32(1), joins[0].Child)
	assert.Equal(t, 22, joins[0].Loc.Line)
}

func TestProbeEvents(t *testing.T) {
	mod := parse(t, `
source: p.c
globals:
  - {name: g, line: 2, kind: int}
functions:
  - name: main
    pos: {line: 4, col: 1}
    blocks:
      - label: entry
        instrs:
          - {op: call, callee: f, pos: {line: 5, col: 5}}
        term: {op: ret, x: 0}
  - name: f
    pos: {line: 8, col: 1}
    blocks:
      - label: entry
        instrs:
          - {op: malloc, dst: p, x: 10, pos: {line: 9, col: 13}}
          - {op: probe, probe: {kind: mem.alloc, id: 0, addr: "%p", size: 10}, pos: {line: 9, col: 13}}
          - {op: probe, probe: {kind: race.access, id: 0, addr: "@g", size: 4, write: true}, pos: {line: 10, col: 3}}
          - {op: store, x: "@g", y: 1, pos: {line: 10, col: 3}}
        term: {op: ret, pos: {line: 11, col: 1}}
`)
	rec := &recorder{}
	run(t, mod, rec)

	allocs := rec.kinds(ir.ProbeMemAlloc)
	require.Len(t, allocs, 1)
	require.NotNil(t, allocs[0].Region)
	assert.Equal(t, RegionHeap, allocs[0].Region.Kind)
	assert.Equal(t, uint64(10), allocs[0].Region.Size)
	assert.Equal(t, allocs[0].Region.Base, allocs[0].Addr)

	acc := rec.kinds(ir.ProbeRaceAccess)
	require.Len(t, acc, 1)
	assert.Equal(t, "g", acc[0].Region.Name)
	assert.Equal(t, 2, acc[0].Region.Decl)
	assert.Equal(t, 10, acc[0].Loc.Line)
}

func TestStack(t *testing.T) {
	mod := parse(t, `
source: s.c
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: call, callee: myfunc, pos: {line: 13, col: 5}}
        term: {op: ret, x: 0}
  - name: myfunc
    blocks:
      - label: entry
        instrs:
          - {op: probe, probe: {kind: mem.enter, id: 0}, pos: {line: 9, col: 13}}
        term: {op: ret}
`)
	var frames []string
	var lines []int
	h := HandlerFunc(func(ev *Event) error {
		if ev.Kind == ir.ProbeMemEnter {
			for _, loc := range ev.Stack() {
				frames = append(frames, loc.Func)
				lines = append(lines, loc.Line)
			}
		}
		return nil
	})
	run(t, mod, h)
	assert.Equal(t, []string{"myfunc", "main", "__libc_start_call_main", "__libc_start_main_alias_2", "_start"}, frames)
	assert.Equal(t, []int{9, 13, 0, 0, 0}, lines)
}

type statusErr struct{}

func (statusErr) Error() string   { return "violation" }
func (statusErr) ExitStatus() int { return 99 }

func TestHandlerErrorHalts(t *testing.T) {
	mod := parse(t, `
source: h.c
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: malloc, dst: p, x: 4}
          - {op: probe, probe: {kind: mem.check, id: 0, addr: "%p", size: 4, write: true}}
          - {op: store, x: "%p", y: 1}
          - {op: print, fmt: "after\n"}
        term: {op: ret, x: 0}
`)
	h := HandlerFunc(func(ev *Event) error {
		if ev.Kind == ir.ProbeMemCheck {
			return statusErr{}
		}
		return nil
	})
	res, stdout, _ := run(t, mod, h)
	assert.Equal(t, 99, res.ExitCode)
	assert.Equal(t, statusErr{}, res.Halt)
	assert.Empty(t, stdout)
}

func TestStrcpyProbeSize(t *testing.T) {
	mod := parse(t, `
source: s.c
globals:
  - {name: src, kind: string, str: abcdef}
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: malloc, dst: p, x: 4}
          - {op: probe, probe: {kind: mem.check, id: 0, addr: "%p", src: "@src", strcpy: true, write: true}}
          - {op: strcpy, x: "%p", y: "@src"}
          - {op: print, fmt: "%s\n", args: ["%p"]}
        term: {op: ret, x: 0}
`)
	rec := &recorder{}
	_, stdout, _ := run(t, mod, rec)
	checks := rec.kinds(ir.ProbeMemCheck)
	require.Len(t, checks, 1)
	assert.Equal(t, uint64(7), checks[0].Size)
	assert.Equal(t, "abcdef\n", stdout)
}

func TestSymbolicShadow(t *testing.T) {
	mod := parse(t, `
source: sym.c
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: alloca, dst: j, size: 4, name: j}
          - {op: probe, probe: {kind: sym.make, id: 0, addr: "%j", size: 4, name: j}}
          - {op: symbolic, x: "%j", size: 4, name: j}
          - {op: load, dst: v, x: "%j", size: 4}
          - {op: bin, dst: w, pred: add, x: "%v", y: 1}
          - {op: cmp, dst: c, pred: eq, x: "%w", y: 43}
          - {op: probe, probe: {kind: sym.branch, id: 0, cond: "%c"}}
        term: {op: condbr, cond: "%c", then: yes, else: no}
      - label: yes
        term: {op: ret, x: 100}
      - label: no
        term: {op: ret, x: 0}
`)
	var branch *Event
	h := HandlerFunc(func(ev *Event) error {
		switch ev.Kind {
		case ir.ProbeSymMake:
			ev.Value = 42
		case ir.ProbeSymBranch:
			cp := *ev
			branch = &cp
		}
		return nil
	})
	res, _, _ := run(t, mod, h)
	assert.Equal(t, 100, res.ExitCode)
	require.NotNil(t, branch)
	assert.Equal(t, int64(1), branch.Value)
	require.NotNil(t, branch.Expr)
	assert.Equal(t, "((j + 1) == 43)", branch.Expr.String())
	assert.Equal(t, int64(0), branch.Expr.Eval(symbolic.Model{"j": 7}))
	assert.Equal(t, int64(1), branch.Expr.Eval(symbolic.Model{"j": 42}))
}

func TestSymbolicWithoutProbeIsConcrete(t *testing.T) {
	mod := parse(t, `
source: sym.c
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: alloca, dst: j, size: 4, name: j}
          - {op: store, x: "%j", y: 5}
          - {op: symbolic, x: "%j", size: 4, name: j}
          - {op: load, dst: v, x: "%j", size: 4}
        term: {op: ret, x: "%v"}
`)
	res, _, _ := run(t, mod, nil)
	assert.Equal(t, 5, res.ExitCode)
}

func TestSwitchCases(t *testing.T) {
	mod := parse(t, `
source: sw.c
functions:
  - name: main
    blocks:
      - label: entry
        instrs:
          - {op: mov, dst: x, x: 2}
          - {op: probe, probe: {kind: sym.branch, id: 0, cond: "%x"}}
        term: {op: switch, cond: "%x", cases: [{value: 1, target: a}, {value: 2, target: b}], default: d}
      - label: a
        term: {op: ret, x: 1}
      - label: b
        term: {op: ret, x: 2}
      - label: d
        term: {op: ret, x: 9}
`)
	rec := &recorder{}
	res, _, _ := run(t, mod, rec)
	assert.Equal(t, 2, res.ExitCode)
	br := rec.kinds(ir.ProbeSymBranch)
	require.Len(t, br, 1)
	assert.Equal(t, []int64{1, 2}, br[0].Cases)
	assert.Nil(t, br[0].Expr)
}

func TestRunInterrupted(t *testing.T) {
	mod := parse(t, `
source: loop.c
functions:
  - name: main
    blocks:
      - label: entry
        term: {op: br, then: entry}
`)
	m := New(mod, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNoMain(t *testing.T) {
	mod := parse(t, `
source: x.c
functions:
  - name: other
    blocks:
      - label: entry
        term: {op: ret}
`)
	_, err := New(mod, Options{}).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoMain)
}

func TestRedzoneSeparatesAllocations(t *testing.T) {
	mem := newMemory(32)
	a := mem.alloc(10, RegionHeap, "", 1)
	b := mem.alloc(10, RegionHeap, "", 2)
	assert.GreaterOrEqual(t, b.Base, a.Base+a.Size+32)
	assert.Nil(t, mem.region(a.Base+a.Size))
	assert.Same(t, a, mem.region(a.Base+9))
	assert.Same(t, b, mem.block(b.Base))
	assert.Nil(t, mem.block(b.Base+1))
}
