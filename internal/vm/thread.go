package vm

import (
	"errors"
	"fmt"
	"math"

	"github.com/kolkov/probekit/internal/ir"
	"github.com/kolkov/probekit/internal/logging"
	"github.com/kolkov/probekit/internal/srcmap"
	"github.com/kolkov/probekit/internal/symbolic"
)

// frame is one activation of a function.
type frame struct {
	fn     *ir.Function
	block  *ir.Block
	idx    int // current instruction, srcmap.TermIndex at the terminator
	regs   map[string]int64
	shadow map[string]symbolic.Expr
}

// thread is the execution state of one program thread.
type thread struct {
	m      *Machine
	tid    uint32
	entry  []string
	frames []*frame

	// symValue is the concrete value chosen by the last sym.make probe,
	// consumed by the following symbolic instruction.
	symValue *int64
}

// runThread executes fn to completion on the calling goroutine. Thread 0
// is main: its return halts the program.
func (m *Machine) runThread(tid uint32, fn *ir.Function, args []int64, shadows []symbolic.Expr, entry []string) {
	defer logging.RecoverPanic(m.log, fmt.Sprintf("thread %d", tid), func() {
		m.halt(ExitAbort, nil, trapf(ExitAbort, "internal error in thread %d", tid))
	})

	t := &thread{m: m, tid: tid, entry: entry}
	ret, err := t.call(fn, args, shadows)
	switch {
	case errors.Is(err, errHalted):
	case errors.Is(err, ErrTrap):
		m.halt(exitStatus(err), nil, err)
	case err != nil:
		m.halt(exitStatus(err), err, nil)
	case tid == 0:
		m.halt(int(uint8(ret)), nil, nil)
	}
}

func (t *thread) call(fn *ir.Function, args []int64, shadows []symbolic.Expr) (int64, error) {
	f := &frame{
		fn:     fn,
		block:  fn.Entry(),
		regs:   make(map[string]int64, len(fn.Params)+8),
		shadow: make(map[string]symbolic.Expr),
	}
	for i, p := range fn.Params {
		if i < len(args) {
			f.regs[p] = args[i]
		}
		if i < len(shadows) && shadows[i] != nil {
			f.shadow[p] = shadows[i]
		}
	}
	t.frames = append(t.frames, f)
	defer func() { t.frames = t.frames[:len(t.frames)-1] }()

	for {
		for f.idx = 0; f.idx < len(f.block.Instrs); f.idx++ {
			if t.m.halted.Load() {
				return 0, errHalted
			}
			if err := t.exec(f, f.block.Instrs[f.idx]); err != nil {
				return 0, err
			}
		}
		if t.m.halted.Load() {
			return 0, errHalted
		}
		f.idx = srcmap.TermIndex
		next, ret, done, err := t.term(f, f.block.Term)
		if err != nil || done {
			return ret, err
		}
		f.block = next
	}
}

func (t *thread) term(f *frame, term *ir.Term) (next *ir.Block, ret int64, done bool, err error) {
	labels := t.m.blocks[f.fn]
	switch term.Op {
	case ir.TermBr:
		return labels[term.Then], 0, false, nil
	case ir.TermCondBr:
		if t.eval(f, term.Cond) != 0 {
			return labels[term.Then], 0, false, nil
		}
		return labels[term.Else], 0, false, nil
	case ir.TermSwitch:
		v := t.eval(f, term.Cond)
		for _, c := range term.Cases {
			if c.Value == v {
				return labels[c.Target], 0, false, nil
			}
		}
		return labels[term.Default], 0, false, nil
	case ir.TermRet:
		if term.X.IsZero() {
			return nil, 0, true, nil
		}
		return nil, t.eval(f, term.X), true, nil
	case ir.TermExit:
		t.m.halt(int(uint8(t.eval(f, term.X))), nil, nil)
		return nil, 0, true, errHalted
	}
	return nil, 0, true, fmt.Errorf("%w: terminator %q", ir.ErrUnknownOp, term.Op)
}

func (t *thread) eval(f *frame, v ir.Value) int64 {
	switch v.Kind {
	case ir.ValConst:
		return v.Int
	case ir.ValReg:
		return f.regs[v.Name]
	case ir.ValGlobal:
		return int64(t.m.globals[v.Name])
	}
	return 0
}

// shadowOf returns the symbolic expression of an operand, nil if concrete.
func (t *thread) shadowOf(f *frame, v ir.Value) symbolic.Expr {
	if v.Kind != ir.ValReg {
		return nil
	}
	return f.shadow[v.Name]
}

func (t *thread) set(f *frame, dst string, v int64, e symbolic.Expr) {
	if dst == "" {
		return
	}
	f.regs[dst] = v
	if e == nil {
		delete(f.shadow, dst)
	} else {
		f.shadow[dst] = e
	}
}

// operand pairs a shadow with its concrete fallback.
func operand(e symbolic.Expr, v int64) symbolic.Expr {
	if e != nil {
		return e
	}
	return symbolic.Const{Value: v}
}

func (t *thread) checkAddr(addr uint64) error {
	if addr < arenaBase {
		return trapf(ExitSegfault, "invalid address 0x%x", addr)
	}
	return nil
}

// checkDivisor traps the divisions a native run dies on with SIGFPE.
func checkDivisor(op string, x, y int64) error {
	if op != "div" && op != "rem" {
		return nil
	}
	if y == 0 {
		return trapf(ExitFPE, "integer division by zero")
	}
	if y == -1 && x == math.MinInt64 {
		return trapf(ExitFPE, "integer overflow in division")
	}
	return nil
}

func (t *thread) exec(f *frame, in *ir.Instr) error {
	m := t.m
	switch in.Op {
	case ir.OpMov:
		t.set(f, in.Dst, t.eval(f, in.X), t.shadowOf(f, in.X))

	case ir.OpBin, ir.OpCmp:
		x, y := t.eval(f, in.X), t.eval(f, in.Y)
		sx, sy := t.shadowOf(f, in.X), t.shadowOf(f, in.Y)
		var e symbolic.Expr
		var v int64
		if in.Op == ir.OpBin {
			if err := checkDivisor(in.Pred, x, y); err != nil {
				return err
			}
			v = symbolic.Apply(in.Pred, x, y)
			if sx != nil || sy != nil {
				e = symbolic.Binary{Op: in.Pred, X: operand(sx, x), Y: operand(sy, y)}
			}
		} else {
			if symbolic.Holds(in.Pred, x, y) {
				v = 1
			}
			if sx != nil || sy != nil {
				e = symbolic.Compare{Pred: in.Pred, X: operand(sx, x), Y: operand(sy, y)}
			}
		}
		t.set(f, in.Dst, v, e)

	case ir.OpLoad:
		addr := uint64(t.eval(f, in.X))
		if err := t.checkAddr(addr); err != nil {
			return err
		}
		w := in.Width()
		t.set(f, in.Dst, m.mem.load(addr, w), m.symLoad(addr, w))

	case ir.OpStore:
		addr := uint64(t.eval(f, in.X))
		if err := t.checkAddr(addr); err != nil {
			return err
		}
		w := in.Width()
		m.mem.store(addr, w, t.eval(f, in.Y))
		m.symStore(addr, w, t.shadowOf(f, in.Y))

	case ir.OpAlloca:
		r := m.mem.alloc(uint64(in.Size), RegionStack, in.Name, in.Pos.Line)
		t.set(f, in.Dst, int64(r.Base), nil)

	case ir.OpMalloc:
		size := t.eval(f, in.X)
		if size < 0 || size > MaxAlloc {
			t.set(f, in.Dst, 0, nil)
			return nil
		}
		r := m.mem.alloc(uint64(size), RegionHeap, "", in.Pos.Line)
		t.set(f, in.Dst, int64(r.Base), nil)

	case ir.OpFree:
		return t.free(uint64(t.eval(f, in.X)))

	case ir.OpRealloc:
		old := uint64(t.eval(f, in.X))
		n := t.eval(f, in.Y)
		if n < 0 || n > MaxAlloc {
			t.set(f, in.Dst, 0, nil)
			return nil
		}
		size := uint64(n)
		var prev *Region
		if old != 0 {
			if prev = m.mem.block(old); prev == nil || prev.Freed || prev.Kind != RegionHeap {
				return trapf(ExitAbort, "realloc(): invalid pointer 0x%x", old)
			}
		}
		r := m.mem.alloc(size, RegionHeap, "", in.Pos.Line)
		if prev != nil {
			buf := make([]byte, min(prev.Size, size))
			m.mem.read(old, buf)
			m.mem.write(r.Base, buf)
			m.mem.markFreed(prev)
		}
		t.set(f, in.Dst, int64(r.Base), nil)

	case ir.OpStrcpy:
		dst, src := uint64(t.eval(f, in.X)), uint64(t.eval(f, in.Y))
		if err := t.checkAddr(dst); err != nil {
			return err
		}
		if err := t.checkAddr(src); err != nil {
			return err
		}
		s := m.mem.cstring(src, maxString)
		m.mem.write(dst, append([]byte(s), 0))

	case ir.OpRead:
		dst, n := uint64(t.eval(f, in.X)), t.eval(f, in.Y)
		if err := t.checkAddr(dst); err != nil {
			return err
		}
		if n <= 0 || n > MaxAlloc {
			t.set(f, in.Dst, 0, nil)
			return nil
		}
		data := m.input(n)
		m.mem.write(dst, data)
		t.set(f, in.Dst, int64(len(data)), nil)

	case ir.OpCall:
		args, shadows := t.args(f, in.Args)
		ret, err := t.call(m.funcs[in.Callee], args, shadows)
		if err != nil {
			return err
		}
		t.set(f, in.Dst, ret, nil)

	case ir.OpSpawn:
		return t.spawn(f, in)

	case ir.OpJoin:
		return t.join(f, uint32(t.eval(f, in.X)))

	case ir.OpLock:
		mu := m.mutex(uint64(t.eval(f, in.X)))
		mu.mu.Lock()
		mu.held.Store(true)

	case ir.OpUnlock:
		addr := uint64(t.eval(f, in.X))
		mu := m.mutex(addr)
		if !mu.held.CompareAndSwap(true, false) {
			return trapf(ExitAbort, "unlock of unlocked mutex 0x%x", addr)
		}
		mu.mu.Unlock()

	case ir.OpPrint, ir.OpEprint:
		args, _ := t.args(f, in.Args)
		w := m.opts.Stdout
		if in.Op == ir.OpEprint {
			w = m.opts.Stderr
		}
		m.print(w, m.cformat(in.Fmt, args))

	case ir.OpSymbolic:
		if t.symValue == nil {
			return nil
		}
		addr := uint64(t.eval(f, in.X))
		if err := t.checkAddr(addr); err != nil {
			return err
		}
		m.mem.store(addr, in.Size, *t.symValue)
		m.symStore(addr, in.Size, symbolic.Var{Name: in.Name, Width: in.Size * 8})
		t.symValue = nil

	case ir.OpProbe:
		return t.probe(f, in)

	default:
		return fmt.Errorf("%w: %q", ir.ErrUnknownOp, in.Op)
	}
	return nil
}

func (t *thread) args(f *frame, vals []ir.Value) ([]int64, []symbolic.Expr) {
	args := make([]int64, len(vals))
	shadows := make([]symbolic.Expr, len(vals))
	for i, v := range vals {
		args[i] = t.eval(f, v)
		shadows[i] = t.shadowOf(f, v)
	}
	return args, shadows
}

func (t *thread) free(addr uint64) error {
	if addr == 0 {
		return nil
	}
	r := t.m.mem.block(addr)
	if r == nil || r.Kind != RegionHeap {
		return trapf(ExitAbort, "free(): invalid pointer 0x%x", addr)
	}
	if r.Freed {
		return trapf(ExitAbort, "free(): double free detected 0x%x", addr)
	}
	t.m.mem.markFreed(r)
	return nil
}

func (t *thread) spawn(f *frame, in *ir.Instr) error {
	m := t.m
	child := m.nextTID.Add(1)
	if err := m.emit(&Event{Kind: ThreadSpawn, TID: t.tid, Child: child, Loc: t.loc(f)}); err != nil {
		return err
	}
	h := &threadHandle{done: make(chan struct{})}
	m.threads.Store(child, h)

	args, shadows := t.args(f, in.Args)
	fn := m.funcs[in.Callee]
	go func() {
		defer close(h.done)
		m.runThread(child, fn, args, shadows, ThreadEntryFrames)
		if m.halted.Load() {
			return
		}
		if err := m.emit(&Event{Kind: ThreadExit, TID: child}); err != nil {
			m.halt(exitStatus(err), err, nil)
		}
	}()
	t.set(f, in.Dst, int64(child), nil)
	return nil
}

func (t *thread) join(f *frame, child uint32) error {
	v, ok := t.m.threads.Load(child)
	if !ok {
		return trapf(ExitSegfault, "join of unknown thread %d", child)
	}
	select {
	case <-v.(*threadHandle).done:
	case <-t.m.haltCh:
		return errHalted
	}
	return t.m.emit(&Event{Kind: ThreadJoin, TID: t.tid, Child: child, Loc: t.loc(f)})
}

// loc resolves the current instruction of f.
func (t *thread) loc(f *frame) srcmap.Location {
	label := ""
	if f.block != nil {
		label = f.block.Label
	}
	loc, _ := t.m.src.Lookup(f.fn.Name, label, f.idx)
	return loc
}

// stack returns the call stack innermost first, followed by the
// runtime entry frames of the thread.
func (t *thread) stack() []srcmap.Location {
	out := make([]srcmap.Location, 0, len(t.frames)+len(t.entry))
	for i := len(t.frames) - 1; i >= 0; i-- {
		out = append(out, t.loc(t.frames[i]))
	}
	for _, name := range t.entry {
		out = append(out, srcmap.Location{Func: name})
	}
	return out
}

func (t *thread) probe(f *frame, in *ir.Instr) error {
	p := in.Probe
	ev := &Event{
		Kind:  p.Kind,
		Probe: p,
		TID:   t.tid,
		Loc:   t.loc(f),
		Stack: t.stack,
	}
	m := t.m

	switch p.Kind {
	case ir.ProbeRaceAccess, ir.ProbeRaceLock, ir.ProbeRaceUnlock:
		ev.Addr = uint64(t.eval(f, p.Addr))
		ev.Size = uint64(t.eval(f, p.Size))
		ev.Region = m.mem.region(ev.Addr)
	case ir.ProbeMemCheck:
		ev.Addr = uint64(t.eval(f, p.Addr))
		if n := t.eval(f, p.Size); n > 0 {
			ev.Size = uint64(n)
		}
		if p.Strcpy {
			ev.Src = uint64(t.eval(f, p.Src))
			ev.Size = uint64(len(m.mem.cstring(ev.Src, maxString)) + 1)
		}
		ev.Region = m.mem.region(ev.Addr)
	case ir.ProbeMemAlloc:
		ev.Addr = uint64(t.eval(f, p.Addr))
		ev.Size = uint64(t.eval(f, p.Size))
		ev.Region = m.mem.block(ev.Addr)
	case ir.ProbeMemFree:
		ev.Addr = uint64(t.eval(f, p.Addr))
		ev.Region = m.mem.block(ev.Addr)
	case ir.ProbeSymMake:
		ev.Addr = uint64(t.eval(f, p.Addr))
		ev.Size = uint64(t.eval(f, p.Size))
	case ir.ProbeSymBranch:
		ev.Value = t.eval(f, p.Cond)
		ev.Expr = t.shadowOf(f, p.Cond)
		if term := f.block.Term; term != nil && term.Op == ir.TermSwitch {
			ev.Cases = make([]int64, len(term.Cases))
			for i, c := range term.Cases {
				ev.Cases[i] = c.Value
			}
		}
	}

	if err := m.emit(ev); err != nil {
		return err
	}
	if p.Kind == ir.ProbeSymMake {
		v := ev.Value
		t.symValue = &v
	}
	return nil
}
