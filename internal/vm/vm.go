// Package vm executes IR modules.
//
// A Machine is the "instrumented binary" of probekit: it runs a module
// with real concurrency (one goroutine per program thread, a sync.Mutex
// per program mutex), a byte-addressable memory arena and the program's
// stdout and stderr. Probe instructions and thread lifecycle operations
// are turned into Events and delivered to a single Handler.
//
// Alongside concrete execution the machine keeps a symbolic shadow of
// every register and memory cell derived from a symbolic input, so that
// branch probes carry the condition as an expression.
package vm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/kolkov/probekit/internal/ir"
	"github.com/kolkov/probekit/internal/logging"
	"github.com/kolkov/probekit/internal/srcmap"
	"github.com/kolkov/probekit/internal/symbolic"
)

// Exit statuses the machine reports for abnormal termination.
const (
	ExitSegfault = 139
	ExitAbort    = 134
	ExitFPE      = 136
)

// MaxAlloc is the largest heap block malloc and realloc hand out. Larger
// or negative requests return a null pointer.
const MaxAlloc = 1 << 30

// DefaultRedzone is the gap left around every allocation.
const DefaultRedzone = 32

var (
	// ErrNoMain is returned by Run when the module has no main function.
	ErrNoMain = errors.New("vm: module has no main function")
	// ErrTrap wraps runtime faults of the program itself (bad address,
	// invalid free, unlock of an unlocked mutex).
	ErrTrap = errors.New("vm: trap")

	errHalted = errors.New("vm: halted")
)

// Options configure a Machine.
type Options struct {
	// Args are the program arguments without the program name.
	Args []string
	// Stdin feeds the read instruction. Nil reads end of input.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Handler receives probe and lifecycle events. Nil discards them.
	Handler Handler
	// Redzone is the gap in bytes between allocations.
	Redzone uint64
	Logger  *log.Logger
}

// Result is the outcome of a run.
type Result struct {
	ExitCode int
	// Halt is the handler error that stopped the program.
	Halt error
	// Trap is the fault that killed the program.
	Trap error
}

// Machine runs one module once.
type Machine struct {
	mod    *ir.Module
	src    *srcmap.Map
	opts   Options
	log    *log.Logger
	mem    *memory
	funcs  map[string]*ir.Function
	blocks map[*ir.Function]map[string]*ir.Block

	globals map[string]uint64

	nextTID atomic.Uint32
	threads sync.Map // uint32 -> *threadHandle
	mutexes sync.Map // uint64 -> *mutex

	outMu sync.Mutex
	inMu  sync.Mutex

	symMu  sync.Mutex
	symMem map[uint64]symCell

	halted   atomic.Bool
	haltOnce sync.Once
	haltCh   chan struct{}
	result   Result
}

type threadHandle struct {
	done chan struct{}
}

type mutex struct {
	mu   sync.Mutex
	held atomic.Bool
}

type symCell struct {
	expr  symbolic.Expr
	width int
}

// New prepares a machine for mod. The module must be valid.
func New(mod *ir.Module, opts Options) *Machine {
	if opts.Stdin == nil {
		opts.Stdin = bytes.NewReader(nil)
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Handler == nil {
		opts.Handler = HandlerFunc(func(*Event) error { return nil })
	}
	if opts.Redzone == 0 {
		opts.Redzone = DefaultRedzone
	}
	lg := opts.Logger
	if lg == nil {
		lg = logging.Discard()
	}

	m := &Machine{
		mod:     mod,
		src:     srcmap.Build(mod),
		opts:    opts,
		log:     lg,
		mem:     newMemory(opts.Redzone),
		funcs:   make(map[string]*ir.Function, len(mod.Functions)),
		blocks:  make(map[*ir.Function]map[string]*ir.Block, len(mod.Functions)),
		globals: make(map[string]uint64, len(mod.Globals)),
		symMem:  make(map[uint64]symCell),
		haltCh:  make(chan struct{}),
	}
	for _, f := range mod.Functions {
		m.funcs[f.Name] = f
		labels := make(map[string]*ir.Block, len(f.Blocks))
		for _, b := range f.Blocks {
			labels[b.Label] = b
		}
		m.blocks[f] = labels
	}
	return m
}

// SourceMap returns the source map of the running module.
func (m *Machine) SourceMap() *srcmap.Map { return m.src }

// Region returns the allocation containing addr, or nil.
func (m *Machine) Region(addr uint64) *Region { return m.mem.region(addr) }

// Run executes main and returns when the program exits, a handler error
// halts it, a thread traps, or ctx is done. The error is non-nil only
// when the program could not run to one of those ends.
func (m *Machine) Run(ctx context.Context) (*Result, error) {
	main := m.funcs["main"]
	if main == nil {
		return nil, ErrNoMain
	}
	m.layoutGlobals()
	args := m.mainArgs(main)

	go m.runThread(0, main, args, nil, MainEntryFrames)

	select {
	case <-m.haltCh:
	case <-ctx.Done():
		m.halt(-1, nil, nil)
		return nil, fmt.Errorf("vm: run interrupted: %w", ctx.Err())
	}
	res := m.result
	m.log.Debug("program halted", "exit", res.ExitCode, "halt", res.Halt, "trap", res.Trap)
	return &res, nil
}

// halt stops every thread. Only the first call decides the result.
func (m *Machine) halt(code int, halt, trap error) {
	m.haltOnce.Do(func() {
		m.result = Result{ExitCode: code, Halt: halt, Trap: trap}
		m.halted.Store(true)
		close(m.haltCh)
	})
}

func (m *Machine) layoutGlobals() {
	for _, g := range m.mod.Globals {
		r := m.mem.alloc(uint64(g.ByteSize()), RegionGlobal, g.Name, g.Line)
		m.globals[g.Name] = r.Base
		switch g.Kind {
		case ir.GlobalInt:
			width := min(g.ByteSize(), 8)
			m.mem.store(r.Base, width, g.Init)
		case ir.GlobalString:
			m.mem.write(r.Base, append([]byte(g.Str), 0))
		}
	}
}

// mainArgs builds argc and argv. argv[0] is the source file name.
func (m *Machine) mainArgs(main *ir.Function) []int64 {
	if len(main.Params) == 0 {
		return nil
	}
	argv := append([]string{m.mod.Source}, m.opts.Args...)
	out := []int64{int64(len(argv))}
	if len(main.Params) > 1 {
		table := m.mem.alloc(uint64(8*(len(argv)+1)), RegionGlobal, "argv", 0)
		for i, s := range argv {
			r := m.mem.alloc(uint64(len(s)+1), RegionGlobal, "argv", 0)
			m.mem.write(r.Base, append([]byte(s), 0))
			m.mem.store(table.Base+uint64(8*i), 8, int64(r.Base))
		}
		out = append(out, int64(table.Base))
	}
	return out
}

func (m *Machine) mutex(addr uint64) *mutex {
	if mu, ok := m.mutexes.Load(addr); ok {
		return mu.(*mutex)
	}
	mu, _ := m.mutexes.LoadOrStore(addr, &mutex{})
	return mu.(*mutex)
}

func (m *Machine) emit(ev *Event) error {
	return m.opts.Handler.Handle(ev)
}

func (m *Machine) print(w io.Writer, s string) {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	if _, err := io.WriteString(w, s); err != nil {
		m.log.Warn("program output failed", "err", err)
	}
}

// input reads up to n bytes of program input. A short count means the
// input ended.
func (m *Machine) input(n int64) []byte {
	m.inMu.Lock()
	defer m.inMu.Unlock()
	buf := make([]byte, n)
	k, err := io.ReadFull(m.opts.Stdin, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		m.log.Warn("program input failed", "err", err)
	}
	return buf[:k]
}

func (m *Machine) symLoad(addr uint64, width int) symbolic.Expr {
	m.symMu.Lock()
	defer m.symMu.Unlock()
	c, ok := m.symMem[addr]
	if !ok || c.width != width {
		return nil
	}
	return c.expr
}

func (m *Machine) symStore(addr uint64, width int, e symbolic.Expr) {
	m.symMu.Lock()
	defer m.symMu.Unlock()
	if e == nil {
		delete(m.symMem, addr)
		return
	}
	m.symMem[addr] = symCell{expr: e, width: width}
}

// exitStatus maps a handler error to the exit status it carries.
func exitStatus(err error) int {
	var es ExitStatus
	if errors.As(err, &es) {
		return es.ExitStatus()
	}
	return 1
}

// trapError is a fault of the program. It matches ErrTrap.
type trapError struct {
	status int
	msg    string
}

func (e *trapError) Error() string   { return ErrTrap.Error() + ": " + e.msg }
func (e *trapError) Unwrap() error   { return ErrTrap }
func (e *trapError) ExitStatus() int { return e.status }

func trapf(status int, format string, args ...any) error {
	return &trapError{status: status, msg: fmt.Sprintf(format, args...)}
}
