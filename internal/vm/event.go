package vm

import (
	"github.com/kolkov/probekit/internal/ir"
	"github.com/kolkov/probekit/internal/srcmap"
	"github.com/kolkov/probekit/internal/symbolic"
)

// Thread lifecycle events. They are delivered for every spawn, thread
// exit and join whether or not the module is instrumented.
const (
	ThreadSpawn ir.ProbeKind = "thread.spawn"
	ThreadExit  ir.ProbeKind = "thread.exit"
	ThreadJoin  ir.ProbeKind = "thread.join"
)

// Event is one call into the handler.
//
// Fields beyond Kind, TID and Loc are filled according to the kind:
//
//	mem.check, race.access   Addr, Size, Region
//	mem.check (strcpy)       Addr, Src, Size (source length incl. NUL)
//	mem.alloc                Addr (new block), Size
//	mem.free                 Addr
//	race.lock, race.unlock   Addr, Region
//	sym.make                 Addr, Size; the handler sets Value
//	sym.branch               Value (concrete condition), Expr, Cases
//	thread.spawn, join       Child
type Event struct {
	Kind  ir.ProbeKind
	Probe *ir.Probe
	TID   uint32
	// Loc is the position of the instrumented instruction.
	Loc srcmap.Location

	Addr   uint64
	Src    uint64
	Size   uint64
	Region *Region

	Value int64
	Expr  symbolic.Expr
	Cases []int64

	Child uint32

	// Stack returns the call stack, innermost first, ending in the
	// unattributed runtime entry frames of the thread.
	Stack func() []srcmap.Location
}

// Handler receives every probe and lifecycle event. A non-nil error
// halts the program; see Machine.Run.
type Handler interface {
	Handle(*Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(*Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ev *Event) error { return f(ev) }

// ExitStatus is implemented by handler errors that carry the process
// exit status to report.
type ExitStatus interface {
	ExitStatus() int
}

// Runtime entry frames appended below the program's own frames.
var (
	MainEntryFrames   = []string{"__libc_start_call_main", "__libc_start_main_alias_2", "_start"}
	ThreadEntryFrames = []string{"start_thread", "__clone3"}
)
