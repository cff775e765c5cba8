// Package ir defines the intermediate representation executed and
// instrumented by probekit.
//
// A Module is produced by an external front-end and serialized as YAML.
// It is a small register-machine IR: functions own ordered basic blocks,
// every block holds straight-line instructions and ends in exactly one
// terminator. Operands are registers (%name), addresses of globals (@name)
// or integer literals.
//
// Modules are immutable after Load. Instrumentation works on a Clone.
package ir

import (
	"fmt"
)

// Op is an instruction opcode.
type Op string

// Instruction opcodes.
const (
	OpMov      Op = "mov"
	OpBin      Op = "bin"
	OpCmp      Op = "cmp"
	OpLoad     Op = "load"
	OpStore    Op = "store"
	OpAlloca   Op = "alloca"
	OpMalloc   Op = "malloc"
	OpFree     Op = "free"
	OpRealloc  Op = "realloc"
	OpStrcpy   Op = "strcpy"
	OpCall     Op = "call"
	OpSpawn    Op = "spawn"
	OpJoin     Op = "join"
	OpLock     Op = "lock"
	OpUnlock   Op = "unlock"
	OpPrint    Op = "print"
	OpEprint   Op = "eprint"
	OpRead     Op = "read"
	OpSymbolic Op = "symbolic"
	OpProbe    Op = "probe"
)

// TermOp is a terminator opcode.
type TermOp string

// Terminator opcodes.
const (
	TermBr     TermOp = "br"
	TermCondBr TermOp = "condbr"
	TermSwitch TermOp = "switch"
	TermRet    TermOp = "ret"
	TermExit   TermOp = "exit"
)

// Binary operators accepted by OpBin.
var BinOps = map[string]bool{
	"add": true, "sub": true, "mul": true, "div": true, "rem": true,
	"and": true, "or": true, "xor": true, "shl": true, "shr": true,
}

// Predicates accepted by OpCmp.
var CmpPreds = map[string]bool{
	"eq": true, "ne": true, "slt": true, "sle": true, "sgt": true, "sge": true,
}

// DefaultWidth is the access width in bytes of load/store when Size is 0.
const DefaultWidth = 4

// Pos is a source position. Line 0 means the position is unknown.
type Pos struct {
	Line int `yaml:"line"`
	Col  int `yaml:"col,omitempty"`
}

// IsZero reports whether the position is unknown.
func (p Pos) IsZero() bool { return p.Line == 0 }

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

// GlobalKind classifies a global.
type GlobalKind string

// Global kinds.
const (
	GlobalInt    GlobalKind = "int"
	GlobalMutex  GlobalKind = "mutex"
	GlobalString GlobalKind = "string"
	GlobalArray  GlobalKind = "array"
)

// Global is a module-level variable. Its address is taken with @name.
type Global struct {
	Name string     `yaml:"name"`
	Line int        `yaml:"line,omitempty"`
	Kind GlobalKind `yaml:"kind"`
	Size int        `yaml:"size,omitempty"`
	Init int64      `yaml:"init,omitempty"`
	Str  string     `yaml:"str,omitempty"`
}

// ByteSize returns the number of bytes the global occupies in memory.
func (g *Global) ByteSize() int {
	switch g.Kind {
	case GlobalMutex:
		return 8
	case GlobalString:
		if g.Size > len(g.Str) {
			return g.Size
		}
		return len(g.Str) + 1
	default:
		if g.Size > 0 {
			return g.Size
		}
		return DefaultWidth
	}
}

// Module is a whole program.
type Module struct {
	Source    string      `yaml:"source"`
	Globals   []*Global   `yaml:"globals,omitempty"`
	Functions []*Function `yaml:"functions"`
}

// Func returns the function with the given name or nil.
func (m *Module) Func(name string) *Function {
	for _, f := range m.Functions {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Global returns the global with the given name or nil.
func (m *Module) Global(name string) *Global {
	for _, g := range m.Globals {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Function is a named list of basic blocks. Blocks[0] is the entry block.
type Function struct {
	Name   string   `yaml:"name"`
	File   string   `yaml:"file,omitempty"`
	Pos    Pos      `yaml:"pos,omitempty"`
	Params []string `yaml:"params,omitempty"`
	Blocks []*Block `yaml:"blocks"`
}

// Block returns the block with the given label or nil.
func (f *Function) Block(label string) *Block {
	for _, b := range f.Blocks {
		if b.Label == label {
			return b
		}
	}
	return nil
}

// Entry returns the entry block.
func (f *Function) Entry() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// Block is a basic block.
type Block struct {
	Label  string   `yaml:"label"`
	Instrs []*Instr `yaml:"instrs,omitempty"`
	Term   *Term    `yaml:"term"`

	// Synthetic marks blocks created by instrumentation (edge blocks).
	Synthetic bool `yaml:"synthetic,omitempty"`
}

// FirstPos returns the first known source position in the block.
func (b *Block) FirstPos() Pos {
	for _, in := range b.Instrs {
		if in.Op != OpProbe && !in.Pos.IsZero() {
			return in.Pos
		}
	}
	if b.Term != nil {
		return b.Term.Pos
	}
	return Pos{}
}

// Instr is a single non-terminator instruction.
//
// Operand usage per opcode:
//
//	mov      Dst = X
//	bin      Dst = X <Pred> Y
//	cmp      Dst = X <Pred> Y            (0 or 1)
//	load     Dst = mem[X]                (Size bytes, sign-extended)
//	store    mem[X] = Y                  (Size bytes)
//	alloca   Dst = stack object of Size bytes named Name
//	malloc   Dst = heap block of X bytes
//	free     free(X)
//	realloc  Dst = realloc(X, Y)
//	strcpy   strcpy(X, Y)
//	call     Dst = Callee(Args...)
//	spawn    Dst = thread running Callee(Args...)
//	join     join(X)
//	lock     lock(X)
//	unlock   unlock(X)
//	print    printf(Fmt, Args...) to stdout
//	eprint   printf(Fmt, Args...) to stderr
//	symbolic mark Size bytes at X as the symbolic input Name
//	probe    monitor call described by Probe
type Instr struct {
	Op     Op      `yaml:"op"`
	Dst    string  `yaml:"dst,omitempty"`
	Pred   string  `yaml:"pred,omitempty"`
	X      Value   `yaml:"x,omitempty"`
	Y      Value   `yaml:"y,omitempty"`
	Args   []Value `yaml:"args,omitempty"`
	Callee string  `yaml:"callee,omitempty"`
	Size   int     `yaml:"size,omitempty"`
	Name   string  `yaml:"name,omitempty"`
	Fmt    string  `yaml:"fmt,omitempty"`
	Pos    Pos     `yaml:"pos,omitempty"`
	Probe  *Probe  `yaml:"probe,omitempty"`
}

// Width returns the access width of a load or store in bytes.
func (in *Instr) Width() int {
	if in.Size <= 0 {
		return DefaultWidth
	}
	return in.Size
}

func (in *Instr) String() string {
	switch in.Op {
	case OpProbe:
		if in.Probe == nil {
			return "probe <nil>"
		}
		return "probe " + string(in.Probe.Kind)
	case OpBin, OpCmp:
		return fmt.Sprintf("%%%s = %s %s %s, %s", in.Dst, in.Op, in.Pred, in.X, in.Y)
	case OpCall, OpSpawn:
		return fmt.Sprintf("%%%s = %s %s%v", in.Dst, in.Op, in.Callee, in.Args)
	default:
		if in.Dst != "" {
			return fmt.Sprintf("%%%s = %s %s, %s", in.Dst, in.Op, in.X, in.Y)
		}
		return fmt.Sprintf("%s %s, %s", in.Op, in.X, in.Y)
	}
}

// Case is one arm of a switch terminator.
type Case struct {
	Value  int64  `yaml:"value"`
	Target string `yaml:"target"`
}

// Term is a block terminator.
//
//	br      goto Then
//	condbr  if Cond != 0 goto Then else goto Else
//	switch  jump on Cond to the matching Cases target or Default
//	ret     return X (optional)
//	exit    terminate the program with status X
type Term struct {
	Op      TermOp `yaml:"op"`
	Cond    Value  `yaml:"cond,omitempty"`
	X       Value  `yaml:"x,omitempty"`
	Then    string `yaml:"then,omitempty"`
	Else    string `yaml:"else,omitempty"`
	Cases   []Case `yaml:"cases,omitempty"`
	Default string `yaml:"default,omitempty"`
	Pos     Pos    `yaml:"pos,omitempty"`
}

// Succs returns the successor labels in edge order: then/else for
// condbr, cases followed by default for switch.
func (t *Term) Succs() []string {
	switch t.Op {
	case TermBr:
		return []string{t.Then}
	case TermCondBr:
		return []string{t.Then, t.Else}
	case TermSwitch:
		succs := make([]string, 0, len(t.Cases)+1)
		for _, c := range t.Cases {
			succs = append(succs, c.Target)
		}
		return append(succs, t.Default)
	default:
		return nil
	}
}

// SetSucc rewrites the i-th successor as returned by Succs.
func (t *Term) SetSucc(i int, label string) {
	switch t.Op {
	case TermBr:
		t.Then = label
	case TermCondBr:
		if i == 0 {
			t.Then = label
		} else {
			t.Else = label
		}
	case TermSwitch:
		if i < len(t.Cases) {
			t.Cases[i].Target = label
		} else {
			t.Default = label
		}
	}
}

// Conditional reports whether the terminator has more than one outgoing edge.
func (t *Term) Conditional() bool {
	return t.Op == TermCondBr || t.Op == TermSwitch
}
