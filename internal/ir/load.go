package ir

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownOp is returned for an unrecognized opcode, terminator,
	// operator or predicate.
	ErrUnknownOp = errors.New("unknown op")
	// ErrInvalidModule wraps structural validation failures.
	ErrInvalidModule = errors.New("invalid module")
)

var knownOps = map[Op]bool{
	OpMov: true, OpBin: true, OpCmp: true, OpLoad: true, OpStore: true,
	OpAlloca: true, OpMalloc: true, OpFree: true, OpRealloc: true,
	OpStrcpy: true, OpCall: true, OpSpawn: true, OpJoin: true,
	OpLock: true, OpUnlock: true, OpPrint: true, OpEprint: true, OpRead: true,
	OpSymbolic: true, OpProbe: true,
}

var knownTerms = map[TermOp]bool{
	TermBr: true, TermCondBr: true, TermSwitch: true, TermRet: true, TermExit: true,
}

// Load reads and validates a module from a YAML file.
func Load(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a module from YAML bytes. Unknown fields
// are rejected.
func Parse(data []byte) (*Module, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Module
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse module: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Marshal encodes the module as YAML.
func (m *Module) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode module: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate checks the structural well-formedness of the module.
func (m *Module) Validate() error {
	if len(m.Functions) == 0 {
		return fmt.Errorf("%w: no functions", ErrInvalidModule)
	}

	globals := make(map[string]*Global, len(m.Globals))
	for _, g := range m.Globals {
		if g.Name == "" {
			return fmt.Errorf("%w: global without name", ErrInvalidModule)
		}
		if _, dup := globals[g.Name]; dup {
			return fmt.Errorf("%w: duplicate global %q", ErrInvalidModule, g.Name)
		}
		switch g.Kind {
		case GlobalInt, GlobalMutex, GlobalString, GlobalArray:
		default:
			return fmt.Errorf("global %q: %w: kind %q", g.Name, ErrUnknownOp, g.Kind)
		}
		globals[g.Name] = g
	}

	funcs := make(map[string]bool, len(m.Functions))
	for _, f := range m.Functions {
		if funcs[f.Name] {
			return fmt.Errorf("%w: duplicate function %q", ErrInvalidModule, f.Name)
		}
		funcs[f.Name] = true
	}

	for _, f := range m.Functions {
		if err := validateFunc(f, globals, funcs); err != nil {
			return fmt.Errorf("function %s: %w", f.Name, err)
		}
	}
	return nil
}

func validateFunc(f *Function, globals map[string]*Global, funcs map[string]bool) error {
	if len(f.Blocks) == 0 {
		return fmt.Errorf("%w: no blocks", ErrInvalidModule)
	}
	labels := make(map[string]bool, len(f.Blocks))
	for _, b := range f.Blocks {
		if b.Label == "" {
			return fmt.Errorf("%w: block without label", ErrInvalidModule)
		}
		if labels[b.Label] {
			return fmt.Errorf("%w: duplicate block %q", ErrInvalidModule, b.Label)
		}
		labels[b.Label] = true
	}

	checkValue := func(v Value) error {
		if v.Kind == ValGlobal && globals[v.Name] == nil {
			return fmt.Errorf("%w: undefined global @%s", ErrInvalidModule, v.Name)
		}
		return nil
	}

	for _, b := range f.Blocks {
		for i, in := range b.Instrs {
			if err := validateInstr(in, funcs); err != nil {
				return fmt.Errorf("%s[%d]: %w", b.Label, i, err)
			}
			for _, v := range append([]Value{in.X, in.Y}, in.Args...) {
				if err := checkValue(v); err != nil {
					return fmt.Errorf("%s[%d]: %w", b.Label, i, err)
				}
			}
		}
		t := b.Term
		if t == nil {
			return fmt.Errorf("%w: block %q has no terminator", ErrInvalidModule, b.Label)
		}
		if !knownTerms[t.Op] {
			return fmt.Errorf("block %q: %w: terminator %q", b.Label, ErrUnknownOp, t.Op)
		}
		if t.Op == TermCondBr && t.Cond.IsZero() {
			return fmt.Errorf("%w: block %q: condbr without cond", ErrInvalidModule, b.Label)
		}
		if t.Op == TermSwitch && t.Default == "" {
			return fmt.Errorf("%w: block %q: switch without default", ErrInvalidModule, b.Label)
		}
		for _, s := range t.Succs() {
			if !labels[s] {
				return fmt.Errorf("%w: block %q: undefined target %q", ErrInvalidModule, b.Label, s)
			}
		}
	}
	return nil
}

func validateInstr(in *Instr, funcs map[string]bool) error {
	if !knownOps[in.Op] {
		return fmt.Errorf("%w: %q", ErrUnknownOp, in.Op)
	}
	switch in.Op {
	case OpBin:
		if !BinOps[in.Pred] {
			return fmt.Errorf("%w: binary operator %q", ErrUnknownOp, in.Pred)
		}
	case OpCmp:
		if !CmpPreds[in.Pred] {
			return fmt.Errorf("%w: predicate %q", ErrUnknownOp, in.Pred)
		}
	case OpCall, OpSpawn:
		if !funcs[in.Callee] {
			return fmt.Errorf("%w: call to undefined function %q", ErrInvalidModule, in.Callee)
		}
	case OpLoad, OpStore:
		switch in.Width() {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("%w: access width %d", ErrInvalidModule, in.Size)
		}
	case OpAlloca:
		if in.Size <= 0 {
			return fmt.Errorf("%w: alloca of %d bytes", ErrInvalidModule, in.Size)
		}
	case OpSymbolic:
		if in.Name == "" || in.Size <= 0 || in.Size > 8 {
			return fmt.Errorf("%w: symbolic needs a name and a size in 1..8", ErrInvalidModule)
		}
	case OpProbe:
		if in.Probe == nil {
			return fmt.Errorf("%w: probe without descriptor", ErrInvalidModule)
		}
	}
	return nil
}
