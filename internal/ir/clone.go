package ir

// Clone returns a deep copy of the module.
func (m *Module) Clone() *Module {
	out := &Module{
		Source:    m.Source,
		Globals:   make([]*Global, len(m.Globals)),
		Functions: make([]*Function, len(m.Functions)),
	}
	for i, g := range m.Globals {
		cp := *g
		out.Globals[i] = &cp
	}
	for i, f := range m.Functions {
		out.Functions[i] = f.Clone()
	}
	return out
}

// Clone returns a deep copy of the function.
func (f *Function) Clone() *Function {
	out := &Function{
		Name:   f.Name,
		File:   f.File,
		Pos:    f.Pos,
		Params: append([]string(nil), f.Params...),
		Blocks: make([]*Block, len(f.Blocks)),
	}
	for i, b := range f.Blocks {
		out.Blocks[i] = b.Clone()
	}
	return out
}

// Clone returns a deep copy of the block.
func (b *Block) Clone() *Block {
	out := &Block{
		Label:     b.Label,
		Instrs:    make([]*Instr, len(b.Instrs)),
		Synthetic: b.Synthetic,
	}
	for i, in := range b.Instrs {
		out.Instrs[i] = in.Clone()
	}
	if b.Term != nil {
		t := *b.Term
		t.Cases = append([]Case(nil), b.Term.Cases...)
		out.Term = &t
	}
	return out
}

// Clone returns a deep copy of the instruction.
func (in *Instr) Clone() *Instr {
	out := *in
	out.Args = append([]Value(nil), in.Args...)
	if in.Probe != nil {
		p := *in.Probe
		out.Probe = &p
	}
	return &out
}
