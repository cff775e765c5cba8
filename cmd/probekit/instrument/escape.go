package instrument

import (
	"github.com/kolkov/probekit/internal/ir"
)

// origin is what an address register may point into.
type origin struct {
	global string      // derived from the address of a global
	sites  []*ir.Instr // derived from these alloca/malloc/realloc results
	shared bool        // loaded from shared memory or handed to a thread
}

func (o origin) empty() bool {
	return o.global == "" && len(o.sites) == 0 && !o.shared
}

// merge adds o2 into o and reports whether o grew.
func (o *origin) merge(o2 origin) bool {
	grew := false
	if o.global == "" && o2.global != "" {
		o.global = o2.global
		grew = true
	}
	for _, s := range o2.sites {
		if !containsSite(o.sites, s) {
			o.sites = append(o.sites, s)
			grew = true
		}
	}
	if o2.shared && !o.shared {
		o.shared = true
		grew = true
	}
	return grew
}

func containsSite(sites []*ir.Instr, s *ir.Instr) bool {
	for _, x := range sites {
		if x == s {
			return true
		}
	}
	return false
}

// escapes is a flow-insensitive points-to approximation over a module.
//
// An allocation escapes when a pointer into it is stored into a global
// or into escaped memory, or is passed to spawn. Memory reachable from
// an escaped allocation or a global is shared: pointers loaded from it
// and the parameters of thread entry functions are treated as pointing
// into shared memory.
type escapes struct {
	mod     *ir.Module
	regs    map[*ir.Function]map[string]*origin
	rets    map[*ir.Function]*origin
	escaped map[*ir.Instr]bool
}

func analyzeEscapes(mod *ir.Module) *escapes {
	e := &escapes{
		mod:     mod,
		regs:    make(map[*ir.Function]map[string]*origin, len(mod.Functions)),
		rets:    make(map[*ir.Function]*origin, len(mod.Functions)),
		escaped: make(map[*ir.Instr]bool),
	}
	for _, fn := range mod.Functions {
		e.regs[fn] = make(map[string]*origin)
		e.rets[fn] = &origin{}
	}
	// Every step only grows the sets, so this terminates.
	for e.step() {
	}
	return e
}

func (e *escapes) reg(fn *ir.Function, name string) *origin {
	o, ok := e.regs[fn][name]
	if !ok {
		o = &origin{}
		e.regs[fn][name] = o
	}
	return o
}

func (e *escapes) value(fn *ir.Function, v ir.Value) origin {
	switch v.Kind {
	case ir.ValGlobal:
		return origin{global: v.Name}
	case ir.ValReg:
		if o, ok := e.regs[fn][v.Name]; ok {
			cp := *o
			cp.sites = append([]*ir.Instr(nil), o.sites...)
			return cp
		}
	}
	return origin{}
}

// isShared reports whether memory at an address of origin o can be
// reached by more than one thread.
func (e *escapes) isShared(o origin) bool {
	if o.global != "" || o.shared {
		return true
	}
	for _, s := range o.sites {
		if e.escaped[s] {
			return true
		}
	}
	return false
}

func (e *escapes) escape(o origin) bool {
	grew := false
	for _, s := range o.sites {
		if !e.escaped[s] {
			e.escaped[s] = true
			grew = true
		}
	}
	return grew
}

func (e *escapes) step() bool {
	changed := false
	def := func(fn *ir.Function, dst string, o origin) {
		if dst != "" && !o.empty() && e.reg(fn, dst).merge(o) {
			changed = true
		}
	}

	for _, fn := range e.mod.Functions {
		for _, b := range fn.Blocks {
			for _, in := range b.Instrs {
				switch in.Op {
				case ir.OpMov:
					def(fn, in.Dst, e.value(fn, in.X))
				case ir.OpBin:
					if in.Pred == "add" || in.Pred == "sub" {
						o := e.value(fn, in.X)
						o.merge(e.value(fn, in.Y))
						def(fn, in.Dst, o)
					}
				case ir.OpAlloca, ir.OpMalloc:
					def(fn, in.Dst, origin{sites: []*ir.Instr{in}})
				case ir.OpRealloc:
					def(fn, in.Dst, origin{sites: []*ir.Instr{in}})
					if e.isShared(e.value(fn, in.X)) && !e.escaped[in] {
						e.escaped[in] = true
						changed = true
					}
				case ir.OpLoad:
					if e.isShared(e.value(fn, in.X)) {
						def(fn, in.Dst, origin{shared: true})
					}
				case ir.OpStore:
					if e.isShared(e.value(fn, in.X)) && e.escape(e.value(fn, in.Y)) {
						changed = true
					}
				case ir.OpCall:
					callee := e.mod.Func(in.Callee)
					for i, arg := range in.Args {
						if i < len(callee.Params) {
							def(callee, callee.Params[i], e.value(fn, arg))
						}
					}
					def(fn, in.Dst, *e.rets[callee])
				case ir.OpSpawn:
					callee := e.mod.Func(in.Callee)
					for i, arg := range in.Args {
						o := e.value(fn, arg)
						if e.escape(o) {
							changed = true
						}
						if i < len(callee.Params) {
							o.shared = true
							def(callee, callee.Params[i], o)
						}
					}
				}
			}
			if t := b.Term; t != nil && t.Op == ir.TermRet {
				if e.rets[fn].merge(e.value(fn, t.X)) {
					changed = true
				}
			}
		}
	}
	return changed
}
