package instrument

import (
	"github.com/kolkov/probekit/internal/ir"
)

// symbolicPass announces symbolic inputs and conditional branches.
type symbolicPass struct{}

func (symbolicPass) Mode() string { return ir.ModeSymbolic }

func (symbolicPass) Run(s *state) error {
	var points []InstrumentPoint
	for _, fn := range s.mod.Functions {
		for _, b := range fn.Blocks {
			for i, in := range b.Instrs {
				if in.Op != ir.OpSymbolic {
					continue
				}
				points = append(points, s.at(fn, b, i, false, &ir.Probe{
					Kind: ir.ProbeSymMake,
					Addr: in.X,
					Size: ir.Const(int64(in.Size)),
					Name: in.Name,
				}))
			}
			if t := b.Term; t != nil && t.Conditional() {
				points = append(points, s.at(fn, b, len(b.Instrs), false, &ir.Probe{
					Kind: ir.ProbeSymBranch,
					Cond: t.Cond,
				}))
			}
		}
	}
	s.apply(points)
	return nil
}
