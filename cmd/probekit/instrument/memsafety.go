package instrument

import (
	"github.com/kolkov/probekit/internal/ir"
)

// memSafetyPass brackets every allocation, free and memory access with
// probes so the monitor can keep byte-precise shadow state.
type memSafetyPass struct{}

func (memSafetyPass) Mode() string { return ir.ModeMemSafety }

func (memSafetyPass) Run(s *state) error {
	var points []InstrumentPoint
	for _, fn := range s.mod.Functions {
		points = append(points, s.entry(fn, &ir.Probe{Kind: ir.ProbeMemEnter}))
	}

	eachInstr(s.mod, func(fn *ir.Function, b *ir.Block, i int, in *ir.Instr) {
		switch in.Op {
		case ir.OpLoad, ir.OpStore:
			points = append(points, s.at(fn, b, i, false, &ir.Probe{
				Kind:  ir.ProbeMemCheck,
				Addr:  in.X,
				Size:  ir.Const(int64(in.Width())),
				Write: in.Op == ir.OpStore,
			}))
		case ir.OpRead:
			points = append(points, s.at(fn, b, i, false, &ir.Probe{
				Kind:  ir.ProbeMemCheck,
				Addr:  in.X,
				Size:  in.Y,
				Write: true,
			}))
		case ir.OpStrcpy:
			points = append(points, s.at(fn, b, i, false, &ir.Probe{
				Kind:   ir.ProbeMemCheck,
				Addr:   in.X,
				Src:    in.Y,
				Strcpy: true,
				Write:  true,
			}))
		case ir.OpAlloca:
			if in.Dst != "" {
				points = append(points, s.at(fn, b, i, true, &ir.Probe{
					Kind:  ir.ProbeMemAlloc,
					Addr:  ir.Reg(in.Dst),
					Size:  ir.Const(int64(in.Size)),
					Stack: true,
					Name:  in.Name,
				}))
			}
		case ir.OpMalloc:
			if in.Dst != "" {
				points = append(points, s.at(fn, b, i, true, &ir.Probe{
					Kind: ir.ProbeMemAlloc,
					Addr: ir.Reg(in.Dst),
					Size: in.X,
				}))
			}
		case ir.OpFree:
			points = append(points, s.at(fn, b, i, false, &ir.Probe{
				Kind: ir.ProbeMemFree,
				Addr: in.X,
			}))
		case ir.OpRealloc:
			points = append(points, s.at(fn, b, i, false, &ir.Probe{
				Kind: ir.ProbeMemFree,
				Addr: in.X,
			}))
			if in.Dst != "" {
				points = append(points, s.at(fn, b, i, true, &ir.Probe{
					Kind: ir.ProbeMemAlloc,
					Addr: ir.Reg(in.Dst),
					Size: in.Y,
				}))
			}
		}
	})

	for _, fn := range s.mod.Functions {
		for _, b := range fn.Blocks {
			if b.Term != nil && b.Term.Op == ir.TermRet {
				points = append(points, InstrumentPoint{
					Block: b,
					Index: len(b.Instrs),
					Probe: &ir.Probe{Kind: ir.ProbeMemLeave},
					Pos:   b.Term.Pos,
				})
			}
		}
	}

	s.apply(points)
	return nil
}
