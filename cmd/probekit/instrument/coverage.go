package instrument

import (
	"fmt"
	"sort"

	"github.com/kolkov/probekit/internal/ir"
)

// coveragePass counts function calls, block executions and branch edges.
//
// Edges are measured by splitting: every outgoing edge of a condbr or
// switch is redirected through a new synthetic block holding only its
// cov.edge probe and a br to the original target.
type coveragePass struct{}

func (coveragePass) Mode() string { return ir.ModeCoverage }

func (coveragePass) Run(s *state) error {
	cm := &ir.CoverageMap{
		Funcs:  []ir.CovFunc{},
		Blocks: []ir.CovBlock{},
		Edges:  []ir.CovEdge{},
	}
	var points []InstrumentPoint

	for _, fn := range s.mod.Functions {
		file := s.files[fn.Name]
		points = append(points, s.entry(fn, &ir.Probe{Kind: ir.ProbeCovFunc, ID: len(cm.Funcs)}))
		cm.Funcs = append(cm.Funcs, ir.CovFunc{Name: fn.Name, File: file, Line: fn.Pos.Line})

		firstLine := make(map[string]int, len(fn.Blocks))
		for _, b := range fn.Blocks {
			firstLine[b.Label] = b.FirstPos().Line
		}

		var edgeBlocks []*ir.Block
		for _, b := range fn.Blocks {
			points = append(points, InstrumentPoint{
				Block: b,
				Probe: &ir.Probe{Kind: ir.ProbeCovBlock, ID: len(cm.Blocks)},
				Pos:   b.FirstPos(),
			})
			cm.Blocks = append(cm.Blocks, ir.CovBlock{
				Func:  fn.Name,
				Label: b.Label,
				File:  file,
				Lines: blockLines(b),
			})

			if !b.Term.Conditional() {
				continue
			}
			succs := b.Term.Succs()
			lines := make([]int, len(succs))
			for i, target := range succs {
				lines[i] = firstLine[target]
			}
			for i, e := range pairEdges(lines) {
				e.Func, e.File = fn.Name, file
				probe := &ir.Probe{Kind: ir.ProbeCovEdge, ID: len(cm.Edges)}
				cm.Edges = append(cm.Edges, e)

				label := edgeLabel(fn, b.Label, i)
				eb := &ir.Block{
					Label:     label,
					Instrs:    []*ir.Instr{{Op: ir.OpProbe, Probe: probe, Pos: b.Term.Pos}},
					Term:      &ir.Term{Op: ir.TermBr, Then: succs[i], Pos: b.Term.Pos},
					Synthetic: true,
				}
				s.count(probe)
				b.Term.SetSucc(i, label)
				edgeBlocks = append(edgeBlocks, eb)
			}
		}
		fn.Blocks = append(fn.Blocks, edgeBlocks...)
		s.stats.EdgeBlocks += len(edgeBlocks)
	}

	s.apply(points)
	s.meta.Coverage = cm
	return nil
}

// pairEdges tags the edges of one terminator. Targets are paired
// consecutively: the first of a pair is the Then edge and points at the
// second, the second points back. An odd trailing target pairs with the
// first one.
func pairEdges(lines []int) []ir.CovEdge {
	n := len(lines)
	edges := make([]ir.CovEdge, n)
	for i := 0; i+1 < n; i += 2 {
		edges[i] = ir.CovEdge{Line: lines[i], Other: lines[i+1], Then: true}
		edges[i+1] = ir.CovEdge{Line: lines[i+1], Other: lines[i]}
	}
	if n%2 == 1 {
		edges[n-1] = ir.CovEdge{Line: lines[n-1], Other: lines[0]}
	}
	return edges
}

// blockLines returns the distinct known source lines of a block, sorted.
func blockLines(b *ir.Block) []int {
	seen := make(map[int]bool)
	for _, in := range b.Instrs {
		if in.Op != ir.OpProbe && !in.Pos.IsZero() {
			seen[in.Pos.Line] = true
		}
	}
	if b.Term != nil && !b.Term.Pos.IsZero() {
		seen[b.Term.Pos.Line] = true
	}
	lines := make([]int, 0, len(seen))
	for l := range seen {
		lines = append(lines, l)
	}
	sort.Ints(lines)
	return lines
}

// edgeLabel returns an unused label for the i-th edge block of from.
func edgeLabel(fn *ir.Function, from string, i int) string {
	label := fmt.Sprintf("%s.edge%d", from, i)
	for n := 1; fn.Block(label) != nil; n++ {
		label = fmt.Sprintf("%s.edge%d.%d", from, i, n)
	}
	return label
}
