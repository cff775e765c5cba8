package monitor

import (
	"math"
	"sort"
	"sync/atomic"

	"github.com/kolkov/probekit/internal/ir"
)

// coverage holds one counter per function, block and edge of the
// coverage map. Counters only grow during a run.
type coverage struct {
	funcs  []atomic.Uint64
	blocks []atomic.Uint64
	edges  []atomic.Uint64
}

func newCoverage(cm *ir.CoverageMap) *coverage {
	return &coverage{
		funcs:  make([]atomic.Uint64, len(cm.Funcs)),
		blocks: make([]atomic.Uint64, len(cm.Blocks)),
		edges:  make([]atomic.Uint64, len(cm.Edges)),
	}
}

func (c *coverage) hit(kind ir.ProbeKind, id int) {
	var counters []atomic.Uint64
	switch kind {
	case ir.ProbeCovFunc:
		counters = c.funcs
	case ir.ProbeCovBlock:
		counters = c.blocks
	case ir.ProbeCovEdge:
		counters = c.edges
	}
	if id >= 0 && id < len(counters) {
		counters[id].Add(1)
	}
}

func load(cs []atomic.Uint64) []uint64 {
	out := make([]uint64, len(cs))
	for i := range cs {
		out[i] = cs[i].Load()
	}
	return out
}

func (c *coverage) counts() *CoverageCounts {
	return &CoverageCounts{
		Funcs:  load(c.funcs),
		Blocks: load(c.blocks),
		Edges:  load(c.edges),
	}
}

// CoverageCounts are the hit counters of a run, indexed like the
// coverage map.
type CoverageCounts struct {
	Funcs  []uint64 `msgpack:"funcs"`
	Blocks []uint64 `msgpack:"blocks"`
	Edges  []uint64 `msgpack:"edges"`
}

// Merge adds o to c. Both must come from the same coverage map.
func (c *CoverageCounts) Merge(o *CoverageCounts) {
	if o == nil {
		return
	}
	add := func(dst []uint64, src []uint64) {
		for i := range dst {
			if i < len(src) {
				dst[i] += src[i]
			}
		}
	}
	add(c.Funcs, o.Funcs)
	add(c.Blocks, o.Blocks)
	add(c.Edges, o.Edges)
}

// FileCoverage is the coverage summary of one source file.
type FileCoverage struct {
	File string

	Funcs          int
	CoveredFuncs   int
	UncoveredFuncs []int // entry lines

	Branches          int
	CoveredBranches   int
	UncoveredBranches []ir.CovEdge

	Lines          int
	CoveredLines   int
	UncoveredLines []int
}

func percent(covered, total int) float64 {
	if total == 0 {
		return math.NaN()
	}
	return 100 * float64(covered) / float64(total)
}

// FuncPercent is the share of functions called at least once.
func (f *FileCoverage) FuncPercent() float64 { return percent(f.CoveredFuncs, f.Funcs) }

// BranchPercent is the share of edges taken at least once. It is NaN
// for a file without conditional branches.
func (f *FileCoverage) BranchPercent() float64 { return percent(f.CoveredBranches, f.Branches) }

// LinePercent is the share of source lines in a hit block.
func (f *FileCoverage) LinePercent() float64 { return percent(f.CoveredLines, f.Lines) }

// SummarizeCoverage computes per-file coverage, sorted by file name.
// Function entry lines count as lines, covered when the function is.
// Uncovered lists are sorted ascending by line.
func SummarizeCoverage(cm *ir.CoverageMap, counts *CoverageCounts) []FileCoverage {
	if cm == nil {
		return nil
	}
	if counts == nil {
		counts = &CoverageCounts{}
	}
	hit := func(cs []uint64, i int) bool { return i < len(cs) && cs[i] > 0 }

	byFile := make(map[string]*FileCoverage)
	lines := make(map[string]map[int]bool) // line -> covered
	get := func(file string) *FileCoverage {
		fc, ok := byFile[file]
		if !ok {
			fc = &FileCoverage{File: file}
			byFile[file] = fc
			lines[file] = make(map[int]bool)
		}
		return fc
	}
	mark := func(file string, line int, covered bool) {
		if line == 0 {
			return
		}
		lines[file][line] = lines[file][line] || covered
	}

	for i, f := range cm.Funcs {
		fc := get(f.File)
		fc.Funcs++
		called := hit(counts.Funcs, i)
		if called {
			fc.CoveredFuncs++
		} else {
			fc.UncoveredFuncs = append(fc.UncoveredFuncs, f.Line)
		}
		mark(f.File, f.Line, called)
	}
	for i, b := range cm.Blocks {
		get(b.File)
		covered := hit(counts.Blocks, i)
		for _, l := range b.Lines {
			mark(b.File, l, covered)
		}
	}
	for i, e := range cm.Edges {
		fc := get(e.File)
		fc.Branches++
		if hit(counts.Edges, i) {
			fc.CoveredBranches++
		} else {
			fc.UncoveredBranches = append(fc.UncoveredBranches, e)
		}
	}

	out := make([]FileCoverage, 0, len(byFile))
	for file, fc := range byFile {
		for l, covered := range lines[file] {
			fc.Lines++
			if covered {
				fc.CoveredLines++
			} else {
				fc.UncoveredLines = append(fc.UncoveredLines, l)
			}
		}
		sort.Ints(fc.UncoveredFuncs)
		sort.Ints(fc.UncoveredLines)
		sort.SliceStable(fc.UncoveredBranches, func(i, j int) bool {
			a, b := fc.UncoveredBranches[i], fc.UncoveredBranches[j]
			if a.Line != b.Line {
				return a.Line < b.Line
			}
			return a.Other < b.Other
		})
		out = append(out, *fc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}
