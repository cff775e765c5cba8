package ir

import (
	"fmt"
	"sort"
)

// CoverageMap describes every coverage probe of an instrumented module.
// Probe IDs index Funcs, Blocks and Edges.
type CoverageMap struct {
	Funcs  []CovFunc  `yaml:"funcs" msgpack:"funcs"`
	Blocks []CovBlock `yaml:"blocks" msgpack:"blocks"`
	Edges  []CovEdge  `yaml:"edges" msgpack:"edges"`
}

// CovFunc is a function with its entry line.
type CovFunc struct {
	Name string `yaml:"name" msgpack:"name"`
	File string `yaml:"file" msgpack:"file"`
	Line int    `yaml:"line" msgpack:"line"`
}

// CovBlock is a basic block and the distinct source lines it covers.
type CovBlock struct {
	Func  string `yaml:"func" msgpack:"func"`
	Label string `yaml:"label" msgpack:"label"`
	File  string `yaml:"file" msgpack:"file"`
	Lines []int  `yaml:"lines" msgpack:"lines"`
}

// CovEdge is one outgoing edge of a conditional terminator.
//
// Edges come in pairs. Line is the first line of the edge's target,
// Other the first line of the paired edge's target. Then is set on the
// first edge of a pair (condbr then, or the even-numbered switch target).
type CovEdge struct {
	Func  string `yaml:"func" msgpack:"func"`
	File  string `yaml:"file" msgpack:"file"`
	Line  int    `yaml:"line" msgpack:"line"`
	Other int    `yaml:"other" msgpack:"other"`
	Then  bool   `yaml:"then,omitempty" msgpack:"then"`
}

// String renders the edge as line(otherLine:D), D being the direction
// that leads to Other.
func (e CovEdge) String() string {
	dir := "T"
	if e.Then {
		dir = "F"
	}
	return fmt.Sprintf("%d(%d:%s)", e.Line, e.Other, dir)
}

// Files returns the distinct files of the map, sorted.
func (c *CoverageMap) Files() []string {
	seen := make(map[string]bool)
	for _, f := range c.Funcs {
		seen[f.File] = true
	}
	for _, b := range c.Blocks {
		seen[b.File] = true
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// RaceMap lists the variables and locks race probes refer to. A probe's
// ID indexes Vars (race.access) or Locks (race.lock, race.unlock); -1
// means the address is only known at run time.
type RaceMap struct {
	Vars  []RaceSym `yaml:"vars" msgpack:"vars"`
	Locks []RaceSym `yaml:"locks" msgpack:"locks"`
}

// RaceSym is a named program object with its declaration line.
type RaceSym struct {
	Name string `yaml:"name" msgpack:"name"`
	Decl int    `yaml:"decl" msgpack:"decl"`
}

// Metadata is everything instrumentation emits besides the module.
type Metadata struct {
	Modes    []string     `yaml:"modes" msgpack:"modes"`
	Coverage *CoverageMap `yaml:"coverage,omitempty" msgpack:"coverage,omitempty"`
	Race     *RaceMap     `yaml:"race,omitempty" msgpack:"race,omitempty"`
}

// Has reports whether mode was instrumented.
func (m *Metadata) Has(mode string) bool {
	if m == nil {
		return false
	}
	for _, x := range m.Modes {
		if x == mode {
			return true
		}
	}
	return false
}
