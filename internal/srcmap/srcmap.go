// Package srcmap maps IR locations back to source positions.
//
// Every instruction and terminator of a module carries the position the
// front-end attributed to it. Build indexes them by (function, block,
// instruction index) so reports can resolve probes to file:line:col.
// Positions with line 0 are unattributed and never resolve.
package srcmap

import (
	"fmt"

	"github.com/kolkov/probekit/internal/ir"
)

// TermIndex addresses the terminator of a block in Lookup.
const TermIndex = -1

// Key identifies one instruction of a module.
type Key struct {
	Func  string
	Block string
	Index int
}

// Location is a resolved source position.
type Location struct {
	File string
	Func string
	Line int
	Col  int
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Col)
}

// Map resolves IR locations of one module.
type Map struct {
	locs    map[Key]ir.Pos
	files   map[string]string
	entries map[string]ir.Pos
}

// Build indexes every position of the module.
func Build(m *ir.Module) *Map {
	sm := &Map{
		locs:    make(map[Key]ir.Pos),
		files:   make(map[string]string, len(m.Functions)),
		entries: make(map[string]ir.Pos, len(m.Functions)),
	}
	for _, f := range m.Functions {
		file := f.File
		if file == "" {
			file = m.Source
		}
		sm.files[f.Name] = file
		sm.entries[f.Name] = f.Pos
		for _, b := range f.Blocks {
			for i, in := range b.Instrs {
				sm.locs[Key{f.Name, b.Label, i}] = in.Pos
			}
			if b.Term != nil {
				sm.locs[Key{f.Name, b.Label, TermIndex}] = b.Term.Pos
			}
		}
	}
	return sm
}

// Lookup resolves an instruction (or the terminator with TermIndex).
// ok is false when the instruction is unknown or unattributed.
func (m *Map) Lookup(fn, block string, idx int) (loc Location, ok bool) {
	pos, found := m.locs[Key{fn, block, idx}]
	if !found || pos.Line == 0 {
		return Location{File: m.files[fn], Func: fn}, false
	}
	return Location{File: m.files[fn], Func: fn, Line: pos.Line, Col: pos.Col}, true
}

// Entry resolves the definition position of a function.
func (m *Map) Entry(fn string) (Location, bool) {
	pos := m.entries[fn]
	loc := Location{File: m.files[fn], Func: fn, Line: pos.Line, Col: pos.Col}
	return loc, pos.Line != 0
}

// File returns the source file of a function.
func (m *Map) File(fn string) string {
	return m.files[fn]
}

// Attribute fills unattributed function entries from a source index and
// returns how many were filled. Functions are matched by display name.
func (m *Map) Attribute(idx *Index) int {
	filled := 0
	for fn, pos := range m.entries {
		if pos.Line != 0 {
			continue
		}
		line, ok := idx.Funcs[BaseName(fn)]
		if !ok {
			continue
		}
		m.entries[fn] = ir.Pos{Line: line, Col: 1}
		filled++
	}
	return filled
}
