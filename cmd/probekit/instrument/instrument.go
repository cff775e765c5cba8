// Package instrument inserts monitor probes into IR modules.
//
// Instrumentation runs one pass per analysis mode over a clone of the
// input module, in a fixed order: race, symbolic, memsafety, coverage.
// Each pass inserts probe instructions and may emit metadata the monitor
// needs at run time (the race variable table, the coverage map).
//
// Example Transformation (race mode):
//
//	// INPUT:
//	%c = load @counter          ; line 12
//	store @counter, %c          ; line 12
//
//	// OUTPUT:
//	probe race.access @counter (read)
//	%c = load @counter
//	probe race.access @counter (write)
//	store @counter, %c
//
// Apart from probes and the synthetic edge blocks of coverage mode, the
// instrumented module behaves exactly like its input.
//
// Thread Safety: Instrument may be called concurrently on different
// modules. The input module is never modified.
package instrument

import (
	"errors"
	"fmt"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/kolkov/probekit/internal/ir"
	"github.com/kolkov/probekit/internal/logging"
	"github.com/kolkov/probekit/internal/srcmap"
)

var (
	// ErrUnknownMode is returned for a mode outside ir.Modes.
	ErrUnknownMode = errors.New("unknown analysis mode")
	// ErrNoModule is returned when Instrument is called without a module.
	ErrNoModule = errors.New("no module to instrument")
)

// Options configure Instrument.
type Options struct {
	// Modes selects the passes to run. Order and duplicates do not matter.
	Modes []string
	// Source, when set, attributes function entries the IR left without
	// a position.
	Source *srcmap.Index
	// Coalesce merges consecutive race probes on the same address and line.
	Coalesce bool
	Logger   *log.Logger
}

// InstrumentResult is an instrumented module with what the monitor needs
// to interpret its probes.
//
//nolint:revive // InstrumentResult is clear and descriptive despite stuttering
type InstrumentResult struct {
	Module   *ir.Module
	Meta     *ir.Metadata
	Stats    InstrumentStats
	Warnings []*InstrumentationError
}

type pass interface {
	Mode() string
	Run(s *state) error
}

var passes = []pass{racePass{}, symbolicPass{}, memSafetyPass{}, coveragePass{}}

// Instrument runs the passes selected by opts.Modes over a clone of mod.
//
// Instructions without a source position are still instrumented. Their
// probes are flagged Unattributed and a warning is returned for each.
func Instrument(mod *ir.Module, opts Options) (*InstrumentResult, error) {
	if mod == nil {
		return nil, ErrNoModule
	}
	modes, err := NormalizeModes(opts.Modes)
	if err != nil {
		return nil, err
	}
	lg := opts.Logger
	if lg == nil {
		lg = logging.Discard()
	}

	out := mod.Clone()
	if opts.Source != nil {
		attributeEntries(out, opts.Source, lg)
	}

	s := newState(out, opts)
	s.meta.Modes = modes
	for _, p := range passes {
		if !slices.Contains(modes, p.Mode()) {
			continue
		}
		before := s.stats.Total()
		if err := p.Run(s); err != nil {
			return nil, fmt.Errorf("%s pass: %w", p.Mode(), err)
		}
		lg.Debug("pass done", "mode", p.Mode(), "probes", s.stats.Total()-before)
	}

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("instrumented module is invalid: %w", err)
	}
	for _, w := range s.warnings {
		lg.Warn("unattributed instruction", "file", w.File, "msg", w.Message)
	}
	return &InstrumentResult{
		Module:   out,
		Meta:     s.meta,
		Stats:    s.stats,
		Warnings: s.warnings,
	}, nil
}

// NormalizeModes validates modes and returns them deduplicated in pass
// order.
func NormalizeModes(modes []string) ([]string, error) {
	for _, m := range modes {
		if !slices.Contains(ir.Modes, m) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownMode, m)
		}
	}
	out := make([]string, 0, len(modes))
	for _, m := range ir.Modes {
		if slices.Contains(modes, m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// attributeEntries fills missing function positions from the source
// index.
func attributeEntries(mod *ir.Module, idx *srcmap.Index, lg *log.Logger) {
	sm := srcmap.Build(mod)
	if n := sm.Attribute(idx); n == 0 {
		return
	}
	for _, fn := range mod.Functions {
		if !fn.Pos.IsZero() {
			continue
		}
		if loc, ok := sm.Entry(fn.Name); ok {
			fn.Pos = ir.Pos{Line: loc.Line, Col: loc.Col}
			lg.Debug("attributed function entry", "func", fn.Name, "line", loc.Line)
		}
	}
}
