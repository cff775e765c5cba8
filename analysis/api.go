package analysis

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kolkov/probekit/cmd/probekit/instrument"
	"github.com/kolkov/probekit/cmd/probekit/runtime"
	"github.com/kolkov/probekit/internal/aggregator"
	"github.com/kolkov/probekit/internal/fuzz"
	"github.com/kolkov/probekit/internal/ir"
	"github.com/kolkov/probekit/internal/monitor/detector"
	"github.com/kolkov/probekit/internal/srcmap"
	"github.com/kolkov/probekit/internal/symbolic"
)

// Options configure instrumentation and execution.
type Options struct {
	// Modes selects the analyses. Empty means all of them.
	Modes []string
	// Source is the original C or C++ file of the module. When set it
	// attributes function entries the IR left without a position.
	Source string
	// Coalesce merges race probes of one read-modify-write.
	Coalesce bool

	// Race selects the race algorithm: "hybrid" (default) or "lockset".
	Race string
	// Redzone is the poisoned gap around every allocation.
	Redzone uint64
	// Timeout bounds one run. Zero disables it.
	Timeout time.Duration
	// SolverTimeout bounds one solver query.
	SolverTimeout time.Duration

	// Stdin is the program input of Run and Explore.
	Stdin io.Reader

	// Exe is a probekit binary. When set, linked programs run in a
	// child process.
	Exe    string
	Logger *log.Logger
}

// Budget limits symbolic exploration. Zero values mean unlimited.
type Budget = symbolic.Budget

// RenderOptions control Report.Write.
type RenderOptions = aggregator.RenderOptions

// Program is an instrumented module.
type Program struct {
	result *instrument.InstrumentResult
	opts   Options
	race   detector.Algorithm

	artifact string
}

// Instrument instruments an IR module given as YAML text.
func Instrument(data []byte, opts Options) (*Program, error) {
	mod, err := ir.Parse(data)
	if err != nil {
		return nil, err
	}
	return instrumentModule(mod, opts)
}

// InstrumentFile instruments the IR module stored at path.
func InstrumentFile(path string, opts Options) (*Program, error) {
	mod, err := ir.Load(path)
	if err != nil {
		return nil, err
	}
	return instrumentModule(mod, opts)
}

func instrumentModule(mod *ir.Module, opts Options) (*Program, error) {
	race, err := detector.ParseAlgorithm(opts.Race)
	if err != nil {
		return nil, err
	}
	modes := opts.Modes
	if len(modes) == 0 {
		modes = ir.Modes
	}
	iopts := instrument.Options{Modes: modes, Coalesce: opts.Coalesce, Logger: opts.Logger}
	if opts.Source != "" {
		idx, err := srcmap.IndexSource(opts.Source)
		if err != nil {
			return nil, err
		}
		iopts.Source = idx
	}
	res, err := instrument.Instrument(mod, iopts)
	if err != nil {
		return nil, err
	}
	return &Program{result: res, opts: opts, race: race}, nil
}

// Modes returns the analyses the program was instrumented for.
func (p *Program) Modes() []string {
	return append([]string(nil), p.result.Meta.Modes...)
}

// Probes returns the number of probes inserted.
func (p *Program) Probes() int {
	return p.result.Stats.Total()
}

// Warnings returns the instrumentation diagnostics, one per line.
func (p *Program) Warnings() []string {
	out := make([]string, len(p.result.Warnings))
	for i, w := range p.result.Warnings {
		out[i] = w.Error()
	}
	return out
}

// Module returns the instrumented module as YAML.
func (p *Program) Module() ([]byte, error) {
	return p.result.Module.Marshal()
}

// Link writes the program as an artifact at path. Later runs with
// Options.Exe set execute that artifact in a child process.
func (p *Program) Link(path string) error {
	settings := runtime.Settings{Race: string(p.race), Redzone: p.opts.Redzone}
	if err := runtime.Link(path, p.result, settings, Version); err != nil {
		return err
	}
	p.artifact = path
	return nil
}

func (p *Program) aggregate() (*aggregator.Runner, *aggregator.Program) {
	runner := &aggregator.Runner{
		Exe:           p.opts.Exe,
		Timeout:       p.opts.Timeout,
		FlushInterval: aggregator.DefaultFlushInterval,
		Stdin:         p.opts.Stdin,
		Logger:        p.opts.Logger,
	}
	prog := &aggregator.Program{
		Module:        p.result.Module,
		Meta:          p.result.Meta,
		Race:          p.race,
		Redzone:       p.opts.Redzone,
		SolverTimeout: p.opts.SolverTimeout,
		Artifact:      p.artifact,
	}
	return runner, prog
}

// Report is the outcome of Run or Explore.
type Report struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	Incomplete bool

	// Races is the number of data races reported.
	Races int
	// Violation is the memory-safety violation kind, empty if none.
	Violation string
	// Paths is the number of symbolic paths explored.
	Paths int
	// Crashes is the number of distinct crashes a fuzzing campaign found.
	Crashes int

	meta    *ir.Metadata
	outcome *aggregator.Outcome
}

// Run executes the program once.
func Run(ctx context.Context, p *Program, args []string) (*Report, error) {
	runner, prog := p.aggregate()
	o, err := runner.Execute(ctx, prog, args)
	if err != nil {
		return nil, err
	}
	return newReport(p.result.Meta, o), nil
}

// Explore runs the program along every symbolic path within budget.
// The program must be instrumented with the symbolic mode.
func Explore(ctx context.Context, p *Program, args []string, budget Budget) (*Report, error) {
	if !p.result.Meta.Has(ir.ModeSymbolic) {
		return nil, fmt.Errorf("explore: program was not instrumented for %s", ir.ModeSymbolic)
	}
	runner, prog := p.aggregate()
	o, err := runner.Explore(ctx, prog, args, budget)
	if err != nil {
		return nil, err
	}
	return newReport(p.result.Meta, o), nil
}

// FuzzBudget limits a fuzzing campaign. Zero values mean unlimited.
type FuzzBudget = fuzz.Budget

// Input modes of Fuzz and Minimize.
const (
	InputStdin = aggregator.InputStdin
	InputArg   = aggregator.InputArg
	InputArgv  = aggregator.InputArgv
)

// FuzzOptions configure Fuzz.
type FuzzOptions struct {
	Budget FuzzBudget
	// Input is InputStdin (default) or InputArg.
	Input string
	// Seeds start the campaign. At least one is required.
	Seeds [][]byte
	// CrashDir receives one N.crash file per distinct crash.
	CrashDir string
}

// Fuzz mutates the seeds guided by coverage until the budget runs out or
// no seed is worth keeping. The program must be instrumented with the
// coverage mode. The report renders the campaign after the replayed run
// of the first crash.
func Fuzz(ctx context.Context, p *Program, args []string, opts FuzzOptions) (*Report, error) {
	if !p.result.Meta.Has(ir.ModeCoverage) {
		return nil, fmt.Errorf("fuzz: program was not instrumented for %s", ir.ModeCoverage)
	}
	if err := checkInput(opts.Input, false); err != nil {
		return nil, err
	}
	runner, prog := p.aggregate()
	o, err := runner.Fuzz(ctx, prog, args, aggregator.FuzzOptions{
		Budget:   opts.Budget,
		Input:    opts.Input,
		Seeds:    opts.Seeds,
		CrashDir: opts.CrashDir,
	})
	if err != nil {
		return nil, err
	}
	return newReport(p.result.Meta, o), nil
}

// Minimization is the result of Minimize.
type Minimization struct {
	// Input is the minimized program input. Empty for InputArgv.
	Input []byte
	// Args are the program arguments of the minimized run.
	Args   []string
	Report *Report
}

// ErrNoFailure is returned by Minimize for an input that runs cleanly.
var ErrNoFailure = aggregator.ErrNoFailure

// Minimize shrinks a failing input with delta debugging. input is the
// stdin bytes (InputStdin) or the trailing argument (InputArg); with
// InputArgv args itself is minimized and input is ignored.
func Minimize(ctx context.Context, p *Program, args []string, input []byte, mode string) (*Minimization, error) {
	if err := checkInput(mode, true); err != nil {
		return nil, err
	}
	runner, prog := p.aggregate()
	m, err := runner.Minimize(ctx, prog, args, input, mode)
	if err != nil {
		return nil, err
	}
	o := &aggregator.Outcome{Run: m.Run, Coverage: m.Run.Snapshot.Coverage}
	return &Minimization{Input: m.Input, Args: m.Args, Report: newReport(p.result.Meta, o)}, nil
}

func checkInput(mode string, argv bool) error {
	switch mode {
	case "", InputStdin, InputArg:
		return nil
	case InputArgv:
		if argv {
			return nil
		}
	}
	return fmt.Errorf("unknown input mode %q", mode)
}

func newReport(meta *ir.Metadata, o *aggregator.Outcome) *Report {
	r := &Report{
		ExitCode:   o.Run.ExitCode,
		Stdout:     string(o.Run.Stdout),
		Stderr:     string(o.Run.Stderr),
		Incomplete: o.Run.Incomplete,
		Races:      len(o.Run.Snapshot.Races),
		meta:       meta,
		outcome:    o,
	}
	if v := o.Run.Snapshot.Violation; v != nil {
		r.Violation = v.Kind
	}
	if o.Exploration != nil {
		r.Paths = len(o.Exploration.Paths)
	}
	if o.Fuzz != nil {
		r.Crashes = len(o.Fuzz.Crashes)
	}
	return r
}

// Write renders the program output and every report.
func (r *Report) Write(stdout, stderr io.Writer, opts RenderOptions) error {
	return aggregator.Render(stdout, stderr, r.meta, r.outcome, opts)
}
