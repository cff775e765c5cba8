// options.go maps config and flags onto analysis options.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/kolkov/probekit/analysis"
	"github.com/kolkov/probekit/internal/config"
)

// analysisFlags are the flags shared by run and explore. Only flags the
// user set override the loaded configuration.
type analysisFlags struct {
	modes       []string
	source      string
	sourceDir   string
	coalesce    bool
	race        string
	redzone     uint64
	timeout     time.Duration
	color       string
	testMode    bool
	snippet     bool
	isolate     bool
	listLimit   int
	coverageOut string
}

func (f *analysisFlags) register(cmd *cobra.Command) {
	def := config.DefaultConfig()
	fs := cmd.Flags()
	fs.StringSliceVarP(&f.modes, "modes", "m", def.Modes, "analyses to run (race, symbolic, memsafety, coverage)")
	fs.StringVar(&f.source, "source", "", "original C/C++ source used to attribute functions")
	fs.StringVar(&f.sourceDir, "source-dir", "", "directory holding the sources named by the module (default: the module's directory)")
	fs.BoolVar(&f.coalesce, "coalesce", def.Race.Coalesce, "merge race probes of one read-modify-write")
	fs.StringVar(&f.race, "race", def.Race.Algorithm, "race algorithm: hybrid or lockset")
	fs.Uint64Var(&f.redzone, "redzone", def.Memory.Redzone, "poisoned bytes around each allocation")
	fs.DurationVar(&f.timeout, "timeout", def.Timeout, "wall-clock limit of one run (0 disables)")
	fs.StringVar(&f.color, "color", def.Color, "color reports: auto, always or never")
	fs.BoolVar(&f.testMode, "test-mode", def.TestMode, "hide thread ids and addresses in reports")
	fs.BoolVar(&f.snippet, "snippet", def.Snippet, "show the source line of a memory-safety violation")
	fs.BoolVar(&f.isolate, "isolate", def.Isolate, "run the program in a child process")
	fs.IntVar(&f.listLimit, "list-limit", def.Coverage.ListLimit, "uncovered entries shown per coverage cell")
	fs.StringVar(&f.coverageOut, "coverage-out", "", "also write the plain coverage table to this file")
}

// apply overrides cfg with every flag set on the command line.
func (f *analysisFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	fs := cmd.Flags()
	if fs.Changed("modes") {
		cfg.Modes = f.modes
	}
	if fs.Changed("coalesce") {
		cfg.Race.Coalesce = f.coalesce
	}
	if fs.Changed("race") {
		cfg.Race.Algorithm = f.race
	}
	if fs.Changed("redzone") {
		cfg.Memory.Redzone = f.redzone
	}
	if fs.Changed("timeout") {
		cfg.Timeout = f.timeout
	}
	if fs.Changed("color") {
		cfg.Color = f.color
	}
	if fs.Changed("test-mode") {
		cfg.TestMode = f.testMode
	}
	if fs.Changed("snippet") {
		cfg.Snippet = f.snippet
	}
	if fs.Changed("isolate") {
		cfg.Isolate = f.isolate
	}
	if fs.Changed("list-limit") {
		cfg.Coverage.ListLimit = f.listLimit
	}
	if fs.Changed("coverage-out") {
		cfg.Coverage.Out = f.coverageOut
	}
	return cfg.Validate()
}

// settings loads the configuration and applies the command's flags.
func (c *cli) settings(cmd *cobra.Command, f *analysisFlags) (*config.Config, error) {
	if err := c.loadConfig(); err != nil {
		return nil, err
	}
	cfg := *c.cfg
	if err := f.apply(cmd, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *cli) programOptions(cfg *config.Config, f *analysisFlags) (analysis.Options, error) {
	opts := analysis.Options{
		Modes:         cfg.Modes,
		Source:        f.source,
		Coalesce:      cfg.Race.Coalesce,
		Race:          cfg.Race.Algorithm,
		Redzone:       cfg.Memory.Redzone,
		Timeout:       cfg.Timeout,
		SolverTimeout: cfg.Symbolic.SolverTimeout,
		Stdin:         c.stdin,
		Logger:        c.logger,
	}
	if cfg.Isolate {
		exe, err := os.Executable()
		if err != nil {
			return opts, fmt.Errorf("failed to locate probekit binary: %w", err)
		}
		opts.Exe = exe
	}
	return opts, nil
}

func (c *cli) renderOptions(cfg *config.Config, f *analysisFlags, module string) analysis.RenderOptions {
	dir := f.sourceDir
	if dir == "" {
		dir = filepath.Dir(module)
	}
	return analysis.RenderOptions{
		Color:       c.useColor(cfg.Color),
		TestMode:    cfg.TestMode,
		Snippet:     cfg.Snippet,
		SourceDir:   dir,
		ListLimit:   cfg.Coverage.ListLimit,
		CoverageOut: cfg.Coverage.Out,
	}
}

// useColor resolves the color mode. auto colors only a terminal stdout.
func (c *cli) useColor(mode string) bool {
	switch mode {
	case config.ColorAlways:
		return true
	case config.ColorNever:
		return false
	}
	f, ok := c.stdout.(*os.File)
	return ok && term.IsTerminal(f.Fd())
}

// prepare instruments module and, when the program runs isolated, links
// it into a temporary artifact. cleanup removes the artifact.
func (c *cli) prepare(module string, opts analysis.Options) (prog *analysis.Program, cleanup func(), err error) {
	cleanup = func() {}
	prog, err = analysis.InstrumentFile(module, opts)
	if err != nil {
		return nil, cleanup, err
	}
	for _, w := range prog.Warnings() {
		c.logger.Warn(w)
	}
	if opts.Exe == "" {
		return prog, cleanup, nil
	}

	dir, err := os.MkdirTemp("", "probekit-*")
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to create temp dir: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }
	if err := prog.Link(filepath.Join(dir, "program.pk")); err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return prog, cleanup, nil
}

// finish renders the report and records the program's exit status.
func (c *cli) finish(report *analysis.Report, opts analysis.RenderOptions) error {
	if err := report.Write(c.stdout, c.stderr, opts); err != nil {
		return err
	}
	if report.Incomplete {
		c.logger.Warn("run incomplete, reports cover the observed prefix", "exit", report.ExitCode)
	}
	c.status = report.ExitCode
	return nil
}
