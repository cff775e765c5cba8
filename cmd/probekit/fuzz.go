// fuzz.go implements the 'probekit fuzz' and 'probekit minimize' commands.
package main

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/kolkov/probekit/analysis"
	"github.com/kolkov/probekit/internal/config"
	"github.com/kolkov/probekit/internal/fuzz"
	"github.com/kolkov/probekit/internal/ir"
)

type fuzzFlags struct {
	analysisFlags
	seeds       string
	input       string
	maxRuns     int
	maxDuration time.Duration
	workers     int
	crashDir    string
	randSeed    uint64
}

// newFuzzCmd builds the 'probekit fuzz' command.
//
// Fuzz instruments the module for coverage and mutates the seed files
// until the budget runs out or no seed is worth keeping. Each distinct
// crash is minimized and saved as N.crash in the crash directory. The
// first crash is replayed last, so its reports follow the campaign
// summary and probekit exits with its status.
//
// Example:
//
//	probekit fuzz --seeds seeds/ prog.yaml
//	probekit fuzz --seeds seeds/ --input arg --max-runs 500 prog.yaml
func newFuzzCmd(c *cli) *cobra.Command {
	var flags fuzzFlags
	cmd := &cobra.Command{
		Use:   "fuzz [flags] MODULE.yaml [-- args...]",
		Short: "Fuzz an IR module guided by coverage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.fuzzModule(cmd, &flags, args[0], args[1:])
		},
	}
	flags.register(cmd)

	def := config.DefaultConfig().Fuzz
	fs := cmd.Flags()
	fs.StringVar(&flags.seeds, "seeds", "", "directory of seed inputs, one per file")
	fs.StringVar(&flags.input, "input", def.Input, "how inputs reach the program: stdin or arg")
	fs.IntVar(&flags.maxRuns, "max-runs", def.MaxRuns, "stop after this many runs (0 is unlimited)")
	fs.DurationVar(&flags.maxDuration, "max-duration", def.MaxDuration, "stop after this long (0 is unlimited)")
	fs.IntVar(&flags.workers, "workers", def.Workers, "runs in parallel")
	fs.StringVar(&flags.crashDir, "crash-dir", def.CrashDir, "directory receiving minimized crashes")
	fs.Uint64Var(&flags.randSeed, "rand-seed", 0, "mutator seed (0 picks one from the clock)")
	_ = cmd.MarkFlagRequired("seeds")
	return cmd
}

func (c *cli) fuzzModule(cmd *cobra.Command, flags *fuzzFlags, module string, args []string) error {
	cfg, err := c.settings(cmd, &flags.analysisFlags)
	if err != nil {
		return err
	}
	fs := cmd.Flags()
	if fs.Changed("input") {
		cfg.Fuzz.Input = flags.input
	}
	if fs.Changed("max-runs") {
		cfg.Fuzz.MaxRuns = flags.maxRuns
	}
	if fs.Changed("max-duration") {
		cfg.Fuzz.MaxDuration = flags.maxDuration
	}
	if fs.Changed("workers") {
		cfg.Fuzz.Workers = flags.workers
	}
	if fs.Changed("crash-dir") {
		cfg.Fuzz.CrashDir = flags.crashDir
	}
	if !slices.Contains(cfg.Modes, ir.ModeCoverage) {
		cfg.Modes = append(slices.Clone(cfg.Modes), ir.ModeCoverage)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	seeds, err := fuzz.ReadSeeds(flags.seeds)
	if err != nil {
		return err
	}
	opts, err := c.programOptions(cfg, &flags.analysisFlags)
	if err != nil {
		return err
	}
	prog, cleanup, err := c.prepare(module, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	randSeed := flags.randSeed
	if randSeed == 0 {
		randSeed = uint64(time.Now().UnixNano())
	}
	c.logger.Debug("fuzzing", "seeds", len(seeds), "input", cfg.Fuzz.Input, "rand_seed", randSeed)
	report, err := analysis.Fuzz(cmd.Context(), prog, args, analysis.FuzzOptions{
		Budget: analysis.FuzzBudget{
			MaxRuns:     cfg.Fuzz.MaxRuns,
			MaxDuration: cfg.Fuzz.MaxDuration,
			Workers:     cfg.Fuzz.Workers,
			RandSeed:    randSeed,
		},
		Input:    cfg.Fuzz.Input,
		Seeds:    seeds,
		CrashDir: cfg.Fuzz.CrashDir,
	})
	if err != nil {
		return err
	}
	return c.finish(report, c.renderOptions(cfg, &flags.analysisFlags, module))
}

type minimizeFlags struct {
	analysisFlags
	input string
	mode  string
	out   string
}

// newMinimizeCmd builds the 'probekit minimize' command.
//
// Minimize shrinks a failing input with delta debugging: the bytes of
// --input fed on stdin or as the last argument, or with --mode argv the
// program arguments themselves. A run fails when it exits nonzero
// without timing out. The minimized input is written to --out, or
// printed in hex, and the reports of its failing run follow.
//
// Example:
//
//	probekit minimize --input crashes/1.crash prog.yaml
//	probekit minimize --mode argv prog.yaml -- -v --fast input.txt
func newMinimizeCmd(c *cli) *cobra.Command {
	var flags minimizeFlags
	cmd := &cobra.Command{
		Use:   "minimize [flags] MODULE.yaml [-- args...]",
		Short: "Shrink a failing input with delta debugging",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.minimizeModule(cmd, &flags, args[0], args[1:])
		},
	}
	flags.register(cmd)
	fs := cmd.Flags()
	fs.StringVar(&flags.input, "input", "", "file holding the failing input")
	fs.StringVar(&flags.mode, "mode", analysis.InputStdin, "what to minimize: stdin, arg or argv")
	fs.StringVarP(&flags.out, "output", "o", "", "write the minimized input here")
	return cmd
}

func (c *cli) minimizeModule(cmd *cobra.Command, flags *minimizeFlags, module string, args []string) error {
	cfg, err := c.settings(cmd, &flags.analysisFlags)
	if err != nil {
		return err
	}
	var input []byte
	if flags.mode != analysis.InputArgv {
		if flags.input == "" {
			return fmt.Errorf("minimize: --input is required with --mode %s", flags.mode)
		}
		if input, err = os.ReadFile(flags.input); err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
	}
	opts, err := c.programOptions(cfg, &flags.analysisFlags)
	if err != nil {
		return err
	}
	prog, cleanup, err := c.prepare(module, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	m, err := analysis.Minimize(cmd.Context(), prog, args, input, flags.mode)
	if err != nil {
		return err
	}
	if err := m.Report.Write(c.stdout, c.stderr, c.renderOptions(cfg, &flags.analysisFlags, module)); err != nil {
		return err
	}
	switch {
	case flags.mode == analysis.InputArgv:
		fmt.Fprintf(c.stdout, "[MINIMIZED] args = %q\n", m.Args)
	case flags.out != "":
		if err := os.WriteFile(flags.out, m.Input, 0o644); err != nil {
			return fmt.Errorf("failed to write minimized input: %w", err)
		}
		fmt.Fprintf(c.stdout, "[MINIMIZED] %d of %d bytes written to %s\n", len(m.Input), len(input), flags.out)
	default:
		fmt.Fprintf(c.stdout, "[MINIMIZED] %d of %d bytes: %X\n", len(m.Input), len(input), m.Input)
	}
	c.status = m.Report.ExitCode
	return nil
}
