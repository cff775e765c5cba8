// explore.go implements the 'probekit explore' command.
package main

import (
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/kolkov/probekit/analysis"
	"github.com/kolkov/probekit/internal/config"
	"github.com/kolkov/probekit/internal/ir"
)

type exploreFlags struct {
	analysisFlags
	maxPaths      int
	maxDuration   time.Duration
	solverTimeout time.Duration
	workers       int
}

// newExploreCmd builds the 'probekit explore' command.
//
// Explore runs the module once with every symbolic input zero, then
// again along each alternate branch side the solver can satisfy, until
// no path is left or the budget runs out. Coverage is merged over all
// paths; race and memory-safety reports come from the first path.
//
// Example:
//
//	probekit explore prog.yaml
//	probekit explore --max-paths 16 --workers 8 prog.yaml
func newExploreCmd(c *cli) *cobra.Command {
	var flags exploreFlags
	cmd := &cobra.Command{
		Use:   "explore [flags] MODULE.yaml [-- args...]",
		Short: "Explore the symbolic paths of an IR module",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.exploreModule(cmd, &flags, args[0], args[1:])
		},
	}
	flags.register(cmd)

	def := config.DefaultConfig().Symbolic
	fs := cmd.Flags()
	fs.IntVar(&flags.maxPaths, "max-paths", def.MaxPaths, "stop after this many paths (0 is unlimited)")
	fs.DurationVar(&flags.maxDuration, "max-duration", def.MaxDuration, "stop starting paths after this long (0 is unlimited)")
	fs.DurationVar(&flags.solverTimeout, "solver-timeout", def.SolverTimeout, "limit of one solver query")
	fs.IntVar(&flags.workers, "workers", def.Workers, "paths run in parallel")
	return cmd
}

func (c *cli) exploreModule(cmd *cobra.Command, flags *exploreFlags, module string, args []string) error {
	cfg, err := c.settings(cmd, &flags.analysisFlags)
	if err != nil {
		return err
	}
	fs := cmd.Flags()
	if fs.Changed("max-paths") {
		cfg.Symbolic.MaxPaths = flags.maxPaths
	}
	if fs.Changed("max-duration") {
		cfg.Symbolic.MaxDuration = flags.maxDuration
	}
	if fs.Changed("solver-timeout") {
		cfg.Symbolic.SolverTimeout = flags.solverTimeout
	}
	if fs.Changed("workers") {
		cfg.Symbolic.Workers = flags.workers
	}
	if !slices.Contains(cfg.Modes, ir.ModeSymbolic) {
		cfg.Modes = append(slices.Clone(cfg.Modes), ir.ModeSymbolic)
	}
	if err := cfg.Validate(); err != nil {
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

	budget := analysis.Budget{
		MaxPaths:    cfg.Symbolic.MaxPaths,
		MaxDuration: cfg.Symbolic.MaxDuration,
		Workers:     cfg.Symbolic.Workers,
	}
	report, err := analysis.Explore(cmd.Context(), prog, args, budget)
	if err != nil {
		return err
	}
	return c.finish(report, c.renderOptions(cfg, &flags.analysisFlags, module))
}
