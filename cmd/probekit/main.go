// Package main implements the probekit CLI tool.
//
// probekit runs IR modules under dynamic analysis. It works by:
//
//  1. Loading a YAML IR module produced by a front-end
//  2. Inserting monitor probes for the selected analyses
//  3. Executing the instrumented module on the probekit VM
//  4. Appending race, memory-safety, coverage and symbolic reports to the
//     program's own output
//
// Usage:
//
//	probekit instrument -o prog.pk prog.yaml   # Instrument and link
//	probekit run prog.yaml -- arg1 arg2        # Run with analyses
//	probekit explore prog.yaml                 # Symbolic exploration
//	probekit fuzz --seeds seeds/ prog.yaml     # Coverage-guided fuzzing
//	probekit minimize --input crash prog.yaml  # Shrink a failing input
//
// Settings come from ~/.probekit/config.yaml, .probekit/config.yaml and
// PROBEKIT_* environment variables, in that order; command-line flags
// override all of them.
package main

import (
	"context"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/kolkov/probekit/analysis"
	"github.com/kolkov/probekit/internal/config"
	"github.com/kolkov/probekit/internal/logging"
)

// cli carries state shared by the commands of one invocation.
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *log.Logger

	// configPath replaces the global and project config files.
	configPath string
	cfg        *config.Config

	// status is the process exit status: the analysed program's own
	// status after run, explore, fuzz or minimize.
	status int
}

func main() {
	os.Exit(execute())
}

func execute() int {
	lc := logging.NewLogger()
	defer func() { _ = lc.Close() }()
	defer logging.RecoverPanic(lc.Logger, "probekit", nil)

	c := &cli{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr, logger: lc.Logger}
	root := newRootCmd(c)
	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(analysis.Version),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		return 1
	}
	return c.status
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "probekit",
		Short: "Dynamic analysis for IR programs",
		Long: `probekit instruments IR modules and runs them with coverage, data race,
memory-safety and symbolic analyses. Reports follow the program output.`,
		SilenceUsage: true,
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "read settings from this file only")

	root.AddCommand(
		newInstrumentCmd(c),
		newRunCmd(c),
		newExploreCmd(c),
		newFuzzCmd(c),
		newMinimizeCmd(c),
		newExecCmd(c),
		newSchemaCmd(c),
		newVersionCmd(c),
	)
	return root
}

// loadConfig reads the settings once per invocation.
func (c *cli) loadConfig() error {
	if c.cfg != nil {
		return nil
	}
	var (
		cfg *config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.LoadFromFile(c.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}
