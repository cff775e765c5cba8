// instrument.go implements the 'probekit instrument' command.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kolkov/probekit/analysis"
)

type instrumentFlags struct {
	modes    []string
	source   string
	coalesce bool
	race     string
	redzone  uint64
	output   string
	emitIR   bool
}

// newInstrumentCmd builds the 'probekit instrument' command.
//
// This command inserts the probes of the selected analyses and writes
// either a linked artifact, which 'probekit exec' runs, or with --emit-ir
// the instrumented module as YAML for inspection.
//
// Example:
//
//	probekit instrument prog.yaml                 # writes prog.pk
//	probekit instrument -o out.pk --modes race prog.yaml
//	probekit instrument --emit-ir prog.yaml       # writes instrumented_prog.yaml
func newInstrumentCmd(c *cli) *cobra.Command {
	var flags instrumentFlags
	cmd := &cobra.Command{
		Use:   "instrument [flags] MODULE.yaml",
		Short: "Instrument an IR module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.instrumentModule(cmd, &flags, args[0])
		},
	}
	fs := cmd.Flags()
	fs.StringSliceVarP(&flags.modes, "modes", "m", nil, "analyses to instrument for (default from config)")
	fs.StringVar(&flags.source, "source", "", "original C/C++ source used to attribute functions")
	fs.BoolVar(&flags.coalesce, "coalesce", false, "merge race probes of one read-modify-write")
	fs.StringVar(&flags.race, "race", "", "race algorithm recorded in the artifact (default from config)")
	fs.Uint64Var(&flags.redzone, "redzone", 0, "redzone recorded in the artifact (default from config)")
	fs.StringVarP(&flags.output, "output", "o", "", "output file")
	fs.BoolVar(&flags.emitIR, "emit-ir", false, "write the instrumented module as YAML instead of an artifact")
	return cmd
}

func (c *cli) instrumentModule(cmd *cobra.Command, flags *instrumentFlags, module string) error {
	if err := c.loadConfig(); err != nil {
		return err
	}
	opts := analysis.Options{
		Modes:    c.cfg.Modes,
		Source:   flags.source,
		Coalesce: c.cfg.Race.Coalesce,
		Race:     c.cfg.Race.Algorithm,
		Redzone:  c.cfg.Memory.Redzone,
		Logger:   c.logger,
	}
	fs := cmd.Flags()
	if fs.Changed("modes") {
		opts.Modes = flags.modes
	}
	if fs.Changed("coalesce") {
		opts.Coalesce = flags.coalesce
	}
	if fs.Changed("race") {
		opts.Race = flags.race
	}
	if fs.Changed("redzone") {
		opts.Redzone = flags.redzone
	}

	prog, err := analysis.InstrumentFile(module, opts)
	if err != nil {
		return err
	}
	for _, w := range prog.Warnings() {
		fmt.Fprintln(c.stderr, w)
	}

	output := flags.output
	if output == "" {
		output = defaultOutput(module, flags.emitIR)
	}
	if flags.emitIR {
		data, err := prog.Module()
		if err != nil {
			return err
		}
		if err := os.WriteFile(output, data, 0o644); err != nil {
			return fmt.Errorf("failed to write module: %w", err)
		}
	} else if err := prog.Link(output); err != nil {
		return err
	}

	fmt.Fprintf(c.stdout, "[+] IR file instrumented (%s)\n", output)
	fmt.Fprintf(c.stdout, "[+] %d probes for %s\n", prog.Probes(), strings.Join(prog.Modes(), ", "))
	return nil
}

// defaultOutput names the output after the module: prog.yaml becomes
// prog.pk, or instrumented_prog.yaml with --emit-ir.
func defaultOutput(module string, emitIR bool) string {
	dir, base := filepath.Split(module)
	if emitIR {
		return filepath.Join(dir, "instrumented_"+base)
	}
	return filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".pk")
}
