// run.go implements the 'probekit run' command.
package main

import (
	"github.com/spf13/cobra"

	"github.com/kolkov/probekit/analysis"
)

// newRunCmd builds the 'probekit run' command.
//
// This command instruments an IR module for the configured analyses,
// executes it once and appends the reports to the program's output.
// probekit exits with the program's own status.
//
// Flow:
//  1. Merge config files, environment and flags
//  2. Instrument the module
//  3. Link a temporary artifact when running isolated
//  4. Execute the program with its arguments
//  5. Render race, memory-safety, coverage reports
//
// Example:
//
//	probekit run prog.yaml
//	probekit run --modes race --race lockset prog.yaml
//	probekit run prog.yaml -- arg1 arg2
func newRunCmd(c *cli) *cobra.Command {
	var flags analysisFlags
	cmd := &cobra.Command{
		Use:   "run [flags] MODULE.yaml [-- args...]",
		Short: "Run an IR module with analyses",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runModule(cmd, &flags, args[0], args[1:])
		},
	}
	flags.register(cmd)
	return cmd
}

func (c *cli) runModule(cmd *cobra.Command, flags *analysisFlags, module string, args []string) error {
	cfg, err := c.settings(cmd, flags)
	if err != nil {
		return err
	}
	opts, err := c.programOptions(cfg, flags)
	if err != nil {
		return err
	}
	prog, cleanup, err := c.prepare(module, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := analysis.Run(cmd.Context(), prog, args)
	if err != nil {
		return err
	}
	return c.finish(report, c.renderOptions(cfg, flags, module))
}
