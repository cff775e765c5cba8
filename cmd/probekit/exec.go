// exec.go implements the hidden 'probekit exec' command, the child side of
// an isolated run.
package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/kolkov/probekit/cmd/probekit/runtime"
	"github.com/kolkov/probekit/internal/aggregator"
	"github.com/kolkov/probekit/internal/logging"
	"github.com/kolkov/probekit/internal/monitor/detector"
	"github.com/kolkov/probekit/internal/symbolic"
)

type execFlags struct {
	snapshot      string
	path          string
	flushInterval time.Duration
	solverTimeout time.Duration
}

// newExecCmd builds the 'probekit exec' command.
//
// The parent launches it as
//
//	probekit exec --snapshot FILE [--path SPEC] ARTIFACT -- args...
//
// The program's stdout and stderr are the command's own, so nothing else
// is written to them: logging goes to a file sink or nowhere. The monitor
// state lands in the snapshot file and probekit exits with the program's
// status.
func newExecCmd(c *cli) *cobra.Command {
	var flags execFlags
	cmd := &cobra.Command{
		Use:    "exec --snapshot FILE ARTIFACT [-- args...]",
		Short:  "Run a linked artifact and write its monitor snapshot",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.execArtifact(cmd, &flags, args[0], programArgs(cmd, args))
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&flags.snapshot, aggregator.FlagSnapshot, "", "snapshot file")
	fs.StringVar(&flags.path, aggregator.FlagPath, "", "symbolic path spec file")
	fs.DurationVar(&flags.flushInterval, aggregator.FlagFlushInterval, aggregator.DefaultFlushInterval, "periodic snapshot interval (0 disables)")
	fs.DurationVar(&flags.solverTimeout, aggregator.FlagSolverTimeout, 0, "limit of one solver query")
	_ = cmd.MarkFlagRequired(aggregator.FlagSnapshot)
	return cmd
}

// programArgs returns the arguments after the artifact. Everything after
// "--" belongs to the program.
func programArgs(cmd *cobra.Command, args []string) []string {
	if at := cmd.ArgsLenAtDash(); at >= 0 {
		return args[at:]
	}
	return args[1:]
}

func (c *cli) execArtifact(cmd *cobra.Command, flags *execFlags, path string, args []string) error {
	lc := logging.NewChildLogger()
	defer func() { _ = lc.Close() }()
	defer logging.RecoverPanic(lc.Logger, "exec", nil)

	art, err := runtime.Load(path)
	if err != nil {
		return err
	}
	race, err := detector.ParseAlgorithm(art.Settings.Race)
	if err != nil {
		return err
	}
	var spec *symbolic.PathSpec
	if flags.path != "" {
		if spec, err = aggregator.ReadPathSpec(flags.path); err != nil {
			return err
		}
	}

	code, err := aggregator.Exec(cmd.Context(), aggregator.ExecOptions{
		Program: &aggregator.Program{
			Module:        art.Module,
			Meta:          art.Meta,
			Race:          race,
			Redzone:       art.Settings.Redzone,
			SolverTimeout: flags.solverTimeout,
		},
		Args:          args,
		Snapshot:      flags.snapshot,
		Spec:          spec,
		FlushInterval: flags.flushInterval,
		Stdin:         cmd.InOrStdin(),
		Stdout:        c.stdout,
		Stderr:        c.stderr,
		Logger:        lc.Logger,
	})
	if err != nil {
		return err
	}
	c.status = code
	return nil
}
