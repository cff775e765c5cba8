// Package analysis is the library interface of probekit.
//
// probekit instruments IR modules, runs them and reports what it saw:
// statement, branch and function coverage, data races, memory-safety
// violations and the paths a symbolic exploration found. The probekit
// command is a thin layer over this package.
//
// # Quick Start
//
//	prog, err := analysis.InstrumentFile("if.yaml", analysis.Options{
//		Modes: []string{"coverage", "race"},
//	})
//	if err != nil {
//		return err
//	}
//	report, err := analysis.Run(ctx, prog, nil)
//	if err != nil {
//		return err
//	}
//	return report.Write(os.Stdout, os.Stderr, analysis.RenderOptions{})
//
// # Modes
//
//   - coverage: function, line and branch coverage with edge splitting
//   - race: hybrid happens-before and lockset detection (or pure lockset)
//   - memsafety: redzones and byte shadow for heap and stack objects
//   - symbolic: path exploration over inputs marked symbolic
//
// Modes combine freely. Passes always run in the order race, symbolic,
// memsafety, coverage.
//
// # Isolation
//
// By default programs run inside the calling process. Set Options.Exe to
// a probekit binary and link the program with Program.Link to run every
// execution in a child process instead; a program that hangs is then
// killed at Options.Timeout and reported from its last snapshot.
//
// # Exit Status
//
// Report.ExitCode is the program's own exit status, 99 after a
// memory-safety violation and 124 after a timeout.
package analysis
