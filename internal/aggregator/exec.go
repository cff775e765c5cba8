package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kolkov/probekit/internal/logging"
	"github.com/kolkov/probekit/internal/symbolic"
)

// Flags of the hidden `probekit exec` command.
const (
	FlagSnapshot      = "snapshot"
	FlagPath          = "path"
	FlagFlushInterval = "flush-interval"
	FlagSolverTimeout = "solver-timeout"
)

// DefaultFlushInterval is how often a child flushes its snapshot.
const DefaultFlushInterval = 200 * time.Millisecond

// ExecOptions configure the child side of a run.
type ExecOptions struct {
	Program *Program
	Args    []string
	// Snapshot is the file the monitor state is written to.
	Snapshot string
	Spec     *symbolic.PathSpec
	// FlushInterval between periodic snapshots. Zero disables them.
	FlushInterval time.Duration
	// Stdin is the program input. Nil means no input.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger *log.Logger
}

// Exec runs the program in the current process and writes the monitor
// snapshot to opts.Snapshot: periodically while the program runs, and
// once more, marked complete, when it ends. It returns the program's
// exit status.
//
// Exec is the body of `probekit exec`. Reports are never written here;
// the parent renders them from the snapshot.
func Exec(ctx context.Context, opts ExecOptions) (int, error) {
	if opts.Program == nil || opts.Program.Module == nil {
		return 0, errors.New("exec: no program")
	}
	if opts.Snapshot == "" {
		return 0, errors.New("exec: no snapshot path")
	}
	lg := opts.Logger
	if lg == nil {
		lg = logging.Discard()
	}
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	s := newSession(opts.Program, opts.Args, opts.Spec, opts.Stdin, stdout, stderr, lg)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	if opts.FlushInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer logging.RecoverPanic(lg, "snapshot flusher", nil)
			ticker := time.NewTicker(opts.FlushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					if err := s.mon.FlushFile(opts.Snapshot); err != nil {
						lg.Warn("periodic snapshot failed", "err", err)
					}
				}
			}
		}()
	}

	res, err := s.machine.Run(ctx)
	close(stop)
	wg.Wait()
	if err != nil {
		// Leave what was observed for the parent.
		_ = s.mon.FlushFile(opts.Snapshot)
		return 0, fmt.Errorf("exec: %w", err)
	}

	s.mon.MarkComplete()
	if err := s.mon.FlushFile(opts.Snapshot); err != nil {
		return 0, err
	}
	lg.Debug("program exited", "status", res.ExitCode)
	return res.ExitCode, nil
}
