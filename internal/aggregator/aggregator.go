// Package aggregator runs instrumented programs and renders their reports.
//
// A Runner executes a Program either in a child process (`probekit exec`,
// the default, so a crashing or hanging program cannot take the tool down)
// or in process. Either way the program's stdout, stderr and exit status
// are captured verbatim and the monitor's state comes back as a
// monitor.Snapshot. Render turns the snapshot into the race, memory-safety,
// coverage and symbolic reports, in that order.
package aggregator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kolkov/probekit/internal/ir"
	"github.com/kolkov/probekit/internal/logging"
	"github.com/kolkov/probekit/internal/monitor"
	"github.com/kolkov/probekit/internal/monitor/detector"
	"github.com/kolkov/probekit/internal/symbolic"
	"github.com/kolkov/probekit/internal/vm"
)

// ExitTimeout is the exit status of a program killed by the run timeout.
const ExitTimeout = 124

var (
	// ErrLaunch is returned when a program could not be started or its
	// results could not be collected. No partial report exists.
	ErrLaunch = errors.New("aggregator: launch failed")
)

// Program is an instrumented module ready to run.
type Program struct {
	Module *ir.Module
	Meta   *ir.Metadata

	Race    detector.Algorithm
	Redzone uint64
	// SolverTimeout bounds one solver query. Zero uses the solver default.
	SolverTimeout time.Duration

	// Artifact is the linked artifact of Module on disk. Child process
	// runs need it; without it the program runs in process.
	Artifact string
}

// RunResult is the outcome of one execution.
type RunResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Snapshot *monitor.Snapshot
	// Incomplete is set when the run was cut short by the timeout or
	// died before the monitor saw the program end.
	Incomplete bool
	Duration   time.Duration
}

// Runner launches programs.
type Runner struct {
	// Exe is the probekit binary used for child process runs. Empty
	// runs every program in process.
	Exe string
	// Timeout bounds one run. Zero disables it.
	Timeout time.Duration
	// FlushInterval is how often a child flushes its snapshot while the
	// program runs, so a timed out run still reports.
	FlushInterval time.Duration
	// Stdin is the program input of every run. Nil means no input.
	Stdin  io.Reader
	Logger *log.Logger
}

func (r *Runner) logger() *log.Logger {
	if r.Logger == nil {
		return logging.Discard()
	}
	return r.Logger
}

// Run executes prog once with args. spec selects the symbolic path and
// may be nil.
func (r *Runner) Run(ctx context.Context, prog *Program, args []string, spec *symbolic.PathSpec) (*RunResult, error) {
	return r.run(ctx, prog, args, spec, r.Stdin)
}

// RunInput executes prog once with input as its stdin.
func (r *Runner) RunInput(ctx context.Context, prog *Program, args []string, input []byte) (*RunResult, error) {
	return r.run(ctx, prog, args, nil, bytes.NewReader(input))
}

func (r *Runner) run(ctx context.Context, prog *Program, args []string, spec *symbolic.PathSpec, stdin io.Reader) (*RunResult, error) {
	if prog == nil || prog.Module == nil {
		return nil, fmt.Errorf("%w: no program", ErrLaunch)
	}
	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	start := time.Now()
	var (
		res *RunResult
		err error
	)
	if r.Exe != "" && prog.Artifact != "" {
		res, err = r.runChild(ctx, runCtx, prog, args, spec, stdin)
	} else {
		res, err = r.runInProcess(ctx, runCtx, prog, args, spec, stdin)
	}
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	r.logger().Debug("run finished", "exit", res.ExitCode, "incomplete", res.Incomplete, "duration", res.Duration)
	return res, nil
}

// session is one VM wired to one monitor.
type session struct {
	mon     *monitor.Monitor
	machine *vm.Machine
}

func newSession(prog *Program, args []string, spec *symbolic.PathSpec, stdin io.Reader, stdout, stderr io.Writer, lg *log.Logger) *session {
	opts := monitor.Options{
		Meta:    prog.Meta,
		Race:    prog.Race,
		Redzone: prog.Redzone,
		Logger:  lg,
	}
	if spec != nil {
		opts.Inputs = spec.Inputs
		opts.Prefix = spec.Prefix
	}
	if prog.SolverTimeout > 0 {
		solver := symbolic.NewSolver()
		solver.Timeout = prog.SolverTimeout
		opts.Solver = solver
	}
	mon := monitor.New(opts)

	redzone := prog.Redzone
	if redzone == 0 {
		redzone = vm.DefaultRedzone
	}
	machine := vm.New(prog.Module, vm.Options{
		Args:    args,
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
		Handler: mon,
		Redzone: redzone,
		Logger:  lg,
	})
	return &session{mon: mon, machine: machine}
}

// lockedBuffer lets a timed out run be collected while stray program
// threads may still write.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (r *Runner) runInProcess(ctx, runCtx context.Context, prog *Program, args []string, spec *symbolic.PathSpec, stdin io.Reader) (*RunResult, error) {
	var stdout, stderr lockedBuffer
	s := newSession(prog, args, spec, stdin, &stdout, &stderr, r.logger())

	res, err := s.machine.Run(runCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if runCtx.Err() != nil {
			r.logger().Warn("program timed out", "timeout", r.Timeout)
			return &RunResult{
				ExitCode:   ExitTimeout,
				Stdout:     stdout.Bytes(),
				Stderr:     stderr.Bytes(),
				Snapshot:   s.mon.Snapshot(),
				Incomplete: true,
			}, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	s.mon.MarkComplete()
	return &RunResult{
		ExitCode: res.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Snapshot: s.mon.Snapshot(),
	}, nil
}

// runChild runs `probekit exec` on the artifact. The child writes its
// snapshot to a file in a private temp directory.
func (r *Runner) runChild(ctx, runCtx context.Context, prog *Program, args []string, spec *symbolic.PathSpec, stdin io.Reader) (*RunResult, error) {
	dir, err := os.MkdirTemp("", "probekit-run-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	snap := filepath.Join(dir, "snapshot")
	childArgs := []string{"exec", "--" + FlagSnapshot, snap}
	if r.FlushInterval > 0 {
		childArgs = append(childArgs, "--"+FlagFlushInterval, r.FlushInterval.String())
	}
	if prog.SolverTimeout > 0 {
		childArgs = append(childArgs, "--"+FlagSolverTimeout, prog.SolverTimeout.String())
	}
	if spec != nil {
		path := filepath.Join(dir, "path")
		if err := WritePathSpec(path, spec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
		}
		childArgs = append(childArgs, "--"+FlagPath, path)
	}
	childArgs = append(childArgs, prog.Artifact, "--")
	childArgs = append(childArgs, args...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, r.Exe, childArgs...)
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	r.logger().Debug("launching child", "exe", r.Exe, "args", childArgs)

	exitCode := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
		}
		exitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	timedOut := runCtx.Err() != nil

	snapshot, err := monitor.ReadSnapshotFile(snap)
	switch {
	case err == nil:
	case timedOut:
		// Killed before the first flush.
		snapshot = &monitor.Snapshot{}
	default:
		msg := bytes.TrimSpace(stderr.Bytes())
		return nil, fmt.Errorf("%w: child exited with status %d without a snapshot: %s", ErrLaunch, exitCode, msg)
	}

	res := &RunResult{
		ExitCode:   exitCode,
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		Snapshot:   snapshot,
		Incomplete: timedOut || !snapshot.Complete,
	}
	if timedOut {
		r.logger().Warn("program timed out", "timeout", r.Timeout)
		res.ExitCode = ExitTimeout
	}
	return res, nil
}

// WritePathSpec stores spec for a child run.
func WritePathSpec(path string, spec *symbolic.PathSpec) error {
	data, err := msgpack.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to encode path spec: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write path spec: %w", err)
	}
	return nil
}

// ReadPathSpec reads a spec written by WritePathSpec.
func ReadPathSpec(path string) (*symbolic.PathSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read path spec: %w", err)
	}
	var spec symbolic.PathSpec
	if err := msgpack.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode path spec: %w", err)
	}
	return &spec, nil
}
