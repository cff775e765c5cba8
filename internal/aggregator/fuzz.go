package aggregator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kolkov/probekit/internal/fuzz"
	"github.com/kolkov/probekit/internal/monitor"
)

// How a fuzzed or minimized input reaches the program.
const (
	// InputStdin feeds the input on stdin.
	InputStdin = "stdin"
	// InputArg appends the input as the last program argument, cut at
	// the first NUL byte.
	InputArg = "arg"
	// InputArgv minimizes the argument list itself. Only Minimize
	// accepts it.
	InputArgv = "argv"
)

// ErrNoFailure is returned by Minimize when the input does not fail.
var ErrNoFailure = errors.New("aggregator: input does not fail")

// FuzzOptions configure Runner.Fuzz.
type FuzzOptions struct {
	Budget fuzz.Budget
	// Input is InputStdin (default) or InputArg.
	Input string
	Seeds [][]byte
	// CrashDir receives the minimized crashes when set.
	CrashDir string
}

// Fuzz runs a coverage-guided campaign against prog. The program must be
// instrumented for coverage; its block and edge counters are the
// feedback. The outcome's Run replays the first crash, or the first seed
// when nothing crashed, and Coverage sums every campaign run.
func (r *Runner) Fuzz(ctx context.Context, prog *Program, args []string, opts FuzzOptions) (*Outcome, error) {
	if opts.Input == InputArgv {
		return nil, fmt.Errorf("fuzz: input %q is only valid for minimize", opts.Input)
	}
	var (
		mu  sync.Mutex
		cov *monitor.CoverageCounts
	)
	target := func(ctx context.Context, input []byte, timeout time.Duration) (*fuzz.Result, error) {
		res, err := r.feed(ctx, prog, args, input, opts.Input, timeout)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		cov = mergeCoverage(cov, res.Snapshot.Coverage)
		mu.Unlock()
		return &fuzz.Result{
			ExitCode: res.ExitCode,
			Hang:     res.Incomplete && res.ExitCode == ExitTimeout,
			Hits:     hits(res.Snapshot.Coverage),
			Duration: res.Duration,
		}, nil
	}
	f := &fuzz.Fuzzer{
		Target:   target,
		Budget:   opts.Budget,
		CrashDir: opts.CrashDir,
		Logger:   r.Logger,
	}
	campaign, err := f.Run(ctx, opts.Seeds)
	if err != nil {
		return nil, err
	}

	replay := opts.Seeds[0]
	if len(campaign.Crashes) > 0 {
		replay = campaign.Crashes[0].Minimized
	}
	res, err := r.feed(ctx, prog, args, replay, opts.Input, campaign.Timeout)
	if err != nil {
		return nil, err
	}
	return &Outcome{Run: res, Coverage: cov, Fuzz: campaign}, nil
}

// Minimize shrinks a failing input with delta debugging. mode selects
// what is minimized: the stdin bytes, the trailing argument or, for
// InputArgv, args itself. The failing run of the minimized input is
// returned with it.
func (r *Runner) Minimize(ctx context.Context, prog *Program, args []string, input []byte, mode string) (*Minimized, error) {
	if mode == InputArgv {
		fails := func(ctx context.Context, a []string) (bool, error) {
			res, err := r.Run(ctx, prog, a, nil)
			if err != nil {
				return false, err
			}
			return crashed(res), nil
		}
		if err := mustFail(fails(ctx, args)); err != nil {
			return nil, err
		}
		out, err := fuzz.Minimize(ctx, args, fails)
		if err != nil {
			return nil, err
		}
		res, err := r.Run(ctx, prog, out, nil)
		if err != nil {
			return nil, err
		}
		return &Minimized{Args: out, Run: res}, nil
	}

	fails := func(ctx context.Context, in []byte) (bool, error) {
		res, err := r.feed(ctx, prog, args, in, mode, 0)
		if err != nil {
			return false, err
		}
		return crashed(res), nil
	}
	if err := mustFail(fails(ctx, input)); err != nil {
		return nil, err
	}
	out, err := fuzz.Minimize(ctx, input, fails)
	if err != nil {
		return nil, err
	}
	res, err := r.feed(ctx, prog, args, out, mode, 0)
	if err != nil {
		return nil, err
	}
	return &Minimized{Input: out, Args: args, Run: res}, nil
}

// Minimized is the result of Runner.Minimize.
type Minimized struct {
	Input []byte
	Args  []string
	Run   *RunResult
}

func mustFail(failed bool, err error) error {
	if err != nil {
		return err
	}
	if !failed {
		return ErrNoFailure
	}
	return nil
}

func crashed(res *RunResult) bool {
	return res.ExitCode != 0 && !(res.Incomplete && res.ExitCode == ExitTimeout)
}

// feed runs prog on one input delivered the way mode says. A positive
// timeout replaces the runner's.
func (r *Runner) feed(ctx context.Context, prog *Program, args []string, input []byte, mode string, timeout time.Duration) (*RunResult, error) {
	rr := *r
	if timeout > 0 {
		rr.Timeout = timeout
	}
	if mode == InputArg {
		if i := bytes.IndexByte(input, 0); i >= 0 {
			input = input[:i]
		}
		return rr.run(ctx, prog, append(slices.Clone(args), string(input)), nil, nil)
	}
	return rr.RunInput(ctx, prog, args, input)
}

// hits lays out block counters followed by edge counters.
func hits(c *monitor.CoverageCounts) []uint64 {
	if c == nil {
		return nil
	}
	out := make([]uint64, 0, len(c.Blocks)+len(c.Edges))
	out = append(out, c.Blocks...)
	return append(out, c.Edges...)
}

func mergeCoverage(sum, c *monitor.CoverageCounts) *monitor.CoverageCounts {
	if c == nil {
		return sum
	}
	if sum == nil {
		return &monitor.CoverageCounts{
			Funcs:  slices.Clone(c.Funcs),
			Blocks: slices.Clone(c.Blocks),
			Edges:  slices.Clone(c.Edges),
		}
	}
	sum.Merge(c)
	return sum
}
