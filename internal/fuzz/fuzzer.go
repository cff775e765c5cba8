// Package fuzz implements a coverage-guided mutational fuzzer and delta
// debugging over program inputs.
//
// The fuzzer keeps a pool of seeds ordered by score. Each round pops the
// best seeds, runs them in parallel, and scores every run by the coverage
// counters it hit: a run reaching a counter no earlier run reached scores
// the maximum, otherwise rarely hit counters are worth more than common
// ones. A scored seed goes back into the pool together with a mutated
// copy. A crashing run is minimized with ddmin and recorded once.
//
// Thread Safety: a Fuzzer runs one campaign at a time. The target is
// called concurrently from up to Budget.Workers goroutines.
package fuzz

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/probekit/internal/logging"
)

// MinTimeout is the shortest per-run timeout derived from the first run.
const MinTimeout = time.Second

// timeoutFactor scales the first run's duration into the run timeout.
const timeoutFactor = 5

// ErrNoSeeds is returned when a campaign starts with an empty pool.
var ErrNoSeeds = errors.New("fuzz: no seeds")

// Result is what one execution of the target reports.
type Result struct {
	ExitCode int
	// Hang is set when the run was killed by its timeout.
	Hang bool
	// Hits are the coverage counters of the run. The layout must be the
	// same for every run of a campaign.
	Hits     []uint64
	Duration time.Duration
}

// Crashed reports whether the run failed: a nonzero exit that is not a
// timeout.
func (r *Result) Crashed() bool { return r.ExitCode != 0 && !r.Hang }

// Target runs the program once on input. A positive timeout bounds the
// run; zero leaves the target's own limit in place.
type Target func(ctx context.Context, input []byte, timeout time.Duration) (*Result, error)

// Budget limits a campaign. Zero values mean unlimited.
type Budget struct {
	MaxRuns     int
	MaxDuration time.Duration
	Workers     int
	// Timeout bounds one run. Zero derives it from the first run.
	Timeout time.Duration
	// RandSeed seeds the mutator.
	RandSeed uint64
}

// Crash is a distinct failing input.
type Crash struct {
	// ID numbers crashes from 1 in discovery order.
	ID        int
	ExitCode  int
	Input     []byte
	Minimized []byte
	// Path is the file holding Minimized, empty without a crash
	// directory.
	Path string
}

// Campaign is the result of Fuzzer.Run.
type Campaign struct {
	Runs int
	// NewPaths counts runs that hit a counter for the first time.
	NewPaths int
	// Covered is the number of counters hit by any run.
	Covered int
	Crashes []Crash
	// Pending is the number of seeds left when the budget ran out.
	Pending  int
	Timeout  time.Duration
	Duration time.Duration
}

// Exhausted reports whether the campaign ended because the pool drained.
func (c *Campaign) Exhausted() bool { return c.Pending == 0 }

// Fuzzer drives a campaign against Target.
type Fuzzer struct {
	Target Target
	Budget Budget
	// CrashDir receives one N.crash file per distinct crash when set.
	CrashDir string
	Logger   *log.Logger

	global  []uint8
	mut     *Mutator
	crashes map[string]bool
}

func (f *Fuzzer) logger() *log.Logger {
	if f.Logger == nil {
		return logging.Discard()
	}
	return f.Logger
}

// Run fuzzes starting from seeds until the pool drains or the budget is
// exhausted.
func (f *Fuzzer) Run(ctx context.Context, seeds [][]byte) (*Campaign, error) {
	if f.Target == nil {
		return nil, fmt.Errorf("fuzz: fuzzer has no target")
	}
	pool := &Pool{}
	for _, s := range seeds {
		pool.Add(Seed{Input: s})
	}
	if pool.Len() == 0 {
		return nil, ErrNoSeeds
	}
	start := time.Now()
	workers := max(f.Budget.Workers, 1)
	f.global = nil
	f.mut = NewMutator(f.Budget.RandSeed)
	f.crashes = make(map[string]bool)
	c := &Campaign{Timeout: f.Budget.Timeout}

	for pool.Len() > 0 {
		if f.Budget.MaxDuration > 0 && time.Since(start) >= f.Budget.MaxDuration {
			break
		}
		n := min(pool.Len(), workers)
		if c.Timeout == 0 {
			// The first run calibrates the timeout of the rest.
			n = 1
		}
		if f.Budget.MaxRuns > 0 {
			n = min(n, f.Budget.MaxRuns-c.Runs)
		}
		if n <= 0 {
			break
		}
		batch := make([]Seed, n)
		for i := range batch {
			batch[i], _ = pool.Pop()
		}

		results, err := f.runBatch(ctx, batch, c.Timeout, workers)
		if err != nil {
			return nil, err
		}
		if c.Timeout == 0 {
			c.Timeout = max(results[0].Duration*timeoutFactor, MinTimeout)
			f.logger().Debug("run timeout calibrated", "timeout", c.Timeout)
		}

		for i, s := range batch {
			res := results[i]
			c.Runs++
			visited, score := f.evaluate(res)
			if score == math.MaxUint64 {
				c.NewPaths++
			}
			f.logger().Debug("fuzz run", "run", c.Runs, "exit", res.ExitCode, "visited", visited, "score", score)
			switch {
			case res.Crashed():
				if err := f.record(ctx, c, s.Input, res.ExitCode); err != nil {
					return nil, err
				}
			case score > 0:
				pool.Add(Seed{Input: s.Input, Score: score})
				next := score
				if next < math.MaxUint64 {
					next++
				}
				pool.Add(Seed{Input: f.mut.Mutate(s.Input), Score: next})
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	for _, n := range f.global {
		if n > 0 {
			c.Covered++
		}
	}
	c.Pending = pool.Len()
	c.Duration = time.Since(start)
	f.logger().Info("fuzzing finished", "runs", c.Runs, "crashes", len(c.Crashes), "pending", c.Pending)
	return c, nil
}

func (f *Fuzzer) runBatch(ctx context.Context, batch []Seed, timeout time.Duration, workers int) ([]*Result, error) {
	results := make([]*Result, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, s := range batch {
		g.Go(func() error {
			res, err := f.Target(gctx, s.Input, timeout)
			if err != nil {
				return fmt.Errorf("fuzz: input %X: %w", s.Input, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// evaluate folds the run's counters into the global counts and scores
// it. Hangs score zero.
func (f *Fuzzer) evaluate(res *Result) (visited int, score uint64) {
	if res.Hang {
		return 0, 0
	}
	if len(f.global) < len(res.Hits) {
		f.global = append(f.global, make([]uint8, len(res.Hits)-len(f.global))...)
	}
	fresh := false
	for i, h := range res.Hits {
		if h == 0 {
			continue
		}
		visited++
		if f.global[i] == 0 {
			fresh = true
		}
		f.global[i] = uint8(min(uint64(f.global[i])+h, math.MaxUint8))
	}
	if fresh {
		return visited, math.MaxUint64
	}
	for i, h := range res.Hits {
		if h > 0 {
			score += Rarity(f.global[i])
		}
	}
	return visited, score
}

// record minimizes a crashing input and keeps it unless an earlier crash
// minimized to the same bytes.
func (f *Fuzzer) record(ctx context.Context, c *Campaign, input []byte, exitCode int) error {
	minimized, err := Minimize(ctx, input, func(ctx context.Context, in []byte) (bool, error) {
		res, err := f.Target(ctx, in, c.Timeout)
		if err != nil {
			return false, err
		}
		return res.Crashed(), nil
	})
	if err != nil {
		return err
	}
	if f.crashes[string(minimized)] {
		return nil
	}
	f.crashes[string(minimized)] = true

	cr := Crash{ID: len(c.Crashes) + 1, ExitCode: exitCode, Input: input, Minimized: minimized}
	if f.CrashDir != "" {
		if err := os.MkdirAll(f.CrashDir, 0o755); err != nil {
			return fmt.Errorf("failed to create crash directory: %w", err)
		}
		cr.Path = filepath.Join(f.CrashDir, fmt.Sprintf("%d.crash", cr.ID))
		if err := os.WriteFile(cr.Path, minimized, 0o644); err != nil {
			return fmt.Errorf("failed to write crash: %w", err)
		}
	}
	c.Crashes = append(c.Crashes, cr)
	f.logger().Warn("crash found", "id", cr.ID, "exit", exitCode, "input", fmt.Sprintf("%X", minimized))
	return nil
}
