package aggregator

import (
	"context"
	"sync"

	"github.com/kolkov/probekit/internal/fuzz"
	"github.com/kolkov/probekit/internal/monitor"
	"github.com/kolkov/probekit/internal/symbolic"
)

// Outcome is everything Render needs.
type Outcome struct {
	// Run is the concrete run; path #0 when exploring.
	Run *RunResult
	// Coverage sums the counters of every run.
	Coverage *monitor.CoverageCounts
	// Exploration is nil unless Explore produced the outcome.
	Exploration *symbolic.Exploration
	// Fuzz is nil unless Fuzz produced the outcome.
	Fuzz *fuzz.Campaign
}

// Execute runs prog once.
func (r *Runner) Execute(ctx context.Context, prog *Program, args []string) (*Outcome, error) {
	res, err := r.Run(ctx, prog, args, nil)
	if err != nil {
		return nil, err
	}
	return &Outcome{Run: res, Coverage: res.Snapshot.Coverage}, nil
}

// Explore runs prog along every symbolic path the budget allows. Each
// path is an isolated run; coverage is merged over all of them while
// races and memory-safety come from path #0.
func (r *Runner) Explore(ctx context.Context, prog *Program, args []string, budget symbolic.Budget) (*Outcome, error) {
	var (
		mu   sync.Mutex
		runs = make(map[int]*RunResult)
	)
	explorer := &symbolic.Explorer{
		Budget: budget,
		Run: func(ctx context.Context, spec symbolic.PathSpec) (*symbolic.PathResult, error) {
			res, err := r.Run(ctx, prog, args, &spec)
			if err != nil {
				return nil, err
			}
			mu.Lock()
			runs[spec.ID] = res
			mu.Unlock()
			return pathResult(spec, res), nil
		},
	}
	exp, err := explorer.Explore(ctx)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Run: runs[0], Exploration: exp}
	for _, p := range exp.Paths {
		out.Coverage = mergeCoverage(out.Coverage, runs[p.ID].Snapshot.Coverage)
	}
	r.logger().Info("exploration finished", "paths", len(exp.Paths), "pending", exp.Pending, "abandoned", exp.Abandoned)
	return out, nil
}

func pathResult(spec symbolic.PathSpec, res *RunResult) *symbolic.PathResult {
	p := &symbolic.PathResult{
		ID:         spec.ID,
		ExitCode:   res.ExitCode,
		Inputs:     spec.Inputs,
		Incomplete: res.Incomplete,
		Stdout:     string(res.Stdout),
		Stderr:     string(res.Stderr),
	}
	if st := res.Snapshot.Symbolic; st != nil {
		if len(st.Inputs) > 0 {
			p.Inputs = st.Inputs
		}
		p.Constraints = st.Constraints
		p.Alternates = st.Alternates
		p.Abandoned = st.Abandoned
	}
	return p
}
