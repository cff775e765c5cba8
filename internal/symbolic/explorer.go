package symbolic

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// PathSpec tells one run which inputs to use and how many leading
// symbolic branches were already decided by the path it was forked from.
// Branches below Prefix are not forked again.
type PathSpec struct {
	ID          int    `msgpack:"id"`
	Inputs      Model  `msgpack:"inputs"`
	Prefix      int    `msgpack:"prefix"`
	Constraints []Node `msgpack:"constraints,omitempty"`
}

// Alternate is an unexplored branch side found during a run.
type Alternate struct {
	Model       Model  `msgpack:"model"`
	Prefix      int    `msgpack:"prefix"`
	Constraints []Node `msgpack:"constraints"`
}

// PathResult is the outcome of one explored path.
type PathResult struct {
	ID          int
	ExitCode    int
	Inputs      Model
	Constraints []Node
	Alternates  []Alternate
	// Abandoned counts branch sides the solver could not decide.
	Abandoned  int
	Incomplete bool
	Stdout     string
	Stderr     string
}

// RunFunc executes the program along one path.
type RunFunc func(ctx context.Context, spec PathSpec) (*PathResult, error)

// Budget limits an exploration. Zero values mean unlimited.
type Budget struct {
	MaxPaths    int
	MaxDuration time.Duration
	Workers     int
}

// Exploration is the result of Explorer.Explore.
type Exploration struct {
	Paths []*PathResult
	// Pending is the number of queued paths left when the budget ran out.
	Pending   int
	Abandoned int
}

// Complete reports whether every discovered path was explored.
func (e *Exploration) Complete() bool { return e.Pending == 0 }

// Explorer drives path exploration through an explicit work queue of
// (path id, constraints) items. Items are processed in generations; each
// generation runs in parallel and children are numbered in parent order,
// so path ids do not depend on scheduling.
type Explorer struct {
	Run    RunFunc
	Budget Budget
}

// Explore runs the initial path and every alternate discovered from it
// until the queue drains or the budget is exhausted.
func (e *Explorer) Explore(ctx context.Context) (*Exploration, error) {
	if e.Run == nil {
		return nil, fmt.Errorf("symbolic: explorer has no run function")
	}
	start := time.Now()
	workers := e.Budget.Workers
	if workers <= 0 {
		workers = 1
	}

	queue := []PathSpec{{ID: 0, Inputs: Model{}}}
	nextID := 1
	out := &Exploration{}

	for len(queue) > 0 {
		if e.Budget.MaxDuration > 0 && time.Since(start) >= e.Budget.MaxDuration {
			break
		}
		n := len(queue)
		if e.Budget.MaxPaths > 0 {
			n = min(n, e.Budget.MaxPaths-len(out.Paths))
		}
		if n <= 0 {
			break
		}
		batch := queue[:n]
		queue = queue[n:]

		results := make([]*PathResult, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, spec := range batch {
			g.Go(func() error {
				res, err := e.Run(gctx, spec)
				if err != nil {
					return fmt.Errorf("path #%d: %w", spec.ID, err)
				}
				res.ID = spec.ID
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for i, res := range results {
			out.Paths = append(out.Paths, res)
			out.Abandoned += res.Abandoned
			for _, alt := range res.Alternates {
				inputs := batch[i].Inputs.Clone()
				for k, v := range alt.Model {
					inputs[k] = v
				}
				queue = append(queue, PathSpec{
					ID:          nextID,
					Inputs:      inputs,
					Prefix:      alt.Prefix,
					Constraints: alt.Constraints,
				})
				nextID++
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	out.Pending = len(queue)
	sort.Slice(out.Paths, func(i, j int) bool { return out.Paths[i].ID < out.Paths[j].ID })
	return out, nil
}
