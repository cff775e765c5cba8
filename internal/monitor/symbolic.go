package monitor

import (
	"context"
	"errors"
	"sync"

	"github.com/kolkov/probekit/internal/ir"
	"github.com/kolkov/probekit/internal/symbolic"
	"github.com/kolkov/probekit/internal/vm"
)

// symState is the symbolic side of one concrete run: the path
// constraint collected so far and the alternates forked from it.
type symState struct {
	solver symbolic.Solver
	prefix int

	mu          sync.Mutex
	inputs      symbolic.Model
	vars        []SymVar
	constraints []symbolic.Expr
	branches    int
	alternates  []symbolic.Alternate
	abandoned   int
}

// SymVar is a symbolic input bound during the run.
type SymVar struct {
	Name  string `msgpack:"name"`
	Size  int    `msgpack:"size"`
	Value int64  `msgpack:"value"`
}

func newSymState(inputs symbolic.Model, prefix int, solver symbolic.Solver) *symState {
	if inputs == nil {
		inputs = symbolic.Model{}
	}
	return &symState{solver: solver, prefix: prefix, inputs: inputs.Clone()}
}

func (s *symState) handle(ev *vm.Event) {
	switch ev.Kind {
	case ir.ProbeSymMake:
		s.bind(ev)
	case ir.ProbeSymBranch:
		if ev.Expr != nil {
			s.branch(ev)
		}
	}
}

// bind binds the input named by the probe to its value in the run's
// model, 0 when the model has none.
func (s *symState) bind(ev *vm.Event) {
	name := ev.Probe.Name
	size := int(ev.Size)
	if size <= 0 {
		size = ir.DefaultWidth
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := symbolic.SignExtend(s.inputs[name], size*8)
	s.inputs[name] = v
	s.vars = append(s.vars, SymVar{Name: name, Size: size, Value: v})
	ev.Value = v
}

// branch records the side taken at a symbolic branch and, past the
// forced prefix, asks the solver for every other side.
//
// A condbr forks once, on the negation of the taken predicate. A switch
// forks towards every case not taken and towards the default when a case
// was taken.
func (s *symState) branch(ev *vm.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := append([]symbolic.Expr(nil), s.constraints...)
	var taken []symbolic.Expr
	var others [][]symbolic.Expr

	if ev.Cases == nil {
		cond := symbolic.Bool(ev.Expr)
		pred := cond
		if ev.Value == 0 {
			pred = symbolic.Negate(cond)
		}
		taken = []symbolic.Expr{pred}
		others = [][]symbolic.Expr{{symbolic.Negate(pred)}}
	} else {
		matched := -1
		for i, c := range ev.Cases {
			if c == ev.Value {
				matched = i
				break
			}
		}
		var notAny []symbolic.Expr
		for i, c := range ev.Cases {
			eq := symbolic.Compare{Pred: "eq", X: ev.Expr, Y: symbolic.Const{Value: c}}
			notAny = append(notAny, symbolic.Negate(eq))
			if i == matched {
				taken = []symbolic.Expr{eq}
			} else {
				others = append(others, []symbolic.Expr{eq})
			}
		}
		if matched < 0 {
			taken = notAny
		} else if len(notAny) > 0 {
			others = append(others, notAny)
		}
	}

	if s.branches >= s.prefix {
		for _, side := range others {
			s.fork(before, side)
		}
	}
	s.constraints = append(s.constraints, taken...)
	s.branches++
}

// fork must be called with s.mu held.
func (s *symState) fork(before, side []symbolic.Expr) {
	cs := append(append([]symbolic.Expr(nil), before...), side...)
	model, err := s.solver.Solve(context.Background(), cs, s.inputs)
	switch {
	case err == nil:
		s.alternates = append(s.alternates, symbolic.Alternate{
			Model:       model,
			Prefix:      s.branches + 1,
			Constraints: symbolic.EncodeAll(cs),
		})
	case errors.Is(err, symbolic.ErrUnsat):
	default:
		s.abandoned++
	}
}

// SymbolicState is the serialized symbolic outcome of a run.
type SymbolicState struct {
	Inputs      symbolic.Model       `msgpack:"inputs"`
	Vars        []SymVar             `msgpack:"vars"`
	Constraints []symbolic.Node      `msgpack:"constraints"`
	Alternates  []symbolic.Alternate `msgpack:"alternates"`
	Abandoned   int                  `msgpack:"abandoned"`
}

func (s *symState) state() *SymbolicState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &SymbolicState{
		Inputs:      s.inputs.Clone(),
		Vars:        append([]SymVar(nil), s.vars...),
		Constraints: symbolic.EncodeAll(s.constraints),
		Alternates:  append([]symbolic.Alternate(nil), s.alternates...),
		Abandoned:   s.abandoned,
	}
}
