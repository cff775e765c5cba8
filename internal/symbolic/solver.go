package symbolic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrUnsat is returned when the constraints have no solution.
	ErrUnsat = errors.New("symbolic: unsatisfiable")
	// ErrUnknown is returned when the solver gives up (timeout, step
	// budget, or constraints outside the decidable fragment).
	ErrUnknown = errors.New("symbolic: unknown")
)

// Solver decides satisfiability of a conjunction of constraints.
//
// Solve returns a model satisfying every constraint. hint holds preferred
// values; variables it binds keep their value when possible. The error is
// ErrUnsat or ErrUnknown (possibly wrapped) when no model is returned.
type Solver interface {
	Solve(ctx context.Context, constraints []Expr, hint Model) (Model, error)
}

// DefaultSolverTimeout bounds a single query.
const DefaultSolverTimeout = 5 * time.Second

const defaultMaxSteps = 200000

// BoundedSolver is the built-in solver. It narrows per-variable intervals
// from single-variable linear constraints, proving unsatisfiability when a
// domain becomes empty, then runs a bounded backtracking search whose
// candidate values are derived from the linear constraint boundaries.
type BoundedSolver struct {
	Timeout  time.Duration
	MaxSteps int
}

// NewSolver returns a solver with the default timeout and step budget.
func NewSolver() *BoundedSolver {
	return &BoundedSolver{Timeout: DefaultSolverTimeout, MaxSteps: defaultMaxSteps}
}

// Solve implements Solver.
func (s *BoundedSolver) Solve(ctx context.Context, cs []Expr, hint Model) (Model, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	maxSteps := s.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	p := newProblem(cs, hint)
	for _, c := range p.ground {
		if c.Eval(nil) == 0 {
			return nil, fmt.Errorf("%w: %s is false", ErrUnsat, c)
		}
	}
	if err := p.narrow(); err != nil {
		return nil, err
	}

	assign := make(Model, len(p.vars))
	ok, err := p.search(ctx, 0, assign, maxSteps)
	if err != nil {
		return nil, err
	}
	if !ok {
		if p.decidable {
			return nil, ErrUnsat
		}
		return nil, fmt.Errorf("%w: search exhausted", ErrUnknown)
	}
	return assign, nil
}

// linear is sum(coef[v]*v) + k.
type linear struct {
	coef map[string]int64
	k    int64
}

func (l linear) combine(o linear, sign int64) linear {
	out := linear{coef: make(map[string]int64, len(l.coef)+len(o.coef)), k: l.k + sign*o.k}
	for v, c := range l.coef {
		out.coef[v] += c
	}
	for v, c := range o.coef {
		out.coef[v] += sign * c
	}
	for v, c := range out.coef {
		if c == 0 {
			delete(out.coef, v)
		}
	}
	return out
}

func (l linear) scale(f int64) linear {
	out := linear{coef: make(map[string]int64, len(l.coef)), k: l.k * f}
	if f == 0 {
		return out
	}
	for v, c := range l.coef {
		out.coef[v] = c * f
	}
	return out
}

func linearize(e Expr) (linear, bool) {
	switch e := e.(type) {
	case Const:
		return linear{k: e.Value}, true
	case Var:
		return linear{coef: map[string]int64{e.Name: 1}}, true
	case Binary:
		x, okx := linearize(e.X)
		y, oky := linearize(e.Y)
		if !okx || !oky {
			return linear{}, false
		}
		switch e.Op {
		case "add":
			return x.combine(y, 1), true
		case "sub":
			return x.combine(y, -1), true
		case "mul":
			if len(x.coef) == 0 {
				return y.scale(x.k), true
			}
			if len(y.coef) == 0 {
				return x.scale(y.k), true
			}
		}
	}
	return linear{}, false
}

type constraint struct {
	expr     Expr
	vars     []string
	lin      linear
	pred     string
	isLinear bool
	last     int
}

func newConstraint(e Expr) *constraint {
	c := &constraint{expr: e}
	cond := Bool(e)
	for {
		n, ok := cond.(Not)
		if !ok {
			break
		}
		cond = Negate(Bool(n.X))
	}
	if cmp, ok := cond.(Compare); ok {
		x, okx := linearize(cmp.X)
		y, oky := linearize(cmp.Y)
		if okx && oky {
			c.lin = x.combine(y, -1)
			c.pred = cmp.Pred
			c.isLinear = true
		}
	}
	for name := range Vars(e) {
		c.vars = append(c.vars, name)
	}
	sort.Strings(c.vars)
	return c
}

type domain struct {
	lo, hi int64
	excl   map[int64]bool
}

func (d *domain) allows(v int64) bool {
	return v >= d.lo && v <= d.hi && !d.excl[v]
}

type problem struct {
	vars    []string
	index   map[string]int
	domains map[string]*domain
	ground  []Expr
	cs      []*constraint
	byLast  [][]*constraint
	hint    Model
	consts  []int64
	steps   int

	// decidable is set when every constraint is a single-variable
	// linear comparison, where candidate search is complete.
	decidable bool
}

func newProblem(exprs []Expr, hint Model) *problem {
	p := &problem{
		index:     make(map[string]int),
		domains:   make(map[string]*domain),
		hint:      hint,
		decidable: true,
	}

	widths := make(map[string]Var)
	for _, e := range exprs {
		for name, v := range Vars(e) {
			widths[name] = v
		}
	}
	for name := range widths {
		p.vars = append(p.vars, name)
	}
	sort.Strings(p.vars)
	for i, name := range p.vars {
		p.index[name] = i
		lo, hi := widths[name].Range()
		p.domains[name] = &domain{lo: lo, hi: hi, excl: make(map[int64]bool)}
	}

	seen := make(map[int64]bool)
	p.byLast = make([][]*constraint, len(p.vars))
	for _, e := range exprs {
		collectConsts(e, seen)
		c := newConstraint(e)
		if len(c.vars) == 0 {
			p.ground = append(p.ground, e)
			continue
		}
		if !c.isLinear || len(c.vars) > 1 {
			p.decidable = false
		}
		c.last = p.index[c.vars[len(c.vars)-1]]
		p.cs = append(p.cs, c)
		p.byLast[c.last] = append(p.byLast[c.last], c)
	}
	for v := range seen {
		p.consts = append(p.consts, v)
	}
	sort.Slice(p.consts, func(i, j int) bool { return p.consts[i] < p.consts[j] })
	return p
}

func collectConsts(e Expr, out map[int64]bool) {
	switch e := e.(type) {
	case Const:
		out[e.Value] = true
	case Binary:
		collectConsts(e.X, out)
		collectConsts(e.Y, out)
	case Compare:
		collectConsts(e.X, out)
		collectConsts(e.Y, out)
	case Not:
		collectConsts(e.X, out)
	}
}

// narrow applies every single-variable linear constraint to its domain.
func (p *problem) narrow() error {
	for _, c := range p.cs {
		if !c.isLinear || len(c.vars) != 1 {
			continue
		}
		name := c.vars[0]
		d := p.domains[name]
		coef := c.lin.coef[name]
		if coef == 0 {
			// The variable cancelled out: the constraint is ground.
			if !Holds(c.pred, c.lin.k, 0) {
				return fmt.Errorf("%w: %s is false", ErrUnsat, c.expr)
			}
			continue
		}
		restrict(d, coef, c.lin.k, c.pred)
		if err := checkDomain(name, d); err != nil {
			return err
		}
	}
	return nil
}

// restrict narrows d with coef*v + k <pred> 0.
func restrict(d *domain, coef, k int64, pred string) {
	switch pred {
	case "eq":
		if (-k)%coef != 0 {
			d.lo, d.hi = 1, 0
			return
		}
		v := -k / coef
		d.lo, d.hi = max(d.lo, v), min(d.hi, v)
	case "ne":
		if (-k)%coef == 0 {
			d.excl[-k/coef] = true
		}
	case "slt":
		restrict(d, coef, k+1, "sle")
	case "sgt":
		restrict(d, coef, k-1, "sge")
	case "sle":
		if coef > 0 {
			d.hi = min(d.hi, floorDiv(-k, coef))
		} else {
			d.lo = max(d.lo, ceilDiv(-k, coef))
		}
	case "sge":
		if coef > 0 {
			d.lo = max(d.lo, ceilDiv(-k, coef))
		} else {
			d.hi = min(d.hi, floorDiv(-k, coef))
		}
	}
}

func checkDomain(name string, d *domain) error {
	if d.lo > d.hi {
		return fmt.Errorf("%w: no value for %s", ErrUnsat, name)
	}
	span := uint64(d.hi - d.lo)
	if span < uint64(len(d.excl)) {
		for v := d.lo; v <= d.hi; v++ {
			if !d.excl[v] {
				return nil
			}
		}
		return fmt.Errorf("%w: every value of %s is excluded", ErrUnsat, name)
	}
	return nil
}

func (p *problem) search(ctx context.Context, idx int, assign Model, maxSteps int) (bool, error) {
	if idx == len(p.vars) {
		return true, nil
	}
	name := p.vars[idx]
	for _, cand := range p.candidates(idx, assign) {
		p.steps++
		if p.steps > maxSteps {
			return false, fmt.Errorf("%w: step budget of %d exhausted", ErrUnknown, maxSteps)
		}
		if p.steps%256 == 0 {
			if err := ctx.Err(); err != nil {
				return false, fmt.Errorf("%w: %w", ErrUnknown, err)
			}
		}
		assign[name] = cand
		if !p.consistent(idx, assign) {
			continue
		}
		ok, err := p.search(ctx, idx+1, assign, maxSteps)
		if err != nil || ok {
			return ok, err
		}
	}
	delete(assign, name)
	return false, nil
}

func (p *problem) consistent(idx int, assign Model) bool {
	for _, c := range p.byLast[idx] {
		if c.expr.Eval(assign) == 0 {
			return false
		}
	}
	return true
}

// candidates lists values to try for the idx-th variable, most promising
// first: the hint, constraint boundaries, constants, domain bounds.
func (p *problem) candidates(idx int, assign Model) []int64 {
	name := p.vars[idx]
	d := p.domains[name]

	var out []int64
	seen := make(map[int64]bool)
	add := func(vs ...int64) {
		for _, v := range vs {
			if !seen[v] && d.allows(v) {
				seen[v] = true
				out = append(out, v)
			}
		}
	}

	if v, ok := p.hint[name]; ok {
		add(v)
	}
	for _, c := range p.byLast[idx] {
		if !c.isLinear {
			continue
		}
		coef := c.lin.coef[name]
		if coef == 0 {
			continue
		}
		k := c.lin.k
		for v, cv := range c.lin.coef {
			if v != name {
				k += cv * assign[v]
			}
		}
		lo, hi := floorDiv(-k, coef), ceilDiv(-k, coef)
		add(lo, hi, lo-1, hi+1)
	}
	for _, c := range p.consts {
		add(c, c+1, c-1, -c)
	}
	add(d.lo, d.hi, 0, 1, -1)

	excl := make([]int64, 0, len(d.excl))
	for e := range d.excl {
		excl = append(excl, e)
	}
	sort.Slice(excl, func(i, j int) bool { return excl[i] < excl[j] })
	for _, e := range excl {
		add(e-1, e+1)
	}
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) == (b < 0) {
		q++
	}
	return q
}
