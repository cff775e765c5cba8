package symbolic

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	i32 = Var{Name: "i", Width: 32}
	j32 = Var{Name: "j", Width: 32}
	c8  = Var{Name: "c", Width: 8}
)

func TestEval(t *testing.T) {
	m := Model{"i": 3, "j": -2}
	tests := []struct {
		name string
		expr Expr
		want int64
	}{
		{"var", i32, 3},
		{"add", Binary{"add", i32, j32}, 1},
		{"mul const", Binary{"mul", i32, Const{4}}, 12},
		{"div by zero", Binary{"div", i32, Const{0}}, 0},
		{"compare true", Compare{"slt", j32, i32}, 1},
		{"compare false", Compare{"eq", i32, Const{0}}, 0},
		{"not", Not{Compare{"eq", i32, Const{0}}}, 1},
		{"char wraps", c8, -56},
	}
	m["c"] = 200

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.expr.Eval(m); got != tt.want {
				t.Errorf("%s.Eval() = %d, want %d", tt.expr, got, tt.want)
			}
		})
	}
}

func TestNegate(t *testing.T) {
	tests := []struct {
		in   Expr
		want string
	}{
		{Compare{"eq", i32, Const{0}}, "(i != 0)"},
		{Compare{"slt", i32, j32}, "(i >= j)"},
		{Compare{"sgt", i32, j32}, "(i <= j)"},
		{Not{i32}, "(i != 0)"},
		{i32, "(i == 0)"},
	}
	for _, tt := range tests {
		if got := Negate(tt.in).String(); got != tt.want {
			t.Errorf("Negate(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	e := Not{Compare{"eq", Binary{"add", i32, Const{1}}, c8}}
	got, err := Decode(Encode(e))
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = Decode(Node{Kind: "bin", Op: "add"})
	assert.Error(t, err)
	_, err = Decode(Node{Kind: "bogus"})
	assert.Error(t, err)
}

func TestSolveSatisfiable(t *testing.T) {
	tests := []struct {
		name string
		cs   []Expr
		hint Model
	}{
		{"equality", []Expr{Compare{"eq", i32, Const{123214125}}}, nil},
		{"disequality keeps hint", []Expr{Compare{"ne", i32, Const{0}}}, Model{"i": 7}},
		{"nested", []Expr{Compare{"eq", i32, Const{0}}, Compare{"ne", j32, Const{123214125}}}, Model{"i": 0, "j": 123214125}},
		{"linear pair", []Expr{Compare{"eq", Binary{"add", i32, j32}, Const{10}}, Compare{"sgt", i32, Const{7}}}, nil},
		{"scaled", []Expr{Compare{"eq", Binary{"mul", i32, Const{3}}, Const{-9}}}, nil},
		{"char literal", []Expr{Compare{"eq", c8, Const{'*'}}}, nil},
		{"negated", []Expr{Not{Compare{"sle", i32, Const{5}}}}, nil},
		{"bare value", []Expr{i32}, Model{"i": 0}},
	}

	s := NewSolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, err := s.Solve(context.Background(), tt.cs, tt.hint)
			require.NoError(t, err)
			for _, c := range tt.cs {
				if c.Eval(model) == 0 {
					t.Errorf("model %v violates %s", model, c)
				}
			}
		})
	}
}

func TestSolvePrefersHint(t *testing.T) {
	model, err := NewSolver().Solve(context.Background(),
		[]Expr{Compare{"ne", i32, Const{0}}}, Model{"i": 42})
	require.NoError(t, err)
	assert.Equal(t, int64(42), model["i"])
}

func TestSolveUnsat(t *testing.T) {
	tests := []struct {
		name string
		cs   []Expr
	}{
		{"contradiction", []Expr{Compare{"eq", i32, Const{0}}, Compare{"ne", i32, Const{0}}}},
		{"empty interval", []Expr{Compare{"slt", i32, Const{0}}, Compare{"sgt", i32, Const{0}}}},
		{"char range", []Expr{Compare{"eq", c8, Const{300}}}},
		{"indivisible", []Expr{Compare{"eq", Binary{"mul", i32, Const{2}}, Const{5}}}},
		{"ground false", []Expr{Compare{"eq", Const{1}, Const{2}}}},
		{"all excluded", []Expr{
			Compare{"sge", i32, Const{1}}, Compare{"sle", i32, Const{2}},
			Compare{"ne", i32, Const{1}}, Compare{"ne", i32, Const{2}},
		}},
	}

	s := NewSolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Solve(context.Background(), tt.cs, nil)
			if !errors.Is(err, ErrUnsat) {
				t.Errorf("Solve() error = %v, want ErrUnsat", err)
			}
		})
	}
}

func TestSolveUnknownOnBudget(t *testing.T) {
	// i*j == 1000003 (prime) with i, j > 1 has no solution but is outside
	// the linear fragment, so the search can only give up.
	cs := []Expr{
		Compare{"sgt", i32, Const{1}},
		Compare{"sgt", j32, Const{1}},
		Compare{"eq", Binary{"mul", i32, j32}, Const{1000003}},
	}
	s := &BoundedSolver{Timeout: time.Second, MaxSteps: 500}
	_, err := s.Solve(context.Background(), cs, nil)
	if !errors.Is(err, ErrUnknown) {
		t.Errorf("Solve() error = %v, want ErrUnknown", err)
	}
}

// twoBranchProgram models:
//
//	if i == 0 { if j == 123214125 { exit 100 } } else { if j == 1 {} }
func twoBranchProgram(t *testing.T) RunFunc {
	solver := NewSolver()
	return func(ctx context.Context, spec PathSpec) (*PathResult, error) {
		in := spec.Inputs
		var taken []Expr
		res := &PathResult{Inputs: in}

		branch := func(cond Expr) bool {
			holds := cond.Eval(in) != 0
			pred := cond
			if !holds {
				pred = Negate(cond)
			}
			if len(taken) >= spec.Prefix {
				alt := append(append([]Expr(nil), taken...), Negate(pred))
				model, err := solver.Solve(ctx, alt, in)
				if err == nil {
					res.Alternates = append(res.Alternates, Alternate{
						Model: model, Prefix: len(taken) + 1, Constraints: EncodeAll(alt),
					})
				} else if !errors.Is(err, ErrUnsat) {
					res.Abandoned++
				}
			}
			taken = append(taken, pred)
			return holds
		}

		if branch(Compare{"eq", i32, Const{0}}) {
			if branch(Compare{"eq", j32, Const{123214125}}) {
				res.ExitCode = 100
			}
		} else {
			branch(Compare{"eq", j32, Const{1}})
		}
		res.Constraints = EncodeAll(taken)
		return res, nil
	}
}

func TestExplorerExploresAllPaths(t *testing.T) {
	ex := &Explorer{Run: twoBranchProgram(t), Budget: Budget{MaxPaths: 10, Workers: 4}}
	out, err := ex.Explore(context.Background())
	require.NoError(t, err)

	require.Len(t, out.Paths, 4)
	assert.True(t, out.Complete())

	var codes []int
	for i, p := range out.Paths {
		assert.Equal(t, i, p.ID)
		codes = append(codes, p.ExitCode)
	}
	sort.Ints(codes)
	assert.Equal(t, []int{0, 0, 0, 100}, codes)

	// The i == 0, j == 123214125 path is reachable only through the solver.
	found := false
	for _, p := range out.Paths {
		if p.Inputs["i"] == 0 && p.Inputs["j"] == 123214125 {
			found = true
		}
	}
	assert.True(t, found, "equal path not explored")
}

func TestExplorerDeterministicIDs(t *testing.T) {
	run := func() []string {
		ex := &Explorer{Run: twoBranchProgram(t), Budget: Budget{Workers: 3}}
		out, err := ex.Explore(context.Background())
		require.NoError(t, err)
		var ids []string
		for _, p := range out.Paths {
			ids = append(ids, p.Inputs.String())
		}
		return ids
	}
	assert.Equal(t, run(), run())
}

func TestExplorerPathBudget(t *testing.T) {
	ex := &Explorer{Run: twoBranchProgram(t), Budget: Budget{MaxPaths: 2, Workers: 2}}
	out, err := ex.Explore(context.Background())
	require.NoError(t, err)

	assert.Len(t, out.Paths, 2)
	assert.False(t, out.Complete())
}

func TestExplorerRunError(t *testing.T) {
	boom := errors.New("launch failed")
	ex := &Explorer{Run: func(context.Context, PathSpec) (*PathResult, error) { return nil, boom }}
	_, err := ex.Explore(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("Explore() error = %v, want %v", err, boom)
	}
}
