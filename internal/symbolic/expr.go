// Package symbolic implements symbolic expressions over program inputs,
// a bounded constraint solver and a work-queue path explorer.
//
// Expressions are built by the VM while it executes concretely: every
// value derived from a symbolic input carries a shadow Expr. Branches on
// such values become path constraints. All arithmetic is 64-bit two's
// complement, matching the VM's register semantics.
package symbolic

import (
	"fmt"
	"sort"
	"strconv"
)

// Model assigns concrete values to symbolic variables.
type Model map[string]int64

// Clone returns a copy of the model.
func (m Model) Clone() Model {
	out := make(Model, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String renders the model as name=value pairs sorted by name.
func (m Model) String() string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	s := ""
	for i, k := range names {
		if i > 0 {
			s += ", "
		}
		s += k + "=" + strconv.FormatInt(m[k], 10)
	}
	return s
}

// Expr is a symbolic expression.
type Expr interface {
	fmt.Stringer
	// Eval evaluates the expression under a model. Unbound variables are 0.
	Eval(m Model) int64
	isExpr()
}

// Var is a symbolic input of Width bits. Its values are sign-extended.
type Var struct {
	Name  string
	Width int
}

// Const is a concrete value.
type Const struct {
	Value int64
}

// Binary is an arithmetic or bitwise operation. Op is one of the IR
// binary operators: add sub mul div rem and or xor shl shr.
type Binary struct {
	Op   string
	X, Y Expr
}

// Compare is a signed comparison yielding 0 or 1. Pred is one of
// eq ne slt sle sgt sge.
type Compare struct {
	Pred string
	X, Y Expr
}

// Not is logical negation: 1 if X is 0, else 0.
type Not struct {
	X Expr
}

func (Var) isExpr()     {}
func (Const) isExpr()   {}
func (Binary) isExpr()  {}
func (Compare) isExpr() {}
func (Not) isExpr()     {}

func (v Var) String() string   { return v.Name }
func (c Const) String() string { return strconv.FormatInt(c.Value, 10) }

var opSymbols = map[string]string{
	"add": "+", "sub": "-", "mul": "*", "div": "/", "rem": "%",
	"and": "&", "or": "|", "xor": "^", "shl": "<<", "shr": ">>",
	"eq": "==", "ne": "!=", "slt": "<", "sle": "<=", "sgt": ">", "sge": ">=",
}

func (b Binary) String() string {
	return "(" + b.X.String() + " " + opSymbols[b.Op] + " " + b.Y.String() + ")"
}

func (c Compare) String() string {
	return "(" + c.X.String() + " " + opSymbols[c.Pred] + " " + c.Y.String() + ")"
}

func (n Not) String() string { return "!" + n.X.String() }

// Range returns the inclusive value range of the variable.
func (v Var) Range() (lo, hi int64) {
	w := v.Width
	if w <= 0 || w >= 64 {
		return -1 << 63, 1<<63 - 1
	}
	return -(1 << (w - 1)), 1<<(w-1) - 1
}

// Eval returns the bound value truncated to the variable's width.
func (v Var) Eval(m Model) int64 {
	return SignExtend(m[v.Name], v.Width)
}

func (c Const) Eval(Model) int64 { return c.Value }

func (b Binary) Eval(m Model) int64 {
	return Apply(b.Op, b.X.Eval(m), b.Y.Eval(m))
}

func (c Compare) Eval(m Model) int64 {
	if Holds(c.Pred, c.X.Eval(m), c.Y.Eval(m)) {
		return 1
	}
	return 0
}

func (n Not) Eval(m Model) int64 {
	if n.X.Eval(m) == 0 {
		return 1
	}
	return 0
}

// SignExtend truncates v to width bits and sign-extends the result.
func SignExtend(v int64, width int) int64 {
	if width <= 0 || width >= 64 {
		return v
	}
	shift := uint(64 - width)
	return v << shift >> shift
}

// Apply evaluates a binary operator. Division by zero yields 0.
func Apply(op string, x, y int64) int64 {
	switch op {
	case "add":
		return x + y
	case "sub":
		return x - y
	case "mul":
		return x * y
	case "div":
		if y == 0 {
			return 0
		}
		return x / y
	case "rem":
		if y == 0 {
			return 0
		}
		return x % y
	case "and":
		return x & y
	case "or":
		return x | y
	case "xor":
		return x ^ y
	case "shl":
		return x << uint64(y&63)
	case "shr":
		return x >> uint64(y&63)
	}
	return 0
}

// Holds evaluates a comparison predicate.
func Holds(pred string, x, y int64) bool {
	switch pred {
	case "eq":
		return x == y
	case "ne":
		return x != y
	case "slt":
		return x < y
	case "sle":
		return x <= y
	case "sgt":
		return x > y
	case "sge":
		return x >= y
	}
	return false
}

var inversePred = map[string]string{
	"eq": "ne", "ne": "eq", "slt": "sge", "sge": "slt", "sle": "sgt", "sgt": "sle",
}

// Negate returns the logical negation of a boolean expression.
func Negate(e Expr) Expr {
	switch e := e.(type) {
	case Compare:
		return Compare{Pred: inversePred[e.Pred], X: e.X, Y: e.Y}
	case Not:
		return Bool(e.X)
	default:
		return Compare{Pred: "eq", X: e, Y: Const{0}}
	}
}

// Bool converts an integer expression into a 0/1 condition.
func Bool(e Expr) Expr {
	switch e.(type) {
	case Compare, Not:
		return e
	default:
		return Compare{Pred: "ne", X: e, Y: Const{0}}
	}
}

// Vars returns the variables referenced by e, keyed by name.
func Vars(e Expr) map[string]Var {
	out := make(map[string]Var)
	collectVars(e, out)
	return out
}

func collectVars(e Expr, out map[string]Var) {
	switch e := e.(type) {
	case Var:
		out[e.Name] = e
	case Binary:
		collectVars(e.X, out)
		collectVars(e.Y, out)
	case Compare:
		collectVars(e.X, out)
		collectVars(e.Y, out)
	case Not:
		collectVars(e.X, out)
	}
}

// Conjunction renders constraints joined with &&.
func Conjunction(cs []Expr) string {
	if len(cs) == 0 {
		return "true"
	}
	s := ""
	for i, c := range cs {
		if i > 0 {
			s += " && "
		}
		s += c.String()
	}
	return s
}
