package symbolic

import (
	"fmt"
)

// Node is the serializable form of an Expr.
type Node struct {
	Kind  string `msgpack:"k"`
	Op    string `msgpack:"op,omitempty"`
	Name  string `msgpack:"n,omitempty"`
	Width int    `msgpack:"w,omitempty"`
	Value int64  `msgpack:"v,omitempty"`
	Args  []Node `msgpack:"a,omitempty"`
}

// Encode converts an expression into its serializable form.
func Encode(e Expr) Node {
	switch e := e.(type) {
	case Var:
		return Node{Kind: "var", Name: e.Name, Width: e.Width}
	case Const:
		return Node{Kind: "const", Value: e.Value}
	case Binary:
		return Node{Kind: "bin", Op: e.Op, Args: []Node{Encode(e.X), Encode(e.Y)}}
	case Compare:
		return Node{Kind: "cmp", Op: e.Pred, Args: []Node{Encode(e.X), Encode(e.Y)}}
	case Not:
		return Node{Kind: "not", Args: []Node{Encode(e.X)}}
	}
	panic(fmt.Sprintf("symbolic: cannot encode %T", e))
}

// Decode rebuilds an expression from its serializable form.
func Decode(n Node) (Expr, error) {
	args := make([]Expr, len(n.Args))
	for i, a := range n.Args {
		e, err := Decode(a)
		if err != nil {
			return nil, err
		}
		args[i] = e
	}
	arity := func(want int) error {
		if len(args) != want {
			return fmt.Errorf("symbolic: %s node has %d operands, want %d", n.Kind, len(args), want)
		}
		return nil
	}

	switch n.Kind {
	case "var":
		return Var{Name: n.Name, Width: n.Width}, nil
	case "const":
		return Const{Value: n.Value}, nil
	case "bin":
		if err := arity(2); err != nil {
			return nil, err
		}
		return Binary{Op: n.Op, X: args[0], Y: args[1]}, nil
	case "cmp":
		if err := arity(2); err != nil {
			return nil, err
		}
		return Compare{Pred: n.Op, X: args[0], Y: args[1]}, nil
	case "not":
		if err := arity(1); err != nil {
			return nil, err
		}
		return Not{X: args[0]}, nil
	}
	return nil, fmt.Errorf("symbolic: unknown node kind %q", n.Kind)
}

// EncodeAll encodes a constraint list.
func EncodeAll(es []Expr) []Node {
	out := make([]Node, len(es))
	for i, e := range es {
		out[i] = Encode(e)
	}
	return out
}

// DecodeAll decodes a constraint list.
func DecodeAll(ns []Node) ([]Expr, error) {
	out := make([]Expr, len(ns))
	for i, n := range ns {
		e, err := Decode(n)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}
