package ir

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValueKind discriminates operands.
type ValueKind uint8

// Operand kinds. ValNone is the absent operand.
const (
	ValNone ValueKind = iota
	ValConst
	ValReg
	ValGlobal
)

// Value is an instruction operand.
type Value struct {
	Kind ValueKind
	Name string
	Int  int64
}

// Const returns an integer literal operand.
func Const(v int64) Value { return Value{Kind: ValConst, Int: v} }

// Reg returns a register operand.
func Reg(name string) Value { return Value{Kind: ValReg, Name: name} }

// GlobalAddr returns the address-of-global operand.
func GlobalAddr(name string) Value { return Value{Kind: ValGlobal, Name: name} }

// IsZero reports whether the operand is absent. yaml.v3 uses it for omitempty.
func (v Value) IsZero() bool { return v.Kind == ValNone }

func (v Value) String() string {
	switch v.Kind {
	case ValConst:
		return strconv.FormatInt(v.Int, 10)
	case ValReg:
		return "%" + v.Name
	case ValGlobal:
		return "@" + v.Name
	default:
		return "_"
	}
}

// ParseValue parses the textual operand form.
func ParseValue(s string) (Value, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Value{}, fmt.Errorf("empty operand")
	case strings.HasPrefix(s, "%"):
		if len(s) == 1 {
			return Value{}, fmt.Errorf("operand %q: missing register name", s)
		}
		return Reg(s[1:]), nil
	case strings.HasPrefix(s, "@"):
		if len(s) == 1 {
			return Value{}, fmt.Errorf("operand %q: missing global name", s)
		}
		return GlobalAddr(s[1:]), nil
	case len(s) == 3 && s[0] == '\'' && s[2] == '\'':
		return Const(int64(s[1])), nil
	}
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return Value{}, fmt.Errorf("operand %q: %w", s, err)
	}
	return Const(n), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: operand must be a scalar", node.Line)
	}
	parsed, err := ParseValue(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*v = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (v Value) MarshalYAML() (interface{}, error) {
	if v.Kind == ValConst {
		return v.Int, nil
	}
	return v.String(), nil
}
