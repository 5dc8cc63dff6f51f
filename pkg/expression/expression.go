// Package expression parses filter expressions and compiles them into SQL
// predicates over signal_instance and the tables joinable from it.
package expression

import (
	"bytes"
	"encoding/json"
	"fmt"

	pipelineerrors "github.com/Ramsey-B/dispatch/pkg/errors"
)

type Op string

const (
	OpEq   Op = "=="
	OpNe   Op = "!="
	OpLt   Op = "<"
	OpLe   Op = "<="
	OpGt   Op = ">"
	OpGe   Op = ">="
	OpLike Op = "like"
	OpIn   Op = "in"
)

func (o Op) valid() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpLike, OpIn:
		return true
	}
	return false
}

// Expr is one of And, Or or Pred
type Expr interface {
	isExpr()
}

// And is true when every child is true; an empty And is true
type And struct {
	Children []Expr
}

// Or is true when any child is true; an empty Or is false
type Or struct {
	Children []Expr
}

// Pred compares one field of a model with a value
type Pred struct {
	Model string
	Field string
	Op    Op
	Value any
}

func (And) isExpr()  {}
func (Or) isExpr()   {}
func (Pred) isExpr() {}

type rawPred struct {
	Model string          `json:"model"`
	Field string          `json:"field"`
	Op    Op              `json:"op"`
	Value json.RawMessage `json:"value"`
}

// Parse decodes a stored expression. A top-level array is read as an And of its items.
func Parse(raw json.RawMessage) (Expr, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, compileErrorf("empty expression")
	}

	if raw[0] == '[' {
		children, err := parseList(raw)
		if err != nil {
			return nil, err
		}
		return And{Children: children}, nil
	}

	var node map[string]json.RawMessage
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, compileErrorf("expression is not an object: %v", err)
	}

	if children, ok := node["and"]; ok {
		if len(node) != 1 {
			return nil, compileErrorf("\"and\" node must not have other keys")
		}
		list, err := parseList(children)
		if err != nil {
			return nil, err
		}
		return And{Children: list}, nil
	}

	if children, ok := node["or"]; ok {
		if len(node) != 1 {
			return nil, compileErrorf("\"or\" node must not have other keys")
		}
		list, err := parseList(children)
		if err != nil {
			return nil, err
		}
		return Or{Children: list}, nil
	}

	var p rawPred
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, compileErrorf("invalid predicate: %v", err)
	}
	if p.Model == "" || p.Field == "" || p.Op == "" {
		return nil, compileErrorf("predicate requires model, field and op")
	}
	if len(p.Value) == 0 {
		return nil, compileErrorf("predicate %s.%s has no value", p.Model, p.Field)
	}

	var value any
	if err := json.Unmarshal(p.Value, &value); err != nil {
		return nil, compileErrorf("invalid value for %s.%s: %v", p.Model, p.Field, err)
	}

	return Pred{Model: p.Model, Field: p.Field, Op: p.Op, Value: value}, nil
}

func parseList(raw json.RawMessage) ([]Expr, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, compileErrorf("expected a list of expressions: %v", err)
	}

	children := make([]Expr, 0, len(items))
	for _, item := range items {
		child, err := Parse(item)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

func compileErrorf(format string, args ...any) error {
	return pipelineerrors.Newf(pipelineerrors.FilterCompileError, format, args...)
}

// String renders the expression for logs
func String(e Expr) string {
	switch n := e.(type) {
	case And:
		return joinString("AND", n.Children)
	case Or:
		return joinString("OR", n.Children)
	case Pred:
		return fmt.Sprintf("%s.%s %s %v", n.Model, n.Field, n.Op, n.Value)
	}
	return "<nil>"
}

func joinString(op string, children []Expr) string {
	var buf bytes.Buffer
	buf.WriteString("(")
	for i, child := range children {
		if i > 0 {
			buf.WriteString(" " + op + " ")
		}
		buf.WriteString(String(child))
	}
	buf.WriteString(")")
	return buf.String()
}
