package filter

import (
	"encoding/json"
	"fmt"
)

// Expression is a node of a filter expression tree. The set of node types is
// closed: only Logical and Relational implement it.
type Expression interface {
	expressionNode()
}

// LogicalOp combines the results of child expressions.
type LogicalOp string

// Logical operators.
const (
	OpAnd LogicalOp = "AND"
	OpOr  LogicalOp = "OR"
)

// RelationalOp compares an article field against a value.
type RelationalOp string

// Relational operators.
const (
	OpEq       RelationalOp = "EQ"
	OpContains RelationalOp = "CONTAINS"
	OpMatches  RelationalOp = "MATCHES"
)

// OperandKind tells how an operand value is resolved.
type OperandKind string

// Operand kinds. ARTICLE operands name a flattened article field; STRING
// operands are literal values.
const (
	OperandArticleField OperandKind = "ARTICLE"
	OperandString       OperandKind = "STRING"
)

// Logical is an AND/OR node over one or more children.
type Logical struct {
	Op       LogicalOp
	Children []Expression
}

// Relational compares Left (an article field) with Right (a string literal).
// Negate inverts the operator result.
type Relational struct {
	Op     RelationalOp
	Negate bool
	Left   Operand
	Right  Operand
}

// Operand is one side of a relational expression.
type Operand struct {
	Kind  OperandKind
	Value string
}

func (Logical) expressionNode()    {}
func (Relational) expressionNode() {}

// And builds a Logical AND node.
func And(children ...Expression) Logical {
	return Logical{Op: OpAnd, Children: children}
}

// Or builds a Logical OR node.
func Or(children ...Expression) Logical {
	return Logical{Op: OpOr, Children: children}
}

// Field builds a relational node comparing an article field with value.
func Field(name string, op RelationalOp, value string) Relational {
	return Relational{
		Op:    op,
		Left:  Operand{Kind: OperandArticleField, Value: name},
		Right: Operand{Kind: OperandString, Value: value},
	}
}

// Not returns r with its result inverted.
func Not(r Relational) Relational {
	r.Negate = !r.Negate
	return r
}

const (
	typeLogical    = "LOGICAL"
	typeRelational = "RELATIONAL"
)

type wireNode struct {
	Type     string            `json:"type"`
	Op       string            `json:"op"`
	Not      bool              `json:"not,omitempty"`
	Children []json.RawMessage `json:"children,omitempty"`
	Left     *wireOperand      `json:"left,omitempty"`
	Right    *wireOperand      `json:"right,omitempty"`
}

type wireOperand struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Parse decodes the JSON form stored by the management API. Structural
// problems inside well-formed nodes are left for Validate to report; only
// malformed JSON and unknown node types fail here.
func Parse(data []byte) (Expression, error) {
	var n wireNode
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, &InvalidExpressionError{Message: fmt.Sprintf("decode expression: %v", err)}
	}

	switch n.Type {
	case typeLogical:
		l := Logical{Op: LogicalOp(n.Op)}
		for i, raw := range n.Children {
			child, err := Parse(raw)
			if err != nil {
				return nil, &InvalidExpressionError{Message: fmt.Sprintf("children[%d]: %v", i, err)}
			}
			l.Children = append(l.Children, child)
		}
		return l, nil
	case typeRelational:
		r := Relational{Op: RelationalOp(n.Op), Negate: n.Not}
		if n.Left != nil {
			r.Left = Operand{Kind: OperandKind(n.Left.Type), Value: n.Left.Value}
		}
		if n.Right != nil {
			r.Right = Operand{Kind: OperandKind(n.Right.Type), Value: n.Right.Value}
		}
		return r, nil
	default:
		return nil, &InvalidExpressionError{Message: fmt.Sprintf("unknown expression type %q", n.Type)}
	}
}

// Marshal encodes expr into the JSON form accepted by Parse.
func Marshal(expr Expression) ([]byte, error) {
	n, err := toWire(expr)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

func toWire(expr Expression) (*wireNode, error) {
	switch e := expr.(type) {
	case Logical:
		n := &wireNode{Type: typeLogical, Op: string(e.Op)}
		for _, c := range e.Children {
			cw, err := toWire(c)
			if err != nil {
				return nil, err
			}
			raw, err := json.Marshal(cw)
			if err != nil {
				return nil, fmt.Errorf("encode child: %w", err)
			}
			n.Children = append(n.Children, raw)
		}
		return n, nil
	case Relational:
		return &wireNode{
			Type:  typeRelational,
			Op:    string(e.Op),
			Not:   e.Negate,
			Left:  &wireOperand{Type: string(e.Left.Kind), Value: e.Left.Value},
			Right: &wireOperand{Type: string(e.Right.Kind), Value: e.Right.Value},
		}, nil
	default:
		return nil, &InvalidExpressionError{Message: fmt.Sprintf("unknown expression type %T", expr)}
	}
}
