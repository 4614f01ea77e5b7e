package filter

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// ValidationError describes one structural problem in an expression tree.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors is the result of Validate.
type ValidationErrors []ValidationError

// Err combines all validation errors into one, or returns nil.
func (v ValidationErrors) Err() error {
	var err error
	for _, e := range v {
		err = multierr.Append(err, e)
	}
	return err
}

// Validate checks the shape of expr without evaluating it. A nil result means
// expr is safe to pass to Evaluate.
func Validate(expr Expression) ValidationErrors {
	var errs ValidationErrors
	validateNode(expr, "", &errs)
	return errs
}

func validateNode(expr Expression, path string, errs *ValidationErrors) {
	add := func(p, format string, args ...any) {
		*errs = append(*errs, ValidationError{Path: p, Message: fmt.Sprintf(format, args...)})
	}

	switch e := expr.(type) {
	case nil:
		add(path, "expression is required")
	case Logical:
		switch e.Op {
		case OpAnd, OpOr:
		default:
			add(join(path, "op"), "unknown logical operator %q", e.Op)
		}
		if len(e.Children) == 0 {
			add(join(path, "children"), "logical expression must have at least one child")
		}
		for i, c := range e.Children {
			validateNode(c, join(path, fmt.Sprintf("children[%d]", i)), errs)
		}
	case Relational:
		switch e.Op {
		case OpEq, OpContains, OpMatches:
		default:
			add(join(path, "op"), "unknown relational operator %q", e.Op)
		}

		switch {
		case e.Left.Kind == "":
			add(join(path, "left"), "missing left operand")
		case e.Left.Kind != OperandArticleField:
			add(join(path, "left.type"), "left operand must be %s, got %q", OperandArticleField, e.Left.Kind)
		case e.Left.Value == "":
			add(join(path, "left.value"), "article field name is required")
		}

		switch {
		case e.Right.Kind == "":
			add(join(path, "right"), "missing right operand")
		case e.Right.Kind != OperandString:
			add(join(path, "right.type"), "right operand must be %s, got %q", OperandString, e.Right.Kind)
		case e.Op == OpMatches:
			if _, err := compilePattern(e.Right.Value); err != nil {
				add(join(path, "right.value"), "invalid regex pattern: %v", err)
			}
		}
	default:
		add(path, "unknown expression type %T", expr)
	}
}

func join(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

// InvalidExpressionError reports a malformed tree found while parsing or
// evaluating.
type InvalidExpressionError struct {
	Message string
}

func (e *InvalidExpressionError) Error() string {
	return "invalid expression: " + e.Message
}

// ErrRegexTimeout marks a regex evaluation that exceeded its time budget.
var ErrRegexTimeout = errors.New("regex evaluation timed out")

// RegexEvaluationError reports a MATCHES operand that failed to compile or
// ran out of time. The filter cannot be evaluated; it is not a false result.
type RegexEvaluationError struct {
	Pattern string
	Err     error
}

func (e *RegexEvaluationError) Error() string {
	return fmt.Sprintf("regex %q evaluation failed: %v", e.Pattern, e.Err)
}

func (e *RegexEvaluationError) Unwrap() error {
	return e.Err
}
