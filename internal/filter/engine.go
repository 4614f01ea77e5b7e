// Package filter implements the article filter expression engine.
package filter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"rss_relay/internal/model"
)

// DefaultRegexTimeout bounds a single MATCHES evaluation.
const DefaultRegexTimeout = 5 * time.Second

// Extra wall-clock allowance over the regex engine's own timeout check.
const timeoutGrace = 250 * time.Millisecond

// Reference resolves ARTICLE operands during evaluation.
type Reference struct {
	Article model.Article
}

// BuildReferences wraps an article so its flattened fields can be referenced
// by relational expressions.
func BuildReferences(article model.Article) Reference {
	return Reference{Article: article}
}

// Engine evaluates expressions. It holds configuration only and is safe for
// concurrent use.
type Engine struct {
	regexTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegexTimeout overrides DefaultRegexTimeout.
func WithRegexTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.regexTimeout = d
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{regexTimeout: DefaultRegexTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate walks expr against ref, short-circuiting AND/OR. Callers must have
// validated expr first; Evaluate does not re-validate.
func (e *Engine) Evaluate(ctx context.Context, expr Expression, ref Reference) (bool, error) {
	switch x := expr.(type) {
	case Logical:
		return e.evaluateLogical(ctx, x, ref)
	case Relational:
		return e.evaluateRelational(ctx, x, ref)
	default:
		return false, &InvalidExpressionError{Message: fmt.Sprintf("unknown expression type %T", expr)}
	}
}

func (e *Engine) evaluateLogical(ctx context.Context, l Logical, ref Reference) (bool, error) {
	switch l.Op {
	case OpAnd:
		for _, c := range l.Children {
			ok, err := e.Evaluate(ctx, c, ref)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case OpOr:
		for _, c := range l.Children {
			ok, err := e.Evaluate(ctx, c, ref)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, &InvalidExpressionError{Message: fmt.Sprintf("unknown logical operator %q", l.Op)}
	}
}

func (e *Engine) evaluateRelational(ctx context.Context, r Relational, ref Reference) (bool, error) {
	if r.Left.Kind != OperandArticleField {
		return false, &InvalidExpressionError{Message: fmt.Sprintf("unknown left operand type %q", r.Left.Kind)}
	}
	if r.Right.Kind != OperandString {
		return false, &InvalidExpressionError{Message: fmt.Sprintf("unknown right operand type %q", r.Right.Kind)}
	}

	// Missing fields compare as the empty string.
	value := ref.Article.Field(r.Left.Value)

	var (
		result bool
		err    error
	)
	switch r.Op {
	case OpEq:
		result = value == r.Right.Value
	case OpContains:
		result = strings.Contains(strings.ToLower(value), strings.ToLower(r.Right.Value))
	case OpMatches:
		result, err = e.matches(ctx, r.Right.Value, value)
		if err != nil {
			return false, err
		}
	default:
		return false, &InvalidExpressionError{Message: fmt.Sprintf("unknown relational operator %q", r.Op)}
	}

	if r.Negate {
		return !result, nil
	}
	return result, nil
}

func compilePattern(pattern string) (*regexp2.Regexp, error) {
	return regexp2.Compile(pattern, regexp2.IgnoreCase|regexp2.ECMAScript)
}

type matchResult struct {
	ok  bool
	err error
}

// matches runs a case-insensitive regex test bounded by the engine timeout.
// regexp2 aborts the match itself once MatchTimeout passes; the timer guards
// the wall clock in case the check fires late.
func (e *Engine) matches(ctx context.Context, pattern, input string) (bool, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return false, &RegexEvaluationError{Pattern: pattern, Err: err}
	}
	re.MatchTimeout = e.regexTimeout

	done := make(chan matchResult, 1)
	go func() {
		ok, err := re.MatchString(input)
		done <- matchResult{ok: ok, err: err}
	}()

	timer := time.NewTimer(e.regexTimeout + timeoutGrace)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return false, &RegexEvaluationError{Pattern: pattern, Err: fmt.Errorf("%w: %v", ErrRegexTimeout, r.err)}
		}
		return r.ok, nil
	case <-timer.C:
		return false, &RegexEvaluationError{Pattern: pattern, Err: ErrRegexTimeout}
	case <-ctx.Done():
		return false, &RegexEvaluationError{Pattern: pattern, Err: ctx.Err()}
	}
}
