// Package judge classifies candidate final answers as helpful or not
// relative to the originating request.
//
// The evaluator is a pluggable capability. The orchestrator treats it
// as opaque and survives its failure through a configured fallback
// verdict, biasing toward retry up to the loop safety bound.
package judge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/veritas-agent/veritas/pkg/model"
	"github.com/veritas-agent/veritas/pkg/protocol"
)

// Verdict is the outcome of a helpfulness evaluation. Pending exists
// only to express "in progress" for observability; it is never
// returned to a caller.
type Verdict int

const (
	VerdictPending Verdict = iota
	VerdictHelpful
	VerdictNotHelpful
)

func (v Verdict) String() string {
	switch v {
	case VerdictPending:
		return "pending"
	case VerdictHelpful:
		return "helpful"
	case VerdictNotHelpful:
		return "not_helpful"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Evaluator judges a candidate final answer against the original
// request.
type Evaluator interface {
	Evaluate(ctx context.Context, query, answer string) (Verdict, error)
}

const evaluationPrompt = `Given an initial query and a final response, determine if the final response is extremely helpful or not. Please indicate helpfulness with a 'Y' and unhelpfulness as an 'N'.

Initial Query:
%s

Final Response:
%s`

// ModelEvaluator asks a language model for a binary Y/N judgment.
type ModelEvaluator struct {
	provider model.Provider
	timeout  time.Duration
}

// NewModelEvaluator builds an evaluator over the given provider. A
// zero timeout disables the per-call deadline.
func NewModelEvaluator(provider model.Provider, timeout time.Duration) *ModelEvaluator {
	return &ModelEvaluator{provider: provider, timeout: timeout}
}

func (e *ModelEvaluator) Evaluate(ctx context.Context, query, answer string) (Verdict, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	prompt := fmt.Sprintf(evaluationPrompt, query, answer)
	turn, err := e.provider.Generate(ctx, []protocol.Message{protocol.NewUserMessage(prompt)}, nil)
	if err != nil {
		return VerdictPending, fmt.Errorf("helpfulness evaluation failed: %w", err)
	}
	return ParseVerdict(turn.Content), nil
}

// ParseVerdict maps a raw judge response onto a binary verdict. Any
// response containing 'Y' counts as helpful, everything else as not.
func ParseVerdict(response string) Verdict {
	if strings.Contains(strings.ToUpper(response), "Y") {
		return VerdictHelpful
	}
	return VerdictNotHelpful
}

// Fallback wraps an evaluator and substitutes a default verdict when
// the inner evaluator fails. The failure is logged, never fatal.
type Fallback struct {
	inner   Evaluator
	verdict Verdict
	log     *slog.Logger
}

// NewFallback wraps inner with a default verdict on error.
func NewFallback(inner Evaluator, verdict Verdict, log *slog.Logger) *Fallback {
	if log == nil {
		log = slog.Default()
	}
	return &Fallback{inner: inner, verdict: verdict, log: log}
}

func (f *Fallback) Evaluate(ctx context.Context, query, answer string) (Verdict, error) {
	v, err := f.inner.Evaluate(ctx, query, answer)
	if err != nil {
		// Cancellation propagates; only evaluator faults fall back.
		if ctx.Err() != nil {
			return VerdictPending, ctx.Err()
		}
		f.log.Warn("evaluator unavailable, using fallback verdict",
			"fallback", f.verdict.String(), "error", err)
		return f.verdict, nil
	}
	return v, nil
}

// Static always returns the same verdicts in order, then repeats the
// last one. Used by tests and the loop-bound verification path.
type Static struct {
	verdicts []Verdict
	calls    int
}

// NewStatic builds a static evaluator from a verdict sequence.
func NewStatic(verdicts ...Verdict) *Static {
	return &Static{verdicts: verdicts}
}

func (s *Static) Evaluate(ctx context.Context, query, answer string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return VerdictPending, err
	}
	if len(s.verdicts) == 0 {
		return VerdictHelpful, nil
	}
	i := s.calls
	if i >= len(s.verdicts) {
		i = len(s.verdicts) - 1
	}
	s.calls++
	return s.verdicts[i], nil
}

// Calls reports how many evaluations have run.
func (s *Static) Calls() int { return s.calls }
