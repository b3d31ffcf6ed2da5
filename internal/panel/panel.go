package panel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fundadvisor/internal/config"
	"fundadvisor/internal/llm"
	"fundadvisor/internal/types"
)

// Panel runs the three evaluators concurrently and joins their opinions.
// Evaluators share no mutable state; a Panel is safe for concurrent use
// across independent allocation requests.
type Panel struct {
	fit     *FinancialFit
	risk    *RiskEvaluator
	meta    *MetaCognition
	timeout time.Duration
	logger  *zap.Logger
}

// Options configures a Panel.
type Options struct {
	MinFitScore      float64
	MaxAggregateRisk float64
	RiskLimits       config.RiskConfig
	RoundTimeout     time.Duration
	Reasoning        llm.Client // optional
	Logger           *zap.Logger
}

// New creates a Panel from the configured thresholds.
func New(opts Options) *Panel {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RoundTimeout <= 0 {
		opts.RoundTimeout = 30 * time.Second
	}
	return &Panel{
		fit:     NewFinancialFit(opts.MinFitScore, opts.Logger),
		risk:    NewRiskEvaluator(opts.RiskLimits, opts.MaxAggregateRisk, opts.Logger),
		meta:    NewMetaCognition(opts.MaxAggregateRisk, opts.Reasoning, opts.Logger),
		timeout: opts.RoundTimeout,
		logger:  opts.Logger,
	}
}

// Collect gathers all three opinions for one round (logical join: it waits
// for all of them). An evaluator that does not respond within the round
// timeout is replaced by a conservative, reject-leaning opinion; a timeout
// is never a silent approval. The returned slice always has three entries in
// a fixed order: financial fit, risk, meta-cognition.
func (p *Panel) Collect(ctx context.Context, req types.AllocationRequest, fund types.FundState) ([]types.SubagentOpinion, error) {
	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	evals := []struct {
		name string
		fn   func(context.Context) types.SubagentOpinion
	}{
		{EvaluatorFinancialFit, func(context.Context) types.SubagentOpinion { return p.fit.Evaluate(req, fund) }},
		{EvaluatorRisk, func(context.Context) types.SubagentOpinion { return p.risk.Evaluate(req, fund) }},
		{EvaluatorMetaCognition, func(c context.Context) types.SubagentOpinion { return p.meta.Evaluate(c, req, fund) }},
	}

	opinions := make([]types.SubagentOpinion, len(evals))
	g, gctx := errgroup.WithContext(rctx)
	for i, ev := range evals {
		i, ev := i, ev
		g.Go(func() error {
			done := make(chan types.SubagentOpinion, 1)
			go func() { done <- ev.fn(gctx) }()
			select {
			case op := <-done:
				opinions[i] = op
			case <-gctx.Done():
				p.logger.Warn("evaluator did not respond in time, substituting conservative opinion",
					zap.String("evaluator", ev.name),
					zap.String("request_id", req.ID))
				opinions[i] = ConservativeOpinion(ev.name, "evaluator did not respond within the round timeout")
			}
			return nil
		})
	}
	_ = g.Wait() // evaluator goroutines never return errors

	// A canceled parent means the owning request was invalidated; the
	// opinions gathered so far still belong to the audit trail.
	if err := ctx.Err(); err != nil {
		return opinions, err
	}
	return opinions, nil
}

// ConservativeOpinion is the substitute used when an evaluator cannot
// respond. It leans reject/escalate and, for meta-cognition, recommends a
// human override.
func ConservativeOpinion(evaluator, reason string) types.SubagentOpinion {
	op := types.SubagentOpinion{
		Evaluator:  evaluator,
		Vote:       types.VoteReject,
		Approved:   false,
		Confidence: 0,
		Reasoning:  fmt.Sprintf("conservative substitute: %s", reason),
		Concerns:   []string{reason},
	}
	if evaluator == EvaluatorMetaCognition {
		op.Meta = &types.MetaAssessment{
			OverallConfidence:        0,
			UncertaintySources:       []string{reason},
			HumanOverrideRecommended: true,
		}
	}
	return op
}

// malformedOpinion rejects a proposal whose amounts cannot even be read.
// Evaluators never panic or error on bad input; they refuse it.
func malformedOpinion(evaluator string, err error) types.SubagentOpinion {
	return types.SubagentOpinion{
		Evaluator:  evaluator,
		Vote:       types.VoteReject,
		Approved:   false,
		Confidence: 0,
		Reasoning:  fmt.Sprintf("proposal is malformed: %v", err),
		Concerns:   []string{err.Error()},
	}
}
