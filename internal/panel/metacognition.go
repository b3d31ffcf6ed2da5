package panel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"fundadvisor/internal/llm"
	"fundadvisor/internal/types"
)

// EvaluatorMetaCognition is the MetaCognition evaluator name.
const EvaluatorMetaCognition = "meta_cognition"

// Confidence below which meta-cognition recommends a human override, and the
// uncertainty-source count at which it does the same.
const (
	overrideConfidenceFloor   = 0.5
	overrideUncertaintyCount  = 3
	uncertaintyPenalty        = 0.1
	staleFundSnapshotDuration = time.Hour
)

// MetaCognition assesses how much the system should trust its own judgment
// on this proposal. It recomputes fit and risk estimates independently (the
// evaluators share no state) and blends them into an overall confidence.
//
// The reasoning client is optional. When present it contributes a critique
// sentence; when it fails or times out that becomes one more uncertainty
// source, never an approval.
type MetaCognition struct {
	limits    riskLimits
	reasoning llm.Client
	logger    *zap.Logger
}

// riskLimits is the subset of risk configuration the confidence blend needs.
type riskLimits struct {
	maxAggregateRisk float64
}

// NewMetaCognition creates the evaluator. client may be nil.
func NewMetaCognition(maxAggregateRisk float64, client llm.Client, logger *zap.Logger) *MetaCognition {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetaCognition{
		limits:    riskLimits{maxAggregateRisk: maxAggregateRisk},
		reasoning: client,
		logger:    logger,
	}
}

// Evaluate produces the meta-cognitive assessment for one proposal.
func (m *MetaCognition) Evaluate(ctx context.Context, req types.AllocationRequest, fund types.FundState) types.SubagentOpinion {
	view, err := buildAllocationView(req, fund)
	if err != nil {
		return malformedOpinion(EvaluatorMetaCognition, err)
	}

	score, fitConcerns := fitScore(req, fund)
	aggRisk := estimateAggregateRisk(req, fund, view)

	var sources []string
	if req.ConversationID == "" {
		sources = append(sources, "no conversation context for this request")
	}
	if !fund.SnapshotAt.IsZero() && time.Since(fund.SnapshotAt) > staleFundSnapshotDuration {
		sources = append(sources, "fund snapshot is stale")
	}
	if len(fitConcerns) > 2 {
		sources = append(sources, "multiple concentration concerns in the proposal")
	}
	if aggRisk > m.limits.maxAggregateRisk {
		sources = append(sources, "risk estimate above the configured bound")
	}

	chain := []types.ReasoningStep{
		{
			Step:       1,
			Premise:    fmt.Sprintf("independent fit estimate is %.2f", score),
			Conclusion: fitConclusion(score),
		},
		{
			Step:       2,
			Premise:    fmt.Sprintf("independent risk estimate is %.2f against bound %.2f", aggRisk, m.limits.maxAggregateRisk),
			Conclusion: riskConclusion(aggRisk, m.limits.maxAggregateRisk),
		},
	}

	critique := m.critique(ctx, req, score, aggRisk)
	if critique.failed {
		sources = append(sources, "reasoning capability unavailable")
	} else if critique.text != "" {
		chain = append(chain, types.ReasoningStep{
			Step:       len(chain) + 1,
			Premise:    "external reasoning critique",
			Conclusion: critique.text,
		})
	}

	confidence := clamp01(0.5*score + 0.5*(1-aggRisk) - uncertaintyPenalty*float64(len(sources)))
	override := confidence < overrideConfidenceFloor || len(sources) >= overrideUncertaintyCount

	chain = append(chain, types.ReasoningStep{
		Step:       len(chain) + 1,
		Premise:    fmt.Sprintf("confidence %.2f with %d uncertainty source(s)", confidence, len(sources)),
		Conclusion: overrideConclusion(override),
	})

	meta := types.MetaAssessment{
		OverallConfidence:        confidence,
		UncertaintySources:       sources,
		ReasoningChain:           chain,
		HumanOverrideRecommended: override,
	}

	vote := types.VoteApprove
	if override {
		vote = types.VoteReject
	}

	m.logger.Debug("meta-cognition evaluated",
		zap.String("request_id", req.ID),
		zap.Float64("confidence", confidence),
		zap.Bool("human_override", override))

	return types.SubagentOpinion{
		Evaluator:  EvaluatorMetaCognition,
		Vote:       vote,
		Approved:   !override,
		Confidence: confidence,
		Reasoning:  metaReasoning(meta),
		Concerns:   sources,
		Meta:       &meta,
	}
}

type critiqueResult struct {
	text   string
	failed bool
}

// critique asks the reasoning capability for a short second opinion. Failure
// or timeout is a signal toward caution, never toward approval.
func (m *MetaCognition) critique(ctx context.Context, req types.AllocationRequest, fit, risk float64) critiqueResult {
	if m.reasoning == nil {
		return critiqueResult{}
	}

	prompt := fmt.Sprintf(
		"A donor-advised fund proposal allocates %s (smallest units) across %d cause(s). "+
			"Internal fit estimate %.2f, risk estimate %.2f. "+
			"In one sentence, name the most important thing a human reviewer should double-check.",
		req.Amount, len(req.Recommendation), fit, risk)

	text, err := m.reasoning.Complete(ctx, prompt)
	if err != nil {
		m.logger.Warn("meta-cognition critique unavailable",
			zap.String("request_id", req.ID), zap.Error(err))
		return critiqueResult{failed: true}
	}
	return critiqueResult{text: strings.TrimSpace(text)}
}

// estimateAggregateRisk reuses the shared component math without the
// compliance machinery, so meta-cognition stays independent per call.
func estimateAggregateRisk(req types.AllocationRequest, fund types.FundState, view allocationView) float64 {
	return riskComponents(req, fund, view).AggregateRisk
}

func fitConclusion(score float64) string {
	if score >= 0.6 {
		return "the proposal fits the portfolio"
	}
	return "the proposal fits the portfolio poorly"
}

func riskConclusion(risk, bound float64) string {
	if risk <= bound {
		return "risk is within tolerance"
	}
	return "risk exceeds tolerance"
}

func overrideConclusion(override bool) string {
	if override {
		return "recommend human review"
	}
	return "automated decision is trustworthy"
}

func metaReasoning(meta types.MetaAssessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall confidence %.2f.", meta.OverallConfidence)
	if len(meta.UncertaintySources) > 0 {
		fmt.Fprintf(&b, " Uncertainty: %s.", strings.Join(meta.UncertaintySources, "; "))
	}
	if meta.HumanOverrideRecommended {
		b.WriteString(" Human review recommended.")
	}
	return b.String()
}
