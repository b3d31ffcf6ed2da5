package panel

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"fundadvisor/internal/types"
)

// EvaluatorFinancialFit is the FinancialFit evaluator name as it appears in
// opinions and audit trails.
const EvaluatorFinancialFit = "financial_fit"

// substantialReasoningLen is the combined reasoning length above which the
// proposal earns the articulated-rationale bonus.
const substantialReasoningLen = 50

// FinancialFit scores how well a proposal fits the fund's current portfolio:
// diversification, impact weighting, and concentration.
type FinancialFit struct {
	minFitScore float64
	logger      *zap.Logger
}

// NewFinancialFit creates the evaluator. minFitScore is the approval bar.
func NewFinancialFit(minFitScore float64, logger *zap.Logger) *FinancialFit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FinancialFit{minFitScore: minFitScore, logger: logger}
}

// Evaluate scores one proposal against one fund snapshot. It never fails on
// well-formed input; malformed amounts produce a rejecting opinion, not an
// error.
func (f *FinancialFit) Evaluate(req types.AllocationRequest, fund types.FundState) types.SubagentOpinion {
	view, err := buildAllocationView(req, fund)
	if err != nil {
		return malformedOpinion(EvaluatorFinancialFit, err)
	}

	score, concerns := fitScore(req, fund)
	assessment := types.FitAssessment{
		FitScore:              score,
		DiversificationEffect: diversificationEffect(req, fund),
		ExpectedReturnImpact:  expectedReturnImpact(view),
		ConcentrationChange:   view.postHHI - view.preHHI,
	}

	approved := score >= f.minFitScore
	vote := types.VoteApprove
	if !approved {
		vote = types.VoteReject
	}

	f.logger.Debug("financial fit evaluated",
		zap.String("request_id", req.ID),
		zap.Float64("fit_score", score),
		zap.Bool("approved", approved))

	return types.SubagentOpinion{
		Evaluator:  EvaluatorFinancialFit,
		Vote:       vote,
		Approved:   approved,
		Confidence: score,
		Reasoning:  fitReasoning(score, assessment, concerns),
		Concerns:   concerns,
		Fit:        &assessment,
	}
}

// fitScore applies the fixed scoring schedule and returns the clamped score
// plus any concerns raised by deductions.
func fitScore(req types.AllocationRequest, fund types.FundState) (float64, []string) {
	score := 0.5
	var concerns []string

	fresh := newCategories(req, fund)
	score += 0.1 * float64(len(fresh))

	var combinedReasoning strings.Builder
	highImpact := false
	concentrated := make(map[string]bool)
	for _, line := range req.Recommendation {
		combinedReasoning.WriteString(line.Reasoning)
		if categoryWeights[line.CauseID] >= highImpactWeight {
			highImpact = true
		}
		if line.CauseID == types.LiquidityReserveCategory {
			continue
		}
		if fund.CurrentAllocation[line.CauseID] > concentratedFraction {
			concentrated[line.CauseID] = true
		}
	}
	if highImpact {
		score += 0.15
	}
	if combinedReasoning.Len() > substantialReasoningLen {
		score += 0.1
	}

	// Deterministic order for deductions and their concerns.
	cats := make([]string, 0, len(concentrated))
	for cat := range concentrated {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	for _, cat := range cats {
		score -= 0.1
		concerns = append(concerns, fmt.Sprintf("category %s already holds %.0f%% of the portfolio",
			cat, fund.CurrentAllocation[cat]*100))
	}

	return clamp01(score), concerns
}

// diversificationEffect rewards proposals that open new categories relative
// to the size of the existing portfolio.
func diversificationEffect(req types.AllocationRequest, fund types.FundState) float64 {
	fresh := newCategories(req, fund)
	return float64(len(fresh)) / float64(len(fund.CurrentAllocation)+1)
}

// liquidityReserveBand is the post-allocation liquidity reserve share the
// expected-return model treats as optimal.
var liquidityReserveBand = struct{ lo, hi float64 }{0.15, 0.35}

// expectedReturnImpact rewards keeping the liquidity reserve inside the
// optimum band after the allocation executes.
func expectedReturnImpact(view allocationView) float64 {
	reserve := view.post[types.LiquidityReserveCategory]
	if reserve >= liquidityReserveBand.lo && reserve <= liquidityReserveBand.hi {
		return 0.55
	}
	return 0.45
}

func fitReasoning(score float64, a types.FitAssessment, concerns []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fit score %.2f: diversification effect %.2f, expected-return impact %.2f, concentration change %+.4f.",
		score, a.DiversificationEffect, a.ExpectedReturnImpact, a.ConcentrationChange)
	if len(concerns) > 0 {
		fmt.Fprintf(&b, " %d concentration concern(s).", len(concerns))
	}
	return b.String()
}
