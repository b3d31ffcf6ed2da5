package panel

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"fundadvisor/internal/config"
	"fundadvisor/internal/types"
)

// EvaluatorRisk is the RiskAssessment evaluator name.
const EvaluatorRisk = "risk_assessment"

// Component weights for the aggregate risk blend.
const (
	marketRiskWeight      = 0.35
	creditRiskWeight      = 0.25
	liquidityRiskWeight   = 0.30
	operationalRiskWeight = 0.10
)

// RiskEvaluator computes market, credit, liquidity, and operational risk
// components plus compliance checks, and approves only when the aggregate is
// within bound and every check passes.
type RiskEvaluator struct {
	limits           config.RiskConfig
	maxAggregateRisk float64
	logger           *zap.Logger
}

// NewRiskEvaluator creates the evaluator with the configured limits.
func NewRiskEvaluator(limits config.RiskConfig, maxAggregateRisk float64, logger *zap.Logger) *RiskEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RiskEvaluator{limits: limits, maxAggregateRisk: maxAggregateRisk, logger: logger}
}

// Evaluate scores one proposal against one fund snapshot. Never fails on
// well-formed input.
func (r *RiskEvaluator) Evaluate(req types.AllocationRequest, fund types.FundState) types.SubagentOpinion {
	view, err := buildAllocationView(req, fund)
	if err != nil {
		return malformedOpinion(EvaluatorRisk, err)
	}

	breakdown := riskComponents(req, fund, view)
	breakdown.Compliance = r.complianceChecks(view, fund)

	withinBound := breakdown.AggregateRisk <= r.maxAggregateRisk
	compliant := breakdown.CompliancePassed()
	approved := withinBound && compliant

	var concerns []string
	if !withinBound {
		concerns = append(concerns, fmt.Sprintf("aggregate risk %.2f exceeds bound %.2f",
			breakdown.AggregateRisk, r.maxAggregateRisk))
	}
	for _, c := range breakdown.Compliance {
		if !c.Passed {
			concerns = append(concerns, fmt.Sprintf("compliance check %s failed: %s", c.Name, c.Detail))
		}
	}

	vote := types.VoteApprove
	if !approved {
		vote = types.VoteReject
	}

	r.logger.Debug("risk evaluated",
		zap.String("request_id", req.ID),
		zap.Float64("aggregate_risk", breakdown.AggregateRisk),
		zap.Bool("compliant", compliant),
		zap.Bool("approved", approved))

	return types.SubagentOpinion{
		Evaluator:  EvaluatorRisk,
		Vote:       vote,
		Approved:   approved,
		Confidence: clamp01(1 - breakdown.AggregateRisk),
		Reasoning:  riskReasoning(breakdown, r.maxAggregateRisk),
		Concerns:   concerns,
		Risk:       &breakdown,
	}
}

// riskComponents is the shared component math. MetaCognition reuses it for
// its independent risk estimate.
func riskComponents(req types.AllocationRequest, fund types.FundState, view allocationView) types.RiskBreakdown {
	rp := fund.RiskParameters

	// Market: how close the fund's health factor sits to its allowed maximum.
	market := 0.5 // conservative midpoint when bounds are missing
	if rp.MaxHealthFactor > 0 {
		market = clamp01(1 - rp.HealthFactor/rp.MaxHealthFactor)
	}

	// Credit: proposal size relative to total AUM, scaled so a quarter of
	// AUM saturates the component.
	credit := 1.0
	if fund.TotalAum.IsPositive() {
		share, _ := view.requestAmount.Div(fund.TotalAum).Float64()
		credit = clamp01(share * 4)
	}

	// Liquidity: proposal size relative to available liquidity.
	liquidity := 1.0
	if fund.LiquidityAvailable.IsPositive() {
		share, _ := view.requestAmount.Div(fund.LiquidityAvailable).Float64()
		liquidity = clamp01(share)
	}

	// Operational: flat floor plus a penalty for sprawling proposals.
	operational := 0.1
	if len(req.Recommendation) > 3 {
		operational += 0.1
	}

	aggregate := marketRiskWeight*market +
		creditRiskWeight*credit +
		liquidityRiskWeight*liquidity +
		operationalRiskWeight*operational

	return types.RiskBreakdown{
		MarketRisk:      market,
		CreditRisk:      credit,
		LiquidityRisk:   liquidity,
		OperationalRisk: operational,
		AggregateRisk:   clamp01(aggregate),
	}
}

func (r *RiskEvaluator) complianceChecks(view allocationView, fund types.FundState) []types.ComplianceCheck {
	checks := make([]types.ComplianceCheck, 0, 3)

	// Concentration: no single post-allocation category above the limit.
	concentration := types.ComplianceCheck{Name: "concentration_limit", Passed: true}
	cats := sortedKeys(view.post)
	for _, cat := range cats {
		if cat == types.LiquidityReserveCategory {
			continue
		}
		if view.post[cat] > r.limits.ConcentrationLimit {
			concentration.Passed = false
			concentration.Detail = fmt.Sprintf("category %s would hold %.0f%% (limit %.0f%%)",
				cat, view.post[cat]*100, r.limits.ConcentrationLimit*100)
			break
		}
	}
	checks = append(checks, concentration)

	// Sector: high-impact categories combined must stay under the limit.
	sector := types.ComplianceCheck{Name: "sector_limit", Passed: true}
	var highImpactShare float64
	for cat, frac := range view.post {
		if categoryWeights[cat] >= highImpactWeight {
			highImpactShare += frac
		}
	}
	if highImpactShare > r.limits.SectorLimit {
		sector.Passed = false
		sector.Detail = fmt.Sprintf("high-impact sector would hold %.0f%% (limit %.0f%%)",
			highImpactShare*100, r.limits.SectorLimit*100)
	}
	checks = append(checks, sector)

	// Liquidity: the reserve must stay at or above the floor.
	reserve := types.ComplianceCheck{Name: "liquidity_requirement", Passed: true}
	if view.post[types.LiquidityReserveCategory] < r.limits.LiquidityFloor {
		reserve.Passed = false
		reserve.Detail = fmt.Sprintf("liquidity reserve would fall to %.0f%% (floor %.0f%%)",
			view.post[types.LiquidityReserveCategory]*100, r.limits.LiquidityFloor*100)
	}
	checks = append(checks, reserve)

	return checks
}

func riskReasoning(b types.RiskBreakdown, bound float64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Aggregate risk %.2f (bound %.2f): market %.2f, credit %.2f, liquidity %.2f, operational %.2f.",
		b.AggregateRisk, bound, b.MarketRisk, b.CreditRisk, b.LiquidityRisk, b.OperationalRisk)
	for _, c := range b.Compliance {
		if !c.Passed {
			fmt.Fprintf(&sb, " %s failed.", c.Name)
		}
	}
	return sb.String()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
