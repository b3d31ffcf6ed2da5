// Package consensus reconciles the evaluator panel's opinions into one
// auditable decision through bounded negotiation rounds.
//
// The engine is an explicit state machine: it starts negotiating and ends in
// exactly one of consensus_approved, consensus_modified, consensus_rejected,
// or escalated. Decision ambiguity never raises an error; it resolves to a
// terminal state that is itself the signal.
package consensus

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fundadvisor/internal/types"
)

// State is the engine's negotiation state. All states except StateNegotiating
// are terminal.
type State string

const (
	StateNegotiating       State = "negotiating"
	StateConsensusApproved State = "consensus_approved"
	StateConsensusModified State = "consensus_modified"
	StateConsensusRejected State = "consensus_rejected"
	StateEscalated         State = "escalated"
)

// Decision maps a terminal state to the outward decision.
func (s State) Decision() types.Decision {
	switch s {
	case StateConsensusApproved:
		return types.DecisionApproved
	case StateConsensusModified:
		return types.DecisionModified
	case StateConsensusRejected:
		return types.DecisionRejected
	default:
		return types.DecisionEscalated
	}
}

// Collector gathers one round of evaluator opinions. The production
// implementation is panel.Panel.
type Collector interface {
	Collect(ctx context.Context, req types.AllocationRequest, fund types.FundState) ([]types.SubagentOpinion, error)
}

// Policy holds the thresholds one consensus run is pinned to. A run never
// sees config changes made while it is in flight.
type Policy struct {
	MaxRounds            int
	MinFitScore          float64
	MaxAggregateRisk     float64
	MinConfidence        float64
	LiquidityCapFraction float64
}

// riskEpsilon absorbs float64 noise when aggregate risk sits exactly on a
// multiple of the configured bound (0.6 vs 0.4*1.5 differ in the last ulp).
const riskEpsilon = 1e-9

// hardRejectRiskFactor: aggregate risk at or beyond this multiple of the
// bound is a rejection no modification can cure.
const hardRejectRiskFactor = 1.5

// hardRejectFitScore: fit below this is a hard rejection.
const hardRejectFitScore = 0.3

// Engine drives the negotiation loop for one allocation request at a time.
// Engines are stateless between runs; one Engine may serve concurrent runs
// for independent requests.
type Engine struct {
	collector Collector
	policy    Policy
	logger    *zap.Logger
}

// New creates an Engine.
func New(collector Collector, policy Policy, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxRounds < 1 {
		policy.MaxRounds = 3
	}
	return &Engine{collector: collector, policy: policy, logger: logger}
}

// Run executes bounded negotiation rounds and always returns a terminal
// result. If ctx is canceled mid-run (the owning request was invalidated),
// no further rounds are scheduled, the result is marked not achieved, and
// already-completed rounds remain in the audit trail.
func (e *Engine) Run(ctx context.Context, req types.AllocationRequest, fund types.FundState) *types.ConsensusResult {
	result := &types.ConsensusResult{
		RequestID: req.ID,
		Decision:  types.DecisionEscalated,
	}

	capAmt := liquidityCap(fund.LiquidityAvailable, e.policy.LiquidityCapFraction)
	result.AuditTrail = append(result.AuditTrail,
		fmt.Sprintf("liquidity cap: %s (%.0f%% of available liquidity)", capAmt.String(), e.policy.LiquidityCapFraction*100))

	state := StateNegotiating
	effective := req
	var mods []types.Modification

	for round := 1; round <= e.policy.MaxRounds && state == StateNegotiating; round++ {
		if err := ctx.Err(); err != nil {
			return e.invalidated(result, err)
		}

		opinions, err := e.collector.Collect(ctx, effective, fund)
		if len(opinions) > 0 {
			// Whatever was gathered belongs to the audit trail even when
			// the run was invalidated mid-round.
			rec := roundRecord(round, opinions, nil)
			result.Rounds = append(result.Rounds, rec)
			result.AuditTrail = append(result.AuditTrail, rec.Summary)
		}
		if err != nil {
			return e.invalidated(result, err)
		}

		verdict := e.judge(opinions, effective, capAmt)
		result.Confidence = verdict.aggregateConfidence

		last := &result.Rounds[len(result.Rounds)-1]
		switch {
		case verdict.hardReject:
			// A hard rejection dominates; it also wins when a liquidity-cap
			// breach co-occurs, since capping the amount cannot cure risk.
			state = StateConsensusRejected
			last.Status = types.RoundConsensus
			result.AuditTrail = append(result.AuditTrail,
				fmt.Sprintf("round %d: hard rejection: %s", round, verdict.reason))

		case verdict.approve:
			if len(mods) > 0 {
				state = StateConsensusModified
				result.FinalModifications = mods
			} else {
				state = StateConsensusApproved
			}
			last.Status = types.RoundConsensus
			result.AuditTrail = append(result.AuditTrail,
				fmt.Sprintf("round %d: all evaluators approve within thresholds", round))

		case verdict.proposeCap:
			// The liquidity cap is the only blocking issue: cap the amount
			// and run one more round incorporating the modification.
			mod := types.Modification{
				ProposedAmount:   capAmt.String(),
				ModificationType: types.ModificationAmountCap,
				Reasoning: fmt.Sprintf("requested %s exceeds the liquidity cap %s; capping at the limit",
					effective.Amount, capAmt.String()),
			}
			last.ProposedModification = &mod
			last.Status = types.RoundOngoing
			mods = append(mods, mod)
			effective = applyAmountCap(effective, capAmt)
			result.AuditTrail = append(result.AuditTrail,
				fmt.Sprintf("round %d: proposing amount cap %s", round, mod.ProposedAmount))

		case verdict.escalate:
			// The confidence gate applies after vote aggregation: a
			// low-confidence escalation dominates a nominal approval.
			state = StateEscalated
			last.Status = types.RoundEscalate
			result.AuditTrail = append(result.AuditTrail,
				fmt.Sprintf("round %d: escalation: %s", round, verdict.reason))

		default:
			last.Status = types.RoundOngoing
			result.AuditTrail = append(result.AuditTrail,
				fmt.Sprintf("round %d: no resolution: %s", round, verdict.reason))
		}
	}

	if state == StateNegotiating {
		// Rounds exhausted without resolution. Terminal for automation, not
		// an exception.
		state = StateEscalated
		result.AuditTrail = append(result.AuditTrail,
			fmt.Sprintf("rounds exhausted after %d without resolution", e.policy.MaxRounds))
	}

	result.Decision = state.Decision()
	result.Achieved = state == StateConsensusApproved || state == StateConsensusModified || state == StateConsensusRejected

	if state == StateConsensusApproved || state == StateConsensusModified {
		e.validateDecision(result, effective, fund, capAmt)
	}

	result.HumanReviewRecommended = result.Decision == types.DecisionEscalated || humanOverrideRaised(result.Rounds)
	result.Summary = e.summarize(result, req)

	e.logger.Info("consensus run finished",
		zap.String("request_id", req.ID),
		zap.String("decision", string(result.Decision)),
		zap.Int("rounds", len(result.Rounds)),
		zap.Float64("confidence", result.Confidence))

	return result
}

// verdict is one round's aggregation of the three opinions.
type verdict struct {
	hardReject          bool
	approve             bool
	proposeCap          bool
	escalate            bool
	reason              string
	aggregateConfidence float64
}

func (e *Engine) judge(opinions []types.SubagentOpinion, req types.AllocationRequest, limit decimal.Decimal) verdict {
	var v verdict

	var total float64
	for _, op := range opinions {
		total += op.Confidence
	}
	if len(opinions) > 0 {
		v.aggregateConfidence = total / float64(len(opinions))
	}

	fit := findOpinion(opinions, func(o types.SubagentOpinion) bool { return o.Fit != nil })
	risk := findOpinion(opinions, func(o types.SubagentOpinion) bool { return o.Risk != nil })
	meta := findOpinion(opinions, func(o types.SubagentOpinion) bool { return o.Meta != nil })

	// Hard rejections first: risk far above bound, compliance failure with
	// no viable modification, or very poor fit.
	if risk != nil && risk.Risk != nil {
		if risk.Risk.AggregateRisk >= e.policy.MaxAggregateRisk*hardRejectRiskFactor-riskEpsilon {
			v.hardReject = true
			v.reason = fmt.Sprintf("aggregate risk %.2f far exceeds bound %.2f",
				risk.Risk.AggregateRisk, e.policy.MaxAggregateRisk)
			return v
		}
		if !risk.Risk.CompliancePassed() {
			v.hardReject = true
			v.reason = "compliance checks failed with no viable modification"
			return v
		}
	}
	if fit != nil && fit.Fit != nil && fit.Fit.FitScore < hardRejectFitScore {
		v.hardReject = true
		v.reason = fmt.Sprintf("fit score %.2f is far below viability", fit.Fit.FitScore)
		return v
	}

	allApprove := len(opinions) > 0
	for _, op := range opinions {
		if !op.Approved {
			allApprove = false
		}
	}

	thresholdsHold := fit != nil && fit.Fit != nil && fit.Fit.FitScore >= e.policy.MinFitScore &&
		risk != nil && risk.Risk != nil && risk.Risk.AggregateRisk <= e.policy.MaxAggregateRisk &&
		meta != nil && meta.Meta != nil && meta.Meta.OverallConfidence >= e.policy.MinConfidence

	withinCap := false
	if amt, err := req.AmountDecimal(); err == nil {
		withinCap = amt.LessThanOrEqual(limit)
	}

	// Liquidity cap as the only blocking issue: evaluators otherwise
	// approve, so propose a capped amount. The risk evaluator's approval is
	// judged here without its liquidity pressure, which the cap resolves.
	otherwiseApprove := allApprove && thresholdsHold
	if !withinCap && riskApproveIgnoringLiquidity(opinions, e.policy) && fitAndMetaApprove(fit, meta, e.policy) {
		v.proposeCap = true
		return v
	}

	if otherwiseApprove && withinCap {
		v.approve = true
		return v
	}

	if meta != nil && meta.Meta != nil && meta.Meta.HumanOverrideRecommended {
		v.escalate = true
		v.reason = "meta-cognition recommends human override"
		return v
	}
	if v.aggregateConfidence < e.policy.MinConfidence {
		v.escalate = true
		v.reason = fmt.Sprintf("aggregate confidence %.2f below minimum %.2f",
			v.aggregateConfidence, e.policy.MinConfidence)
		return v
	}

	v.reason = "evaluators disagree"
	return v
}

// riskApproveIgnoringLiquidity reports whether the risk evaluator would
// approve if the liquidity pressure the cap resolves were taken out of its
// aggregate.
func riskApproveIgnoringLiquidity(opinions []types.SubagentOpinion, p Policy) bool {
	risk := findOpinion(opinions, func(o types.SubagentOpinion) bool { return o.Risk != nil })
	if risk == nil || risk.Risk == nil {
		return false
	}
	if !risk.Risk.CompliancePassed() {
		return false
	}
	residual := risk.Risk.AggregateRisk - liquidityRiskWeight*risk.Risk.LiquidityRisk
	return residual <= p.MaxAggregateRisk
}

// liquidityRiskWeight mirrors the risk evaluator's blend weight for the
// liquidity component.
const liquidityRiskWeight = 0.30

func fitAndMetaApprove(fit, meta *types.SubagentOpinion, p Policy) bool {
	return fit != nil && fit.Fit != nil && fit.Fit.FitScore >= p.MinFitScore &&
		meta != nil && meta.Meta != nil &&
		!meta.Meta.HumanOverrideRecommended && meta.Meta.OverallConfidence >= p.MinConfidence
}

// validateDecision is the post-hoc check of an approved or modified result
// against FundState bounds. Failures force a rejection and are appended to
// the audit trail, never thrown.
func (e *Engine) validateDecision(result *types.ConsensusResult, req types.AllocationRequest, fund types.FundState, limit decimal.Decimal) {
	var failures []types.ValidationError

	amt, err := req.AmountDecimal()
	switch {
	case err != nil:
		failures = append(failures, types.ValidationError{Check: "amount", Detail: err.Error()})
	case amt.IsNegative() || amt.IsZero():
		failures = append(failures, types.ValidationError{Check: "amount", Detail: "final amount must be positive"})
	case amt.GreaterThan(limit):
		failures = append(failures, types.ValidationError{
			Check:  "liquidity_cap",
			Detail: fmt.Sprintf("final amount %s exceeds cap %s", amt.String(), limit.String()),
		})
	}

	lineTotal := decimal.Zero
	for _, line := range req.Recommendation {
		lineAmt, err := decimal.NewFromString(line.Amount)
		if err != nil || lineAmt.IsNegative() {
			failures = append(failures, types.ValidationError{
				Check:  "recommendation",
				Detail: fmt.Sprintf("cause %s has invalid amount %q", line.CauseID, line.Amount),
			})
			continue
		}
		lineTotal = lineTotal.Add(lineAmt)
	}
	if err == nil && lineTotal.GreaterThan(amt) {
		failures = append(failures, types.ValidationError{
			Check:  "recommendation",
			Detail: fmt.Sprintf("cause amounts total %s exceed final amount %s", lineTotal.String(), amt.String()),
		})
	}

	if len(failures) == 0 {
		return
	}
	for _, f := range failures {
		result.AuditTrail = append(result.AuditTrail, f.Error())
	}
	result.Decision = types.DecisionRejected
	result.FinalModifications = nil
	result.AuditTrail = append(result.AuditTrail, "decision forced to rejected by post-hoc validation")
}

func (e *Engine) invalidated(result *types.ConsensusResult, cause error) *types.ConsensusResult {
	err := fmt.Errorf("%w: %v", types.ErrRequestInvalidated, cause)
	result.Achieved = false
	result.Decision = types.DecisionEscalated
	result.HumanReviewRecommended = true
	result.AuditTrail = append(result.AuditTrail, err.Error())
	result.Summary = "The allocation run was interrupted before a decision; a human should review it."
	e.logger.Warn("consensus run invalidated",
		zap.String("request_id", result.RequestID), zap.Error(err))
	return result
}

func (e *Engine) summarize(result *types.ConsensusResult, req types.AllocationRequest) string {
	var b strings.Builder
	switch result.Decision {
	case types.DecisionApproved:
		fmt.Fprintf(&b, "Allocation of %s approved after %d round(s) with confidence %.2f.",
			req.Amount, len(result.Rounds), result.Confidence)
	case types.DecisionModified:
		fmt.Fprintf(&b, "Allocation approved with modifications after %d round(s) with confidence %.2f.",
			len(result.Rounds), result.Confidence)
		for _, m := range result.FinalModifications {
			fmt.Fprintf(&b, " %s -> %s.", m.ModificationType, m.ProposedAmount)
		}
	case types.DecisionRejected:
		fmt.Fprintf(&b, "Allocation of %s rejected after %d round(s).", req.Amount, len(result.Rounds))
	default:
		fmt.Fprintf(&b, "Allocation of %s escalated to human review after %d round(s).", req.Amount, len(result.Rounds))
	}
	return b.String()
}

// liquidityCap returns the maximum committable amount in smallest units.
func liquidityCap(liquidityAvailable decimal.Decimal, fraction float64) decimal.Decimal {
	return liquidityAvailable.Mul(decimal.NewFromFloat(fraction)).Floor()
}

// applyAmountCap produces the next round's effective request: the capped
// amount with recommendation lines scaled proportionally. The original
// request is never mutated; its amount is immutable by contract.
func applyAmountCap(req types.AllocationRequest, limit decimal.Decimal) types.AllocationRequest {
	out := req
	orig, err := req.AmountDecimal()
	if err != nil || !orig.IsPositive() {
		out.Amount = limit.String()
		return out
	}

	ratio := limit.Div(orig)
	out.Amount = limit.String()
	out.Recommendation = make([]types.CauseAllocation, len(req.Recommendation))
	for i, line := range req.Recommendation {
		scaled := line
		if amt, err := decimal.NewFromString(line.Amount); err == nil {
			scaled.Amount = amt.Mul(ratio).Floor().String()
		}
		out.Recommendation[i] = scaled
	}
	return out
}

func roundRecord(round int, opinions []types.SubagentOpinion, mod *types.Modification) types.ConsensusRound {
	votes := make([]string, 0, len(opinions))
	for _, op := range opinions {
		votes = append(votes, fmt.Sprintf("%s=%s(%.2f)", op.Evaluator, op.Vote, op.Confidence))
	}
	return types.ConsensusRound{
		RoundNumber:          round,
		Opinions:             opinions,
		ProposedModification: mod,
		Status:               types.RoundOngoing,
		Summary:              fmt.Sprintf("round %d: %s", round, strings.Join(votes, ", ")),
	}
}

func humanOverrideRaised(rounds []types.ConsensusRound) bool {
	for _, r := range rounds {
		for _, op := range r.Opinions {
			if op.Meta != nil && op.Meta.HumanOverrideRecommended {
				return true
			}
		}
	}
	return false
}

func findOpinion(opinions []types.SubagentOpinion, match func(types.SubagentOpinion) bool) *types.SubagentOpinion {
	for i := range opinions {
		if match(opinions[i]) {
			return &opinions[i]
		}
	}
	return nil
}
