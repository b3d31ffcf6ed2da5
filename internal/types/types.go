// Package types provides shared type definitions used across fundadvisor packages.
// This package exists to break import cycles between consensus, panel, and handoff.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ALLOCATION REQUEST
// =============================================================================

// RequestStatus tracks an allocation request through its lifecycle.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusApproved   RequestStatus = "approved"
	StatusModified   RequestStatus = "modified"
	StatusRejected   RequestStatus = "rejected"
)

// CanTransition reports whether the status machine allows moving to next.
// Only pending -> processing -> {approved, modified, rejected} is legal.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusApproved || next == StatusModified || next == StatusRejected
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusModified, StatusRejected:
		return true
	}
	return false
}

// RiskTolerance is the donor's stated appetite for risk.
type RiskTolerance string

const (
	RiskConservative RiskTolerance = "conservative"
	RiskModerate     RiskTolerance = "moderate"
	RiskAggressive   RiskTolerance = "aggressive"
)

// UserPreferences captures what the donor told the chat front end.
type UserPreferences struct {
	Causes        []string      `json:"causes"`
	RiskTolerance RiskTolerance `json:"risk_tolerance"`
}

// CauseAllocation is one line of a proposed allocation.
type CauseAllocation struct {
	CauseID    string  `json:"cause_id"`
	CauseName  string  `json:"cause_name"`
	Amount     string  `json:"amount"` // smallest unit, integer string
	Percentage float64 `json:"percentage"`
	Reasoning  string  `json:"reasoning"`
}

// AllocationRequest is a proposal to route a confirmed deposit into one or
// more cause buckets, pending approval by the deciding role.
// Amount is immutable once created; modifications live in ConsensusResult.
type AllocationRequest struct {
	ID             string            `json:"id"`
	DepositID      string            `json:"deposit_id,omitempty"`
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Amount         string            `json:"amount"` // smallest unit, integer string
	Preferences    UserPreferences   `json:"user_preferences"`
	Recommendation []CauseAllocation `json:"recommendation"`
	TargetAddress  string            `json:"target_address"`
	Status         RequestStatus     `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
}

// AmountDecimal returns the request amount as a decimal in smallest units.
func (r AllocationRequest) AmountDecimal() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid request amount %q: %w", r.Amount, err)
	}
	return d, nil
}

// =============================================================================
// FUND STATE (read-only snapshot)
// =============================================================================

// RiskParameters are the fund's health-factor bounds.
type RiskParameters struct {
	HealthFactor    float64 `json:"health_factor"`
	MinHealthFactor float64 `json:"min_health_factor"`
	MaxHealthFactor float64 `json:"max_health_factor"`
}

// FundState is a read-only snapshot of the fund at the start of a consensus
// run. The decision subsystem never mutates it.
type FundState struct {
	TotalAum           decimal.Decimal    `json:"total_aum"`           // smallest unit
	CurrentAllocation  map[string]float64 `json:"current_allocation"`  // category -> fraction, sums ~1
	RiskParameters     RiskParameters     `json:"risk_parameters"`
	LiquidityAvailable decimal.Decimal    `json:"liquidity_available"` // smallest unit
	SnapshotAt         time.Time          `json:"snapshot_at,omitempty"`
}

// LiquidityReserveCategory is the allocation bucket treated as the fund's
// liquid reserve for concentration and reserve-band checks.
const LiquidityReserveCategory = "liquidity_reserve"

// =============================================================================
// SUBAGENT OPINIONS
// =============================================================================

// Vote is an evaluator's position on the proposal under review.
type Vote string

const (
	VoteApprove Vote = "approve"
	VoteModify  Vote = "modify"
	VoteReject  Vote = "reject"
)

// FitAssessment is the FinancialFit evaluator's detailed output.
type FitAssessment struct {
	FitScore              float64 `json:"fit_score"`
	DiversificationEffect float64 `json:"diversification_effect"`
	ExpectedReturnImpact  float64 `json:"expected_return_impact"`
	ConcentrationChange   float64 `json:"concentration_change"` // HHI post - pre; negative is better
}

// RiskBreakdown is the RiskAssessment evaluator's detailed output.
type RiskBreakdown struct {
	MarketRisk      float64           `json:"market_risk"`
	CreditRisk      float64           `json:"credit_risk"`
	LiquidityRisk   float64           `json:"liquidity_risk"`
	OperationalRisk float64           `json:"operational_risk"`
	AggregateRisk   float64           `json:"aggregate_risk"`
	Compliance      []ComplianceCheck `json:"compliance"`
}

// ComplianceCheck is one pass/fail rule applied by the risk evaluator.
type ComplianceCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Passed reports whether every compliance check succeeded.
func (rb RiskBreakdown) CompliancePassed() bool {
	for _, c := range rb.Compliance {
		if !c.Passed {
			return false
		}
	}
	return true
}

// ReasoningStep is one link in the meta-cognition reasoning chain.
type ReasoningStep struct {
	Step       int    `json:"step"`
	Premise    string `json:"premise"`
	Conclusion string `json:"conclusion"`
}

// MetaAssessment is the MetaCognition evaluator's detailed output.
type MetaAssessment struct {
	OverallConfidence        float64         `json:"overall_confidence"`
	UncertaintySources       []string        `json:"uncertainty_sources"`
	ReasoningChain           []ReasoningStep `json:"reasoning_chain"`
	HumanOverrideRecommended bool            `json:"human_override_recommended"`
}

// SubagentOpinion is one evaluator's verdict for one round. Exactly one of
// the detail fields is set, matching Evaluator.
type SubagentOpinion struct {
	Evaluator  string          `json:"evaluator"`
	Vote       Vote            `json:"vote"`
	Approved   bool            `json:"approved"`
	Confidence float64         `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
	Concerns   []string        `json:"concerns,omitempty"`
	Fit        *FitAssessment  `json:"fit,omitempty"`
	Risk       *RiskBreakdown  `json:"risk,omitempty"`
	Meta       *MetaAssessment `json:"meta,omitempty"`
}

// =============================================================================
// CONSENSUS
// =============================================================================

// Decision is the terminal outcome of a consensus run.
type Decision string

const (
	DecisionApproved  Decision = "approved"
	DecisionModified  Decision = "modified"
	DecisionRejected  Decision = "rejected"
	DecisionEscalated Decision = "escalated"
)

// RoundStatus classifies the outcome of a single negotiation round.
type RoundStatus string

const (
	RoundOngoing   RoundStatus = "ongoing"
	RoundConsensus RoundStatus = "consensus"
	RoundEscalate  RoundStatus = "escalate"
)

// ModificationType describes how an allocation line was changed.
type ModificationType string

const (
	ModificationAmountCap    ModificationType = "amount_cap"
	ModificationReallocation ModificationType = "reallocation"
)

// Modification is one proposed change to the requested allocation.
type Modification struct {
	CauseID          string           `json:"cause_id,omitempty"`
	ProposedAmount   string           `json:"proposed_amount"` // smallest unit, integer string
	ModificationType ModificationType `json:"modification_type"`
	Reasoning        string           `json:"reasoning"`
}

// ConsensusRound is one synchronized pass of evaluator opinions plus any
// proposed modification. Rounds are immutable once recorded.
type ConsensusRound struct {
	RoundNumber          int               `json:"round_number"`
	Opinions             []SubagentOpinion `json:"opinions"`
	ProposedModification *Modification     `json:"proposed_modification,omitempty"`
	Status               RoundStatus       `json:"status"`
	Summary              string            `json:"summary"`
}

// ConsensusResult is the full, auditable outcome of a consensus run.
type ConsensusResult struct {
	RequestID              string           `json:"request_id"`
	Decision               Decision         `json:"decision"`
	Achieved               bool             `json:"achieved"`
	Confidence             float64          `json:"confidence"`
	Rounds                 []ConsensusRound `json:"rounds"`
	FinalModifications     []Modification   `json:"final_modifications,omitempty"`
	HumanReviewRecommended bool             `json:"human_review_recommended"`
	AuditTrail             []string         `json:"audit_trail"`
	Summary                string           `json:"summary"`
}
