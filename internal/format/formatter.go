// Package format renders a ConsensusResult into its two views: a short
// plain-language explanation for the end user and a full record for
// operators. Both derive from the same result object so they cannot drift
// apart; the operator view must never reach the end-user channel.
package format

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"fundadvisor/internal/amount"
	"fundadvisor/internal/llm"
	"fundadvisor/internal/types"
)

// Formatter produces the two decision views.
type Formatter struct {
	reasoning llm.Client // optional, for friendlier user-facing phrasing
	decimals  int
	token     string
	logger    *zap.Logger
}

// New creates a Formatter. client may be nil; the deterministic phrasing is
// always available as the fallback.
func New(client llm.Client, tokenSymbol string, tokenDecimals int, logger *zap.Logger) *Formatter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Formatter{reasoning: client, decimals: tokenDecimals, token: tokenSymbol, logger: logger}
}

// FormatForUser renders the end-user view: plain language, no scores, no
// evaluator identities.
func (f *Formatter) FormatForUser(ctx context.Context, result *types.ConsensusResult, req types.AllocationRequest) string {
	base := f.userText(result, req)

	if f.reasoning == nil {
		return base
	}
	polished, err := f.reasoning.CompleteWithSystem(ctx,
		"Rephrase the following donation update in one or two warm, plain sentences. "+
			"Do not add numbers, scores, or internal details that are not already present.",
		base)
	if err != nil || strings.TrimSpace(polished) == "" {
		f.logger.Debug("user-view polish unavailable, using deterministic text", zap.Error(err))
		return base
	}
	if containsInternalDetail(polished) {
		// The polished text leaked something the user view must not carry.
		return base
	}
	return strings.TrimSpace(polished)
}

func (f *Formatter) userText(result *types.ConsensusResult, req types.AllocationRequest) string {
	human := f.humanAmount(req.Amount)
	causes := causeNames(req.Recommendation)

	switch result.Decision {
	case types.DecisionApproved:
		return fmt.Sprintf("Great news! Your donation of %s has been approved and will support %s.", human, causes)
	case types.DecisionModified:
		adjusted := human
		if len(result.FinalModifications) > 0 {
			adjusted = f.humanAmount(result.FinalModifications[len(result.FinalModifications)-1].ProposedAmount)
		}
		return fmt.Sprintf("Your donation has been approved with a small adjustment: %s will go to %s, keeping the fund's reserves healthy.", adjusted, causes)
	case types.DecisionRejected:
		return fmt.Sprintf("We couldn't approve this allocation of %s as proposed. Would you like to discuss alternative ways to support %s?", human, causes)
	default:
		return "Your allocation needs a closer look from our team. We'll follow up with you shortly."
	}
}

// OperatorView is the full operator-facing record.
type OperatorView struct {
	RequestID              string                 `json:"request_id"`
	Decision               types.Decision         `json:"decision"`
	Achieved               bool                   `json:"achieved"`
	Confidence             float64                `json:"confidence"`
	Summary                string                 `json:"summary"`
	Rounds                 []types.ConsensusRound `json:"rounds"`
	FinalModifications     []types.Modification   `json:"final_modifications,omitempty"`
	HumanReviewRecommended bool                   `json:"human_review_recommended"`
	AuditTrail             []string               `json:"audit_trail"`
	Allocations            []types.CauseAllocation `json:"allocations"`
}

// FormatForOperator renders the operator view from the same result object.
func (f *Formatter) FormatForOperator(result *types.ConsensusResult, req types.AllocationRequest) OperatorView {
	return OperatorView{
		RequestID:              result.RequestID,
		Decision:               result.Decision,
		Achieved:               result.Achieved,
		Confidence:             result.Confidence,
		Summary:                result.Summary,
		Rounds:                 result.Rounds,
		FinalModifications:     result.FinalModifications,
		HumanReviewRecommended: result.HumanReviewRecommended,
		AuditTrail:             result.AuditTrail,
		Allocations:            req.Recommendation,
	}
}

// RenderOperatorJSON is the operator view as indented JSON.
func (f *Formatter) RenderOperatorJSON(result *types.ConsensusResult, req types.AllocationRequest) (string, error) {
	view := f.FormatForOperator(result, req)
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render operator view: %w", err)
	}
	return string(data), nil
}

func (f *Formatter) humanAmount(smallestUnit string) string {
	human, err := amount.FormatAmount(smallestUnit, f.decimals)
	if err != nil {
		return smallestUnit + " (smallest units)"
	}
	return human + " " + f.token
}

func causeNames(lines []types.CauseAllocation) string {
	if len(lines) == 0 {
		return "your chosen causes"
	}
	names := make([]string, 0, len(lines))
	for _, l := range lines {
		name := l.CauseName
		if name == "" {
			name = l.CauseID
		}
		names = append(names, name)
	}
	switch len(names) {
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	default:
		return strings.Join(names[:len(names)-1], ", ") + ", and " + names[len(names)-1]
	}
}

// containsInternalDetail guards the user channel against leaked internals.
var internalMarkers = []string{"score", "evaluator", "risk_", "confidence", "aggregate", "hhi", "consensus"}

func containsInternalDetail(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range internalMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
