package advisor

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundadvisor/internal/config"
	"fundadvisor/internal/consensus"
	"fundadvisor/internal/format"
	"fundadvisor/internal/handoff"
	"fundadvisor/internal/intake"
	"fundadvisor/internal/store"
	"fundadvisor/internal/types"
)

const vault = "0xVault"

// fixedCollector returns the same opinion set every round.
type fixedCollector struct {
	opinions []types.SubagentOpinion
}

func (f *fixedCollector) Collect(context.Context, types.AllocationRequest, types.FundState) ([]types.SubagentOpinion, error) {
	return f.opinions, nil
}

func approvingOpinions() []types.SubagentOpinion {
	return []types.SubagentOpinion{
		{Evaluator: "financial_fit", Vote: types.VoteApprove, Approved: true, Confidence: 0.75,
			Fit: &types.FitAssessment{FitScore: 0.75}},
		{Evaluator: "risk_assessment", Vote: types.VoteApprove, Approved: true, Confidence: 0.8,
			Risk: &types.RiskBreakdown{AggregateRisk: 0.2, Compliance: []types.ComplianceCheck{{Name: "concentration_limit", Passed: true}}}},
		{Evaluator: "meta_cognition", Vote: types.VoteApprove, Approved: true, Confidence: 0.8,
			Meta: &types.MetaAssessment{OverallConfidence: 0.8}},
	}
}

func escalatingOpinions() []types.SubagentOpinion {
	ops := approvingOpinions()
	ops[2].Approved = false
	ops[2].Vote = types.VoteReject
	ops[2].Meta = &types.MetaAssessment{OverallConfidence: 0.3, HumanOverrideRecommended: true}
	ops[2].Confidence = 0.3
	return ops
}

func newTestService(collector consensus.Collector) (*Service, *store.MemStore) {
	cfg := config.DefaultConfig()
	cfg.Fund.VaultAddress = vault

	mem := store.NewMemStore()
	var engine *consensus.Engine
	if collector != nil {
		engine = consensus.New(collector, consensus.Policy{
			MaxRounds:            cfg.Consensus.MaxRounds,
			MinFitScore:          cfg.Consensus.MinFitScore,
			MaxAggregateRisk:     cfg.Consensus.MaxAggregateRisk,
			MinConfidence:        cfg.Consensus.MinConfidence,
			LiquidityCapFraction: cfg.Consensus.LiquidityCapFraction,
		}, nil)
	}

	fund := types.FundState{
		TotalAum:           decimal.NewFromInt(1_000_000_000),
		LiquidityAvailable: decimal.NewFromInt(400_000_000),
		CurrentAllocation:  map[string]float64{"education": 0.6, types.LiquidityReserveCategory: 0.4},
	}

	svc := NewService(Options{
		Intake:    intake.New(mem, vault, nil),
		Channel:   handoff.NewChannel(mem, mem, nil),
		Engine:    engine,
		Formatter: format.New(nil, cfg.Fund.TokenSymbol, cfg.Fund.TokenDecimals, nil),
		Fund:      &StaticFundProvider{State: fund},
		Config:    cfg,
	})
	return svc, mem
}

func serviceRequest() types.AllocationRequest {
	return types.AllocationRequest{
		UserID:        "user-1",
		Amount:        "50000000",
		TargetAddress: vault,
		Recommendation: []types.CauseAllocation{
			{CauseID: "healthcare", CauseName: "Healthcare", Amount: "50000000", Reasoning: "donor priority"},
		},
	}
}

func TestSubmitAllocationRequest(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestService(&fixedCollector{opinions: approvingOpinions()})

	recorded, err := svc.SubmitAllocationRequest(ctx, serviceRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, recorded.ID)
	assert.Equal(t, types.StatusPending, recorded.Status)

	msgs, err := mem.Messages(ctx, recorded.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.MsgAllocationRequest, msgs[0].Type)
	assert.Equal(t, types.RoleAdvisor, msgs[0].FromAgent)
}

func TestProcessAllocationRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("approved end to end", func(t *testing.T) {
		svc, mem := newTestService(&fixedCollector{opinions: approvingOpinions()})
		recorded, err := svc.SubmitAllocationRequest(ctx, serviceRequest())
		require.NoError(t, err)

		result, err := svc.ProcessAllocationRequest(ctx, recorded.ID)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, types.DecisionApproved, result.Decision)

		stored, err := mem.GetRequest(ctx, recorded.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusApproved, stored.Status)

		msgs, err := mem.Messages(ctx, recorded.ID)
		require.NoError(t, err)
		kinds := make([]types.MessageType, 0, len(msgs))
		for _, m := range msgs {
			kinds = append(kinds, m.Type)
		}
		assert.Equal(t, []types.MessageType{
			types.MsgAllocationRequest,
			types.MsgAllocationResponse,
			types.MsgContextUpdate,
		}, kinds)
	})

	t.Run("escalation emits an urgent human-review request", func(t *testing.T) {
		svc, mem := newTestService(&fixedCollector{opinions: escalatingOpinions()})
		recorded, err := svc.SubmitAllocationRequest(ctx, serviceRequest())
		require.NoError(t, err)

		result, err := svc.ProcessAllocationRequest(ctx, recorded.ID)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, types.DecisionEscalated, result.Decision)
		assert.True(t, result.HumanReviewRecommended)

		// Escalated runs reach no terminal request status.
		stored, err := mem.GetRequest(ctx, recorded.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusProcessing, stored.Status)

		msgs, err := mem.Messages(ctx, recorded.ID)
		require.NoError(t, err)
		var escalation *types.HandoffMessage
		for i := range msgs {
			if msgs[i].Type == types.MsgEscalationRequest {
				escalation = &msgs[i]
			}
		}
		require.NotNil(t, escalation)
		assert.Equal(t, types.PriorityUrgent, escalation.Priority)
	})

	t.Run("deciding capability unavailable yields no decision", func(t *testing.T) {
		svc, mem := newTestService(nil)
		recorded, err := svc.SubmitAllocationRequest(ctx, serviceRequest())
		require.NoError(t, err)

		result, err := svc.ProcessAllocationRequest(ctx, recorded.ID)
		assert.ErrorIs(t, err, types.ErrConfigurationUnavailable)
		assert.Nil(t, result, "no capability means no decision, not a rejection")

		stored, err := mem.GetRequest(ctx, recorded.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, stored.Status, "request stays untouched")
	})

	t.Run("unknown request id", func(t *testing.T) {
		svc, _ := newTestService(&fixedCollector{opinions: approvingOpinions()})
		_, err := svc.ProcessAllocationRequest(ctx, "ghost")
		assert.Error(t, err)
	})
}

func TestApplyConfigSwapsThePolicySnapshot(t *testing.T) {
	ctx := context.Background()

	// Start without a deciding capability, then swap one in the way a
	// config reload does. New runs see the swapped snapshot.
	svc, _ := newTestService(nil)
	recorded, err := svc.SubmitAllocationRequest(ctx, serviceRequest())
	require.NoError(t, err)

	_, err = svc.ProcessAllocationRequest(ctx, recorded.ID)
	require.ErrorIs(t, err, types.ErrConfigurationUnavailable)

	cfg := config.DefaultConfig()
	cfg.Fund.VaultAddress = vault
	cfg.Clarification.EscalationThreshold = 5
	engine := consensus.New(&fixedCollector{opinions: approvingOpinions()}, consensus.Policy{
		MaxRounds:            cfg.Consensus.MaxRounds,
		MinFitScore:          cfg.Consensus.MinFitScore,
		MaxAggregateRisk:     cfg.Consensus.MaxAggregateRisk,
		MinConfidence:        cfg.Consensus.MinConfidence,
		LiquidityCapFraction: cfg.Consensus.LiquidityCapFraction,
	}, nil)
	svc.ApplyConfig(cfg, engine)

	result, err := svc.ProcessAllocationRequest(ctx, recorded.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, types.DecisionApproved, result.Decision)

	// The clarification threshold follows the swapped config too.
	req := types.ClarificationRequestPayload{Question: "Which vault?", Required: true}
	assert.False(t, svc.NeedsUserEscalation(req, 4))
	assert.True(t, svc.NeedsUserEscalation(req, 5))
}

func TestNeedsUserEscalationUsesConfiguredThreshold(t *testing.T) {
	svc, _ := newTestService(nil)
	req := types.ClarificationRequestPayload{Question: "Which vault?", Required: true}

	assert.False(t, svc.NeedsUserEscalation(req, 1))
	assert.True(t, svc.NeedsUserEscalation(req, 2))
}
