package panel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundadvisor/internal/llm"
	"fundadvisor/internal/types"
)

func TestMetaCognitionEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("clean proposal is trusted", func(t *testing.T) {
		eval := NewMetaCognition(0.4, nil, nil)
		op := eval.Evaluate(ctx, testRequest(), testFund())

		require.NotNil(t, op.Meta)
		assert.True(t, op.Approved)
		assert.False(t, op.Meta.HumanOverrideRecommended)
		assert.Empty(t, op.Meta.UncertaintySources)
		// 0.5*fit(0.7) + 0.5*(1-risk(0.1325)), no penalties.
		assert.InDelta(t, 0.78375, op.Meta.OverallConfidence, 1e-9)
		assert.Equal(t, op.Meta.OverallConfidence, op.Confidence)
		// Fit step, risk step, final confidence step.
		assert.Len(t, op.Meta.ReasoningChain, 3)
	})

	t.Run("critique from the reasoning client joins the chain", func(t *testing.T) {
		mock := &llm.Mock{Default: "Check the reserve projection."}
		eval := NewMetaCognition(0.4, mock, nil)
		op := eval.Evaluate(ctx, testRequest(), testFund())

		require.NotNil(t, op.Meta)
		require.Len(t, op.Meta.ReasoningChain, 4)
		assert.Equal(t, "Check the reserve projection.", op.Meta.ReasoningChain[2].Conclusion)
		assert.Len(t, mock.Calls(), 1)
	})

	t.Run("reasoning failure is caution, never approval", func(t *testing.T) {
		mock := &llm.Mock{Err: errors.New("quota exceeded")}
		eval := NewMetaCognition(0.4, mock, nil)
		op := eval.Evaluate(ctx, testRequest(), testFund())

		require.NotNil(t, op.Meta)
		assert.Contains(t, op.Meta.UncertaintySources, "reasoning capability unavailable")
		// One uncertainty source costs one penalty, nothing more.
		assert.InDelta(t, 0.68375, op.Meta.OverallConfidence, 1e-9)
		assert.False(t, op.Meta.HumanOverrideRecommended)
	})

	t.Run("accumulated uncertainty forces a human override", func(t *testing.T) {
		eval := NewMetaCognition(0.4, nil, nil)
		req := testRequest()
		req.ConversationID = ""
		req.Amount = "300000000"
		req.Recommendation[0].Amount = "300000000"
		fund := testFund()
		fund.SnapshotAt = time.Now().Add(-2 * time.Hour)

		op := eval.Evaluate(ctx, req, fund)
		require.NotNil(t, op.Meta)
		// No conversation context, stale snapshot, risk above bound.
		assert.Len(t, op.Meta.UncertaintySources, 3)
		assert.True(t, op.Meta.HumanOverrideRecommended)
		assert.False(t, op.Approved)
		assert.Equal(t, types.VoteReject, op.Vote)
	})

	t.Run("low confidence alone forces an override", func(t *testing.T) {
		eval := NewMetaCognition(0.4, nil, nil)
		req := testRequest()
		req.Recommendation[0].Reasoning = "ok"
		req.Recommendation[0].CauseID = "poverty_relief"
		req.Amount = "300000000"
		req.Recommendation[0].Amount = "300000000"

		op := eval.Evaluate(ctx, req, testFund())
		require.NotNil(t, op.Meta)
		// fit 0.5, risk 0.52, one uncertainty source: 0.25 + 0.24 - 0.1.
		assert.InDelta(t, 0.39, op.Meta.OverallConfidence, 1e-9)
		assert.True(t, op.Meta.HumanOverrideRecommended)
	})

	t.Run("malformed request yields a rejecting opinion", func(t *testing.T) {
		eval := NewMetaCognition(0.4, nil, nil)
		req := testRequest()
		req.Amount = "-1.0"
		op := eval.Evaluate(ctx, req, testFund())
		assert.False(t, op.Approved)
		assert.Nil(t, op.Meta)
	})
}
