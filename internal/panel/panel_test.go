package panel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundadvisor/internal/types"
)

// blockingClient never answers until release is closed. It ignores ctx on
// purpose, modeling an evaluator that hangs rather than one that errors.
type blockingClient struct {
	release chan struct{}
}

func (b *blockingClient) Complete(context.Context, string) (string, error) {
	<-b.release
	return "", context.Canceled
}

func (b *blockingClient) CompleteWithSystem(context.Context, string, string) (string, error) {
	<-b.release
	return "", context.Canceled
}

func TestPanelCollect(t *testing.T) {
	t.Run("returns all three opinions in fixed order", func(t *testing.T) {
		p := New(Options{MinFitScore: 0.6, MaxAggregateRisk: 0.4, RiskLimits: testRiskLimits(), RoundTimeout: 5 * time.Second})

		opinions, err := p.Collect(context.Background(), testRequest(), testFund())
		require.NoError(t, err)
		require.Len(t, opinions, 3)
		assert.Equal(t, EvaluatorFinancialFit, opinions[0].Evaluator)
		assert.Equal(t, EvaluatorRisk, opinions[1].Evaluator)
		assert.Equal(t, EvaluatorMetaCognition, opinions[2].Evaluator)
		require.NotNil(t, opinions[0].Fit)
		require.NotNil(t, opinions[1].Risk)
		require.NotNil(t, opinions[2].Meta)
	})

	t.Run("hung evaluator is replaced by a conservative opinion", func(t *testing.T) {
		hang := &blockingClient{release: make(chan struct{})}
		t.Cleanup(func() { close(hang.release) })

		p := New(Options{
			MinFitScore:      0.6,
			MaxAggregateRisk: 0.4,
			RiskLimits:       testRiskLimits(),
			RoundTimeout:     50 * time.Millisecond,
			Reasoning:        hang,
		})

		opinions, err := p.Collect(context.Background(), testRequest(), testFund())
		require.NoError(t, err)
		require.Len(t, opinions, 3)

		meta := opinions[2]
		assert.Equal(t, types.VoteReject, meta.Vote)
		assert.False(t, meta.Approved)
		assert.Zero(t, meta.Confidence)
		require.NotNil(t, meta.Meta)
		assert.True(t, meta.Meta.HumanOverrideRecommended)
	})

	t.Run("canceled parent reports the cancellation", func(t *testing.T) {
		p := New(Options{MinFitScore: 0.6, MaxAggregateRisk: 0.4, RiskLimits: testRiskLimits(), RoundTimeout: time.Second})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		opinions, err := p.Collect(ctx, testRequest(), testFund())
		assert.ErrorIs(t, err, context.Canceled)
		// Whatever was gathered still belongs to the audit trail.
		assert.Len(t, opinions, 3)
	})
}

func TestConservativeOpinion(t *testing.T) {
	t.Run("plain evaluator", func(t *testing.T) {
		op := ConservativeOpinion(EvaluatorRisk, "timed out")
		assert.Equal(t, types.VoteReject, op.Vote)
		assert.Zero(t, op.Confidence)
		assert.Nil(t, op.Meta)
	})
	t.Run("meta evaluator recommends human review", func(t *testing.T) {
		op := ConservativeOpinion(EvaluatorMetaCognition, "timed out")
		require.NotNil(t, op.Meta)
		assert.True(t, op.Meta.HumanOverrideRecommended)
	})
}
