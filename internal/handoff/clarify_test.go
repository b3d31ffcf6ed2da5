package handoff

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fundadvisor/internal/types"
)

func clarification(aspect types.ClarificationAspect, question string) types.ClarificationRequestPayload {
	return types.ClarificationRequestPayload{
		Question:      question,
		AffectsAspect: aspect,
	}
}

func TestHandleClarificationRequest(t *testing.T) {
	profile := UserProfile{
		UserID:        "user-1",
		RiskTolerance: types.RiskModerate,
		Causes:        []string{"education", "healthcare"},
		Archetype:     "balanced_donor",
		Preferences:   []string{"prefers monthly disbursements over lump sums"},
	}

	t.Run("risk level answered from the profile", func(t *testing.T) {
		resp := HandleClarificationRequest(clarification(types.AspectRiskLevel, "What risk level should apply?"), profile)
		assert.Equal(t, "moderate", resp.Answer)
		assert.Equal(t, ConfidenceProfile, resp.Confidence)
		assert.Equal(t, SourceProfileInference, resp.Source)
	})

	t.Run("cause selection answered from the profile", func(t *testing.T) {
		resp := HandleClarificationRequest(clarification(types.AspectCauseSelection, "Which causes?"), profile)
		assert.Equal(t, "education, healthcare", resp.Answer)
		assert.Equal(t, SourceProfileInference, resp.Source)
	})

	t.Run("stored preference matched by question words", func(t *testing.T) {
		resp := HandleClarificationRequest(clarification(types.AspectTiming, "Should disbursements happen at once?"), profile)
		assert.Equal(t, "prefers monthly disbursements over lump sums", resp.Answer)
		assert.Equal(t, ConfidencePreference, resp.Confidence)
		assert.Equal(t, SourcePreferenceMatch, resp.Source)
	})

	t.Run("archetype default when profile and preferences miss", func(t *testing.T) {
		resp := HandleClarificationRequest(clarification(types.AspectAmount, "How much?"), profile)
		assert.Equal(t, "allocate the full confirmed deposit", resp.Answer)
		assert.Equal(t, ConfidenceArchetype, resp.Confidence)
		assert.Equal(t, SourceArchetypeDefault, resp.Source)
	})

	t.Run("suggested answer at low confidence", func(t *testing.T) {
		req := clarification(types.AspectOther, "Proceed?")
		req.SuggestedAnswer = "proceed as proposed"
		resp := HandleClarificationRequest(req, UserProfile{})
		assert.Equal(t, "proceed as proposed", resp.Answer)
		assert.Equal(t, ConfidenceSuggested, resp.Confidence)
		assert.Equal(t, SourceSuggestedAnswer, resp.Source)
	})

	t.Run("generic default last", func(t *testing.T) {
		resp := HandleClarificationRequest(clarification(types.AspectOther, "Proceed?"), UserProfile{})
		assert.Equal(t, ConfidenceGeneric, resp.Confidence)
		assert.Equal(t, SourceGenericDefault, resp.Source)
	})

	t.Run("deterministic for identical inputs", func(t *testing.T) {
		req := clarification(types.AspectTiming, "Should disbursements happen at once?")
		first := HandleClarificationRequest(req, profile)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, HandleClarificationRequest(req, profile))
		}
	})

	t.Run("short question words never match preferences", func(t *testing.T) {
		p := UserProfile{Preferences: []string{"use the abc fund"}}
		resp := HandleClarificationRequest(clarification(types.AspectOther, "abc now ok?"), p)
		assert.Equal(t, SourceGenericDefault, resp.Source)
	})
}

func TestNeedsUserEscalation(t *testing.T) {
	req := types.ClarificationRequestPayload{Question: "Which vault?", Required: true}

	assert.False(t, NeedsUserEscalation(req, 0, 2))
	assert.False(t, NeedsUserEscalation(req, 1, 2))
	assert.True(t, NeedsUserEscalation(req, 2, 2))
	assert.True(t, NeedsUserEscalation(req, 3, 2))

	optional := req
	optional.Required = false
	assert.False(t, NeedsUserEscalation(optional, 5, 2), "optional clarifications never escalate")
}
