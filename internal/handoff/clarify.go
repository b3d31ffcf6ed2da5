package handoff

import (
	"strings"

	"fundadvisor/internal/types"
)

// Clarification inference confidences, highest source first. The ladder is
// deterministic: identical (request, profile) pairs always produce the
// identical answer, confidence, and source.
const (
	ConfidenceProfile    = 0.85
	ConfidencePreference = 0.70
	ConfidenceArchetype  = 0.65
	ConfidenceSuggested  = 0.40
	ConfidenceGeneric    = 0.30
)

// Clarification answer sources.
const (
	SourceProfileInference = "profile_inference"
	SourcePreferenceMatch  = "preference_match"
	SourceArchetypeDefault = "archetype_default"
	SourceSuggestedAnswer  = "suggested_answer"
	SourceGenericDefault   = "generic_default"
)

// UserProfile is what the requesting role knows about the donor, used to
// answer clarifications without interrupting them.
type UserProfile struct {
	UserID        string              `json:"user_id"`
	RiskTolerance types.RiskTolerance `json:"risk_tolerance,omitempty"`
	Causes        []string            `json:"causes,omitempty"`
	Archetype     string              `json:"archetype,omitempty"`
	// Preferences holds free-form stored statements, e.g.
	// "prefers monthly disbursements over lump sums".
	Preferences []string `json:"preferences,omitempty"`
}

// archetypeHints are canned answers per donor archetype and aspect.
var archetypeHints = map[string]map[types.ClarificationAspect]string{
	"conservative_giver": {
		types.AspectAmount:         "keep the allocation small relative to the deposit",
		types.AspectCauseSelection: "stay with established, proven causes",
		types.AspectRiskLevel:      "conservative",
		types.AspectTiming:         "spread the allocation over time",
	},
	"balanced_donor": {
		types.AspectAmount:         "allocate the full confirmed deposit",
		types.AspectCauseSelection: "balance across the stated causes",
		types.AspectRiskLevel:      "moderate",
		types.AspectTiming:         "allocate now",
	},
	"impact_maximizer": {
		types.AspectAmount:         "allocate the full confirmed deposit",
		types.AspectCauseSelection: "favor the highest-impact causes",
		types.AspectRiskLevel:      "aggressive",
		types.AspectTiming:         "allocate now",
	},
}

// HandleClarificationRequest answers a clarification on the donor's behalf.
// It tries, in order: a direct profile lookup keyed by the affected aspect,
// a substring match against stored preferences, an archetype-indexed canned
// hint, the decider's suggested answer, and finally a generic default.
func HandleClarificationRequest(req types.ClarificationRequestPayload, profile UserProfile) types.ClarificationResponsePayload {
	// (a) Direct profile lookup by aspect.
	if answer, ok := profileAnswer(req.AffectsAspect, profile); ok {
		return types.ClarificationResponsePayload{
			Answer:     answer,
			Confidence: ConfidenceProfile,
			Source:     SourceProfileInference,
		}
	}

	// (b) Substring match of the question against stored preferences.
	if answer, ok := preferenceAnswer(req.Question, profile.Preferences); ok {
		return types.ClarificationResponsePayload{
			Answer:     answer,
			Confidence: ConfidencePreference,
			Source:     SourcePreferenceMatch,
		}
	}

	// (c) Archetype-indexed canned hint.
	if hints, ok := archetypeHints[profile.Archetype]; ok {
		if answer, ok := hints[req.AffectsAspect]; ok {
			return types.ClarificationResponsePayload{
				Answer:     answer,
				Confidence: ConfidenceArchetype,
				Source:     SourceArchetypeDefault,
			}
		}
	}

	// (d) The decider's own suggestion, at low confidence.
	if req.SuggestedAnswer != "" {
		return types.ClarificationResponsePayload{
			Answer:     req.SuggestedAnswer,
			Confidence: ConfidenceSuggested,
			Source:     SourceSuggestedAnswer,
		}
	}

	return types.ClarificationResponsePayload{
		Answer:     "proceed with the stated preferences",
		Confidence: ConfidenceGeneric,
		Source:     SourceGenericDefault,
	}
}

func profileAnswer(aspect types.ClarificationAspect, profile UserProfile) (string, bool) {
	switch aspect {
	case types.AspectRiskLevel:
		if profile.RiskTolerance != "" {
			return string(profile.RiskTolerance), true
		}
	case types.AspectCauseSelection:
		if len(profile.Causes) > 0 {
			return strings.Join(profile.Causes, ", "), true
		}
	}
	return "", false
}

// preferenceAnswer matches question words of four or more characters against
// stored preference statements. First match wins, scanning preferences in
// stored order, so inference stays deterministic.
func preferenceAnswer(question string, preferences []string) (string, bool) {
	q := strings.ToLower(question)
	words := strings.FieldsFunc(q, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	for _, pref := range preferences {
		lower := strings.ToLower(pref)
		for _, w := range words {
			if len(w) >= 4 && strings.Contains(lower, w) {
				return pref, true
			}
		}
	}
	return "", false
}

// NeedsUserEscalation reports whether a clarification should go to a human:
// only when it is marked required and automated answering has already been
// attempted at least threshold times.
func NeedsUserEscalation(req types.ClarificationRequestPayload, attemptCount, threshold int) bool {
	return req.Required && attemptCount >= threshold
}
