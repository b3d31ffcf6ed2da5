package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// HANDOFF MESSAGES
// =============================================================================

// AgentRole identifies one of the two fixed handoff participants.
type AgentRole string

const (
	// RoleAdvisor is the requesting role: the chat front end that collects
	// donor preferences and submits allocation requests.
	RoleAdvisor AgentRole = "donor-advisor"
	// RoleAllocator is the deciding role: the evaluator panel plus the
	// consensus engine.
	RoleAllocator AgentRole = "fund-allocator"
)

// MessageType discriminates the handoff payload union.
type MessageType string

const (
	MsgAllocationRequest     MessageType = "allocation_request"
	MsgClarificationRequest  MessageType = "clarification_request"
	MsgClarificationResponse MessageType = "clarification_response"
	MsgAllocationResponse    MessageType = "allocation_response"
	MsgEscalationRequest     MessageType = "escalation_request"
	MsgContextUpdate         MessageType = "context_update"
)

// Priority orders handoff messages and drives memory importance weighting.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ClarificationAspect names the part of the request a clarification touches.
type ClarificationAspect string

const (
	AspectAmount         ClarificationAspect = "amount"
	AspectCauseSelection ClarificationAspect = "cause_selection"
	AspectRiskLevel      ClarificationAspect = "risk_level"
	AspectTiming         ClarificationAspect = "timing"
	AspectOther          ClarificationAspect = "other"
)

// MessagePayload is the closed payload union. Each concrete payload reports
// the MessageType it belongs to, so envelope type and payload shape can never
// disagree silently; Validate enforces the pairing.
type MessagePayload interface {
	MessageKind() MessageType
}

// AllocationRequestPayload carries the initial proposal to the deciding role.
type AllocationRequestPayload struct {
	Request AllocationRequest `json:"request"`
}

func (AllocationRequestPayload) MessageKind() MessageType { return MsgAllocationRequest }

// ClarificationRequestPayload is a question from the deciding role back to
// the requesting role.
type ClarificationRequestPayload struct {
	Question        string              `json:"question"`
	Context         string              `json:"context,omitempty"`
	SuggestedAnswer string              `json:"suggested_answer,omitempty"`
	Options         []string            `json:"options,omitempty"`
	Required        bool                `json:"required"`
	AffectsAspect   ClarificationAspect `json:"affects_aspect"`
}

func (ClarificationRequestPayload) MessageKind() MessageType { return MsgClarificationRequest }

// ClarificationResponsePayload answers a clarification request.
type ClarificationResponsePayload struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

func (ClarificationResponsePayload) MessageKind() MessageType { return MsgClarificationResponse }

// AllocationResponsePayload carries the final decision back to the
// requesting role.
type AllocationResponsePayload struct {
	Result ConsensusResult `json:"result"`
}

func (AllocationResponsePayload) MessageKind() MessageType { return MsgAllocationResponse }

// EscalationRequestPayload asks a human to take over.
type EscalationRequestPayload struct {
	Reason       string `json:"reason"`
	AttemptCount int    `json:"attempt_count,omitempty"`
	Question     string `json:"question,omitempty"`
}

func (EscalationRequestPayload) MessageKind() MessageType { return MsgEscalationRequest }

// ContextUpdatePayload shares side information (for example the audit trail)
// without requiring a reply.
type ContextUpdatePayload struct {
	Subject string   `json:"subject"`
	Notes   []string `json:"notes,omitempty"`
}

func (ContextUpdatePayload) MessageKind() MessageType { return MsgContextUpdate }

// HandoffMessage is one asynchronous message between the two roles.
type HandoffMessage struct {
	ID                  string            `json:"id"`
	FromAgent           AgentRole         `json:"from_agent"`
	ToAgent             AgentRole         `json:"to_agent"`
	Type                MessageType       `json:"type"`
	Payload             MessagePayload    `json:"payload"`
	Priority            Priority          `json:"priority"`
	AllocationRequestID string            `json:"allocation_request_id"`
	ConversationID      string            `json:"conversation_id,omitempty"`
	UserID              string            `json:"user_id"`
	Timestamp           time.Time         `json:"timestamp"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Validate checks the envelope invariants: known type, payload shape matching
// the type discriminant, both roles fixed and distinct, and correlation ids.
func (m HandoffMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("handoff message missing id")
	}
	if m.AllocationRequestID == "" {
		return fmt.Errorf("handoff message %s missing allocation request id", m.ID)
	}
	if !validRole(m.FromAgent) || !validRole(m.ToAgent) {
		return fmt.Errorf("handoff message %s has unknown role pair %s -> %s", m.ID, m.FromAgent, m.ToAgent)
	}
	if m.FromAgent == m.ToAgent {
		return fmt.Errorf("handoff message %s sent from %s to itself", m.ID, m.FromAgent)
	}
	if m.Payload == nil {
		return fmt.Errorf("handoff message %s has no payload", m.ID)
	}
	if m.Payload.MessageKind() != m.Type {
		return fmt.Errorf("handoff message %s payload is %s but envelope says %s",
			m.ID, m.Payload.MessageKind(), m.Type)
	}
	switch m.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
	default:
		return fmt.Errorf("handoff message %s has unknown priority %q", m.ID, m.Priority)
	}
	return nil
}

func validRole(r AgentRole) bool {
	return r == RoleAdvisor || r == RoleAllocator
}

// ImportanceWeight derives the long-term memory importance for a priority.
func (p Priority) ImportanceWeight() float64 {
	switch p {
	case PriorityUrgent:
		return 0.9
	case PriorityHigh:
		return 0.7
	default:
		return 0.5
	}
}

// messageEnvelope is the wire form: the payload is kept raw until the type
// discriminant has been read.
type messageEnvelope struct {
	ID                  string            `json:"id"`
	FromAgent           AgentRole         `json:"from_agent"`
	ToAgent             AgentRole         `json:"to_agent"`
	Type                MessageType       `json:"type"`
	Payload             json.RawMessage   `json:"payload"`
	Priority            Priority          `json:"priority"`
	AllocationRequestID string            `json:"allocation_request_id"`
	ConversationID      string            `json:"conversation_id,omitempty"`
	UserID              string            `json:"user_id"`
	Timestamp           time.Time         `json:"timestamp"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON emits the envelope form.
func (m HandoffMessage) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload of %s: %w", m.ID, err)
	}
	return json.Marshal(messageEnvelope{
		ID:                  m.ID,
		FromAgent:           m.FromAgent,
		ToAgent:             m.ToAgent,
		Type:                m.Type,
		Payload:             raw,
		Priority:            m.Priority,
		AllocationRequestID: m.AllocationRequestID,
		ConversationID:      m.ConversationID,
		UserID:              m.UserID,
		Timestamp:           m.Timestamp,
		Metadata:            m.Metadata,
	})
}

// UnmarshalJSON decodes the envelope and dispatches on the type discriminant.
// Unknown types are an error: the union is closed.
func (m *HandoffMessage) UnmarshalJSON(data []byte) error {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	var payload MessagePayload
	switch env.Type {
	case MsgAllocationRequest:
		payload = &AllocationRequestPayload{}
	case MsgClarificationRequest:
		payload = &ClarificationRequestPayload{}
	case MsgClarificationResponse:
		payload = &ClarificationResponsePayload{}
	case MsgAllocationResponse:
		payload = &AllocationResponsePayload{}
	case MsgEscalationRequest:
		payload = &EscalationRequestPayload{}
	case MsgContextUpdate:
		payload = &ContextUpdatePayload{}
	default:
		return fmt.Errorf("unknown handoff message type %q", env.Type)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}

	m.ID = env.ID
	m.FromAgent = env.FromAgent
	m.ToAgent = env.ToAgent
	m.Type = env.Type
	m.Payload = derefPayload(payload)
	m.Priority = env.Priority
	m.AllocationRequestID = env.AllocationRequestID
	m.ConversationID = env.ConversationID
	m.UserID = env.UserID
	m.Timestamp = env.Timestamp
	m.Metadata = env.Metadata
	return nil
}

// derefPayload normalizes decoded payloads to value form so messages compare
// equal regardless of which side constructed them.
func derefPayload(p MessagePayload) MessagePayload {
	switch v := p.(type) {
	case *AllocationRequestPayload:
		return *v
	case *ClarificationRequestPayload:
		return *v
	case *ClarificationResponsePayload:
		return *v
	case *AllocationResponsePayload:
		return *v
	case *EscalationRequestPayload:
		return *v
	case *ContextUpdatePayload:
		return *v
	default:
		return p
	}
}
