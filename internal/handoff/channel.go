// Package handoff implements the asynchronous message protocol between the
// requesting role (donor advisor) and the deciding role (fund allocator):
// typed messages with correlation ids, an append-only audit log, a
// best-effort long-term memory side channel, and the clarification
// sub-protocol that keeps most questions away from the end user.
package handoff

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fundadvisor/internal/store"
	"fundadvisor/internal/types"
)

// MessageLog is the append-only audit trail, keyed by allocation request id.
// Appends must be idempotent on message id.
type MessageLog interface {
	AppendMessage(ctx context.Context, msg types.HandoffMessage) error
	Messages(ctx context.Context, allocationRequestID string) ([]types.HandoffMessage, error)
}

// MemoryStore is the best-effort long-term memory side channel. Failures are
// logged and never surfaced to the sender.
type MemoryStore interface {
	StoreMemory(ctx context.Context, m store.Memory) error
}

// SendResult is what the caller of a fire-and-forget send gets back. Any
// reply arrives asynchronously and must be correlated via the allocation
// request id, never awaited inline.
type SendResult struct {
	Success bool
	Message types.HandoffMessage
	Error   error
}

// Channel is the handoff transport between the two fixed roles.
type Channel struct {
	log    MessageLog
	memory MemoryStore // optional
	logger *zap.Logger
}

// NewChannel creates a Channel. memory may be nil.
func NewChannel(log MessageLog, memory MemoryStore, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{log: log, memory: memory, logger: logger}
}

// Send validates and persists one handoff message. Persistence of the audit
// entry is the success criterion; the long-term memory write is best effort.
func (c *Channel) Send(ctx context.Context, msg types.HandoffMessage) SendResult {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Priority == "" {
		msg.Priority = types.PriorityNormal
	}
	if msg.Payload != nil && msg.Type == "" {
		msg.Type = msg.Payload.MessageKind()
	}

	if err := msg.Validate(); err != nil {
		return SendResult{Success: false, Message: msg, Error: err}
	}

	if err := c.log.AppendMessage(ctx, msg); err != nil {
		c.logger.Error("handoff append failed",
			zap.String("message_id", msg.ID),
			zap.String("request_id", msg.AllocationRequestID),
			zap.Error(err))
		return SendResult{Success: false, Message: msg, Error: err}
	}

	c.remember(ctx, msg)

	c.logger.Debug("handoff sent",
		zap.String("message_id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.String("from", string(msg.FromAgent)),
		zap.String("to", string(msg.ToAgent)),
		zap.String("request_id", msg.AllocationRequestID))

	return SendResult{Success: true, Message: msg}
}

// remember summarizes the message into long-term memory. A failing memory
// store must never abort the handoff.
func (c *Channel) remember(ctx context.Context, msg types.HandoffMessage) {
	if c.memory == nil {
		return
	}
	mem := store.Memory{
		Role:                msg.FromAgent,
		UserID:              msg.UserID,
		AllocationRequestID: msg.AllocationRequestID,
		Summary:             summarize(msg),
		Importance:          msg.Priority.ImportanceWeight(),
		CreatedAt:           msg.Timestamp,
	}
	if err := c.memory.StoreMemory(ctx, mem); err != nil {
		c.logger.Warn("long-term memory write failed, continuing",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
}

// History returns a request's message log in append order.
func (c *Channel) History(ctx context.Context, allocationRequestID string) ([]types.HandoffMessage, error) {
	return c.log.Messages(ctx, allocationRequestID)
}

func summarize(msg types.HandoffMessage) string {
	switch p := msg.Payload.(type) {
	case types.AllocationRequestPayload:
		return fmt.Sprintf("allocation request for %s across %d cause(s)",
			p.Request.Amount, len(p.Request.Recommendation))
	case types.ClarificationRequestPayload:
		return fmt.Sprintf("clarification asked about %s: %s", p.AffectsAspect, p.Question)
	case types.ClarificationResponsePayload:
		return fmt.Sprintf("clarification answered (%s, confidence %.2f): %s", p.Source, p.Confidence, p.Answer)
	case types.AllocationResponsePayload:
		return fmt.Sprintf("decision %s with confidence %.2f", p.Result.Decision, p.Result.Confidence)
	case types.EscalationRequestPayload:
		return fmt.Sprintf("escalated to human: %s", p.Reason)
	case types.ContextUpdatePayload:
		return fmt.Sprintf("context update: %s", p.Subject)
	default:
		return string(msg.Type)
	}
}
