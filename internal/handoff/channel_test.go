package handoff

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundadvisor/internal/store"
	"fundadvisor/internal/types"
)

func sendable() types.HandoffMessage {
	return types.HandoffMessage{
		FromAgent:           types.RoleAdvisor,
		ToAgent:             types.RoleAllocator,
		Payload:             types.ContextUpdatePayload{Subject: "note"},
		AllocationRequestID: "req-1",
		UserID:              "user-1",
	}
}

func TestChannelSend(t *testing.T) {
	ctx := context.Background()

	t.Run("fills identity, timestamp, type, and priority", func(t *testing.T) {
		mem := store.NewMemStore()
		ch := NewChannel(mem, mem, nil)

		res := ch.Send(ctx, sendable())
		require.True(t, res.Success)
		assert.NotEmpty(t, res.Message.ID)
		assert.False(t, res.Message.Timestamp.IsZero())
		assert.Equal(t, types.MsgContextUpdate, res.Message.Type)
		assert.Equal(t, types.PriorityNormal, res.Message.Priority)

		history, err := ch.History(ctx, "req-1")
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("invalid message fails without persisting", func(t *testing.T) {
		mem := store.NewMemStore()
		ch := NewChannel(mem, mem, nil)

		msg := sendable()
		msg.ToAgent = types.RoleAdvisor
		res := ch.Send(ctx, msg)
		assert.False(t, res.Success)
		assert.Error(t, res.Error)

		history, err := ch.History(ctx, "req-1")
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("retried send with explicit id stays single in the log", func(t *testing.T) {
		mem := store.NewMemStore()
		ch := NewChannel(mem, mem, nil)

		msg := sendable()
		msg.ID = "fixed-id"
		require.True(t, ch.Send(ctx, msg).Success)
		require.True(t, ch.Send(ctx, msg).Success)

		history, err := ch.History(ctx, "req-1")
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("memory failure never aborts the handoff", func(t *testing.T) {
		mem := store.NewMemStore()
		mem.FailMemories = true
		ch := NewChannel(mem, mem, nil)

		res := ch.Send(ctx, sendable())
		assert.True(t, res.Success)
	})

	t.Run("memory importance follows priority", func(t *testing.T) {
		mem := store.NewMemStore()
		ch := NewChannel(mem, mem, nil)

		msg := sendable()
		msg.Priority = types.PriorityUrgent
		require.True(t, ch.Send(ctx, msg).Success)

		memories, err := mem.Memories(ctx, types.RoleAdvisor, "user-1", "req-1")
		require.NoError(t, err)
		require.Len(t, memories, 1)
		assert.Equal(t, 0.9, memories[0].Importance)
	})

	t.Run("nil memory store is allowed", func(t *testing.T) {
		mem := store.NewMemStore()
		ch := NewChannel(mem, nil, nil)
		assert.True(t, ch.Send(ctx, sendable()).Success)
	})
}
