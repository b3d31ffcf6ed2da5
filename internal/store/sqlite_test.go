package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundadvisor/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(id, requestID string) types.HandoffMessage {
	return types.HandoffMessage{
		ID:                  id,
		FromAgent:           types.RoleAdvisor,
		ToAgent:             types.RoleAllocator,
		Type:                types.MsgContextUpdate,
		Payload:             types.ContextUpdatePayload{Subject: "note"},
		Priority:            types.PriorityNormal,
		AllocationRequestID: requestID,
		UserID:              "user-1",
		Timestamp:           time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestMessageLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("append preserves order", func(t *testing.T) {
		for _, id := range []string{"m1", "m2", "m3"} {
			require.NoError(t, s.AppendMessage(ctx, testMessage(id, "req-1")))
		}
		msgs, err := s.Messages(ctx, "req-1")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "m1", msgs[0].ID)
		assert.Equal(t, "m3", msgs[2].ID)
	})

	t.Run("retried append is idempotent", func(t *testing.T) {
		require.NoError(t, s.AppendMessage(ctx, testMessage("dup", "req-2")))
		require.NoError(t, s.AppendMessage(ctx, testMessage("dup", "req-2")))
		msgs, err := s.Messages(ctx, "req-2")
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("logs are isolated by request", func(t *testing.T) {
		msgs, err := s.Messages(ctx, "req-none")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("invalid messages never reach the log", func(t *testing.T) {
		msg := testMessage("bad", "req-3")
		msg.ToAgent = msg.FromAgent
		require.Error(t, s.AppendMessage(ctx, msg))
		msgs, err := s.Messages(ctx, "req-3")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("stored payload survives decode", func(t *testing.T) {
		msg := testMessage("typed", "req-4")
		msg.Type = types.MsgEscalationRequest
		msg.Payload = types.EscalationRequestPayload{Reason: "low confidence"}
		msg.Priority = types.PriorityUrgent
		require.NoError(t, s.AppendMessage(ctx, msg))

		msgs, err := s.Messages(ctx, "req-4")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		payload, ok := msgs[0].Payload.(types.EscalationRequestPayload)
		require.True(t, ok)
		assert.Equal(t, "low confidence", payload.Reason)
	})
}

func TestMemories(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	entries := []Memory{
		{Role: types.RoleAllocator, UserID: "u1", AllocationRequestID: "r1", Summary: "routine", Importance: 0.5},
		{Role: types.RoleAllocator, UserID: "u1", AllocationRequestID: "r1", Summary: "escalated", Importance: 0.9},
		{Role: types.RoleAdvisor, UserID: "u1", AllocationRequestID: "r1", Summary: "other role", Importance: 0.7},
	}
	for _, m := range entries {
		require.NoError(t, s.StoreMemory(ctx, m))
	}

	got, err := s.Memories(ctx, types.RoleAllocator, "u1", "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Most important first.
	assert.Equal(t, "escalated", got[0].Summary)
	assert.Equal(t, "routine", got[1].Summary)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestRequests(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	req := types.AllocationRequest{
		ID:     "req-1",
		UserID: "user-1",
		Amount: "250000000",
		Status: types.StatusPending,
	}
	require.NoError(t, s.SaveRequest(ctx, req))

	t.Run("round trip", func(t *testing.T) {
		got, err := s.GetRequest(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, "250000000", got.Amount)
		assert.Equal(t, types.StatusPending, got.Status)
	})

	t.Run("missing request", func(t *testing.T) {
		_, err := s.GetRequest(ctx, "ghost")
		assert.Error(t, err)
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		assert.Error(t, s.SaveRequest(ctx, req))
	})

	t.Run("legal transitions", func(t *testing.T) {
		require.NoError(t, s.UpdateRequestStatus(ctx, "req-1", types.StatusProcessing))
		require.NoError(t, s.UpdateRequestStatus(ctx, "req-1", types.StatusApproved))
		got, err := s.GetRequest(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusApproved, got.Status)
	})

	t.Run("illegal transition rejected", func(t *testing.T) {
		err := s.UpdateRequestStatus(ctx, "req-1", types.StatusProcessing)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "illegal status transition")
	})
}

func TestSchemaVersion(t *testing.T) {
	// Reopening the same database must not re-run migrations or lose data.
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s1, err := NewStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, s1.AppendMessage(ctx, testMessage("m1", "req-1")))
	require.NoError(t, s1.Close())

	s2, err := NewStore(path, nil)
	require.NoError(t, err)
	defer s2.Close()
	msgs, err := s2.Messages(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
