package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundadvisor/internal/types"
)

// TestMemStoreMatchesSQLiteSemantics keeps the in-memory double honest on
// the invariants the rest of the system relies on.
func TestMemStoreMatchesSQLiteSemantics(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	t.Run("idempotent append", func(t *testing.T) {
		require.NoError(t, s.AppendMessage(ctx, testMessage("m1", "req-1")))
		require.NoError(t, s.AppendMessage(ctx, testMessage("m1", "req-1")))
		msgs, err := s.Messages(ctx, "req-1")
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("invalid message rejected", func(t *testing.T) {
		msg := testMessage("m2", "req-1")
		msg.Priority = "eventually"
		assert.Error(t, s.AppendMessage(ctx, msg))
	})

	t.Run("transition rules enforced", func(t *testing.T) {
		require.NoError(t, s.SaveRequest(ctx, types.AllocationRequest{ID: "r1", Status: types.StatusPending}))
		require.NoError(t, s.UpdateRequestStatus(ctx, "r1", types.StatusProcessing))
		assert.Error(t, s.UpdateRequestStatus(ctx, "r1", types.StatusPending))
	})

	t.Run("FailMemories only affects the side channel", func(t *testing.T) {
		s.FailMemories = true
		assert.Error(t, s.StoreMemory(ctx, Memory{Role: types.RoleAdvisor, UserID: "u", AllocationRequestID: "r1"}))
		assert.NoError(t, s.AppendMessage(ctx, testMessage("m3", "req-1")))
	})
}
