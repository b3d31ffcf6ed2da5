package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundadvisor/internal/types"
)

// MemStore is an in-memory Store equivalent for tests and ephemeral runs.
// It honors the same semantics: append-only message log, idempotent on
// message id, legal status transitions only.
type MemStore struct {
	mu       sync.Mutex
	messages map[string][]types.HandoffMessage // request id -> ordered log
	seen     map[string]bool                   // message id -> appended
	memories []Memory
	requests map[string]types.AllocationRequest

	// FailMemories makes StoreMemory fail, for best-effort side-channel tests.
	FailMemories bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		messages: make(map[string][]types.HandoffMessage),
		seen:     make(map[string]bool),
		requests: make(map[string]types.AllocationRequest),
	}
}

// AppendMessage appends a message unless its id was already appended.
func (s *MemStore) AppendMessage(_ context.Context, msg types.HandoffMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[msg.ID] {
		return nil
	}
	s.seen[msg.ID] = true
	s.messages[msg.AllocationRequestID] = append(s.messages[msg.AllocationRequestID], msg)
	return nil
}

// Messages returns a request's log in append order.
func (s *MemStore) Messages(_ context.Context, allocationRequestID string) ([]types.HandoffMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.messages[allocationRequestID]
	out := make([]types.HandoffMessage, len(log))
	copy(out, log)
	return out, nil
}

// StoreMemory records a memory entry, or fails when FailMemories is set.
func (s *MemStore) StoreMemory(_ context.Context, m Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailMemories {
		return fmt.Errorf("memory store unavailable")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.memories = append(s.memories, m)
	return nil
}

// Memories returns entries matching the (role, user, request) key.
func (s *MemStore) Memories(_ context.Context, role types.AgentRole, userID, allocationRequestID string) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Memory
	for _, m := range s.memories {
		if m.Role == role && m.UserID == userID && m.AllocationRequestID == allocationRequestID {
			out = append(out, m)
		}
	}
	return out, nil
}

// SaveRequest inserts a new allocation request.
func (s *MemStore) SaveRequest(_ context.Context, req types.AllocationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return fmt.Errorf("request %s already exists", req.ID)
	}
	s.requests[req.ID] = req
	return nil
}

// GetRequest loads one allocation request by id.
func (s *MemStore) GetRequest(_ context.Context, id string) (types.AllocationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return types.AllocationRequest{}, fmt.Errorf("request %s not found", id)
	}
	return req, nil
}

// UpdateRequestStatus moves a request to a new status.
func (s *MemStore) UpdateRequestStatus(_ context.Context, id string, status types.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("request %s not found", id)
	}
	if !req.Status.CanTransition(status) {
		return fmt.Errorf("illegal status transition %s -> %s for request %s", req.Status, status, id)
	}
	req.Status = status
	s.requests[id] = req
	return nil
}
