// Package advisor wires intake, the handoff channel, the evaluator panel,
// the consensus engine, and the formatter into the allocation-decision
// service the rest of the system calls.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"fundadvisor/internal/config"
	"fundadvisor/internal/consensus"
	"fundadvisor/internal/format"
	"fundadvisor/internal/handoff"
	"fundadvisor/internal/intake"
	"fundadvisor/internal/types"
)

// FundStateProvider supplies the read-only fund snapshot a consensus run is
// pinned to.
type FundStateProvider interface {
	FundState(ctx context.Context) (types.FundState, error)
}

// StaticFundProvider serves one fixed snapshot, loaded from a file or built
// in tests.
type StaticFundProvider struct {
	State types.FundState
}

// FundState implements FundStateProvider.
func (p *StaticFundProvider) FundState(context.Context) (types.FundState, error) {
	return p.State, nil
}

// LoadFundState reads a FundState snapshot from a JSON file.
func LoadFundState(path string) (types.FundState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.FundState{}, fmt.Errorf("read fund state %s: %w", path, err)
	}
	var fund types.FundState
	if err := json.Unmarshal(data, &fund); err != nil {
		return types.FundState{}, fmt.Errorf("parse fund state %s: %w", path, err)
	}
	return fund, nil
}

// Service is the allocation-decision subsystem's public surface.
type Service struct {
	intake    *intake.Intake
	channel   *handoff.Channel
	formatter *format.Formatter
	fund      FundStateProvider
	logger    *zap.Logger

	// mu guards the policy snapshot: the engine and the config it was built
	// from. A config reload swaps both for new runs; an in-flight run keeps
	// the engine it started with.
	mu     sync.RWMutex
	engine *consensus.Engine // nil when the deciding capability is unavailable
	cfg    *config.Config
}

// Options wires a Service.
type Options struct {
	Intake    *intake.Intake
	Channel   *handoff.Channel
	Engine    *consensus.Engine
	Formatter *format.Formatter
	Fund      FundStateProvider
	Config    *config.Config
	Logger    *zap.Logger
}

// NewService creates the service. Engine may be nil: the service then
// accepts and records requests but reports "cannot evaluate" for processing.
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		intake:    opts.Intake,
		channel:   opts.Channel,
		engine:    opts.Engine,
		formatter: opts.Formatter,
		fund:      opts.Fund,
		cfg:       opts.Config,
		logger:    opts.Logger,
	}
}

// ApplyConfig atomically swaps the policy snapshot: the engine (rebuilt by
// the caller from cfg) and cfg itself. Runs already in flight keep the
// snapshot they started with.
func (s *Service) ApplyConfig(cfg *config.Config, engine *consensus.Engine) {
	s.mu.Lock()
	s.cfg = cfg
	s.engine = engine
	s.mu.Unlock()
	s.logger.Info("policy snapshot swapped",
		zap.Bool("engine_available", engine != nil))
}

// snapshot returns the current engine and config under the read lock.
func (s *Service) snapshot() (*consensus.Engine, *config.Config) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine, s.cfg
}

// SubmitAllocationRequest validates and records the request and emits the
// initial allocation_request handoff message.
func (s *Service) SubmitAllocationRequest(ctx context.Context, req types.AllocationRequest) (types.AllocationRequest, error) {
	recorded, err := s.intake.Submit(ctx, req)
	if err != nil {
		return types.AllocationRequest{}, err
	}

	res := s.channel.Send(ctx, types.HandoffMessage{
		FromAgent:           types.RoleAdvisor,
		ToAgent:             types.RoleAllocator,
		Type:                types.MsgAllocationRequest,
		Payload:             types.AllocationRequestPayload{Request: recorded},
		Priority:            types.PriorityNormal,
		AllocationRequestID: recorded.ID,
		ConversationID:      recorded.ConversationID,
		UserID:              recorded.UserID,
	})
	if !res.Success {
		return types.AllocationRequest{}, fmt.Errorf("handoff of request %s failed: %w", recorded.ID, res.Error)
	}
	return recorded, nil
}

// ProcessAllocationRequest runs the consensus process for a recorded
// request. When the deciding capability is not configured it returns
// types.ErrConfigurationUnavailable; callers must treat that as "cannot
// evaluate", not as a rejection.
func (s *Service) ProcessAllocationRequest(ctx context.Context, requestID string) (*types.ConsensusResult, error) {
	engine, _ := s.snapshot()
	if engine == nil || s.fund == nil {
		s.logger.Warn("processing requested but deciding capability unavailable",
			zap.String("request_id", requestID))
		return nil, types.ErrConfigurationUnavailable
	}

	req, err := s.intake.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	// The allowlist gate is independent of, and prior to, decision logic.
	if !s.intake.ValidateTransactionTarget(req.TargetAddress) {
		return nil, fmt.Errorf("request %s targets %q, not the configured vault", requestID, req.TargetAddress)
	}

	fund, err := s.fund.FundState(ctx)
	if err != nil {
		return nil, fmt.Errorf("fund state unavailable: %w", err)
	}

	if err := s.intake.Transition(ctx, requestID, types.StatusProcessing); err != nil {
		return nil, err
	}

	result := engine.Run(ctx, req, fund)

	if result.Achieved {
		status := map[types.Decision]types.RequestStatus{
			types.DecisionApproved: types.StatusApproved,
			types.DecisionModified: types.StatusModified,
			types.DecisionRejected: types.StatusRejected,
		}[result.Decision]
		if err := s.intake.Transition(ctx, requestID, status); err != nil {
			s.logger.Error("status transition failed after decision",
				zap.String("request_id", requestID), zap.Error(err))
		}
	}

	s.emitDecision(ctx, req, result)
	return result, nil
}

// emitDecision persists the response, the audit trail, and (on escalation)
// the human-review request through the handoff channel.
func (s *Service) emitDecision(ctx context.Context, req types.AllocationRequest, result *types.ConsensusResult) {
	priority := types.PriorityNormal
	if result.Decision == types.DecisionEscalated {
		priority = types.PriorityUrgent
	}

	res := s.channel.Send(ctx, types.HandoffMessage{
		FromAgent:           types.RoleAllocator,
		ToAgent:             types.RoleAdvisor,
		Type:                types.MsgAllocationResponse,
		Payload:             types.AllocationResponsePayload{Result: *result},
		Priority:            priority,
		AllocationRequestID: req.ID,
		ConversationID:      req.ConversationID,
		UserID:              req.UserID,
	})
	if !res.Success {
		s.logger.Error("decision handoff failed",
			zap.String("request_id", req.ID), zap.Error(res.Error))
	}

	s.channel.Send(ctx, types.HandoffMessage{
		FromAgent:           types.RoleAllocator,
		ToAgent:             types.RoleAdvisor,
		Type:                types.MsgContextUpdate,
		Payload:             types.ContextUpdatePayload{Subject: "consensus audit trail", Notes: result.AuditTrail},
		Priority:            types.PriorityLow,
		AllocationRequestID: req.ID,
		ConversationID:      req.ConversationID,
		UserID:              req.UserID,
	})

	if result.Decision == types.DecisionEscalated {
		s.channel.Send(ctx, types.HandoffMessage{
			FromAgent:           types.RoleAllocator,
			ToAgent:             types.RoleAdvisor,
			Type:                types.MsgEscalationRequest,
			Payload:             types.EscalationRequestPayload{Reason: result.Summary},
			Priority:            types.PriorityUrgent,
			AllocationRequestID: req.ID,
			ConversationID:      req.ConversationID,
			UserID:              req.UserID,
		})
	}
}

// FormatDecisionForUser renders the end-user view of a result.
func (s *Service) FormatDecisionForUser(ctx context.Context, result *types.ConsensusResult, req types.AllocationRequest) string {
	return s.formatter.FormatForUser(ctx, result, req)
}

// RenderOperatorDecision renders the operator (audit) view of a result as
// indented JSON.
func (s *Service) RenderOperatorDecision(result *types.ConsensusResult, req types.AllocationRequest) (string, error) {
	return s.formatter.RenderOperatorJSON(result, req)
}

// SendHandoff exposes the fire-and-forget handoff send.
func (s *Service) SendHandoff(ctx context.Context, msg types.HandoffMessage) handoff.SendResult {
	return s.channel.Send(ctx, msg)
}

// HandleClarificationRequest answers a clarification from the donor's
// profile without interrupting them.
func (s *Service) HandleClarificationRequest(req types.ClarificationRequestPayload, profile handoff.UserProfile) types.ClarificationResponsePayload {
	return handoff.HandleClarificationRequest(req, profile)
}

// NeedsUserEscalation applies the configured attempt threshold.
func (s *Service) NeedsUserEscalation(req types.ClarificationRequestPayload, attemptCount int) bool {
	_, cfg := s.snapshot()
	threshold := 2
	if cfg != nil {
		threshold = cfg.Clarification.EscalationThreshold
	}
	return handoff.NeedsUserEscalation(req, attemptCount, threshold)
}
