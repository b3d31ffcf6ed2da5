// Package intake validates and records incoming allocation requests and
// enforces the transaction-target allowlist before any decision logic runs.
package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fundadvisor/internal/types"
)

// RequestStore persists allocation requests.
type RequestStore interface {
	SaveRequest(ctx context.Context, req types.AllocationRequest) error
	GetRequest(ctx context.Context, id string) (types.AllocationRequest, error)
	UpdateRequestStatus(ctx context.Context, id string, status types.RequestStatus) error
}

// Intake validates and records allocation requests.
type Intake struct {
	store        RequestStore
	vaultAddress string
	logger       *zap.Logger
}

// New creates an Intake bound to the single allowed vault address.
func New(store RequestStore, vaultAddress string, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{store: store, vaultAddress: vaultAddress, logger: logger}
}

// ValidateTransactionTarget reports whether address is the one pre-configured
// vault the deciding role may ever construct transfers toward. The check is
// independent of, and prior to, any decision logic.
func (i *Intake) ValidateTransactionTarget(address string) bool {
	if i.vaultAddress == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(address), strings.TrimSpace(i.vaultAddress))
}

// Submit validates the request, assigns identity and the pending status, and
// records it. The amount is immutable from this point on.
func (i *Intake) Submit(ctx context.Context, req types.AllocationRequest) (types.AllocationRequest, error) {
	if err := validate(req); err != nil {
		return types.AllocationRequest{}, err
	}
	if !i.ValidateTransactionTarget(req.TargetAddress) {
		return types.AllocationRequest{}, fmt.Errorf("target address %q is not the configured vault", req.TargetAddress)
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = types.StatusPending
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	if err := i.store.SaveRequest(ctx, req); err != nil {
		return types.AllocationRequest{}, err
	}

	i.logger.Info("allocation request recorded",
		zap.String("request_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.String("amount", req.Amount))
	return req, nil
}

// Transition moves a stored request along the status machine.
func (i *Intake) Transition(ctx context.Context, id string, status types.RequestStatus) error {
	return i.store.UpdateRequestStatus(ctx, id, status)
}

// Get loads a stored request.
func (i *Intake) Get(ctx context.Context, id string) (types.AllocationRequest, error) {
	return i.store.GetRequest(ctx, id)
}

func validate(req types.AllocationRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("allocation request missing user id")
	}

	amt, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amt.IsInteger() {
		return fmt.Errorf("allocation amount must be an integer string in smallest units, got %q", req.Amount)
	}
	if amt.IsNegative() {
		return fmt.Errorf("allocation amount must be nonnegative, got %q", req.Amount)
	}

	if len(req.Recommendation) == 0 {
		return fmt.Errorf("allocation request has no recommended causes")
	}
	lineTotal := decimal.Zero
	for _, line := range req.Recommendation {
		if line.CauseID == "" {
			return fmt.Errorf("recommendation line missing cause id")
		}
		lineAmt, err := decimal.NewFromString(line.Amount)
		if err != nil || !lineAmt.IsInteger() || lineAmt.IsNegative() {
			return fmt.Errorf("cause %s has invalid amount %q", line.CauseID, line.Amount)
		}
		lineTotal = lineTotal.Add(lineAmt)
	}
	if lineTotal.GreaterThan(amt) {
		return fmt.Errorf("cause amounts total %s exceed request amount %s", lineTotal.String(), amt.String())
	}
	return nil
}
