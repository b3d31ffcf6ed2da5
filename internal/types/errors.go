package types

import "errors"

// ErrConfigurationUnavailable signals that the deciding capability is not
// configured. Callers must treat it as "cannot evaluate", never as a
// rejection.
var ErrConfigurationUnavailable = errors.New("deciding capability not configured")

// ErrRequestInvalidated signals that the owning allocation request was
// invalidated externally while a consensus run was in flight. Completed
// rounds stay in the audit trail; no further rounds are scheduled.
var ErrRequestInvalidated = errors.New("allocation request invalidated mid-run")

// ValidationError is one post-hoc check failure against FundState bounds.
// Validation errors are appended to the audit trail and force a rejection;
// they are never thrown past the engine.
type ValidationError struct {
	Check  string
	Detail string
}

func (e ValidationError) Error() string {
	return "validation failed: " + e.Check + ": " + e.Detail
}
