package engine

import (
	"errors"
	"strings"

	"missioncontrol/internal/catalog"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/repo"
)

var (
	ErrPricingNotFound     = catalog.ErrPricingNotFound
	ErrNoRecentEstimate    = errors.New("no recent estimate")
	ErrBudgetExceeded      = errors.New("budget exceeded")
	ErrApprovalRequired    = errors.New("approval required")
	ErrExternalCallTimeout = errors.New("external call timed out")
	ErrExternalCallFailed  = errors.New("external call failed")
	ErrPersistence         = errors.New("persistence failure")
	ErrConflict            = repo.ErrConflict
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidInput        = errors.New("invalid input")
)

// GateError carries the blocking reasons behind ErrBudgetExceeded or
// ErrApprovalRequired.
type GateError struct {
	Kind        error
	WorkOrderID string
	Status      string
	Reasons     []domain.Reason
}

func (e *GateError) Error() string {
	return e.Kind.Error() + ": " + e.Summary()
}

func (e *GateError) Unwrap() error { return e.Kind }

// Summary joins the reason messages.
func (e *GateError) Summary() string {
	return Summary(e.Reasons)
}

// Summary joins reason messages into one line.
func Summary(reasons []domain.Reason) string {
	msgs := make([]string, 0, len(reasons))
	for _, r := range reasons {
		msgs = append(msgs, r.Message)
	}
	return strings.Join(msgs, "; ")
}

// TransitionError reports a status change the lifecycle does not allow.
type TransitionError struct {
	From, To string
}

func (e TransitionError) Error() string {
	return "cannot move work order from " + e.From + " to " + e.To
}

func (e TransitionError) Unwrap() error { return ErrInvalidTransition }
