package service

import (
	"errors"
	"fmt"

	"convroute/internal/store"
)

// Caller errors. None of these are retried.
var (
	ErrAlreadyAssigned           = errors.New("conversation already has an active assignment")
	ErrInvalidTransition         = errors.New("invalid assignment transition")
	ErrCapacityExceeded          = errors.New("agent capacity exceeded")
	ErrAgentNotFound             = errors.New("agent not found")
	ErrTeamNotFound              = errors.New("team not found")
	ErrAssignmentNotFound        = errors.New("assignment not found")
	ErrDuplicateActiveAssignment = errors.New("duplicate active assignment")
	ErrManualAgentRequired       = errors.New("team uses manual distribution, agent id required")
	ErrInstanceNotPermitted      = errors.New("agent may not serve this instance")
	ErrNoEscalationTarget        = errors.New("no escalation target")
	ErrInvalidInput              = errors.New("invalid input")
	ErrConflict                  = errors.New("already exists")
)

// ErrNoAgentAvailable is an expected outcome of routing, not a fault:
// the caller should queue the conversation and retry later.
var ErrNoAgentAvailable = errors.New("no agent available")

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// notFound maps store.ErrNotFound to target and passes anything else through
func notFound(err error, target error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", target, id)
	}
	return err
}
