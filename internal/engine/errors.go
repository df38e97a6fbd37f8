package engine

import (
	"errors"
	"fmt"

	"casedesk/internal/repo"
)

var (
	ErrCaseNotFound    = fmt.Errorf("case %w", repo.ErrNotFound)
	ErrHandlerNotFound = fmt.Errorf("handler %w", repo.ErrNotFound)
	ErrRuleNotFound    = fmt.Errorf("rule %w", repo.ErrNotFound)
	// ErrNoEligibleHandler means the pool was empty after filters and the capacity
	// gate. AutoAssign reports it as a nil handler and records it as the reason on
	// the case.needs_manual_assignment event; it is never returned.
	ErrNoEligibleHandler = errors.New("no eligible handler")
	// ErrAssignmentConflict is returned when the case's ACTIVE assignment changed
	// underneath the caller. Retrying once with fresh state is safe.
	ErrAssignmentConflict = errors.New("assignment conflict")
	ErrCapacityExceeded   = errors.New("handler at capacity")
)

// InvalidRuleError rejects a malformed rule at write time.
type InvalidRuleError struct {
	Field  string
	Reason string
}

func (e InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid rule: %s %s", e.Field, e.Reason)
}

// ValidationError rejects malformed handler or case input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func caseNotFound(id int64) error {
	return fmt.Errorf("%w: %d", ErrCaseNotFound, id)
}

func handlerNotFound(id int64) error {
	return fmt.Errorf("%w: %d", ErrHandlerNotFound, id)
}
