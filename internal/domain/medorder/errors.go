// Package medorder implements the medication order lifecycle and its
// administration ledger.
package medorder

import (
	"errors"
	"fmt"
)

// Error categories. Callers classify failures with errors.Is.
var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrNotFound             = errors.New("not found")
	ErrIllegalTransition    = errors.New("illegal status transition")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrTransient            = errors.New("transient persistence failure")

	// ErrEmptyBatch is returned when an administration batch carries no items.
	ErrEmptyBatch = fmt.Errorf("%w: administration batch has no items", ErrInvalidInput)
)

// ValidationError describes a rejected field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// TransitionError carries the current and requested status of a refused transition
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move medical order from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// QuantityError reports a dispense that would overdraw a medicine line
type QuantityError struct {
	LineID    string
	Requested int
	Remaining int
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("medicine line %s: requested %d, only %d remaining", e.LineID, e.Requested, e.Remaining)
}

func (e *QuantityError) Unwrap() error { return ErrInsufficientQuantity }

// NotFoundError names the missing entity
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func orderNotFound(id string) error { return &NotFoundError{Entity: "medical order", ID: id} }

func lineNotFound(id string) error { return &NotFoundError{Entity: "medicine line", ID: id} }

// StateError rejects an operation the order's current status does not allow
type StateError struct {
	Status    Status
	Operation string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s: medical order is %s", e.Operation, e.Status)
}

func (e *StateError) Unwrap() error { return ErrIllegalTransition }

func isKind(err, kind error) bool { return errors.Is(err, kind) }

// isDomainError reports whether err is a caller-facing rejection rather than
// an infrastructure failure
func isDomainError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrInsufficientQuantity)
}
