package model

import (
	"errors"
	"fmt"
)

// ValidationError is returned when input is rejected before any state mutation
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Invalid creates a ValidationError for field
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError is returned when a sequence, step, campaign, job or delivery is absent
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// NotFound creates a NotFoundError
func NotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// StaleTransitionError is returned when a record has already left the state
// a mutation requires. Another worker usually got there first.
type StaleTransitionError struct {
	Entity string
	ID     string
	Status string // current status
	Target string // requested status
}

func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("stale transition: %s %s is %s, cannot move to %s", e.Entity, e.ID, e.Status, e.Target)
}

// TransportError describes a failed delivery attempt
type TransportError struct {
	Reason    string
	Temporary bool // retrying may succeed
	Blocked   bool // recipient refuses messages from the bot
	Err       error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Reason, e.Err)
	}
	return "transport: " + e.Reason
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsStaleTransition reports whether err is a StaleTransitionError
func IsStaleTransition(err error) bool {
	var target *StaleTransitionError
	return errors.As(err, &target)
}

// AsTransport extracts a TransportError from err
func AsTransport(err error) (*TransportError, bool) {
	var target *TransportError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
