package sourcing

import (
	"errors"
	"fmt"
)

var (
	// ErrApplicationNotStarted is returned by dispatch and aggregate
	// reads when no application is running.
	ErrApplicationNotStarted = errors.New("no application is running")

	// ErrApplicationRunning is returned when starting an application
	// while another one is already running on the same registry.
	ErrApplicationRunning = errors.New("an application is already running")

	// ErrCommandUnknown is returned when a command name has no
	// registration.
	ErrCommandUnknown = errors.New("command is not registered")

	// ErrCommandInvalid is returned when command data fails the
	// command's input schema.
	ErrCommandInvalid = errors.New("command data is invalid")

	// ErrEventMalformed is returned when a handler's return value does
	// not conform to the declared event shape. It indicates a handler
	// bug, not bad user input.
	ErrEventMalformed = errors.New("handler returned a malformed event")

	// ErrAggregateInvalid is returned when folding the handler's events
	// into the aggregate would violate the aggregate schema.
	ErrAggregateInvalid = errors.New("aggregate state failed validation")

	// ErrRuleViolation is returned when a handler rejects a command on
	// business grounds.
	ErrRuleViolation = errors.New("business rule violation")
)

// CommandUnknownError reports a dispatch of an unregistered command.
type CommandUnknownError struct {
	Command string
}

func (e *CommandUnknownError) Error() string {
	return fmt.Sprintf("command %q is not registered", e.Command)
}

func (e *CommandUnknownError) Is(target error) bool {
	return target == ErrCommandUnknown
}

// CommandInvalidError reports command data rejected by the command's
// input schema. Explain carries the machine-readable validation
// outcome.
type CommandInvalidError struct {
	Command string
	Explain map[string]any
}

func (e *CommandInvalidError) Error() string {
	return fmt.Sprintf("command %q rejected: data failed validation", e.Command)
}

func (e *CommandInvalidError) Is(target error) bool {
	return target == ErrCommandInvalid
}

// EventMalformedError reports a handler return value that does not fit
// the declared event shape: an empty name, an event the command never
// declared, or data rejected by the event schema.
type EventMalformedError struct {
	Command string
	Event   string
	Reason  string
	Explain map[string]any
}

func (e *EventMalformedError) Error() string {
	return fmt.Sprintf("command %q emitted malformed event %q: %s", e.Command, e.Event, e.Reason)
}

func (e *EventMalformedError) Is(target error) bool {
	return target == ErrEventMalformed
}

// AggregateInvalidError reports that applying the handler's events
// would leave the aggregate in a state rejected by its schema. Explain
// carries the validation outcome; nothing was appended.
type AggregateInvalidError struct {
	Aggregate string
	StreamID  string
	Explain   map[string]any
}

func (e *AggregateInvalidError) Error() string {
	return fmt.Sprintf("aggregate %q would be invalid after %s", e.Aggregate, e.StreamID)
}

func (e *AggregateInvalidError) Is(target error) bool {
	return target == ErrAggregateInvalid
}

// RuleError is a business rule violation raised by a command handler.
// It carries a stable code and free-form details for the caller;
// handlers return it to reject a command without it being an infra
// failure.
type RuleError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%s (code: %s)", e.Message, e.Code)
}

func (e *RuleError) Is(target error) bool {
	return target == ErrRuleViolation
}

// NewRuleError creates a business rule violation.
func NewRuleError(code, message string, details map[string]any) error {
	return &RuleError{Code: code, Message: message, Details: details}
}
