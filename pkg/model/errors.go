package model

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a pipeline error.
type ErrorCode string

const (
	ErrDeckSyntax ErrorCode = "DECK_SYNTAX_ERROR"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrReference  ErrorCode = "REFERENCE_ERROR"
	ErrExecution  ErrorCode = "EXECUTION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
)

// PipelineError is a structured error raised while parsing, binding or
// running a deck. Details pinpoint the offending step, parameter or line.
type PipelineError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes an error on a specific parameter or data line.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// NewDeckSyntaxError creates a DECK_SYNTAX_ERROR for a malformed deck.
func NewDeckSyntaxError(msg string, details ...FieldError) *PipelineError {
	return &PipelineError{Code: ErrDeckSyntax, Message: msg, Details: details}
}

// NewValidationError creates a VALIDATION_ERROR with per-field details.
func NewValidationError(msg string, details ...FieldError) *PipelineError {
	return &PipelineError{Code: ErrValidation, Message: msg, Details: details}
}

// NewReferenceError creates a REFERENCE_ERROR for an unresolvable token.
func NewReferenceError(msg string, details ...FieldError) *PipelineError {
	return &PipelineError{Code: ErrReference, Message: msg, Details: details}
}

// NewExecutionError creates an EXECUTION_ERROR for a failed node operation.
func NewExecutionError(msg string, details ...FieldError) *PipelineError {
	return &PipelineError{Code: ErrExecution, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND error for a missing resource.
func NewNotFoundError(resource, id string) *PipelineError {
	return &PipelineError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// CodeOf returns the ErrorCode carried by err, unwrapping as needed.
// Errors outside the taxonomy report ErrInternal.
func CodeOf(err error) ErrorCode {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrInternal
}

// InvalidTransitionError is returned when a run or step state transition
// is not allowed by the lifecycle.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s -> %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}
