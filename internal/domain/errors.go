package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRuleNotFound     = errors.New("rule not found")
	ErrFlagNotFound     = errors.New("flag not found")
	ErrConcurrentUpdate = errors.New("flag was modified concurrently")
)

// FieldError describes one missing or invalid event field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects a malformed event or rule, listing every offending field.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

// Add appends a field error.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Has reports whether field already has an error recorded.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// HasErrors reports whether any field error was recorded.
func (e *ValidationError) HasErrors() bool {
	return len(e.Fields) > 0
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// RuleEvaluationError is a soft failure of a single rule for a single event.
type RuleEvaluationError struct {
	RuleID   string
	TimedOut bool
	Panicked bool
	Cause    error
}

func (e *RuleEvaluationError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("rule %s timed out", e.RuleID)
	case e.Panicked:
		return fmt.Sprintf("rule %s panicked: %v", e.RuleID, e.Cause)
	default:
		return fmt.Sprintf("rule %s failed: %v", e.RuleID, e.Cause)
	}
}

func (e *RuleEvaluationError) Unwrap() error { return e.Cause }

// ActionDispatchError is the terminal failure of one action for one flag.
type ActionDispatchError struct {
	ActionType string
	Attempts   int
	Permanent  bool
	Cause      error
}

func (e *ActionDispatchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("action %s failed after %d attempt(s) (%s): %v", e.ActionType, e.Attempts, kind, e.Cause)
}

func (e *ActionDispatchError) Unwrap() error { return e.Cause }

// InvalidTransitionError rejects an illegal investigation status change.
type InvalidTransitionError struct {
	FlagID string
	From   FlagStatus
	To     FlagStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("flag %s: invalid transition %s -> %s", e.FlagID, e.From, e.To)
}
