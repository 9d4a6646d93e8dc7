// Package topology contains the declarative topology model: typed entities,
// the declaration parser, and eager validation. All functions are pure with
// no I/O.
package topology

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Input validation errors
	ErrEmptyInput = errors.New("declaration is empty")

	// YAML parsing errors
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// Declaration structure errors
	ErrNoServices = errors.New("declaration must define at least one service")

	// Service validation errors
	ErrServiceNoImage     = errors.New("service must have an image")
	ErrInvalidPort        = errors.New("invalid port configuration")
	ErrInvalidRestart     = errors.New("invalid restart policy")
	ErrUnknownVolume      = errors.New("volume is not declared")
	ErrUnknownNetwork     = errors.New("network is not declared")
	ErrUnknownDependency  = errors.New("depends_on references unknown service")
	ErrPortCollision      = errors.New("host port is bound by multiple services")
	ErrDependencyCycle    = errors.New("dependency cycle detected")
	ErrUnsupportedFeature = errors.New("unsupported declaration feature")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "services.db.ports[0]"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// =============================================================================
// Validation Error - Aggregate
// =============================================================================

// Violation is a single broken invariant found during validation.
type Violation struct {
	Field   string // e.g., "services.db.volumes[0]"
	Message string
	Err     error // sentinel classifying the violation
}

func (v Violation) Error() string {
	if v.Field != "" {
		return fmt.Sprintf("%s: %s", v.Field, v.Message)
	}
	return v.Message
}

func (v Violation) Unwrap() error {
	return v.Err
}

// ValidationError aggregates every invariant violated by a declaration.
// Validation never stops at the first violation.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Error())
	}
	return fmt.Sprintf("topology is invalid: %s", strings.Join(msgs, "; "))
}

// Is reports whether any violation matches target, so callers can test for
// a specific sentinel with errors.Is.
func (e *ValidationError) Is(target error) bool {
	for _, v := range e.Violations {
		if errors.Is(v.Err, target) {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(field, message string, err error) {
	e.Violations = append(e.Violations, Violation{Field: field, Message: message, Err: err})
}
