package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrStackNotFound is returned when a stack is not under management.
	ErrStackNotFound = errors.New("stack not found")

	// ErrServiceNotFound is returned when a service is not part of a stack.
	ErrServiceNotFound = errors.New("service not found")

	// ErrDependencyNotRunning is returned when a service cannot start
	// because a depends_on member is not running.
	ErrDependencyNotRunning = errors.New("dependency is not running")
)

// EntityFailure records one entity that did not reach its target state.
type EntityFailure struct {
	Kind string // "network", "volume", "service"
	Name string
	Err  error
}

func (f EntityFailure) Error() string {
	return fmt.Sprintf("%s %q: %v", f.Kind, f.Name, f.Err)
}

func (f EntityFailure) Unwrap() error {
	return f.Err
}

// AggregateError lists every entity that missed its target state during an
// apply or teardown. Independent entities are still attempted; the
// aggregate is reported once at the end.
type AggregateError struct {
	Op       string // "apply" or "teardown"
	Stack    string
	Failures []EntityFailure
}

func (e *AggregateError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("%s %s: %d entities failed: %s", e.Op, e.Stack, len(e.Failures), strings.Join(msgs, "; "))
}

// Is reports whether any entity failure matches target.
func (e *AggregateError) Is(target error) bool {
	for _, f := range e.Failures {
		if errors.Is(f.Err, target) {
			return true
		}
	}
	return false
}
