// Package lifecycle contains the per-service state machine and the restart
// policy decision logic. Pure functions, no I/O.
package lifecycle

import (
	"errors"
	"math/rand"
	"time"

	"github.com/quayside/stackd/internal/core/topology"
)

// =============================================================================
// Lifecycle Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrRestartExhausted applies only when a maximum retry cap is
	// configured; without a cap, restarts continue indefinitely.
	ErrRestartExhausted = errors.New("restart attempts exhausted")
)

// =============================================================================
// Service Phase
// =============================================================================

// Phase is the lifecycle state of a service under orchestrator control.
type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseFailed   Phase = "failed"
	PhaseStopped  Phase = "stopped"
)

// validTransitions defines the allowed phase transitions.
// Any phase may move to stopped on explicit teardown; failed moves back to
// starting only under the restart policy. Stopped is terminal for a
// teardown sequence; an explicit restart command may start a stopped
// service again.
var validTransitions = map[Phase][]Phase{
	PhasePending:  {PhaseStarting, PhaseStopped},
	PhaseStarting: {PhaseRunning, PhaseFailed, PhaseStopped},
	PhaseRunning:  {PhaseFailed, PhaseStopped},
	PhaseFailed:   {PhaseStarting, PhaseStopped},
	PhaseStopped:  {PhaseStarting},
}

// ValidateTransition checks whether a phase transition is allowed.
func ValidateTransition(from, to Phase) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, p := range allowed {
		if p == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// =============================================================================
// Restart Policy Decisions
// =============================================================================

// Decide reports whether a failed service should be restarted, given its
// restart policy and the exit code of the failed process.
//
//   - never: leave it failed, report upward
//   - always: restart unconditionally
//   - on-failure: restart only after a non-zero exit
func Decide(policy topology.RestartPolicy, exitCode int) bool {
	switch policy {
	case topology.RestartAlways:
		return true
	case topology.RestartOnFailure:
		return exitCode != 0
	default:
		return false
	}
}

// =============================================================================
// Backoff
// =============================================================================

// BackoffConfig bounds the delay between restart attempts.
type BackoffConfig struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Cap is the upper bound on the delay.
	Cap time.Duration
	// MaxAttempts caps retries; 0 means unbounded.
	MaxAttempts int
}

// DefaultBackoff returns the default restart backoff policy: exponential
// from 500ms, capped at 30s, with no attempt cap.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Base: 500 * time.Millisecond,
		Cap:  30 * time.Second,
	}
}

// Delay returns the backoff delay before restart attempt n (1-based),
// jittered by ±25% to avoid restart storms. Returns ErrRestartExhausted
// when a MaxAttempts cap is configured and n exceeds it.
func (c BackoffConfig) Delay(attempt int) (time.Duration, error) {
	if c.MaxAttempts > 0 && attempt > c.MaxAttempts {
		return 0, ErrRestartExhausted
	}
	if attempt < 1 {
		attempt = 1
	}

	d := c.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.Cap {
			d = c.Cap
			break
		}
	}
	if d > c.Cap {
		d = c.Cap
	}

	// ±25% jitter
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	d += jitter
	if d < 0 {
		d = 0
	}
	return d, nil
}
