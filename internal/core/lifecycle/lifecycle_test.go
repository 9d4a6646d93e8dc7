package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside/stackd/internal/core/topology"
)

// =============================================================================
// Phase Transition Tests
// =============================================================================

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Phase
		to      Phase
		wantErr bool
	}{
		{"pending to starting", PhasePending, PhaseStarting, false},
		{"pending to stopped", PhasePending, PhaseStopped, false},
		{"starting to running", PhaseStarting, PhaseRunning, false},
		{"starting to failed", PhaseStarting, PhaseFailed, false},
		{"starting to stopped", PhaseStarting, PhaseStopped, false},
		{"running to failed", PhaseRunning, PhaseFailed, false},
		{"running to stopped", PhaseRunning, PhaseStopped, false},
		{"failed to starting", PhaseFailed, PhaseStarting, false},
		{"failed to stopped", PhaseFailed, PhaseStopped, false},
		{"stopped to starting", PhaseStopped, PhaseStarting, false},

		{"pending to running skips starting", PhasePending, PhaseRunning, true},
		{"running to starting", PhaseRunning, PhaseStarting, true},
		{"running to pending", PhaseRunning, PhasePending, true},
		{"failed to running", PhaseFailed, PhaseRunning, true},
		{"stopped to running", PhaseStopped, PhaseRunning, true},
		{"anything to pending", PhaseFailed, PhasePending, true},
		{"unknown phase", Phase("bogus"), PhaseRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// =============================================================================
// Restart Decision Tests
// =============================================================================

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		policy   topology.RestartPolicy
		exitCode int
		want     bool
	}{
		{"never with failure", topology.RestartNever, 1, false},
		{"never with clean exit", topology.RestartNever, 0, false},
		{"always with failure", topology.RestartAlways, 1, true},
		{"always with clean exit", topology.RestartAlways, 0, true},
		{"on-failure with failure", topology.RestartOnFailure, 1, true},
		{"on-failure with oom kill", topology.RestartOnFailure, 137, true},
		{"on-failure with clean exit", topology.RestartOnFailure, 0, false},
		{"unknown policy", topology.RestartPolicy("bogus"), 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.policy, tt.exitCode))
		})
	}
}

// =============================================================================
// Backoff Tests
// =============================================================================

func TestBackoff_DelayWithinJitterBounds(t *testing.T) {
	cfg := BackoffConfig{Base: 500 * time.Millisecond, Cap: 30 * time.Second}

	// Expected un-jittered delays: 500ms, 1s, 2s, 4s, ...
	expected := cfg.Base
	for attempt := 1; attempt <= 8; attempt++ {
		d, err := cfg.Delay(attempt)
		require.NoError(t, err)

		lo := expected - expected/4
		hi := expected + expected/4
		assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
		assert.LessOrEqual(t, d, hi, "attempt %d", attempt)

		if expected < cfg.Cap {
			expected *= 2
			if expected > cfg.Cap {
				expected = cfg.Cap
			}
		}
	}
}

func TestBackoff_CapsAtUpperBound(t *testing.T) {
	cfg := BackoffConfig{Base: 500 * time.Millisecond, Cap: 30 * time.Second}

	// Far beyond where doubling overtakes the cap.
	d, err := cfg.Delay(50)
	require.NoError(t, err)
	assert.LessOrEqual(t, d, cfg.Cap+cfg.Cap/4)
	assert.GreaterOrEqual(t, d, cfg.Cap-cfg.Cap/4)
}

func TestBackoff_UnboundedByDefault(t *testing.T) {
	cfg := DefaultBackoff()
	assert.Equal(t, 0, cfg.MaxAttempts)

	_, err := cfg.Delay(10000)
	assert.NoError(t, err)
}

func TestBackoff_ExhaustsWithCap(t *testing.T) {
	cfg := BackoffConfig{Base: time.Millisecond, Cap: time.Second, MaxAttempts: 3}

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := cfg.Delay(attempt)
		assert.NoError(t, err, "attempt %d", attempt)
	}

	_, err := cfg.Delay(4)
	assert.ErrorIs(t, err, ErrRestartExhausted)
}

func TestBackoff_NeverNegative(t *testing.T) {
	cfg := BackoffConfig{Base: time.Nanosecond, Cap: time.Millisecond}

	for attempt := 0; attempt < 20; attempt++ {
		d, err := cfg.Delay(attempt)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}
