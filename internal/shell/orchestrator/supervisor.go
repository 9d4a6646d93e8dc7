package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quayside/stackd/internal/core/lifecycle"
)

// =============================================================================
// Restart Supervision
// =============================================================================

// superviseFailure applies the service's restart policy to a failure and,
// when the policy says restart, schedules the next attempt after a
// jittered backoff delay. Restart timers live on the stack context, so a
// teardown or re-apply cancels every pending attempt.
func (o *Orchestrator) superviseFailure(st *stackState, name string, exitCode int) {
	o.mu.Lock()
	svc, ok := st.services[name]
	if !ok {
		o.mu.Unlock()
		return
	}
	policy := svc.spec.Restart
	attempt := svc.restarts + 1
	o.mu.Unlock()

	if !lifecycle.Decide(policy, exitCode) {
		o.logger.Info("not restarting service",
			"stack", st.topo.Name,
			"service", name,
			"policy", policy,
			"exit_code", exitCode,
		)
		return
	}

	delay, err := o.cfg.Backoff.Delay(attempt)
	if err != nil {
		if errors.Is(err, lifecycle.ErrRestartExhausted) {
			o.logger.Error("restart attempts exhausted",
				"stack", st.topo.Name,
				"service", name,
				"attempts", attempt-1,
			)
			o.mu.Lock()
			svc.lastError = fmt.Sprintf("%v after %d attempts", lifecycle.ErrRestartExhausted, attempt-1)
			svc.updatedAt = time.Now().UTC()
			o.mu.Unlock()
		}
		return
	}

	o.logger.Info("scheduling restart",
		"stack", st.topo.Name,
		"service", name,
		"attempt", attempt,
		"delay", delay,
	)
	go o.runRestart(st, name, attempt, delay)
}

// runRestart waits out the backoff delay, then attempts the restart. When
// a dependency is not running at fire time the attempt is deferred, not
// burned: it reschedules with the same attempt number.
func (o *Orchestrator) runRestart(st *stackState, name string, attempt int, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-st.ctx.Done():
		return
	case <-timer.C:
	}

	if dep := o.firstUnreadyDependency(st, name); dep != "" {
		o.logger.Debug("restart deferred, dependency not running",
			"stack", st.topo.Name,
			"service", name,
			"dependency", dep,
		)
		go o.runRestart(st, name, attempt, delay)
		return
	}

	o.mu.Lock()
	svc, ok := st.services[name]
	if !ok || svc.phase != lifecycle.PhaseFailed {
		// Phase moved under us (teardown, explicit restart); drop the attempt.
		o.mu.Unlock()
		return
	}
	svc.restarts = attempt
	o.mu.Unlock()

	o.logger.Info("restarting service", "stack", st.topo.Name, "service", name, "attempt", attempt)
	if err := o.startService(st.ctx, st, name); err != nil {
		// startService already marked the service failed, which queued the
		// next supervised attempt.
		o.logger.Warn("restart attempt failed",
			"stack", st.topo.Name,
			"service", name,
			"attempt", attempt,
			"error", err,
		)
	}
}

// firstUnreadyDependency returns the name of a depends_on member that is
// not running, or "" when every dependency is ready.
func (o *Orchestrator) firstUnreadyDependency(st *stackState, name string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	svc, ok := st.services[name]
	if !ok {
		return ""
	}
	for _, dep := range svc.spec.DependsOn {
		depState, ok := st.services[dep]
		if !ok || depState.phase != lifecycle.PhaseRunning {
			return dep
		}
	}
	return ""
}

// =============================================================================
// Explicit Restart Command
// =============================================================================

// RestartService stops and restarts one service on demand. The restart
// counter resets, so a manual restart starts backoff from scratch.
func (o *Orchestrator) RestartService(ctx context.Context, stack, service string) error {
	o.mu.Lock()
	st, ok := o.stacks[stack]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStackNotFound, stack)
	}
	svc, ok := st.services[service]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrServiceNotFound, stack, service)
	}
	phase := svc.phase
	containerID := svc.containerID
	svc.restarts = 0
	o.mu.Unlock()

	o.logger.Info("restart requested", "stack", stack, "service", service, "phase", phase)

	if phase == lifecycle.PhaseRunning || phase == lifecycle.PhaseStarting {
		if err := o.setPhase(ctx, st, service, lifecycle.PhaseStopped, "restart requested"); err != nil {
			return err
		}
		if containerID != "" {
			if err := o.rt.StopContainer(ctx, containerID, &o.cfg.StopTimeout); err != nil {
				o.logger.Warn("failed to stop container for restart",
					"service", service, "container_id", shortID(containerID), "error", err)
			}
		}
	}

	return o.startService(ctx, st, service)
}
