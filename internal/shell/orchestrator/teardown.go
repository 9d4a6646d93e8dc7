package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/quayside/stackd/internal/core/lifecycle"
	"github.com/quayside/stackd/internal/core/topology"
	"github.com/quayside/stackd/internal/shell/runtime"
)

// =============================================================================
// Teardown
// =============================================================================

// TeardownOptions controls what a teardown leaves behind.
type TeardownOptions struct {
	// PreserveVolumes keeps declared volumes and their data.
	PreserveVolumes bool
}

// Teardown releases a stack's runtime entities: services stop in reverse
// start order, then networks go, then volumes unless preserved. Pending
// restart timers are cancelled first so nothing restarts mid-teardown.
// Failures on individual entities do not abort the rest; they are
// collected and reported once as an aggregate.
func (o *Orchestrator) Teardown(ctx context.Context, stack string, opts TeardownOptions) error {
	o.mu.Lock()
	st, ok := o.stacks[stack]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStackNotFound, stack)
	}
	st.cancel()
	order := make([]string, len(st.order))
	copy(order, st.order)
	o.mu.Unlock()

	o.logger.Info("tearing down stack", "stack", stack, "preserve_volumes", opts.PreserveVolumes)

	var failures []EntityFailure

	// Reverse of start order: dependents stop before their dependencies.
	for i := len(order) - 1; i >= 0; i-- {
		if err := o.stopService(ctx, st, order[i]); err != nil {
			failures = append(failures, EntityFailure{Kind: "service", Name: order[i], Err: err})
		}
	}

	for _, n := range st.topo.Networks {
		name := topology.NetworkName(st.topo.Name, n.Name)
		if err := o.rt.RemoveNetwork(ctx, name); err != nil && !errors.Is(err, runtime.ErrNetworkNotFound) {
			failures = append(failures, EntityFailure{Kind: "network", Name: n.Name, Err: err})
		}
	}

	if !opts.PreserveVolumes {
		for _, v := range st.topo.Volumes {
			name := topology.VolumeName(st.topo.Name, v.Name)
			if err := o.rt.RemoveVolume(ctx, name, false); err != nil && !errors.Is(err, runtime.ErrVolumeNotFound) {
				failures = append(failures, EntityFailure{Kind: "volume", Name: v.Name, Err: err})
			}
		}
	}

	if err := o.store.DeleteEntities(ctx, stack); err != nil {
		o.logger.Warn("failed to delete entity records", "stack", stack, "error", err)
	}
	if err := o.store.DeleteStack(ctx, stack); err != nil {
		o.logger.Warn("failed to delete stack record", "stack", stack, "error", err)
	}

	o.mu.Lock()
	delete(o.stacks, stack)
	o.mu.Unlock()

	if len(failures) > 0 {
		return &AggregateError{Op: "teardown", Stack: stack, Failures: failures}
	}

	o.logger.Info("stack torn down", "stack", stack)
	return nil
}

// stopService stops and removes one service's container.
func (o *Orchestrator) stopService(ctx context.Context, st *stackState, name string) error {
	o.mu.Lock()
	svc, ok := st.services[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	containerID := svc.containerID
	phase := svc.phase
	o.mu.Unlock()

	if phase != lifecycle.PhaseStopped {
		if err := o.setPhase(ctx, st, name, lifecycle.PhaseStopped, ""); err != nil {
			return err
		}
	}
	if containerID == "" {
		return nil
	}

	if err := o.rt.StopContainer(ctx, containerID, &o.cfg.StopTimeout); err != nil {
		if !errors.Is(err, runtime.ErrContainerNotFound) && !errors.Is(err, runtime.ErrContainerNotRunning) {
			return err
		}
	}
	if err := o.rt.RemoveContainer(ctx, containerID, runtime.RemoveOptions{Force: true}); err != nil {
		if !errors.Is(err, runtime.ErrContainerNotFound) {
			return err
		}
	}

	o.mu.Lock()
	svc.containerID = ""
	o.mu.Unlock()

	o.logger.Debug("service stopped", "stack", st.topo.Name, "service", name)
	return nil
}
