package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/quayside/stackd/internal/shell/store"
)

// =============================================================================
// Queries
// =============================================================================

// Status returns a snapshot of one stack's current state.
func (o *Orchestrator) Status(stack string) (*StackStatus, error) {
	status := o.snapshot(stack)
	if status == nil {
		return nil, fmt.Errorf("%w: %s", ErrStackNotFound, stack)
	}
	return status, nil
}

// ServiceStatuses returns snapshots of every service in a stack, in
// resolved start order.
func (o *Orchestrator) ServiceStatuses(stack string) ([]ServiceStatus, error) {
	status := o.snapshot(stack)
	if status == nil {
		return nil, fmt.Errorf("%w: %s", ErrStackNotFound, stack)
	}
	return status.Services, nil
}

// StackNames lists the names of every stack under management, sorted.
func (o *Orchestrator) StackNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.stacks))
	for name := range o.stacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// History returns the most recent phase transitions of one service,
// newest first.
func (o *Orchestrator) History(ctx context.Context, stack, service string, limit int) ([]store.PhaseRecord, error) {
	o.mu.Lock()
	st, ok := o.stacks[stack]
	if ok {
		_, ok = st.services[service]
	}
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrServiceNotFound, stack, service)
	}
	return o.store.ListPhases(ctx, stack, service, limit)
}

// snapshot builds an externally observable view of a stack, or nil when
// the stack is not under management. Services appear in start order.
func (o *Orchestrator) snapshot(stack string) *StackStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.stacks[stack]
	if !ok {
		return nil
	}

	status := &StackStatus{
		Name:       st.topo.Name,
		ApplyID:    st.applyID,
		StartOrder: append([]string(nil), st.order...),
	}

	for _, name := range st.order {
		svc := st.services[name]
		status.Services = append(status.Services, ServiceStatus{
			Name:        name,
			Phase:       svc.phase,
			ContainerID: svc.containerID,
			Restarts:    svc.restarts,
			Error:       svc.lastError,
			CreatedAt:   svc.createdAt,
			UpdatedAt:   svc.updatedAt,
		})
	}

	for _, n := range st.topo.Networks {
		if ent, ok := st.networks[n.Name]; ok {
			status.Networks = append(status.Networks, EntityStatus{
				Name:      n.Name,
				RuntimeID: ent.runtimeID,
				CreatedAt: ent.createdAt,
			})
		} else {
			status.Networks = append(status.Networks, EntityStatus{Name: n.Name})
		}
	}

	for _, v := range st.topo.Volumes {
		if ent, ok := st.volumes[v.Name]; ok {
			status.Volumes = append(status.Volumes, EntityStatus{
				Name:      v.Name,
				RuntimeID: ent.runtimeID,
				CreatedAt: ent.createdAt,
			})
		} else {
			status.Volumes = append(status.Volumes, EntityStatus{Name: v.Name})
		}
	}

	return status
}
