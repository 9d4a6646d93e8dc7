package orchestrator

import (
	"context"
	"time"

	"github.com/quayside/stackd/internal/core/lifecycle"
	"github.com/quayside/stackd/internal/core/topology"
)

// =============================================================================
// In-Memory Stack State
// =============================================================================

// stackState tracks one applied stack. All access goes through the
// orchestrator's mutex; the orchestrator is the only writer of lifecycle
// state.
type stackState struct {
	topo    *topology.Topology
	applyID string
	order   []string // resolved start order, by service name

	services map[string]*serviceState
	networks map[string]*entityState
	volumes  map[string]*entityState

	// cancel aborts every pending restart backoff timer for this stack.
	ctx    context.Context
	cancel context.CancelFunc
}

// serviceState tracks one service's lifecycle.
type serviceState struct {
	spec        topology.Service
	phase       lifecycle.Phase
	containerID string
	restarts    int // completed restart attempts
	lastError   string
	createdAt   time.Time
	updatedAt   time.Time
}

// entityState tracks a created network or volume.
type entityState struct {
	runtimeID string
	createdAt time.Time
}

func newStackState(topo *topology.Topology, applyID string, order []topology.Service) *stackState {
	ctx, cancel := context.WithCancel(context.Background())
	st := &stackState{
		topo:     topo,
		applyID:  applyID,
		services: make(map[string]*serviceState, len(topo.Services)),
		networks: make(map[string]*entityState, len(topo.Networks)),
		volumes:  make(map[string]*entityState, len(topo.Volumes)),
		ctx:      ctx,
		cancel:   cancel,
	}
	now := time.Now().UTC()
	for _, svc := range order {
		st.order = append(st.order, svc.Name)
		st.services[svc.Name] = &serviceState{
			spec:      svc,
			phase:     lifecycle.PhasePending,
			createdAt: now,
			updatedAt: now,
		}
	}
	return st
}

// =============================================================================
// Status Snapshots
// =============================================================================

// ServiceStatus is an externally observable snapshot of one service.
type ServiceStatus struct {
	Name        string          `json:"name"`
	Phase       lifecycle.Phase `json:"phase"`
	ContainerID string          `json:"container_id,omitempty"`
	Restarts    int             `json:"restarts"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EntityStatus is an externally observable snapshot of a network or volume.
type EntityStatus struct {
	Name      string    `json:"name"`
	RuntimeID string    `json:"runtime_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StackStatus is an externally observable snapshot of a whole stack.
type StackStatus struct {
	Name       string          `json:"name"`
	ApplyID    string          `json:"apply_id"`
	StartOrder []string        `json:"start_order"`
	Services   []ServiceStatus `json:"services"`
	Networks   []EntityStatus  `json:"networks,omitempty"`
	Volumes    []EntityStatus  `json:"volumes,omitempty"`
}
