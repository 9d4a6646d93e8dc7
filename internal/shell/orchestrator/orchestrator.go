// Package orchestrator drives declared entities through their lifecycle
// states in dependency order against a container runtime.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quayside/stackd/internal/core/lifecycle"
	"github.com/quayside/stackd/internal/core/order"
	"github.com/quayside/stackd/internal/core/topology"
	"github.com/quayside/stackd/internal/shell/runtime"
	"github.com/quayside/stackd/internal/shell/store"
)

// =============================================================================
// Orchestrator
// =============================================================================

// Config tunes orchestrator behavior.
type Config struct {
	// StopTimeout is how long a container gets to stop gracefully.
	StopTimeout time.Duration
	// Backoff bounds restart retries for failed services.
	Backoff lifecycle.BackoffConfig
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		StopTimeout: 10 * time.Second,
		Backoff:     lifecycle.DefaultBackoff(),
	}
}

// Orchestrator materializes topologies on a container runtime and is the
// single writer of per-service lifecycle state. One orchestrating process,
// in-memory state; the store only backs the query interface.
type Orchestrator struct {
	rt     runtime.Runtime
	store  store.Store
	logger *slog.Logger
	cfg    Config

	mu     sync.Mutex
	stacks map[string]*stackState
}

// New creates a new orchestrator.
func New(rt runtime.Runtime, st store.Store, logger *slog.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = lifecycle.DefaultBackoff()
	}
	return &Orchestrator{
		rt:     rt,
		store:  st,
		logger: logger,
		cfg:    cfg,
		stacks: make(map[string]*stackState),
	}
}

// =============================================================================
// Apply
// =============================================================================

// Apply resolves a declared topology into running state.
//
// Validation and ordering run first; nothing is created when either fails.
// Networks and volumes are created concurrently and idempotently, then
// services start in resolved dependency order, independent services
// concurrently. Entities that fail are collected and reported as one
// aggregate error after every independent entity has been attempted.
// Applying the same topology twice converges to the same set of entities.
func (o *Orchestrator) Apply(ctx context.Context, topo *topology.Topology, declaration string) (*StackStatus, error) {
	// Fail fast: no partial mutation on an invalid declaration.
	if err := topology.Validate(topo); err != nil {
		return nil, err
	}
	ordered, err := order.Resolve(topo.Services)
	if err != nil {
		return nil, err
	}

	applyID := uuid.New().String()
	o.logger.Info("applying topology",
		"stack", topo.Name,
		"apply_id", applyID,
		"services", len(topo.Services),
		"networks", len(topo.Networks),
		"volumes", len(topo.Volumes),
	)

	st := o.resetStack(topo, applyID, ordered)
	o.persistStack(ctx, topo.Name, applyID, declaration)

	var failures []EntityFailure

	// Networks and volumes have no dependencies on each other; create them
	// concurrently. First creator wins, "already exists" is success.
	failures = append(failures, o.createEntities(ctx, st)...)

	failed := make(map[string]bool, len(failures))
	for _, f := range failures {
		failed[f.Kind+"/"+f.Name] = true
	}

	o.pullImages(ctx, ordered)

	// Start services wave by wave: everything inside a wave is mutually
	// independent, so a wave starts concurrently; a service only enters a
	// wave after all of its depends_on members resolved in earlier waves.
	for _, wave := range startWaves(ordered) {
		// Decide which members of the wave can run before launching any of
		// them; services in one wave never depend on each other, so their
		// outcomes only matter to later waves.
		var runnable []topology.Service
		for _, svc := range wave {
			if reason := o.blockedBy(svc, failed); reason != nil {
				failures = append(failures, EntityFailure{Kind: "service", Name: svc.Name, Err: reason})
				failed["service/"+svc.Name] = true
				continue
			}
			runnable = append(runnable, svc)
		}

		var wg sync.WaitGroup
		var waveMu sync.Mutex
		var waveFailures []EntityFailure
		for _, svc := range runnable {
			wg.Add(1)
			go func(svc topology.Service) {
				defer wg.Done()
				if err := o.startService(ctx, st, svc.Name); err != nil {
					waveMu.Lock()
					waveFailures = append(waveFailures, EntityFailure{Kind: "service", Name: svc.Name, Err: err})
					waveMu.Unlock()
				}
			}(svc)
		}
		wg.Wait()

		for _, f := range waveFailures {
			failures = append(failures, f)
			failed["service/"+f.Name] = true
		}
	}

	status := o.snapshot(topo.Name)
	if len(failures) > 0 {
		return status, &AggregateError{Op: "apply", Stack: topo.Name, Failures: failures}
	}

	o.logger.Info("topology applied", "stack", topo.Name, "apply_id", applyID)
	return status, nil
}

// resetStack installs fresh state for a stack, cancelling any pending
// restart timers from a previous apply.
func (o *Orchestrator) resetStack(topo *topology.Topology, applyID string, ordered []topology.Service) *stackState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.stacks[topo.Name]; ok {
		prev.cancel()
	}
	st := newStackState(topo, applyID, ordered)
	o.stacks[topo.Name] = st
	return st
}

func (o *Orchestrator) persistStack(ctx context.Context, name, applyID, declaration string) {
	now := time.Now().UTC()
	err := o.store.SaveStack(ctx, &store.StackRecord{
		Name:        name,
		ApplyID:     applyID,
		Declaration: declaration,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		o.logger.Warn("failed to persist stack", "stack", name, "error", err)
	}
}

// =============================================================================
// Entity Creation
// =============================================================================

// createEntities creates all declared networks and volumes concurrently.
// A RuntimeError on one entity never aborts the others.
func (o *Orchestrator) createEntities(ctx context.Context, st *stackState) []EntityFailure {
	type task struct {
		kind string
		name string
	}
	var tasks []task
	for _, n := range st.topo.Networks {
		tasks = append(tasks, task{"network", n.Name})
	}
	for _, v := range st.topo.Volumes {
		tasks = append(tasks, task{"volume", v.Name})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []EntityFailure

	for _, tk := range tasks {
		wg.Add(1)
		go func(tk task) {
			defer wg.Done()
			var err error
			switch tk.kind {
			case "network":
				err = o.createNetwork(ctx, st, tk.name)
			case "volume":
				err = o.createVolume(ctx, st, tk.name)
			}
			if err != nil {
				mu.Lock()
				failures = append(failures, EntityFailure{Kind: tk.kind, Name: tk.name, Err: err})
				mu.Unlock()
			}
		}(tk)
	}
	wg.Wait()

	return failures
}

// createNetwork creates one declared network, treating "already exists" as
// success so creation stays idempotent under concurrent attachment.
func (o *Orchestrator) createNetwork(ctx context.Context, st *stackState, name string) error {
	runtimeName := topology.NetworkName(st.topo.Name, name)
	id, err := o.rt.CreateNetwork(ctx, runtime.NetworkSpec{
		Name:   runtimeName,
		Driver: string(topology.DriverBridge),
		Labels: o.stackLabels(st.topo.Name),
	})
	if err != nil {
		if isAlreadyExists(err, runtime.ErrNetworkExists) {
			o.logger.Debug("network already exists, reusing", "network", runtimeName)
			id = runtimeName
		} else {
			return err
		}
	}

	now := time.Now().UTC()
	o.mu.Lock()
	st.networks[name] = &entityState{runtimeID: id, createdAt: now}
	o.mu.Unlock()

	o.recordEntity(ctx, st.topo.Name, store.KindNetwork, name, id, now)
	o.logger.Debug("created network", "network", runtimeName, "network_id", id)
	return nil
}

// createVolume creates one declared volume, idempotently.
func (o *Orchestrator) createVolume(ctx context.Context, st *stackState, name string) error {
	runtimeName := topology.VolumeName(st.topo.Name, name)
	id, err := o.rt.CreateVolume(ctx, runtime.VolumeSpec{
		Name:   runtimeName,
		Labels: o.stackLabels(st.topo.Name),
	})
	if err != nil {
		if isAlreadyExists(err, runtime.ErrVolumeExists) {
			o.logger.Debug("volume already exists, reusing", "volume", runtimeName)
			id = runtimeName
		} else {
			return err
		}
	}

	now := time.Now().UTC()
	o.mu.Lock()
	st.volumes[name] = &entityState{runtimeID: id, createdAt: now}
	o.mu.Unlock()

	o.recordEntity(ctx, st.topo.Name, store.KindVolume, name, id, now)
	o.logger.Debug("created volume", "volume", runtimeName)
	return nil
}

// pullImages pulls any image not already present. Pull failures surface
// later as container create failures, so they only warn here.
func (o *Orchestrator) pullImages(ctx context.Context, services []topology.Service) {
	for _, svc := range services {
		exists, _ := o.rt.ImageExists(ctx, svc.Image)
		if exists {
			continue
		}
		o.logger.Info("pulling image", "image", svc.Image)
		if err := o.rt.PullImage(ctx, svc.Image); err != nil {
			o.logger.Warn("failed to pull image, trying anyway", "image", svc.Image, "error", err)
		}
	}
}

// =============================================================================
// Service Start
// =============================================================================

// startService transitions one service pending/failed/stopped → starting →
// running. An existing container for the service is reused so re-applying
// a topology does not create duplicates.
func (o *Orchestrator) startService(ctx context.Context, st *stackState, name string) error {
	if err := o.setPhase(ctx, st, name, lifecycle.PhaseStarting, ""); err != nil {
		return err
	}

	containerID, err := o.ensureContainer(ctx, st, name)
	if err != nil {
		o.markFailed(ctx, st, name, err.Error())
		return err
	}

	if err := o.rt.StartContainer(ctx, containerID); err != nil {
		o.markFailed(ctx, st, name, err.Error())
		return err
	}

	info, err := o.rt.InspectContainer(ctx, containerID)
	if err != nil {
		o.markFailed(ctx, st, name, err.Error())
		return err
	}
	if info.Status != runtime.StatusRunning {
		err := fmt.Errorf("container %s is %s after start", containerID[:12], info.Status)
		o.markFailed(ctx, st, name, err.Error())
		return err
	}

	o.mu.Lock()
	st.services[name].containerID = containerID
	o.mu.Unlock()

	if err := o.setPhase(ctx, st, name, lifecycle.PhaseRunning, ""); err != nil {
		return err
	}

	o.recordEntity(ctx, st.topo.Name, store.KindService, name, containerID, time.Now().UTC())
	o.logger.Info("service running", "stack", st.topo.Name, "service", name, "container_id", shortID(containerID))
	return nil
}

// ensureContainer finds the service's existing container or creates one.
func (o *Orchestrator) ensureContainer(ctx context.Context, st *stackState, name string) (string, error) {
	existing, err := o.rt.ListContainers(ctx, runtime.ListOptions{
		All: true,
		Filters: map[string]string{
			"label": fmt.Sprintf("%s=%s", runtime.LabelStack, st.topo.Name),
		},
	})
	if err != nil {
		return "", err
	}
	for _, c := range existing {
		if c.Labels[runtime.LabelService] == name {
			o.logger.Debug("reusing existing container", "service", name, "container_id", shortID(c.ID))
			return c.ID, nil
		}
	}

	o.mu.Lock()
	spec := o.buildContainerSpec(st, st.services[name].spec)
	o.mu.Unlock()

	containerID, err := o.rt.CreateContainer(ctx, spec)
	if err != nil {
		return "", err
	}
	o.logger.Debug("created container", "service", name, "container_id", shortID(containerID))
	return containerID, nil
}

// buildContainerSpec builds a runtime container spec from a declared
// service, translating declared names to runtime names.
func (o *Orchestrator) buildContainerSpec(st *stackState, svc topology.Service) runtime.ContainerSpec {
	labels := o.stackLabels(st.topo.Name)
	labels[runtime.LabelService] = svc.Name

	spec := runtime.ContainerSpec{
		Name:   topology.ContainerName(st.topo.Name, svc.Name),
		Image:  svc.Image,
		Env:    svc.Environment,
		Labels: labels,
	}

	for _, p := range svc.Ports {
		spec.Ports = append(spec.Ports, runtime.PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	for _, m := range svc.VolumeMounts {
		spec.Mounts = append(spec.Mounts, runtime.Mount{
			Volume:   topology.VolumeName(st.topo.Name, m.Volume),
			Path:     m.Path,
			ReadOnly: m.ReadOnly,
		})
	}

	for _, n := range svc.Networks {
		spec.Networks = append(spec.Networks, topology.NetworkName(st.topo.Name, n))
	}

	return spec
}

// blockedBy returns why a service cannot be attempted, or nil: a failed
// dependency, or a network/volume it needs that missed creation.
func (o *Orchestrator) blockedBy(svc topology.Service, failed map[string]bool) error {
	for _, dep := range svc.DependsOn {
		if failed["service/"+dep] {
			return fmt.Errorf("%w: %s", ErrDependencyNotRunning, dep)
		}
	}
	for _, n := range svc.Networks {
		if failed["network/"+n] {
			return fmt.Errorf("network %q was not created", n)
		}
	}
	for _, m := range svc.VolumeMounts {
		if failed["volume/"+m.Volume] {
			return fmt.Errorf("volume %q was not created", m.Volume)
		}
	}
	return nil
}

// =============================================================================
// Phase Bookkeeping
// =============================================================================

// setPhase validates and applies a phase transition, then records it.
func (o *Orchestrator) setPhase(ctx context.Context, st *stackState, name string, phase lifecycle.Phase, detail string) error {
	o.mu.Lock()
	svc, ok := st.services[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	if err := lifecycle.ValidateTransition(svc.phase, phase); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("%s: %s -> %s: %w", name, svc.phase, phase, err)
	}
	svc.phase = phase
	svc.updatedAt = time.Now().UTC()
	if phase == lifecycle.PhaseStarting {
		svc.lastError = ""
	}
	if detail != "" {
		svc.lastError = detail
	}
	o.mu.Unlock()

	if err := o.store.RecordPhase(ctx, &store.PhaseRecord{
		Stack:   st.topo.Name,
		Service: name,
		Phase:   string(phase),
		Detail:  detail,
		At:      time.Now().UTC(),
	}); err != nil {
		o.logger.Warn("failed to record phase", "service", name, "phase", phase, "error", err)
	}
	return nil
}

// markFailed moves a service to failed and hands it to the restart
// supervisor.
func (o *Orchestrator) markFailed(ctx context.Context, st *stackState, name, detail string) {
	if err := o.setPhase(ctx, st, name, lifecycle.PhaseFailed, detail); err != nil {
		o.logger.Warn("failed to mark service failed", "service", name, "error", err)
		return
	}
	o.logger.Warn("service failed", "stack", st.topo.Name, "service", name, "error", detail)
	o.superviseFailure(st, name, 1)
}

// =============================================================================
// Helpers
// =============================================================================

func (o *Orchestrator) stackLabels(stack string) map[string]string {
	return map[string]string{
		runtime.LabelManaged: "true",
		runtime.LabelStack:   stack,
	}
}

func (o *Orchestrator) recordEntity(ctx context.Context, stack string, kind store.EntityKind, name, runtimeID string, createdAt time.Time) {
	err := o.store.UpsertEntity(ctx, &store.EntityRecord{
		Stack:     stack,
		Kind:      kind,
		Name:      name,
		RuntimeID: runtimeID,
		CreatedAt: createdAt,
	})
	if err != nil {
		o.logger.Warn("failed to record entity", "kind", kind, "name", name, "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func isAlreadyExists(err, sentinel error) bool {
	return errors.Is(err, sentinel)
}

// startWaves groups an already-resolved start order into waves: wave n
// holds services whose dependencies all resolved in waves before n.
// Services inside one wave have no ordering relationship and may start
// concurrently.
func startWaves(ordered []topology.Service) [][]topology.Service {
	depth := make(map[string]int, len(ordered))
	var waves [][]topology.Service

	for _, svc := range ordered {
		d := 0
		for _, dep := range svc.DependsOn {
			if depDepth, ok := depth[dep]; ok && depDepth+1 > d {
				d = depDepth + 1
			}
		}
		depth[svc.Name] = d
		for len(waves) <= d {
			waves = append(waves, nil)
		}
		waves[d] = append(waves[d], svc)
	}

	return waves
}
