package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quayside/stackd/internal/core/lifecycle"
	"github.com/quayside/stackd/internal/shell/runtime"
)

// =============================================================================
// Container Monitor
// =============================================================================

// Monitor watches the containers of running services and reports exits
// back to the orchestrator, which applies each service's restart policy.
type Monitor struct {
	orch     *Orchestrator
	rt       runtime.Runtime
	logger   *slog.Logger
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a container monitor.
func NewMonitor(orch *Orchestrator, rt runtime.Runtime, logger *slog.Logger, interval time.Duration) *Monitor {
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		orch:     orch,
		rt:       rt,
		logger:   logger.With("component", "monitor"),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the monitoring loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
	m.logger.Info("monitor started", "interval", m.interval)
}

// Stop stops the monitoring loop and waits for it to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep inspects every service the orchestrator believes is running and
// flags the ones whose containers have exited.
func (m *Monitor) sweep(ctx context.Context) {
	for _, target := range m.orch.runningServices() {
		info, err := m.rt.InspectContainer(ctx, target.containerID)
		if err != nil {
			m.logger.Warn("failed to inspect container",
				"stack", target.stack,
				"service", target.service,
				"container_id", shortID(target.containerID),
				"error", err,
			)
			continue
		}
		if info.Status == runtime.StatusRunning {
			continue
		}

		m.logger.Warn("container exited",
			"stack", target.stack,
			"service", target.service,
			"container_id", shortID(target.containerID),
			"status", info.Status,
			"exit_code", info.ExitCode,
		)
		m.orch.reportExit(ctx, target.stack, target.service, info.ExitCode)
	}
}

// monitorTarget identifies one running service's container.
type monitorTarget struct {
	stack       string
	service     string
	containerID string
}

// runningServices snapshots every service currently believed running.
func (o *Orchestrator) runningServices() []monitorTarget {
	o.mu.Lock()
	defer o.mu.Unlock()

	var targets []monitorTarget
	for stackName, st := range o.stacks {
		for name, svc := range st.services {
			if svc.phase == lifecycle.PhaseRunning && svc.containerID != "" {
				targets = append(targets, monitorTarget{
					stack:       stackName,
					service:     name,
					containerID: svc.containerID,
				})
			}
		}
	}
	return targets
}

// reportExit moves a service running → failed on a container exit and
// hands it to the restart supervisor with the container's exit code.
func (o *Orchestrator) reportExit(ctx context.Context, stack, service string, exitCode int) {
	o.mu.Lock()
	st, ok := o.stacks[stack]
	o.mu.Unlock()
	if !ok {
		return
	}

	detail := fmt.Sprintf("container exited with code %d", exitCode)
	if err := o.setPhase(ctx, st, service, lifecycle.PhaseFailed, detail); err != nil {
		// Phase already moved (teardown or explicit restart raced the sweep).
		o.logger.Debug("exit report dropped", "stack", stack, "service", service, "error", err)
		return
	}
	o.superviseFailure(st, service, exitCode)
}
