package topology

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// Topology Validator
// =============================================================================

// Validate checks every declared invariant and returns a ValidationError
// enumerating all violations, or nil when the topology is well formed.
// It is a pure check: nothing is created before it passes.
//
// Invariants checked:
//   - every volume mount references a declared volume
//   - every network membership references a declared network
//   - every depends_on edge references a declared service
//   - host ports are globally unique across the topology
//   - depends_on edges form a directed acyclic graph
func Validate(topo *Topology) error {
	verr := &ValidationError{}

	declaredVolumes := make(map[string]bool, len(topo.Volumes))
	for _, v := range topo.Volumes {
		declaredVolumes[v.Name] = true
	}
	declaredNetworks := make(map[string]bool, len(topo.Networks))
	for _, n := range topo.Networks {
		declaredNetworks[n.Name] = true
	}
	declaredServices := make(map[string]bool, len(topo.Services))
	for _, s := range topo.Services {
		declaredServices[s.Name] = true
	}

	// Host ports must be unique across all services.
	hostPorts := make(map[int]string) // host port -> first claiming service

	selfDeps := make(map[string]bool)

	for _, svc := range topo.Services {
		for i, m := range svc.VolumeMounts {
			if !declaredVolumes[m.Volume] {
				verr.add(
					fmt.Sprintf("services.%s.volumes[%d]", svc.Name, i),
					fmt.Sprintf("volume %q is not declared", m.Volume),
					ErrUnknownVolume,
				)
			}
		}

		for i, net := range svc.Networks {
			if !declaredNetworks[net] {
				verr.add(
					fmt.Sprintf("services.%s.networks[%d]", svc.Name, i),
					fmt.Sprintf("network %q is not declared", net),
					ErrUnknownNetwork,
				)
			}
		}

		for i, dep := range svc.DependsOn {
			if dep == svc.Name {
				selfDeps[svc.Name] = true
				verr.add(
					fmt.Sprintf("services.%s.depends_on[%d]", svc.Name, i),
					"service cannot depend on itself",
					ErrDependencyCycle,
				)
				continue
			}
			if !declaredServices[dep] {
				verr.add(
					fmt.Sprintf("services.%s.depends_on[%d]", svc.Name, i),
					fmt.Sprintf("service %q is not declared", dep),
					ErrUnknownDependency,
				)
			}
		}

		for i, p := range svc.Ports {
			if p.HostPort == 0 {
				continue // dynamically assigned, never collides
			}
			if first, taken := hostPorts[p.HostPort]; taken {
				verr.add(
					fmt.Sprintf("services.%s.ports[%d]", svc.Name, i),
					fmt.Sprintf("host port %d is already bound by service %q", p.HostPort, first),
					ErrPortCollision,
				)
				continue
			}
			hostPorts[p.HostPort] = svc.Name
		}
	}

	// Self-dependencies are already reported above; strip those edges so
	// the cycle sweep does not report the same defect a second time.
	swept := topo.Services
	if len(selfDeps) > 0 {
		swept = make([]Service, len(topo.Services))
		copy(swept, topo.Services)
		for i := range swept {
			if !selfDeps[swept[i].Name] {
				continue
			}
			deps := make([]string, 0, len(swept[i].DependsOn))
			for _, dep := range swept[i].DependsOn {
				if dep != swept[i].Name {
					deps = append(deps, dep)
				}
			}
			swept[i].DependsOn = deps
		}
	}

	if cycle := CycleMembers(swept); len(cycle) > 0 {
		verr.add(
			"services",
			fmt.Sprintf("dependency cycle among services [%s]", strings.Join(cycle, ", ")),
			ErrDependencyCycle,
		)
	}

	if len(verr.Violations) == 0 {
		return nil
	}
	return verr
}

// =============================================================================
// Cycle Detection
// =============================================================================

// CycleMembers returns the names of every service on a dependency cycle,
// sorted, or nil when the depends_on edges form a DAG. A service that only
// depends on a cycle without being part of one is not a member. Edges to
// undeclared services are ignored here; Validate reports those separately.
//
// Members are the strongly connected components with more than one
// service (Tarjan), plus any service that depends on itself.
func CycleMembers(services []Service) []string {
	declared := make(map[string]bool, len(services))
	for _, svc := range services {
		declared[svc.Name] = true
	}

	adjacent := make(map[string][]string, len(services))
	selfLoop := make(map[string]bool)
	for _, svc := range services {
		for _, dep := range svc.DependsOn {
			if !declared[dep] {
				continue
			}
			if dep == svc.Name {
				selfLoop[svc.Name] = true
				continue
			}
			adjacent[svc.Name] = append(adjacent[svc.Name], dep)
		}
	}

	index := make(map[string]int, len(services))
	lowLink := make(map[string]int, len(services))
	onStack := make(map[string]bool, len(services))
	var stack []string
	next := 0
	inCycle := make(map[string]bool)

	var connect func(name string)
	connect = func(name string) {
		index[name] = next
		lowLink[name] = next
		next++
		stack = append(stack, name)
		onStack[name] = true

		for _, dep := range adjacent[name] {
			if _, visited := index[dep]; !visited {
				connect(dep)
				if lowLink[dep] < lowLink[name] {
					lowLink[name] = lowLink[dep]
				}
			} else if onStack[dep] && index[dep] < lowLink[name] {
				lowLink[name] = index[dep]
			}
		}

		if lowLink[name] != index[name] {
			return
		}
		var component []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component = append(component, top)
			if top == name {
				break
			}
		}
		if len(component) > 1 {
			for _, member := range component {
				inCycle[member] = true
			}
		}
	}

	for _, svc := range services {
		if _, visited := index[svc.Name]; !visited {
			connect(svc.Name)
		}
	}
	for name := range selfLoop {
		inCycle[name] = true
	}

	if len(inCycle) == 0 {
		return nil
	}
	members := make([]string, 0, len(inCycle))
	for name := range inCycle {
		members = append(members, name)
	}
	sort.Strings(members)
	return members
}
