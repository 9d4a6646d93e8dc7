// Package order computes service start ordering from depends_on edges.
// Pure functions, no I/O.
package order

import (
	"fmt"
	"strings"

	"github.com/quayside/stackd/internal/core/topology"
)

// =============================================================================
// Cycle Error
// =============================================================================

// CycleError reports that no valid start order exists. Services lists every
// service participating in a cycle, sorted.
type CycleError struct {
	Services []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among services [%s]", strings.Join(e.Services, ", "))
}

// =============================================================================
// Dependency Resolver
// =============================================================================

// Resolve computes a start order consistent with every depends_on edge
// using Kahn's algorithm: a service appears only after all members of its
// DependsOn set.
//
// When several services are simultaneously free of unresolved dependencies,
// declaration order breaks the tie, so the result is deterministic for a
// given input. Returns a *CycleError naming the participating services when
// no valid order exists. The resolver re-checks cycles itself so it can be
// used standalone, without a prior Validate pass.
func Resolve(services []topology.Service) ([]topology.Service, error) {
	if len(services) == 0 {
		return nil, nil
	}

	declared := make(map[string]bool, len(services))
	for _, svc := range services {
		declared[svc.Name] = true
	}

	inDegree := make(map[string]int, len(services))
	for _, svc := range services {
		for _, dep := range svc.DependsOn {
			// Dangling edges are a validation concern; ignoring them here
			// keeps the resolver usable standalone.
			if declared[dep] {
				inDegree[svc.Name]++
			}
		}
	}

	result := make([]topology.Service, 0, len(services))
	emitted := make(map[string]bool, len(services))

	// Scan in declaration order each round instead of keeping a queue:
	// the first free not-yet-emitted service wins, which makes ties
	// deterministic.
	for len(result) < len(services) {
		progressed := false
		for _, svc := range services {
			if emitted[svc.Name] || inDegree[svc.Name] > 0 {
				continue
			}
			emitted[svc.Name] = true
			result = append(result, svc)
			progressed = true

			for _, other := range services {
				if emitted[other.Name] {
					continue
				}
				for _, dep := range other.DependsOn {
					if dep == svc.Name {
						inDegree[other.Name]--
					}
				}
			}
			break
		}
		if !progressed {
			return nil, &CycleError{Services: topology.CycleMembers(services)}
		}
	}

	return result, nil
}
