package topology

import "fmt"

// =============================================================================
// Runtime Resource Naming
// =============================================================================

// Runtime resource names are derived deterministically from the stack name
// so that re-applying the same declaration finds the entities it created
// before instead of minting duplicates.

// NetworkName generates the runtime name for a declared network.
// Pattern: stackd_{stack}_{network}
func NetworkName(stack, network string) string {
	return fmt.Sprintf("stackd_%s_%s", stack, network)
}

// VolumeName generates the runtime name for a declared volume.
// Pattern: stackd_{stack}_{volume}
func VolumeName(stack, volume string) string {
	return fmt.Sprintf("stackd_%s_%s", stack, volume)
}

// ContainerName generates the runtime name for a service's container.
// Pattern: stackd_{stack}_{service}
func ContainerName(stack, service string) string {
	return fmt.Sprintf("stackd_%s_%s", stack, service)
}
