package topology

// =============================================================================
// Topology - Main Model
// =============================================================================

// Topology is the full set of declared services, networks, and volumes.
// It is the validated, normalized form of a declaration document.
type Topology struct {
	Name     string    `json:"name"`
	Services []Service `json:"services"`
	Networks []Network `json:"networks,omitempty"`
	Volumes  []Volume  `json:"volumes,omitempty"`
}

// Service returns the service with the given name, or nil.
func (t *Topology) Service(name string) *Service {
	for i := range t.Services {
		if t.Services[i].Name == name {
			return &t.Services[i]
		}
	}
	return nil
}

// =============================================================================
// Service Types
// =============================================================================

// Service is a declared runnable unit binding an image, runtime
// configuration, and ordering dependencies on other services.
type Service struct {
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	Environment  map[string]string `json:"environment,omitempty"`
	Ports        []Port            `json:"ports,omitempty"`
	VolumeMounts []VolumeMount     `json:"volume_mounts,omitempty"`
	Networks     []string          `json:"networks,omitempty"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Restart      RestartPolicy     `json:"restart"`
}

// Port is a (host, container) port binding.
type Port struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"` // tcp, udp
	HostIP        string `json:"host_ip,omitempty"`
}

// VolumeMount binds a declared volume to a path inside the service.
type VolumeMount struct {
	Volume   string `json:"volume"`
	Path     string `json:"path"`
	ReadOnly bool   `json:"readonly,omitempty"`
}

// RestartPolicy governs what happens when a service fails.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
)

// =============================================================================
// Network Types
// =============================================================================

// NetworkDriver describes the isolation mode of a network.
type NetworkDriver string

const (
	// DriverBridge is the only driver this model uses.
	DriverBridge NetworkDriver = "bridge"
)

// Network is an isolated communication domain services join by name.
type Network struct {
	Name   string        `json:"name"`
	Driver NetworkDriver `json:"driver,omitempty"`
}

// =============================================================================
// Volume Types
// =============================================================================

// Volume is a named persistent storage unit with a lifetime independent of
// any single referencing service.
type Volume struct {
	Name string `json:"name"`
}
