package topology

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Parser Functions
// =============================================================================

// Parse parses a declaration in the reference compose-file grammar into a
// Topology. This is a pure function - no I/O, no side effects.
//
// The result is normalized: services, networks, volumes, and all name
// references are in a deterministic order, so downstream resolution is
// reproducible for a given input.
func Parse(name, yamlContent string) (*Topology, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	project, err := loadProject(yamlContent)
	if err != nil {
		return nil, err
	}

	if err := checkUnsupportedFeatures(project); err != nil {
		return nil, err
	}

	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	topo := &Topology{
		Name:     name,
		Services: make([]Service, 0, len(project.Services)),
		Networks: make([]Network, 0, len(project.Networks)),
		Volumes:  make([]Volume, 0, len(project.Volumes)),
	}

	// compose-go hands back maps; iterate sorted so the declaration order
	// seen by the resolver is stable.
	for _, svcName := range sortedKeys(project.Services) {
		converted, err := convertService(project.Services[svcName])
		if err != nil {
			return nil, err
		}
		topo.Services = append(topo.Services, converted)
	}

	for _, netName := range sortedKeys(project.Networks) {
		converted, err := convertNetwork(netName, project.Networks[netName])
		if err != nil {
			return nil, err
		}
		topo.Networks = append(topo.Networks, converted)
	}

	for _, volName := range sortedKeys(project.Volumes) {
		topo.Volumes = append(topo.Volumes, Volume{Name: volName})
	}

	return topo, nil
}

// loadProject loads a declaration using compose-go.
func loadProject(yamlContent string) (*types.Project, error) {
	// Parse YAML into a map first to catch syntax errors early
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(yamlContent),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName("stackd-temp", false)
		opts.SkipValidation = false
		opts.SkipInterpolation = false
		// In-memory input: no path resolution, no implicit default network,
		// no external file lookups.
		opts.SkipNormalization = true
		opts.SkipExtends = true
		// Reference checks (volumes, networks, depends_on) are the
		// validator's job; it aggregates every violation instead of
		// stopping at the first.
		opts.SkipConsistencyCheck = true
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "dependency cycle detected") {
			return nil, NewParseError("", "circular dependency detected", ErrDependencyCycle)
		}
		return nil, NewParseError("", errStr, ErrInvalidYAML)
	}

	return project, nil
}

// checkUnsupportedFeatures rejects declaration features outside this model.
func checkUnsupportedFeatures(project *types.Project) error {
	if len(project.Secrets) > 0 {
		return NewParseError("secrets", "secrets are not supported", ErrUnsupportedFeature)
	}
	if len(project.Configs) > 0 {
		return NewParseError("configs", "configs are not supported", ErrUnsupportedFeature)
	}
	for _, svc := range project.Services {
		if svc.Build != nil {
			return NewParseError("services."+svc.Name+".build", "image builds are not supported", ErrUnsupportedFeature)
		}
		if svc.Extends != nil && svc.Extends.File != "" {
			return NewParseError("services."+svc.Name+".extends", "extends is not supported", ErrUnsupportedFeature)
		}
	}
	return nil
}

// convertService converts a compose-go service to a Service.
func convertService(svc types.ServiceConfig) (Service, error) {
	service := Service{
		Name:        svc.Name,
		Image:       svc.Image,
		Environment: make(map[string]string),
	}

	if service.Image == "" {
		return Service{}, NewParseError("services."+svc.Name, "service must have an image", ErrServiceNoImage)
	}

	for _, p := range svc.Ports {
		var published int
		if p.Published != "" {
			pub, err := strconv.Atoi(p.Published)
			if err != nil {
				return Service{}, NewParseError("services."+svc.Name+".ports", "published port must be numeric", ErrInvalidPort)
			}
			published = pub
		}
		if p.Target == 0 || p.Target > 65535 {
			return Service{}, NewParseError("services."+svc.Name+".ports", "container port must be in 1-65535", ErrInvalidPort)
		}
		if published < 0 || published > 65535 {
			return Service{}, NewParseError("services."+svc.Name+".ports", "host port must be in 0-65535", ErrInvalidPort)
		}
		service.Ports = append(service.Ports, Port{
			HostPort:      published,
			ContainerPort: int(p.Target),
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	for k, v := range svc.Environment {
		if v != nil {
			service.Environment[k] = *v
		}
	}

	for _, v := range svc.Volumes {
		// The model only knows named volumes; host bind mounts and tmpfs
		// are runtime details it does not describe.
		if v.Type != "" && v.Type != string(VolumeMountTypeVolume) {
			return Service{}, NewParseError(
				"services."+svc.Name+".volumes",
				"only named volume mounts are supported",
				ErrUnsupportedFeature,
			)
		}
		service.VolumeMounts = append(service.VolumeMounts, VolumeMount{
			Volume:   v.Source,
			Path:     v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	for net := range svc.Networks {
		service.Networks = append(service.Networks, net)
	}
	sort.Strings(service.Networks)

	for dep := range svc.DependsOn {
		service.DependsOn = append(service.DependsOn, dep)
	}
	sort.Strings(service.DependsOn)

	restart, err := convertRestart(svc.Name, svc.Restart)
	if err != nil {
		return Service{}, err
	}
	service.Restart = restart

	return service, nil
}

// VolumeMountTypeVolume is the compose mount type for named volumes.
const VolumeMountTypeVolume = "volume"

// convertRestart maps the compose restart grammar onto the model's policy.
func convertRestart(svcName, restart string) (RestartPolicy, error) {
	switch restart {
	case "", "no", "none":
		return RestartNever, nil
	case "always":
		return RestartAlways, nil
	case "on-failure":
		return RestartOnFailure, nil
	default:
		return "", NewParseError("services."+svcName+".restart", "unsupported restart policy \""+restart+"\"", ErrInvalidRestart)
	}
}

// convertNetwork converts a compose-go network to a Network.
func convertNetwork(name string, net types.NetworkConfig) (Network, error) {
	driver := NetworkDriver(net.Driver)
	if driver == "" {
		driver = DriverBridge
	}
	if driver != DriverBridge {
		return Network{}, NewParseError("networks."+name+".driver", "only the bridge driver is supported", ErrUnsupportedFeature)
	}
	return Network{Name: name, Driver: driver}, nil
}

// sortedKeys returns the keys of a map in sorted order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
