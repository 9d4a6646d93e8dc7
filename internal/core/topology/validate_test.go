package topology

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Validate Tests
// =============================================================================

func validTopology() *Topology {
	return &Topology{
		Name: "gallery",
		Services: []Service{
			{
				Name:      "admin",
				Image:     "gallery/console:1.4",
				Ports:     []Port{{HostPort: 8081, ContainerPort: 80, Protocol: "tcp"}},
				Networks:  []string{"backend"},
				DependsOn: []string{"db"},
				Restart:   RestartOnFailure,
			},
			{
				Name:         "db",
				Image:        "mariadb:11",
				VolumeMounts: []VolumeMount{{Volume: "dbdata", Path: "/var/lib/mysql"}},
				Networks:     []string{"backend"},
				Restart:      RestartAlways,
			},
		},
		Networks: []Network{{Name: "backend", Driver: DriverBridge}},
		Volumes:  []Volume{{Name: "dbdata"}},
	}
}

func TestValidate_ValidTopology(t *testing.T) {
	assert.NoError(t, Validate(validTopology()))
}

func TestValidate_DanglingVolume(t *testing.T) {
	topo := validTopology()
	topo.Services[1].VolumeMounts[0].Volume = "missing"

	err := Validate(topo)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownVolume)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 1)
	assert.Equal(t, "services.db.volumes[0]", verr.Violations[0].Field)
}

func TestValidate_DanglingNetwork(t *testing.T) {
	topo := validTopology()
	topo.Services[0].Networks = []string{"frontend"}

	err := Validate(topo)
	assert.ErrorIs(t, err, ErrUnknownNetwork)
}

func TestValidate_DanglingDependency(t *testing.T) {
	topo := validTopology()
	topo.Services[0].DependsOn = []string{"cache"}

	err := Validate(topo)
	assert.ErrorIs(t, err, ErrUnknownDependency)
}

func TestValidate_SelfDependency(t *testing.T) {
	topo := validTopology()
	topo.Services[0].DependsOn = []string{"admin"}

	err := Validate(topo)
	assert.ErrorIs(t, err, ErrDependencyCycle)

	// One defect, one violation: the direct report must not be doubled
	// by the cycle sweep.
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 1)
	assert.Equal(t, "services.admin.depends_on[0]", verr.Violations[0].Field)
}

func TestValidate_PortCollision(t *testing.T) {
	topo := validTopology()
	topo.Services[1].Ports = []Port{{HostPort: 8081, ContainerPort: 3306, Protocol: "tcp"}}

	err := Validate(topo)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortCollision)
}

func TestValidate_DynamicPortsNeverCollide(t *testing.T) {
	topo := validTopology()
	topo.Services[0].Ports = []Port{{HostPort: 0, ContainerPort: 80, Protocol: "tcp"}}
	topo.Services[1].Ports = []Port{{HostPort: 0, ContainerPort: 3306, Protocol: "tcp"}}

	assert.NoError(t, Validate(topo))
}

func TestValidate_DependencyCycle(t *testing.T) {
	topo := &Topology{
		Name: "tangled",
		Services: []Service{
			{Name: "a", Image: "img", DependsOn: []string{"c"}},
			{Name: "b", Image: "img", DependsOn: []string{"a"}},
			{Name: "c", Image: "img", DependsOn: []string{"b"}},
		},
	}

	err := Validate(topo)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyCycle)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Violations[0].Message, "a, b, c")
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	// Dangling network, dangling volume, dangling dependency, port collision.
	topo := validTopology()
	topo.Services[0].Networks = []string{"frontend"}
	topo.Services[1].VolumeMounts[0].Volume = "missing"
	topo.Services[1].DependsOn = []string{"cache"}
	topo.Services[1].Ports = []Port{{HostPort: 8081, ContainerPort: 3306}}

	err := Validate(topo)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Violations, 4)

	// Every sentinel is reachable through errors.Is on the aggregate.
	for _, sentinel := range []error{ErrUnknownNetwork, ErrUnknownVolume, ErrUnknownDependency, ErrPortCollision} {
		assert.True(t, errors.Is(err, sentinel), sentinel.Error())
	}
}

// =============================================================================
// Cycle Detection Tests
// =============================================================================

func TestCycleMembers(t *testing.T) {
	tests := []struct {
		name     string
		services []Service
		want     []string
	}{
		{
			name: "no cycle",
			services: []Service{
				{Name: "a"},
				{Name: "b", DependsOn: []string{"a"}},
				{Name: "c", DependsOn: []string{"b"}},
			},
			want: nil,
		},
		{
			name: "three-member cycle",
			services: []Service{
				{Name: "a", DependsOn: []string{"c"}},
				{Name: "b", DependsOn: []string{"a"}},
				{Name: "c", DependsOn: []string{"b"}},
			},
			want: []string{"a", "b", "c"},
		},
		{
			name: "cycle excludes unaffected services",
			services: []Service{
				{Name: "a", DependsOn: []string{"b"}},
				{Name: "b", DependsOn: []string{"a"}},
				{Name: "standalone"},
			},
			want: []string{"a", "b"},
		},
		{
			name: "dependent of a cycle is not a member",
			services: []Service{
				{Name: "a", DependsOn: []string{"b"}},
				{Name: "b", DependsOn: []string{"a"}},
				{Name: "consumer", DependsOn: []string{"a"}},
			},
			want: []string{"a", "b"},
		},
		{
			name: "chain hanging off a cycle is not a member",
			services: []Service{
				{Name: "a", DependsOn: []string{"b"}},
				{Name: "b", DependsOn: []string{"a"}},
				{Name: "c", DependsOn: []string{"a"}},
				{Name: "d", DependsOn: []string{"c"}},
			},
			want: []string{"a", "b"},
		},
		{
			name: "self-dependency is a one-member cycle",
			services: []Service{
				{Name: "a", DependsOn: []string{"a"}},
				{Name: "b", DependsOn: []string{"a"}},
			},
			want: []string{"a"},
		},
		{
			name: "two disjoint cycles",
			services: []Service{
				{Name: "a", DependsOn: []string{"b"}},
				{Name: "b", DependsOn: []string{"a"}},
				{Name: "c", DependsOn: []string{"d"}},
				{Name: "d", DependsOn: []string{"c"}},
			},
			want: []string{"a", "b", "c", "d"},
		},
		{
			name: "dangling edges are ignored",
			services: []Service{
				{Name: "a", DependsOn: []string{"ghost"}},
				{Name: "b", DependsOn: []string{"a"}},
			},
			want: nil,
		},
		{
			name:     "empty input",
			services: nil,
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CycleMembers(tt.services))
		})
	}
}
