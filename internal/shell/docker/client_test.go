package docker

import (
	"testing"

	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"

	"github.com/cage-dev/cage/internal/core/project"
)

func testClient() *Client {
	return &Client{project: "myproj"}
}

func TestContainerName(t *testing.T) {
	svc := &project.Service{Pod: "app", Name: "api"}
	assert.Equal(t, "myproj_app_api", testClient().containerName(svc))
}

func TestImageFor(t *testing.T) {
	c := testClient()

	withImage := &project.Service{Pod: "db", Name: "postgres", Image: "postgres:16"}
	assert.Equal(t, "postgres:16", c.imageFor(withImage))

	buildOnly := &project.Service{Pod: "app", Name: "API", Build: "./api"}
	assert.Equal(t, "myproj-app-api", c.imageFor(buildOnly))
}

func TestFlattenEnv_SortedAndOverridden(t *testing.T) {
	env := flattenEnv(
		map[string]string{"B": "base", "A": "base"},
		map[string]string{"B": "override", "C": "extra"},
	)
	assert.Equal(t, []string{"A=base", "B=override", "C=extra"}, env)
}

func TestContainerLabels_AddsProjectLabel(t *testing.T) {
	svc := &project.Service{Pod: "app", Name: "api", Labels: map[string]string{"custom": "x"}}
	labels := containerLabels("myproj", svc)
	assert.Equal(t, "x", labels["custom"])
	assert.Equal(t, "myproj", labels[LabelProject])

	// The service's own label map must not be mutated.
	assert.NotContains(t, svc.Labels, LabelProject)
}

func TestServiceMounts_BindVersusVolume(t *testing.T) {
	svc := &project.Service{
		Volumes: []project.VolumeMount{
			{Source: "/home/dev/src", Target: "/app"},
			{Source: "./local", Target: "/local"},
			{Source: "pgdata", Target: "/var/lib/postgresql/data"},
		},
	}
	mounts := serviceMounts(svc)
	assert.Equal(t, mount.TypeBind, mounts[0].Type)
	assert.Equal(t, mount.TypeBind, mounts[1].Type)
	assert.Equal(t, mount.TypeVolume, mounts[2].Type)
}

func TestPortBindings(t *testing.T) {
	svc := &project.Service{
		Ports: []project.PortBinding{
			{ContainerPort: 8080, HostPort: "80", Protocol: "tcp"},
			{ContainerPort: 53, Protocol: "udp"},
		},
	}
	exposed, bindings := portBindings(svc)

	assert.Contains(t, exposed, nat.Port("8080/tcp"))
	assert.Contains(t, exposed, nat.Port("53/udp"))
	assert.Equal(t, "80", bindings["8080/tcp"][0].HostPort)
	assert.Equal(t, "", bindings["53/udp"][0].HostPort)
}

func TestPortBindings_NoneDeclared(t *testing.T) {
	exposed, bindings := portBindings(&project.Service{})
	assert.Nil(t, exposed)
	assert.Nil(t, bindings)
}
