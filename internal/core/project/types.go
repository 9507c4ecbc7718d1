package project

import (
	"strings"

	"github.com/cage-dev/cage/internal/core/mergetree"
)

// =============================================================================
// Targets
// =============================================================================

const (
	// DefaultTarget is the overlay selected when none is specified.
	DefaultTarget = "development"

	// TestTarget is the overlay the test verb defaults to.
	TestTarget = "test"
)

// =============================================================================
// Cage Service Labels
// =============================================================================

// Label keys cage reads from service definitions. They are stripped from
// exported output.
const (
	LabelSourceAlias = "io.cage.srcalias"
	LabelSourceDir   = "io.cage.srcdir"
	LabelTestCommand = "io.cage.test"
	LabelDependsOn   = "io.cage.depends_on"
)

// DefaultSourceDir is where a mounted source tree lands in the container
// when the service does not say otherwise.
const DefaultSourceDir = "/app"

// =============================================================================
// Service
// =============================================================================

// Service is a single runnable unit, fully merged. Names are unique within
// a pod but may collide across pods; the canonical identifier is Ref().
type Service struct {
	Name string
	Pod  string

	Image      string
	Build      string // build context, empty when image-only
	Entrypoint []string
	Command    []string

	Environment map[string]string
	Labels      map[string]string

	// DependsOn holds normalized "pod/service" references derived from
	// depends_on, links, and the io.cage.depends_on label.
	DependsOn []string

	Ports   []PortBinding
	Volumes []VolumeMount
}

// PortBinding is one published port on a service.
type PortBinding struct {
	HostIP        string
	HostPort      string // "" for auto-assign
	ContainerPort uint32
	Protocol      string // "tcp" or "udp"
}

// VolumeMount is one mount specification on a service.
type VolumeMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Ref returns the canonical "pod/service" identifier.
func (s *Service) Ref() string {
	return s.Pod + "/" + s.Name
}

// SourceAlias returns the source alias this service consumes, or "".
func (s *Service) SourceAlias() string {
	return s.Labels[LabelSourceAlias]
}

// SourceDir returns where a mounted source tree should land in the
// container.
func (s *Service) SourceDir() string {
	if dir := s.Labels[LabelSourceDir]; dir != "" {
		return dir
	}
	return DefaultSourceDir
}

// TestCommand returns the service's test command label, or "".
func (s *Service) TestCommand() string {
	return s.Labels[LabelTestCommand]
}

// ImageTagged reports whether the image reference carries an explicit tag
// or digest.
func (s *Service) ImageTagged() bool {
	return imageTagged(s.Image)
}

// =============================================================================
// Pod
// =============================================================================

// Pod is a named group of services defined by one pod file and merged as a
// unit.
type Pod struct {
	Name string

	// ServiceNames in declaration order within the pod file.
	ServiceNames []string

	// Tree is the fully merged definition document for this pod.
	Tree *mergetree.Node
}

// =============================================================================
// SourceMount
// =============================================================================

// SourceMount is the contribution of one mounted source alias to
// composition: every consuming service gets a bind mount of HostPath.
type SourceMount struct {
	Alias    string
	HostPath string

	// MountDir is the default container path for this alias, from the
	// sources file. A service-level io.cage.srcdir label overrides it.
	MountDir string
}

// =============================================================================
// EffectiveConfiguration
// =============================================================================

// EffectiveConfiguration is the immutable result of composing a project for
// one target. All downstream components read it but never mutate it; any
// change requires re-running Compose.
type EffectiveConfiguration struct {
	Project string
	Target  string

	pods     []*Pod
	podIndex map[string]*Pod

	// services in declaration order: pods in load order, services in pod
	// declaration order. This order is the deterministic tie-breaker for
	// dependency scheduling.
	services []*Service
	byRef    map[string]*Service
	byName   map[string][]*Service
}

// Pods returns every pod in load order.
func (c *EffectiveConfiguration) Pods() []*Pod {
	return c.pods
}

// Pod looks up a pod by name.
func (c *EffectiveConfiguration) Pod(name string) (*Pod, bool) {
	pod, ok := c.podIndex[name]
	return pod, ok
}

// Services returns every service in declaration order.
func (c *EffectiveConfiguration) Services() []*Service {
	return c.services
}

// ServiceByRef looks up a service by its "pod/service" identifier.
func (c *EffectiveConfiguration) ServiceByRef(ref string) (*Service, bool) {
	svc, ok := c.byRef[ref]
	return svc, ok
}

// PodServices returns the services of one pod in declaration order.
func (c *EffectiveConfiguration) PodServices(pod string) []*Service {
	p, ok := c.podIndex[pod]
	if !ok {
		return nil
	}
	out := make([]*Service, 0, len(p.ServiceNames))
	for _, name := range p.ServiceNames {
		out = append(out, c.byRef[pod+"/"+name])
	}
	return out
}

// =============================================================================
// Image Reference Helpers
// =============================================================================

// imageTagged reports whether an image reference has an explicit tag or
// digest. The colon check applies only after the final slash so registry
// ports are not mistaken for tags.
func imageTagged(image string) bool {
	if image == "" {
		return false
	}
	name := image
	if idx := strings.LastIndex(image, "/"); idx >= 0 {
		name = image[idx+1:]
	}
	return strings.Contains(name, ":") || strings.Contains(name, "@")
}
