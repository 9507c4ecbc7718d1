package project

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"

	"github.com/cage-dev/cage/internal/core/mergetree"
)

// =============================================================================
// Compose Input
// =============================================================================

// PodSource is the raw material for one pod: its base definition tree and,
// when the active target provides one, an overlay fragment.
type PodSource struct {
	Name    string
	File    string
	Base    *mergetree.Node
	Overlay *mergetree.Node // nil when the target has no overlay for this pod
}

// ComposeInput carries everything Compose needs. Compose itself is pure: it
// reads nothing from the filesystem or the environment.
type ComposeInput struct {
	Project string
	Target  string

	// Pods in load order. A target overlay may introduce pods that have no
	// base file; those arrive with Base nil.
	Pods []PodSource

	DefaultTags *DefaultTags  // may be nil
	Mounts      []SourceMount // active source mounts, already resolved to paths
}

// =============================================================================
// Compose
// =============================================================================

// Compose layers base pod definitions, target overlays, source-mount
// injections, and default tags into one EffectiveConfiguration.
//
// Composition is deterministic and all-or-nothing: any merge conflict,
// unparsable pod, or unresolved dependency fails the whole call, since a
// partially merged configuration is unsafe to act on.
func Compose(input ComposeInput) (*EffectiveConfiguration, error) {
	cfg := &EffectiveConfiguration{
		Project:  input.Project,
		Target:   input.Target,
		podIndex: map[string]*Pod{},
		byRef:    map[string]*Service{},
		byName:   map[string][]*Service{},
	}

	for _, src := range input.Pods {
		if _, dup := cfg.podIndex[src.Name]; dup {
			return nil, &PodError{
				Pod:     src.Name,
				File:    src.File,
				Message: "pod name is not unique within the project",
				Err:     ErrMalformedConfig,
			}
		}

		merged, err := mergetree.Merge(src.Base, src.Overlay)
		if err != nil {
			return nil, &PodError{Pod: src.Name, File: src.File, Message: err.Error(), Err: err}
		}
		injectMounts(merged, input.Mounts)
		applyDefaultTags(merged, input.DefaultTags)

		pod, services, err := extractPod(src.Name, src.File, merged)
		if err != nil {
			return nil, err
		}

		cfg.pods = append(cfg.pods, pod)
		cfg.podIndex[pod.Name] = pod
		for _, svc := range services {
			cfg.services = append(cfg.services, svc)
			cfg.byRef[svc.Ref()] = svc
			cfg.byName[svc.Name] = append(cfg.byName[svc.Name], svc)
		}
	}

	if err := validateDependencies(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateDependencies checks that every dependency reference resolves to a
// service in the final merged tree.
func validateDependencies(cfg *EffectiveConfiguration) error {
	for _, svc := range cfg.services {
		for _, ref := range svc.DependsOn {
			if _, ok := cfg.byRef[ref]; !ok {
				return &UnresolvedDependencyError{Service: svc.Ref(), Ref: ref}
			}
		}
	}
	return nil
}

// =============================================================================
// Source Mount Injection
// =============================================================================

// injectMounts rewrites service definitions in the merged tree, adding a
// bind mount for every service that consumes a mounted source alias. An
// alias with no consuming service changes nothing.
func injectMounts(tree *mergetree.Node, mounts []SourceMount) {
	if len(mounts) == 0 {
		return
	}
	services := tree.Get("services")
	if services == nil || services.Kind != mergetree.KindMapping {
		return
	}
	byAlias := make(map[string]SourceMount, len(mounts))
	for _, m := range mounts {
		byAlias[m.Alias] = m
	}
	for _, name := range services.Keys {
		svcNode := services.Children[name]
		if svcNode.Kind != mergetree.KindMapping {
			continue
		}
		alias := labelValue(svcNode.Get("labels"), LabelSourceAlias)
		mount, ok := byAlias[alias]
		if !ok {
			continue
		}
		dir := labelValue(svcNode.Get("labels"), LabelSourceDir)
		if dir == "" {
			dir = mount.MountDir
		}
		if dir == "" {
			dir = DefaultSourceDir
		}
		entry := mount.HostPath + ":" + dir

		volumes := svcNode.Get("volumes")
		if volumes == nil {
			volumes = mergetree.Sequence()
			svcNode.Set("volumes", volumes)
		}
		if volumes.Kind != mergetree.KindSequence {
			continue
		}
		if !hasScalarItem(volumes, entry) {
			volumes.Append(mergetree.Scalar(entry))
		}
	}
}

func hasScalarItem(seq *mergetree.Node, value string) bool {
	for _, item := range seq.Items {
		if item.Kind == mergetree.KindScalar && item.Value == value {
			return true
		}
	}
	return false
}

// labelValue reads one label from a labels node, tolerating both the
// mapping form (key: value) and the sequence form ("key=value").
func labelValue(labels *mergetree.Node, key string) string {
	if labels == nil {
		return ""
	}
	switch labels.Kind {
	case mergetree.KindMapping:
		if v := labels.Get(key); v != nil && v.Kind == mergetree.KindScalar {
			return v.Value
		}
	case mergetree.KindSequence:
		for _, item := range labels.Items {
			if item.Kind != mergetree.KindScalar {
				continue
			}
			if k, v, ok := strings.Cut(item.Value, "="); ok && k == key {
				return v
			}
		}
	}
	return ""
}

// =============================================================================
// Default Tag Application
// =============================================================================

// applyDefaultTags suffixes untagged image references in the merged tree
// with their default tag, when one is known. Images still untagged after
// this pass are left alone; the exporter flags them.
func applyDefaultTags(tree *mergetree.Node, tags *DefaultTags) {
	if tags == nil {
		return
	}
	services := tree.Get("services")
	if services == nil || services.Kind != mergetree.KindMapping {
		return
	}
	for _, name := range services.Keys {
		image := services.Children[name].Get("image")
		if image != nil && image.Kind == mergetree.KindScalar {
			image.Value = tags.ApplyTo(image.Value)
		}
	}
}

// =============================================================================
// Service Extraction
// =============================================================================

// extractPod parses a fully merged pod document into typed Service records
// using compose-go, mirroring the docker-compose semantics cage pods are
// written in.
func extractPod(podName, file string, tree *mergetree.Node) (*Pod, []*Service, error) {
	servicesNode := tree.Get("services")
	if servicesNode == nil || servicesNode.Kind != mergetree.KindMapping {
		return nil, nil, &PodError{
			Pod:     podName,
			File:    file,
			Message: "pod file must define a services mapping",
			Err:     ErrMalformedConfig,
		}
	}

	content, err := tree.MarshalYAML()
	if err != nil {
		return nil, nil, &PodError{Pod: podName, File: file, Message: err.Error(), Err: ErrMalformedConfig}
	}
	proj, err := loadComposeDocument(podName, content)
	if err != nil {
		return nil, nil, &PodError{Pod: podName, File: file, Message: err.Error(), Err: ErrMalformedConfig}
	}

	pod := &Pod{
		Name:         podName,
		ServiceNames: append([]string(nil), servicesNode.Keys...),
		Tree:         tree,
	}

	services := make([]*Service, 0, len(pod.ServiceNames))
	for _, name := range pod.ServiceNames {
		svcConfig, ok := proj.Services[name]
		if !ok {
			return nil, nil, &PodError{
				Pod:     podName,
				File:    file,
				Message: fmt.Sprintf("service %s missing after parse", name),
				Err:     ErrMalformedConfig,
			}
		}
		svc, err := convertService(podName, svcConfig)
		if err != nil {
			return nil, nil, &PodError{Pod: podName, File: file, Message: err.Error(), Err: ErrMalformedConfig}
		}
		services = append(services, svc)
	}
	return pod, services, nil
}

// loadComposeDocument parses one merged pod document with compose-go.
// Interpolation is skipped: composition must be pure, and exported files
// should carry placeholders through verbatim.
func loadComposeDocument(podName string, content []byte) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal(content, &dict); err != nil {
		return nil, err
	}
	return loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: content,
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName("cage-"+podName, false)
		opts.SkipValidation = false
		opts.SkipInterpolation = true
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
}

// convertService converts a compose-go service to our Service type.
func convertService(podName string, svc types.ServiceConfig) (*Service, error) {
	out := &Service{
		Name:        svc.Name,
		Pod:         podName,
		Image:       svc.Image,
		Entrypoint:  svc.Entrypoint,
		Command:     svc.Command,
		Environment: map[string]string{},
		Labels:      map[string]string{},
	}

	if svc.Build != nil {
		out.Build = svc.Build.Context
	}
	if out.Image == "" && out.Build == "" {
		return nil, fmt.Errorf("service %s must have image or build", svc.Name)
	}

	for k, v := range svc.Environment {
		if v != nil {
			out.Environment[k] = *v
		}
	}
	for k, v := range svc.Labels {
		out.Labels[k] = v
	}
	for _, p := range svc.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		out.Ports = append(out.Ports, PortBinding{
			HostIP:        p.HostIP,
			HostPort:      p.Published,
			ContainerPort: p.Target,
			Protocol:      proto,
		})
	}
	for _, v := range svc.Volumes {
		out.Volumes = append(out.Volumes, VolumeMount{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	out.DependsOn = dependencyRefs(podName, svc)
	return out, nil
}

// dependencyRefs collects dependency references from depends_on, links, and
// the io.cage.depends_on label, normalized to "pod/service" form. Bare
// names refer to the declaring pod; cross-pod references must be written
// "pod/service" in the label.
func dependencyRefs(podName string, svc types.ServiceConfig) []string {
	var refs []string
	seen := map[string]struct{}{}
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return
		}
		if !strings.Contains(ref, "/") {
			ref = podName + "/" + ref
		}
		if _, dup := seen[ref]; dup {
			return
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}

	// depends_on keys sorted for determinism; compose-go hands us a map.
	deps := make([]string, 0, len(svc.DependsOn))
	for name := range svc.DependsOn {
		deps = append(deps, name)
	}
	sort.Strings(deps)
	for _, name := range deps {
		add(name)
	}

	for _, link := range svc.Links {
		name, _, _ := strings.Cut(link, ":")
		add(name)
	}

	if label := svc.Labels[LabelDependsOn]; label != "" {
		for _, ref := range strings.Split(label, ",") {
			add(ref)
		}
	}
	return refs
}
