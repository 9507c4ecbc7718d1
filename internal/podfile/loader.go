// Package podfile reads pod definition files, target overlays, source
// declarations, and default tags from a project directory. It performs
// filesystem reads only; composition itself lives in the core packages.
package podfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cage-dev/cage/internal/core/mergetree"
	"github.com/cage-dev/cage/internal/core/project"
)

// =============================================================================
// Project Layout
// =============================================================================

const (
	// PodsDir is the subdirectory holding pod definition files.
	PodsDir = "pods"

	// TargetsDir holds one overlay directory per target under PodsDir.
	TargetsDir = "targets"

	// SourcesFile declares external source aliases, relative to PodsDir.
	SourcesFile = "sources.yml"

	// StateDir holds cage-managed state (clones, mount database) under the
	// project root.
	StateDir = ".cage"
)

// configSuffix marks pod-adjacent metadata files that are not pods.
const configSuffix = ".config"

// FindProjectRoot walks upward from the given directory until it finds one
// containing a pods subdirectory.
func FindProjectRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		info, err := os.Stat(filepath.Join(dir, PodsDir))
		if err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: no %s directory at or above %s",
				project.ErrConfigNotFound, PodsDir, start)
		}
		dir = parent
	}
}

// =============================================================================
// Loading
// =============================================================================

// Loaded is the raw configuration read from disk, ready for composition.
type Loaded struct {
	// Pods in file-name order. Pods introduced only by the target overlay
	// arrive with Base nil.
	Pods []project.PodSource

	// Targets available under pods/targets, sorted.
	Targets []string
}

// Load reads every pod definition under rootDir and, when the target has an
// overlay directory, the matching overlay fragments. It never caches:
// every call re-reads the filesystem.
func Load(rootDir, target string) (*Loaded, error) {
	podsDir := filepath.Join(rootDir, PodsDir)
	if info, err := os.Stat(podsDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a project root", project.ErrConfigNotFound, rootDir)
	}

	basePods, err := readPodDir(podsDir)
	if err != nil {
		return nil, err
	}

	overlayDir := filepath.Join(podsDir, TargetsDir, target)
	overlays := map[string]*mergetree.Node{}
	if _, err := os.Stat(overlayDir); err == nil {
		overlays, err = readOverlayDir(overlayDir)
		if err != nil {
			return nil, err
		}
	}

	loaded := &Loaded{}
	seen := map[string]struct{}{}
	for _, pod := range basePods {
		pod.Overlay = overlays[pod.Name]
		seen[pod.Name] = struct{}{}
		loaded.Pods = append(loaded.Pods, pod)
	}
	// Target overlays may introduce whole new pods.
	overlayNames := make([]string, 0, len(overlays))
	for name := range overlays {
		if _, ok := seen[name]; !ok {
			overlayNames = append(overlayNames, name)
		}
	}
	sort.Strings(overlayNames)
	for _, name := range overlayNames {
		loaded.Pods = append(loaded.Pods, project.PodSource{
			Name:    name,
			File:    filepath.Join(overlayDir, name+".yml"),
			Overlay: overlays[name],
		})
	}

	loaded.Targets, err = listTargets(podsDir)
	if err != nil {
		return nil, err
	}
	return loaded, nil
}

// readPodDir reads every *.yml pod definition, sorted by file name so load
// order (and thus declaration order downstream) is reproducible.
func readPodDir(podsDir string) ([]project.PodSource, error) {
	entries, err := os.ReadDir(podsDir)
	if err != nil {
		return nil, err
	}
	var pods []project.PodSource
	for _, entry := range entries {
		name, ok := podFileName(entry)
		if !ok {
			continue
		}
		path := filepath.Join(podsDir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		node, err := mergetree.FromYAML(content, path)
		if err != nil {
			return nil, err
		}
		pods = append(pods, project.PodSource{Name: name, File: path, Base: node})
	}
	sort.Slice(pods, func(i, j int) bool { return pods[i].Name < pods[j].Name })
	return pods, nil
}

func readOverlayDir(overlayDir string) (map[string]*mergetree.Node, error) {
	entries, err := os.ReadDir(overlayDir)
	if err != nil {
		return nil, err
	}
	overlays := map[string]*mergetree.Node{}
	for _, entry := range entries {
		name, ok := podFileName(entry)
		if !ok {
			continue
		}
		path := filepath.Join(overlayDir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		node, err := mergetree.FromYAML(content, path)
		if err != nil {
			return nil, err
		}
		overlays[name] = node
	}
	return overlays, nil
}

// podFileName returns the pod name for a directory entry, or ok=false when
// the entry is not a pod definition file.
func podFileName(entry os.DirEntry) (string, bool) {
	if entry.IsDir() {
		return "", false
	}
	base := entry.Name()
	if !strings.HasSuffix(base, ".yml") && !strings.HasSuffix(base, ".yaml") {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml")
	if strings.HasSuffix(name, configSuffix) || base == SourcesFile {
		return "", false
	}
	return name, true
}

func listTargets(podsDir string) ([]string, error) {
	targetsDir := filepath.Join(podsDir, TargetsDir)
	entries, err := os.ReadDir(targetsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var targets []string
	for _, entry := range entries {
		if entry.IsDir() {
			targets = append(targets, entry.Name())
		}
	}
	sort.Strings(targets)
	return targets, nil
}

// =============================================================================
// Default Tags
// =============================================================================

// LoadDefaultTags reads a default-tags file. An empty path yields nil tags.
func LoadDefaultTags(path string) (*project.DefaultTags, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return project.ReadDefaultTags(f)
}
