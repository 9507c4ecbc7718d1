package podfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/cage-dev/cage/internal/core/project"
)

// =============================================================================
// Source Declarations
// =============================================================================

// SourceSpec declares one external source tree available for live mounting.
type SourceSpec struct {
	Alias    string `yaml:"-"`
	Repo     string `yaml:"repo"`
	MountDir string `yaml:"mount_dir"`
}

type sourcesFile struct {
	Sources map[string]SourceSpec `yaml:"sources"`
}

// LoadSources reads pods/sources.yml. A missing file means the project
// declares no sources and is not an error.
func LoadSources(rootDir string) ([]SourceSpec, error) {
	path := filepath.Join(rootDir, PodsDir, SourcesFile)
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var file sourcesFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", project.ErrMalformedConfig, path, err)
	}

	specs := make([]SourceSpec, 0, len(file.Sources))
	for alias, spec := range file.Sources {
		if spec.Repo == "" {
			return nil, fmt.Errorf("%w: %s: source %s has no repo", project.ErrMalformedConfig, path, alias)
		}
		spec.Alias = alias
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Alias < specs[j].Alias })
	return specs, nil
}
