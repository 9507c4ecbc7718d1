// Package export renders a composed configuration back to plain compose
// files, one per pod, suitable for running without this tool.
package export

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cage-dev/cage/internal/core/mergetree"
	"github.com/cage-dev/cage/internal/core/project"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrDirExists is returned when the export target already exists; the
	// exporter never overwrites.
	ErrDirExists = errors.New("export directory already exists")

	// ErrIncompleteExport is returned when a service image is still
	// untagged after default tags; exported files must pin every image.
	ErrIncompleteExport = errors.New("incomplete export")
)

// IncompleteExportError lists the services whose images lack a tag.
type IncompleteExportError struct {
	Untagged []string // "pod/service" refs
}

func (e *IncompleteExportError) Error() string {
	return fmt.Sprintf("incomplete export: untagged images on %s", strings.Join(e.Untagged, ", "))
}

func (e *IncompleteExportError) Unwrap() error {
	return ErrIncompleteExport
}

// =============================================================================
// Exporter
// =============================================================================

// labelPrefix marks the labels this tool consumes; they carry no meaning
// outside it and are stripped from exported files.
const labelPrefix = "io.cage."

// Exporter writes composed pod definitions to a directory.
type Exporter struct {
	logger *slog.Logger
}

// New creates an exporter.
func New(logger *slog.Logger) *Exporter {
	return &Exporter{logger: logger}
}

// Export writes one <pod>.yml per pod into dir. The directory must not
// exist; export is all-or-nothing and refuses to mix with prior output.
// Every image must carry an explicit tag by the time it is exported.
func (e *Exporter) Export(cfg *project.EffectiveConfiguration, dir string) error {
	if err := validateTags(cfg); err != nil {
		return err
	}

	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%w: %s", ErrDirExists, dir)
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, pod := range cfg.Pods() {
		tree := pod.Tree.Clone()
		stripInternalLabels(tree)

		content, err := tree.MarshalYAML()
		if err != nil {
			return fmt.Errorf("marshal pod %s: %w", pod.Name, err)
		}

		path := filepath.Join(dir, pod.Name+".yml")
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return err
		}
		e.logger.Debug("pod exported", "pod", pod.Name, "path", path)
	}

	e.logger.Info("project exported", "target", cfg.Target, "pods", len(cfg.Pods()), "dir", dir)
	return nil
}

// validateTags rejects exports with floating image references. Build-only
// services have no image to pin and pass.
func validateTags(cfg *project.EffectiveConfiguration) error {
	var untagged []string
	for _, svc := range cfg.Services() {
		if svc.Image != "" && !svc.ImageTagged() {
			untagged = append(untagged, svc.Ref())
		}
	}
	if len(untagged) > 0 {
		return &IncompleteExportError{Untagged: untagged}
	}
	return nil
}

// stripInternalLabels removes io.cage.* labels from every service in a pod
// tree, handling both the mapping and "key=value" sequence label forms.
func stripInternalLabels(tree *mergetree.Node) {
	services := tree.Get("services")
	if services == nil || services.Kind != mergetree.KindMapping {
		return
	}
	for _, name := range services.Keys {
		svcNode := services.Children[name]
		labels := svcNode.Get("labels")
		if labels == nil {
			continue
		}
		switch labels.Kind {
		case mergetree.KindMapping:
			for _, key := range append([]string(nil), labels.Keys...) {
				if strings.HasPrefix(key, labelPrefix) {
					labels.Delete(key)
				}
			}
			if len(labels.Keys) == 0 {
				svcNode.Delete("labels")
			}
		case mergetree.KindSequence:
			var kept []*mergetree.Node
			for _, item := range labels.Items {
				if item.Kind == mergetree.KindScalar && strings.HasPrefix(item.Value, labelPrefix) {
					continue
				}
				kept = append(kept, item)
			}
			labels.Items = kept
			if len(labels.Items) == 0 {
				svcNode.Delete("labels")
			}
		}
	}
}
