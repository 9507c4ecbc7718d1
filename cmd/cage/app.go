package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cage-dev/cage/internal/core/graph"
	"github.com/cage-dev/cage/internal/core/project"
	"github.com/cage-dev/cage/internal/orchestrator"
	"github.com/cage-dev/cage/internal/podfile"
	"github.com/cage-dev/cage/internal/shell/docker"
	"github.com/cage-dev/cage/internal/shell/source"
)

// =============================================================================
// Global Flags
// =============================================================================

// globalFlags are the persistent flags every verb shares.
type globalFlags struct {
	target      string
	projectName string
	defaultTags string
	jobs        int
	logLevel    string

	// targetSet records whether --target was given explicitly, so verbs
	// with a different default (test) can tell.
	targetSet func() bool
}

// =============================================================================
// App Wiring
// =============================================================================

// app holds everything a verb needs after the project is located, composed,
// and connected to the daemon.
type app struct {
	root     string
	settings *Settings
	logger   *slog.Logger

	cfg     *project.EffectiveConfiguration
	graph   *graph.Graph
	sources *source.Manager
	runtime *docker.Client
	orch    *orchestrator.Orchestrator

	store *source.StateStore
}

// Close releases the app's daemon and database connections.
func (a *app) Close() {
	if a.runtime != nil {
		a.runtime.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// loadProject locates the project root and composes the effective
// configuration for the requested target, including active source mounts.
// It does not touch the Docker daemon.
func loadProject(ctx context.Context, flags *globalFlags) (*app, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := podfile.FindProjectRoot(cwd)
	if err != nil {
		return nil, err
	}

	settings, err := loadSettings(root)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		settings.LogLevel = flags.logLevel
	}
	if flags.jobs > 0 {
		settings.Jobs = flags.jobs
	}
	logger := newLogger(settings)

	projectName := flags.projectName
	if projectName == "" {
		projectName = filepath.Base(root)
	}

	a := &app{root: root, settings: settings, logger: logger}

	loaded, err := podfile.Load(root, flags.target)
	if err != nil {
		return nil, err
	}

	specs, err := podfile.LoadSources(root)
	if err != nil {
		return nil, err
	}
	if err := a.openSources(specs); err != nil {
		return nil, err
	}
	mounts, err := a.sources.ActiveMounts(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	tags, err := podfile.LoadDefaultTags(flags.defaultTags)
	if err != nil {
		a.Close()
		return nil, err
	}

	cfg, err := project.Compose(project.ComposeInput{
		Project:     projectName,
		Target:      flags.target,
		Pods:        loaded.Pods,
		DefaultTags: tags,
		Mounts:      mounts,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cfg = cfg

	a.graph, err = graph.Build(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	logger.Debug("project composed",
		"project", projectName, "target", flags.target,
		"pods", len(cfg.Pods()), "services", len(cfg.Services()))
	return a, nil
}

// loadApp is loadProject plus a Docker connection and orchestrator; verbs
// that drive containers use this.
func loadApp(ctx context.Context, flags *globalFlags) (*app, error) {
	a, err := loadProject(ctx, flags)
	if err != nil {
		return nil, err
	}

	a.runtime, err = docker.NewClient(docker.Options{
		Host:    a.settings.DockerHost,
		Project: a.cfg.Project,
	}, a.logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orch = orchestrator.New(a.runtime, a.graph, a.logger, orchestrator.Options{
		Jobs: a.settings.Jobs,
	})
	return a, nil
}

// openSources prepares the state directory and mount manager. Called even
// when no sources file exists so mount state queries are uniform.
func (a *app) openSources(specs []podfile.SourceSpec) error {
	stateDir := filepath.Join(a.root, podfile.StateDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	store, err := source.NewStateStore(filepath.Join(stateDir, "state.db"))
	if err != nil {
		return err
	}
	a.store = store
	a.sources = source.NewManager(a.root, specs, store, a.logger)
	return nil
}

// resolve maps verb arguments to services, treating every argument as a
// selection token.
func (a *app) resolve(args []string) ([]*project.Service, error) {
	return a.cfg.Resolve(args)
}
