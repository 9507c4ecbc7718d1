package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	git "github.com/go-git/go-git/v5"

	"github.com/cage-dev/cage/internal/core/project"
	"github.com/cage-dev/cage/internal/podfile"
)

// =============================================================================
// Manager
// =============================================================================

// Status is the observable state of one declared source alias.
type Status struct {
	Alias    string
	Repo     string
	Path     string
	Cloned   bool
	Mounted  bool
	MountDir string
}

// Manager drives source trees through their lifecycle: declared, cloned
// under the state directory, and mounted into consuming containers on the
// next composition.
type Manager struct {
	root     string
	specs    map[string]podfile.SourceSpec
	ordered  []string
	store    *StateStore
	logger   *slog.Logger
	progress io.Writer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a manager for the project rooted at rootDir.
func NewManager(rootDir string, specs []podfile.SourceSpec, store *StateStore, logger *slog.Logger) *Manager {
	m := &Manager{
		root:     rootDir,
		specs:    make(map[string]podfile.SourceSpec, len(specs)),
		store:    store,
		logger:   logger,
		progress: os.Stderr,
		locks:    map[string]*sync.Mutex{},
	}
	for _, spec := range specs {
		m.specs[spec.Alias] = spec
		m.ordered = append(m.ordered, spec.Alias)
	}
	return m
}

// SetProgress redirects clone progress output.
func (m *Manager) SetProgress(w io.Writer) {
	m.progress = w
}

// clonePath is where an alias's working tree lives on disk.
func (m *Manager) clonePath(alias string) string {
	return filepath.Join(m.root, podfile.StateDir, "src", alias)
}

func (m *Manager) aliasLock(alias string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[alias]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[alias] = lock
	}
	return lock
}

// =============================================================================
// Lifecycle Operations
// =============================================================================

// Clone fetches the alias's repository into the state directory. Cloning an
// alias that already has a working tree is a no-op.
func (m *Manager) Clone(ctx context.Context, alias string) error {
	spec, ok := m.specs[alias]
	if !ok {
		return NewSourceError("Clone", alias, "not declared in sources file", ErrUnknownAlias)
	}

	lock := m.aliasLock(alias)
	lock.Lock()
	defer lock.Unlock()

	path := m.clonePath(alias)
	if cloned(path) {
		m.logger.Debug("source already cloned", "alias", alias, "path", path)
		return m.store.RecordClone(ctx, alias, spec.Repo)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return NewSourceError("Clone", alias, err.Error(), ErrCloneFailed)
	}

	m.logger.Info("cloning source", "alias", alias, "repo", spec.Repo)
	_, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:      spec.Repo,
		Progress: m.progress,
	})
	if err != nil && !errors.Is(err, git.ErrRepositoryAlreadyExists) {
		// Leave no half-finished working tree behind.
		os.RemoveAll(path)
		return NewSourceError("Clone", alias, err.Error(), ErrCloneFailed)
	}
	return m.store.RecordClone(ctx, alias, spec.Repo)
}

// Mount marks an alias as live-mounted, cloning first when needed. The
// mount takes effect the next time the project is composed.
func (m *Manager) Mount(ctx context.Context, alias string) error {
	if _, ok := m.specs[alias]; !ok {
		return NewSourceError("Mount", alias, "not declared in sources file", ErrUnknownAlias)
	}
	if err := m.Clone(ctx, alias); err != nil {
		return err
	}
	if err := m.store.SetMounted(ctx, alias, true); err != nil {
		return err
	}
	m.logger.Info("source mounted", "alias", alias)
	return nil
}

// Unmount clears the mounted flag. The working tree stays on disk.
func (m *Manager) Unmount(ctx context.Context, alias string) error {
	if _, ok := m.specs[alias]; !ok {
		return NewSourceError("Unmount", alias, "not declared in sources file", ErrUnknownAlias)
	}
	if err := m.store.SetMounted(ctx, alias, false); err != nil {
		return err
	}
	m.logger.Info("source unmounted", "alias", alias)
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// List reports every declared alias with its clone and mount state, in
// sources-file order.
func (m *Manager) List(ctx context.Context) ([]Status, error) {
	mounted, err := m.store.MountedAliases(ctx)
	if err != nil {
		return nil, err
	}
	mountedSet := make(map[string]struct{}, len(mounted))
	for _, alias := range mounted {
		mountedSet[alias] = struct{}{}
	}

	out := make([]Status, 0, len(m.ordered))
	for _, alias := range m.ordered {
		spec := m.specs[alias]
		path := m.clonePath(alias)
		_, isMounted := mountedSet[alias]
		out = append(out, Status{
			Alias:    alias,
			Repo:     spec.Repo,
			Path:     path,
			Cloned:   cloned(path),
			Mounted:  isMounted,
			MountDir: spec.MountDir,
		})
	}
	return out, nil
}

// ActiveMounts resolves the currently mounted aliases into the mount
// records composition consumes. Aliases mounted in state but no longer
// declared are ignored.
func (m *Manager) ActiveMounts(ctx context.Context) ([]project.SourceMount, error) {
	mounted, err := m.store.MountedAliases(ctx)
	if err != nil {
		return nil, err
	}
	var out []project.SourceMount
	for _, alias := range mounted {
		spec, ok := m.specs[alias]
		if !ok {
			continue
		}
		out = append(out, project.SourceMount{
			Alias:    alias,
			HostPath: m.clonePath(alias),
			MountDir: spec.MountDir,
		})
	}
	return out, nil
}

// cloned reports whether a working tree exists at path.
func cloned(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info.IsDir()
}
