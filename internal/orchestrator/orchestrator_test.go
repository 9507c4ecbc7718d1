package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cage-dev/cage/internal/core/graph"
	"github.com/cage-dev/cage/internal/core/mergetree"
	"github.com/cage-dev/cage/internal/core/project"
)

// =============================================================================
// Fake Runtime
// =============================================================================

// fakeRuntime records every runtime call in invocation order and lets tests
// inject failures, per-ref delays, and container states.
type fakeRuntime struct {
	mu    sync.Mutex
	calls []string // "op ref"

	failOn map[string]error          // "op ref" -> error
	delay  map[string]time.Duration  // "op ref" -> sleep before returning
	states map[string]ContainerState // ref -> state, default absent

	exitCode int

	inFlight    int
	maxInFlight int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		failOn: map[string]error{},
		delay:  map[string]time.Duration{},
		states: map[string]ContainerState{},
	}
}

func (f *fakeRuntime) record(ctx context.Context, op string, svc *project.Service) error {
	key := op + " " + svc.Ref()

	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	d := f.delay[key]
	err := f.failOn[key]
	f.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return err
}

func (f *fakeRuntime) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRuntime) BuildImage(ctx context.Context, svc *project.Service) error {
	return f.record(ctx, "build", svc)
}

func (f *fakeRuntime) PullImage(ctx context.Context, svc *project.Service) error {
	return f.record(ctx, "pull", svc)
}

func (f *fakeRuntime) StartContainer(ctx context.Context, svc *project.Service) error {
	return f.record(ctx, "start", svc)
}

func (f *fakeRuntime) StopContainer(ctx context.Context, svc *project.Service) error {
	return f.record(ctx, "stop", svc)
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, svc *project.Service) error {
	return f.record(ctx, "rm", svc)
}

func (f *fakeRuntime) RunEphemeral(ctx context.Context, svc *project.Service, command []string, opts RunOptions) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("run %s %v", svc.Ref(), command))
	code := f.exitCode
	f.mu.Unlock()
	return code, nil
}

func (f *fakeRuntime) ExecInContainer(ctx context.Context, svc *project.Service, command []string, opts ExecOptions) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("exec %s %v tty=%v", svc.Ref(), command, opts.TTY))
	code := f.exitCode
	f.mu.Unlock()
	return code, nil
}

func (f *fakeRuntime) StreamLogs(ctx context.Context, svc *project.Service, opts LogOptions, out io.Writer) error {
	if err := f.record(ctx, "logs", svc); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "[%s] log line\n", svc.Ref())
	return err
}

func (f *fakeRuntime) ContainerStatus(ctx context.Context, svc *project.Service) (ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[svc.Ref()]; ok {
		return state, nil
	}
	return StateAbsent, nil
}

// =============================================================================
// Fixtures
// =============================================================================

func configFromPods(t *testing.T, pods map[string]string) *project.EffectiveConfiguration {
	t.Helper()
	input := project.ComposeInput{Project: "test", Target: project.DefaultTarget}
	for _, name := range []string{"db", "app", "frontend", "worker"} {
		content, ok := pods[name]
		if !ok {
			continue
		}
		node, err := mergetree.FromYAML([]byte(content), name+".yml")
		require.NoError(t, err)
		input.Pods = append(input.Pods, project.PodSource{Name: name, Base: node})
	}
	cfg, err := project.Compose(input)
	require.NoError(t, err)
	return cfg
}

func newOrchestrator(t *testing.T, cfg *project.EffectiveConfiguration, rt Runtime, opts Options) *Orchestrator {
	t.Helper()
	g, err := graph.Build(cfg)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rt, g, logger, opts)
}

// threeTier is db/postgres <- app/api <- frontend/web plus an independent
// worker pod.
func threeTier(t *testing.T) *project.EffectiveConfiguration {
	t.Helper()
	return configFromPods(t, map[string]string{
		"db":       "services:\n  postgres:\n    image: postgres:16\n",
		"app":      "services:\n  api:\n    build: ./api\n    labels:\n      io.cage.depends_on: \"db/postgres\"\n",
		"frontend": "services:\n  web:\n    image: nginx:1.27\n    labels:\n      io.cage.depends_on: \"app/api\"\n",
		"worker":   "services:\n  cron:\n    image: busybox:stable\n",
	})
}

func indexOf(t *testing.T, calls []string, want string) int {
	t.Helper()
	for i, call := range calls {
		if call == want {
			return i
		}
	}
	t.Fatalf("call %q not found in %v", want, calls)
	return -1
}

func outcomeFor(t *testing.T, res *Result, ref string) Outcome {
	t.Helper()
	for _, outcome := range res.Outcomes() {
		if outcome.Ref == ref {
			return outcome
		}
	}
	t.Fatalf("no outcome for %s", ref)
	return Outcome{}
}

// =============================================================================
// Up
// =============================================================================

func TestUp_StartsDependenciesFirst(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	o := newOrchestrator(t, cfg, rt, Options{})

	selection, err := cfg.Resolve([]string{"frontend"})
	require.NoError(t, err)

	res, err := o.Up(context.Background(), selection)
	require.NoError(t, err)
	assert.Len(t, res.Succeeded(), 3)

	calls := rt.recorded()
	assert.Less(t, indexOf(t, calls, "start db/postgres"), indexOf(t, calls, "start app/api"))
	assert.Less(t, indexOf(t, calls, "start app/api"), indexOf(t, calls, "start frontend/web"))
}

func TestUp_PartialFailureKeepsStartedUnits(t *testing.T) {
	// When the api fails, postgres has already started and stays that way;
	// the dependent web is skipped, never attempted.
	cfg := threeTier(t)
	rt := newFakeRuntime()
	rt.failOn["start app/api"] = errors.New("port in use")
	o := newOrchestrator(t, cfg, rt, Options{})

	selection, err := cfg.Resolve(nil)
	require.NoError(t, err)

	res, err := o.Up(context.Background(), selection)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRuntimeOperation))

	assert.Equal(t, StatusSucceeded, outcomeFor(t, res, "db/postgres").Status)

	api := outcomeFor(t, res, "app/api")
	assert.Equal(t, StatusFailed, api.Status)
	assert.True(t, api.Attempted)

	web := outcomeFor(t, res, "frontend/web")
	assert.Equal(t, StatusSkipped, web.Status)
	assert.False(t, web.Attempted)
	assert.NotContains(t, rt.recorded(), "start frontend/web")
}

func TestUp_IndependentBranchContinuesPastFailure(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	rt.failOn["start db/postgres"] = errors.New("boom")
	o := newOrchestrator(t, cfg, rt, Options{})

	selection, err := cfg.Resolve(nil)
	require.NoError(t, err)

	res, err := o.Up(context.Background(), selection)
	require.Error(t, err)

	// The worker shares no dependencies with the failed branch.
	assert.Equal(t, StatusSucceeded, outcomeFor(t, res, "worker/cron").Status)
	assert.Equal(t, StatusSkipped, outcomeFor(t, res, "app/api").Status)
	assert.Equal(t, StatusSkipped, outcomeFor(t, res, "frontend/web").Status)
}

func TestUp_BoundedConcurrency(t *testing.T) {
	cfg := configFromPods(t, map[string]string{
		"worker": "services:\n  a:\n    image: x\n  b:\n    image: x\n  c:\n    image: x\n  d:\n    image: x\n  e:\n    image: x\n",
	})
	rt := newFakeRuntime()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		rt.delay["start worker/"+name] = 20 * time.Millisecond
	}
	o := newOrchestrator(t, cfg, rt, Options{Jobs: 2})

	selection, err := cfg.Resolve(nil)
	require.NoError(t, err)

	_, err = o.Up(context.Background(), selection)
	require.NoError(t, err)
	assert.LessOrEqual(t, rt.maxInFlight, 2)
}

func TestUp_CancellationMarksUnattemptedUnits(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	rt.delay["start db/postgres"] = 200 * time.Millisecond
	o := newOrchestrator(t, cfg, rt, Options{})

	selection, err := cfg.Resolve([]string{"frontend"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := o.Up(ctx, selection)
	require.Error(t, err)

	postgres := outcomeFor(t, res, "db/postgres")
	assert.True(t, postgres.Attempted)
	assert.Equal(t, StatusFailed, postgres.Status)

	for _, ref := range []string{"app/api", "frontend/web"} {
		outcome := outcomeFor(t, res, ref)
		assert.Equal(t, StatusSkipped, outcome.Status)
		assert.False(t, outcome.Attempted)
	}
}

// =============================================================================
// Stop / Remove
// =============================================================================

func TestStop_DependentsFirst(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	o := newOrchestrator(t, cfg, rt, Options{})

	selection, err := cfg.Resolve(nil)
	require.NoError(t, err)

	_, err = o.Stop(context.Background(), selection)
	require.NoError(t, err)

	calls := rt.recorded()
	assert.Less(t, indexOf(t, calls, "stop frontend/web"), indexOf(t, calls, "stop app/api"))
	assert.Less(t, indexOf(t, calls, "stop app/api"), indexOf(t, calls, "stop db/postgres"))
}

func TestStop_ContinuesPastFailure(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	rt.failOn["stop app/api"] = errors.New("no such container")
	o := newOrchestrator(t, cfg, rt, Options{})

	selection, err := cfg.Resolve(nil)
	require.NoError(t, err)

	res, err := o.Stop(context.Background(), selection)
	require.Error(t, err)

	// The failed dependent does not block stopping its dependency.
	assert.Equal(t, StatusSucceeded, outcomeFor(t, res, "db/postgres").Status)
	assert.Contains(t, rt.recorded(), "stop db/postgres")
}

func TestStop_DoesNotExpandSelection(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	o := newOrchestrator(t, cfg, rt, Options{})

	selection, err := cfg.Resolve([]string{"frontend"})
	require.NoError(t, err)

	_, err = o.Stop(context.Background(), selection)
	require.NoError(t, err)
	assert.Equal(t, []string{"stop frontend/web"}, rt.recorded())
}

func TestRemove_ReverseOrder(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	o := newOrchestrator(t, cfg, rt, Options{})

	selection, err := cfg.Resolve([]string{"db", "app"})
	require.NoError(t, err)

	_, err = o.Remove(context.Background(), selection)
	require.NoError(t, err)

	calls := rt.recorded()
	assert.Less(t, indexOf(t, calls, "rm app/api"), indexOf(t, calls, "rm db/postgres"))
}

// =============================================================================
// Build / Pull
// =============================================================================

func TestBuild_OnlyBuildableServices(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	o := newOrchestrator(t, cfg, rt, Options{})

	selection, err := cfg.Resolve(nil)
	require.NoError(t, err)

	_, err = o.Build(context.Background(), selection)
	require.NoError(t, err)
	assert.Equal(t, []string{"build app/api"}, rt.recorded())
}

func TestPull_SkipsBuildOnlyServices(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	o := newOrchestrator(t, cfg, rt, Options{})

	selection, err := cfg.Resolve(nil)
	require.NoError(t, err)

	_, err = o.Pull(context.Background(), selection)
	require.NoError(t, err)
	assert.NotContains(t, rt.recorded(), "pull app/api")
	assert.Contains(t, rt.recorded(), "pull db/postgres")
	assert.Contains(t, rt.recorded(), "pull frontend/web")
}

// =============================================================================
// Exec / Shell / Test
// =============================================================================

func TestExec_RequiresRunningContainer(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	o := newOrchestrator(t, cfg, rt, Options{})

	svc, err := cfg.ResolveOne("db/postgres")
	require.NoError(t, err)

	_, err = o.Exec(context.Background(), svc, []string{"psql"}, ExecOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotRunning))

	var notRunning *NotRunningError
	require.ErrorAs(t, err, &notRunning)
	assert.Equal(t, "db/postgres", notRunning.Ref)
	assert.Equal(t, StateAbsent, notRunning.State)
}

func TestExec_RunsInRunningContainer(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	rt.states["db/postgres"] = StateRunning
	o := newOrchestrator(t, cfg, rt, Options{})

	svc, err := cfg.ResolveOne("db/postgres")
	require.NoError(t, err)

	code, err := o.Exec(context.Background(), svc, []string{"psql", "-c", "select 1"}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"exec db/postgres [psql -c select 1] tty=false"}, rt.recorded())
}

func TestShell_ForcesTTY(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	rt.states["db/postgres"] = StateRunning
	o := newOrchestrator(t, cfg, rt, Options{})

	svc, err := cfg.ResolveOne("db/postgres")
	require.NoError(t, err)

	_, err = o.Shell(context.Background(), svc, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"exec db/postgres [/bin/sh] tty=true"}, rt.recorded())
}

func TestTest_UsesLabelCommand(t *testing.T) {
	cfg := configFromPods(t, map[string]string{
		"app": "services:\n  api:\n    image: x\n    labels:\n      io.cage.test: \"pytest -x tests/\"\n",
	})
	rt := newFakeRuntime()
	o := newOrchestrator(t, cfg, rt, Options{})

	svc, err := cfg.ResolveOne("app/api")
	require.NoError(t, err)

	code, err := o.Test(context.Background(), svc, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"run app/api [pytest -x tests/]"}, rt.recorded())
}

func TestTest_ArgumentsReplaceLabel(t *testing.T) {
	cfg := configFromPods(t, map[string]string{
		"app": "services:\n  api:\n    image: x\n    labels:\n      io.cage.test: \"pytest\"\n",
	})
	rt := newFakeRuntime()
	o := newOrchestrator(t, cfg, rt, Options{})

	svc, err := cfg.ResolveOne("app/api")
	require.NoError(t, err)

	_, err = o.Test(context.Background(), svc, []string{"go", "test", "./..."})
	require.NoError(t, err)
	assert.Equal(t, []string{"run app/api [go test ./...]"}, rt.recorded())
}

func TestTest_NoCommandAnywhere(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	o := newOrchestrator(t, cfg, rt, Options{})

	svc, err := cfg.ResolveOne("db/postgres")
	require.NoError(t, err)

	_, err = o.Test(context.Background(), svc, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoTestCommand))
	assert.Empty(t, rt.recorded())
}

// =============================================================================
// Run / Logs / Status
// =============================================================================

func TestRun_PropagatesExitCode(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	rt.exitCode = 3
	o := newOrchestrator(t, cfg, rt, Options{})

	svc, err := cfg.ResolveOne("db/postgres")
	require.NoError(t, err)

	code, err := o.Run(context.Background(), svc, []string{"false"}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestLogs_StreamsEverySelectedService(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	o := newOrchestrator(t, cfg, rt, Options{})

	selection, err := cfg.Resolve([]string{"db", "worker"})
	require.NoError(t, err)

	var buf bytes.Buffer
	var mu sync.Mutex
	out := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})

	require.NoError(t, o.Logs(context.Background(), selection, LogOptions{}, out))

	mu.Lock()
	got := buf.String()
	mu.Unlock()
	assert.Contains(t, got, "[db/postgres] log line")
	assert.Contains(t, got, "[worker/cron] log line")
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestStatus_ReportsEachUnit(t *testing.T) {
	cfg := threeTier(t)
	rt := newFakeRuntime()
	rt.states["db/postgres"] = StateRunning
	rt.states["app/api"] = StateStopped
	o := newOrchestrator(t, cfg, rt, Options{})

	selection, err := cfg.Resolve(nil)
	require.NoError(t, err)

	statuses, err := o.Status(context.Background(), selection)
	require.NoError(t, err)
	require.Len(t, statuses, 4)

	byRef := map[string]ContainerState{}
	for _, st := range statuses {
		byRef[st.Service.Ref()] = st.State
	}
	assert.Equal(t, StateRunning, byRef["db/postgres"])
	assert.Equal(t, StateStopped, byRef["app/api"])
	assert.Equal(t, StateAbsent, byRef["frontend/web"])
}
