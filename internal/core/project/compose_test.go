package project

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cage-dev/cage/internal/core/mergetree"
)

// =============================================================================
// Fixtures
// =============================================================================

func tree(t *testing.T, content string) *mergetree.Node {
	t.Helper()
	node, err := mergetree.FromYAML([]byte(content), "test.yml")
	require.NoError(t, err)
	return node
}

const frontendPod = `
services:
  web:
    image: example/web
    links:
      - cache
    labels:
      io.cage.depends_on: "db/postgres"
      io.cage.test: "bundle exec rspec"
  cache:
    image: redis:7
`

const dbPod = `
services:
  postgres:
    image: postgres
`

func composeFixture(t *testing.T, input ComposeInput) *EffectiveConfiguration {
	t.Helper()
	cfg, err := Compose(input)
	require.NoError(t, err)
	return cfg
}

func basicInput() ComposeInput {
	return ComposeInput{
		Project: "hello",
		Target:  DefaultTarget,
		Pods: []PodSource{
			{Name: "db", Base: nil, File: "pods/db.yml"},
			{Name: "frontend", File: "pods/frontend.yml"},
		},
	}
}

// =============================================================================
// Compose Tests
// =============================================================================

func TestCompose_BasicProject(t *testing.T) {
	input := basicInput()
	input.Pods[0].Base = tree(t, dbPod)
	input.Pods[1].Base = tree(t, frontendPod)

	cfg := composeFixture(t, input)

	assert.Equal(t, "hello", cfg.Project)
	require.Len(t, cfg.Pods(), 2)
	assert.Equal(t, []string{"web", "cache"}, cfg.Pods()[1].ServiceNames)

	web, ok := cfg.ServiceByRef("frontend/web")
	require.True(t, ok)
	assert.Equal(t, "example/web", web.Image)
	assert.Equal(t, "bundle exec rspec", web.TestCommand())
	assert.ElementsMatch(t, []string{"frontend/cache", "db/postgres"}, web.DependsOn)
}

func TestCompose_TargetOverlayOverridesScalars(t *testing.T) {
	input := ComposeInput{
		Project: "hello",
		Target:  "production",
		Pods: []PodSource{
			{
				Name: "frontend",
				Base: tree(t, "services:\n  web:\n    image: example/web\n    environment:\n      RAILS_ENV: development\n"),
				Overlay: tree(t, "services:\n  web:\n    environment:\n      RAILS_ENV: production\n"),
			},
		},
	}
	cfg := composeFixture(t, input)

	web, _ := cfg.ServiceByRef("frontend/web")
	assert.Equal(t, "production", web.Environment["RAILS_ENV"])
}

func TestCompose_OverlayMayAddServices(t *testing.T) {
	input := ComposeInput{
		Project: "hello",
		Target:  "development",
		Pods: []PodSource{
			{
				Name:    "frontend",
				Base:    tree(t, "services:\n  web:\n    image: example/web\n"),
				Overlay: tree(t, "services:\n  webpack:\n    image: example/webpack\n"),
			},
		},
	}
	cfg := composeFixture(t, input)

	_, ok := cfg.ServiceByRef("frontend/webpack")
	assert.True(t, ok)
	assert.Equal(t, []string{"web", "webpack"}, cfg.Pods()[0].ServiceNames)
}

func TestCompose_DefaultTagsAppliedToUntaggedImages(t *testing.T) {
	tags, err := ReadDefaultTags(strings.NewReader("example/web:git-1a2b3c\npostgres:16.3\n"))
	require.NoError(t, err)

	input := basicInput()
	input.Pods[0].Base = tree(t, dbPod)
	input.Pods[1].Base = tree(t, frontendPod)
	input.DefaultTags = tags

	cfg := composeFixture(t, input)

	web, _ := cfg.ServiceByRef("frontend/web")
	assert.Equal(t, "example/web:git-1a2b3c", web.Image)
	postgres, _ := cfg.ServiceByRef("db/postgres")
	assert.Equal(t, "postgres:16.3", postgres.Image)
	// redis:7 already carries a tag and must be untouched.
	cache, _ := cfg.ServiceByRef("frontend/cache")
	assert.Equal(t, "redis:7", cache.Image)
}

func TestCompose_OverlayTagWinsOverDefaultTag(t *testing.T) {
	// An explicit tag from a target overlay beats the default-tags file;
	// default tags only fill in images still untagged after merging.
	tags, err := ReadDefaultTags(strings.NewReader("example/web:from-default-tags\n"))
	require.NoError(t, err)

	input := ComposeInput{
		Project: "hello",
		Target:  "production",
		Pods: []PodSource{
			{
				Name:    "frontend",
				Base:    tree(t, "services:\n  web:\n    image: example/web\n"),
				Overlay: tree(t, "services:\n  web:\n    image: example/web:pinned\n"),
			},
		},
		DefaultTags: tags,
	}
	cfg := composeFixture(t, input)

	web, _ := cfg.ServiceByRef("frontend/web")
	assert.Equal(t, "example/web:pinned", web.Image)
}

func TestCompose_UnresolvedDependency(t *testing.T) {
	input := ComposeInput{
		Project: "hello",
		Target:  "development",
		Pods: []PodSource{
			{
				Name: "frontend",
				Base: tree(t, "services:\n  web:\n    image: example/web\n    labels:\n      io.cage.depends_on: \"db/postgres\"\n"),
			},
		},
	}
	_, err := Compose(input)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvedDependency))

	var unresolved *UnresolvedDependencyError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "frontend/web", unresolved.Service)
	assert.Equal(t, "db/postgres", unresolved.Ref)
}

func TestCompose_DuplicatePodNames(t *testing.T) {
	input := ComposeInput{
		Project: "hello",
		Pods: []PodSource{
			{Name: "frontend", Base: tree(t, "services:\n  web:\n    image: a\n")},
			{Name: "frontend", Base: tree(t, "services:\n  api:\n    image: b\n")},
		},
	}
	_, err := Compose(input)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedConfig))
}

func TestCompose_ConflictingTypeIsFatal(t *testing.T) {
	input := ComposeInput{
		Project: "hello",
		Pods: []PodSource{
			{
				Name:    "frontend",
				Base:    tree(t, "services:\n  web:\n    image: a\n    environment:\n      A: \"1\"\n"),
				Overlay: tree(t, "services:\n  web:\n    environment:\n      - A=1\n"),
			},
		},
	}
	_, err := Compose(input)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mergetree.ErrConflictingType))
}

func TestCompose_PodWithoutServices(t *testing.T) {
	input := ComposeInput{
		Project: "hello",
		Pods:    []PodSource{{Name: "empty", Base: tree(t, "version: \"2\"\n")}},
	}
	_, err := Compose(input)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedConfig))
}

// =============================================================================
// Source Mount Injection Tests
// =============================================================================

const mountablePod = `
services:
  web:
    image: example/web
    labels:
      io.cage.srcalias: webapp
      io.cage.srcdir: /usr/src/app
    volumes:
      - "/var/log:/log"
`

func TestCompose_MountInjectsBindMount(t *testing.T) {
	input := ComposeInput{
		Project: "hello",
		Pods:    []PodSource{{Name: "frontend", Base: tree(t, mountablePod)}},
		Mounts:  []SourceMount{{Alias: "webapp", HostPath: "/work/src/webapp"}},
	}
	cfg := composeFixture(t, input)

	web, _ := cfg.ServiceByRef("frontend/web")
	require.Len(t, web.Volumes, 2)
	assert.Equal(t, VolumeMount{Source: "/work/src/webapp", Target: "/usr/src/app"}, web.Volumes[1])
}

func TestCompose_MountDefaultDirFromSourcesFile(t *testing.T) {
	input := ComposeInput{
		Project: "hello",
		Pods: []PodSource{{
			Name: "frontend",
			Base: tree(t, "services:\n  web:\n    image: example/web\n    labels:\n      io.cage.srcalias: webapp\n"),
		}},
		Mounts: []SourceMount{{Alias: "webapp", HostPath: "/work/src/webapp", MountDir: "/srv/app"}},
	}
	cfg := composeFixture(t, input)

	web, _ := cfg.ServiceByRef("frontend/web")
	require.Len(t, web.Volumes, 1)
	assert.Equal(t, "/srv/app", web.Volumes[0].Target)
}

func TestCompose_MountWithNoConsumerIsNoOp(t *testing.T) {
	base := tree(t, dbPod)
	withMount := ComposeInput{
		Project: "hello",
		Pods:    []PodSource{{Name: "db", Base: base}},
		Mounts:  []SourceMount{{Alias: "webapp", HostPath: "/work/src/webapp"}},
	}
	without := ComposeInput{
		Project: "hello",
		Pods:    []PodSource{{Name: "db", Base: base}},
	}

	a := composeFixture(t, withMount)
	b := composeFixture(t, without)

	aYAML, err := a.Pods()[0].Tree.MarshalYAML()
	require.NoError(t, err)
	bYAML, err := b.Pods()[0].Tree.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, bYAML, aYAML, "unconsumed mount must change no service definition")
}

// =============================================================================
// Determinism
// =============================================================================

func TestCompose_Deterministic(t *testing.T) {
	build := func() []byte {
		input := basicInput()
		input.Pods[0].Base = tree(t, dbPod)
		input.Pods[1].Base = tree(t, frontendPod)
		cfg := composeFixture(t, input)
		var out []byte
		for _, pod := range cfg.Pods() {
			data, err := pod.Tree.MarshalYAML()
			require.NoError(t, err)
			out = append(out, data...)
		}
		return out
	}
	assert.Equal(t, build(), build())
}
