package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silmaril/quench/internal/bundle"
	"github.com/silmaril/quench/internal/checkpoint"
	"github.com/silmaril/quench/internal/storage"
	"github.com/silmaril/quench/internal/testutil"
)

func populated(t *testing.T) (*storage.Paths, *Registry) {
	t.Helper()
	paths := storage.NewPaths(t.TempDir())
	require.NoError(t, paths.Initialize())

	_, err := checkpoint.CreateDemo(paths.ModelPath(checkpoint.DemoModelID), checkpoint.DemoOptions{})
	require.NoError(t, err)
	testutil.TinyArtifact(t, paths.StagePath("acme/tiny", storage.ExportedDir))

	cached := testutil.TinyArtifact(t, filepath.Join(paths.CacheDir(), "acme", "tiny", "v1"))
	m, err := bundle.Build(cached, bundle.Options{Name: "acme/tiny", Version: "v1", PieceLength: -1})
	require.NoError(t, err)
	require.NoError(t, bundle.WriteManifest(cached.Dir(), m))

	// Staging leftovers are never listed.
	require.NoError(t, os.MkdirAll(filepath.Join(paths.CacheDir(), ".pull-123", "bundle"), 0o755))

	reg, err := New(paths)
	require.NoError(t, err)
	return paths, reg
}

func TestScan(t *testing.T) {
	_, reg := populated(t)

	all := reg.List()
	ids := make([]string, 0, len(all))
	for _, e := range all {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"acme--tiny/exported", "acme/tiny@v1", checkpoint.DemoModelID}, ids)

	ckpt, err := reg.Get(checkpoint.DemoModelID)
	require.NoError(t, err)
	assert.Equal(t, KindCheckpoint, ckpt.Kind)
	assert.Equal(t, checkpoint.ArchBagOfWords, ckpt.Architecture)
	assert.Equal(t, checkpoint.DemoLabels, ckpt.Labels)
	assert.Positive(t, ckpt.Size)

	art, err := reg.Get("acme--tiny/exported")
	require.NoError(t, err)
	assert.Equal(t, KindArtifact, art.Kind)
	assert.Equal(t, "exported", art.Stage)

	b, err := reg.Get("acme/tiny@v1")
	require.NoError(t, err)
	assert.Equal(t, KindBundle, b.Kind)
	assert.Equal(t, "v1", b.Version)
	assert.Equal(t, []string{"POSITIVE", "NEGATIVE"}, b.Labels)

	assert.Len(t, reg.List(KindBundle, KindArtifact), 2)
	_, err = reg.Get("nope/nothing")
	assert.Error(t, err)
}

func TestRescanDropsRemovedModels(t *testing.T) {
	paths, reg := populated(t)
	require.NoError(t, os.RemoveAll(filepath.Join(paths.CacheDir(), "acme")))

	require.NoError(t, reg.Scan())
	assert.Len(t, reg.List(KindBundle), 1, "scan only adds")

	require.NoError(t, reg.Rescan())
	assert.Empty(t, reg.List(KindBundle))
}

func TestGetReturnsCopy(t *testing.T) {
	_, reg := populated(t)
	e, err := reg.Get(checkpoint.DemoModelID)
	require.NoError(t, err)
	e.Dir = "/elsewhere"

	again, err := reg.Get(checkpoint.DemoModelID)
	require.NoError(t, err)
	assert.NotEqual(t, "/elsewhere", again.Dir)
}

func TestResolveCheckpoint(t *testing.T) {
	paths, reg := populated(t)
	ctx := context.Background()

	dir, err := reg.ResolveCheckpoint(ctx, checkpoint.DemoModelID)
	require.NoError(t, err)
	assert.Equal(t, paths.ModelPath(checkpoint.DemoModelID), dir)

	_, err = checkpoint.CreateDemo(paths.ModelPath("late/arrival"), checkpoint.DemoOptions{Seed: 7})
	require.NoError(t, err)
	dir, err = reg.ResolveCheckpoint(ctx, "late/arrival")
	require.NoError(t, err)
	assert.Equal(t, paths.ModelPath("late/arrival"), dir)
	_, err = reg.Get("late/arrival")
	assert.NoError(t, err)

	_, err = reg.ResolveCheckpoint(ctx, "acme--tiny/exported")
	assert.ErrorContains(t, err, "not found")
}

// fakeClone writes a checkpoint plus a git repository where a real clone
// would and records the options it was given.
func fakeClone(t *testing.T, got **git.CloneOptions, withCheckpoint bool) cloneFunc {
	return func(_ context.Context, path string, opts *git.CloneOptions) error {
		*got = opts
		if withCheckpoint {
			if _, err := checkpoint.CreateDemo(path, checkpoint.DemoOptions{}); err != nil {
				return err
			}
		} else if err := os.MkdirAll(path, 0o755); err != nil {
			return err
		}
		_, err := git.PlainInit(path, false)
		return err
	}
}

func TestClone(t *testing.T) {
	paths, reg := populated(t)
	var got *git.CloneOptions
	reg.clone = fakeClone(t, &got, true)

	id, err := reg.Clone(context.Background(), CloneOptions{
		URL:    "https://huggingface.co/acme/bow",
		Branch: "release",
		Token:  "hf_secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme/bow", id)

	require.NotNil(t, got)
	assert.Equal(t, "https://huggingface.co/acme/bow", got.URL)
	assert.Equal(t, 1, got.Depth)
	assert.Equal(t, plumbing.NewBranchReferenceName("release"), got.ReferenceName)
	assert.Equal(t, &githttp.BasicAuth{Username: "hf", Password: "hf_secret"}, got.Auth)

	assert.NoDirExists(t, filepath.Join(paths.ModelPath(id), ".git"))
	e, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, KindCheckpoint, e.Kind)

	// A second clone of the same repository is a no-op.
	got = nil
	id2, err := reg.Clone(context.Background(), CloneOptions{URL: "https://huggingface.co/acme/bow"})
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.Nil(t, got)
}

func TestCloneFailures(t *testing.T) {
	t.Run("repository not found", func(t *testing.T) {
		paths, reg := populated(t)
		reg.clone = func(context.Context, string, *git.CloneOptions) error {
			return transport.ErrRepositoryNotFound
		}
		_, err := reg.Clone(context.Background(), CloneOptions{URL: "https://github.com/acme/missing.git"})
		assert.ErrorIs(t, err, transport.ErrRepositoryNotFound)
		assert.NoDirExists(t, paths.ModelPath("acme/missing"))
	})

	t.Run("not a checkpoint", func(t *testing.T) {
		paths, reg := populated(t)
		var got *git.CloneOptions
		reg.clone = fakeClone(t, &got, false)
		_, err := reg.Clone(context.Background(), CloneOptions{URL: "git@github.com:acme/docs.git"})
		assert.ErrorContains(t, err, "does not hold a checkpoint")
		assert.NoDirExists(t, paths.ModelPath("acme/docs"))
	})

	t.Run("invalid url", func(t *testing.T) {
		_, reg := populated(t)
		_, err := reg.Clone(context.Background(), CloneOptions{URL: ""})
		assert.Error(t, err)
	})
}

func TestResolveCheckpointClonesGitURLs(t *testing.T) {
	paths, reg := populated(t)
	var got *git.CloneOptions
	reg.clone = fakeClone(t, &got, true)

	dir, err := reg.ResolveCheckpoint(context.Background(), "https://github.com/acme/bow.git")
	require.NoError(t, err)
	assert.Equal(t, paths.ModelPath("acme/bow"), dir)
	assert.True(t, checkpoint.IsCheckpoint(dir))
}

func TestModelIDFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://huggingface.co/acme/bow", "acme/bow"},
		{"https://github.com/acme/bow.git", "acme/bow"},
		{"https://user@github.com/acme/bow.git", "acme/bow"},
		{"git@github.com:acme/bow.git", "acme/bow"},
		{"file:///srv/repos/bow", "repos/bow"},
		{"https://host/bow", "unknown/bow"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ModelIDFromURL(tt.url), tt.url)
	}
}

func TestIsGitURL(t *testing.T) {
	assert.True(t, IsGitURL("https://huggingface.co/acme/bow"))
	assert.True(t, IsGitURL("git@github.com:acme/bow.git"))
	assert.True(t, IsGitURL("/srv/repos/bow.git"))
	assert.False(t, IsGitURL(checkpoint.DemoModelID))
}
