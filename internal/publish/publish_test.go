package publish

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/bundle"
	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/hub"
	"github.com/silmaril/quench/internal/signing"
	"github.com/silmaril/quench/internal/storage"
	"github.com/silmaril/quench/internal/testutil"
	"github.com/silmaril/quench/internal/tokenizer"
	"github.com/silmaril/quench/pkg/types"
)

const token = "hub-token"

var dest = types.RepoRef{Owner: "acme", Name: "tiny"}

func tinyArtifact(t *testing.T) *artifact.Artifact {
	t.Helper()
	return testutil.TinyArtifact(t, filepath.Join(t.TempDir(), "tiny"))
}

func testKeys(t *testing.T) *signing.KeyPair {
	t.Helper()
	kp, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestPublishThenLoadKeepsLabels(t *testing.T) {
	store := hub.NewDir(t.TempDir())
	kp := testKeys(t)
	art := tinyArtifact(t)
	ctx := context.Background()

	m, err := NewPublisher(store).Publish(ctx, art, dest, Options{
		Version:    "v1",
		License:    "mit",
		Token:      token,
		SigningKey: kp.PrivateKey,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, m.Signature)
	assert.NotEmpty(t, m.MagnetURI)
	assert.Equal(t, "acme/tiny", m.Name)

	paths := storage.NewPaths(t.TempDir())
	loaded, err := NewLoader(store, paths, LoadOptions{PublicKey: kp.PublicKey, RequireSignature: true}).Load(ctx, dest)
	require.NoError(t, err)

	assert.Equal(t, art.Metadata().ID2Label, loaded.Artifact.Metadata().ID2Label)
	assert.Equal(t, art.Labels(), loaded.Artifact.Labels())
	assert.Equal(t, art.Tokenizer().Fingerprint(), loaded.Preprocessor.Fingerprint())
	assert.Equal(t, paths.CachePath(types.RepoRef{Owner: "acme", Name: "tiny", Revision: "v1"}), loaded.Artifact.Dir())

	entries, err := os.ReadDir(paths.CacheDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "pull staging left in the cache")
}

func TestLoadTwiceReplacesCachedCopy(t *testing.T) {
	store := hub.NewDir(t.TempDir())
	ctx := context.Background()
	_, err := NewPublisher(store).Publish(ctx, tinyArtifact(t), dest, Options{Version: "v1", Token: token})
	require.NoError(t, err)

	loader := NewLoader(store, storage.NewPaths(t.TempDir()), LoadOptions{})
	first, err := loader.Load(ctx, dest)
	require.NoError(t, err)
	second, err := loader.Load(ctx, types.RepoRef{Owner: "acme", Name: "tiny", Revision: "v1"})
	require.NoError(t, err)
	assert.Equal(t, first.Artifact.Dir(), second.Artifact.Dir())
}

func TestPublishErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing token", func(t *testing.T) {
		_, err := NewPublisher(hub.NewDir(t.TempDir())).Publish(ctx, tinyArtifact(t), dest, Options{})
		assert.ErrorIs(t, err, errdefs.ErrPublish)
		assert.ErrorContains(t, err, "token")
	})

	t.Run("nil artifact", func(t *testing.T) {
		_, err := NewPublisher(hub.NewDir(t.TempDir())).Publish(ctx, nil, dest, Options{Token: token})
		assert.ErrorIs(t, err, errdefs.ErrPublish)
	})

	t.Run("modified bundle", func(t *testing.T) {
		art := tinyArtifact(t)
		require.NoError(t, os.Remove(filepath.Join(art.Dir(), tokenizer.VocabFile)))
		_, err := NewPublisher(hub.NewDir(t.TempDir())).Publish(ctx, art, dest, Options{Token: token})
		assert.ErrorIs(t, err, errdefs.ErrPublish)
	})

	t.Run("existing version", func(t *testing.T) {
		store := hub.NewDir(t.TempDir())
		art := tinyArtifact(t)
		_, err := NewPublisher(store).Publish(ctx, art, dest, Options{Version: "v1", Token: token})
		require.NoError(t, err)

		_, err = NewPublisher(store).Publish(ctx, art, dest, Options{Version: "v1", Token: token})
		assert.ErrorIs(t, err, errdefs.ErrPublish)
		assert.ErrorIs(t, err, hub.ErrConflict)
	})
}

// revisionDir is where a directory hub keeps version v1 of dest.
func revisionDir(store *hub.Dir) string {
	return filepath.Join(store.Root(), "acme", "tiny", "revisions", "v1")
}

func TestLoadRejections(t *testing.T) {
	tests := []struct {
		name    string
		sign    bool
		opts    func(kp, other *signing.KeyPair) LoadOptions
		tamper  func(t *testing.T, store *hub.Dir)
		wantErr error
	}{
		{
			name: "unsigned but required",
			opts: func(kp, _ *signing.KeyPair) LoadOptions {
				return LoadOptions{PublicKey: kp.PublicKey, RequireSignature: true}
			},
			wantErr: errdefs.ErrLoad,
		},
		{
			name: "signed by another key",
			sign: true,
			opts: func(_, other *signing.KeyPair) LoadOptions {
				return LoadOptions{PublicKey: other.PublicKey}
			},
			wantErr: errdefs.ErrLoad,
		},
		{
			name: "corrupted file on the hub",
			opts: func(*signing.KeyPair, *signing.KeyPair) LoadOptions { return LoadOptions{} },
			tamper: func(t *testing.T, store *hub.Dir) {
				path := filepath.Join(revisionDir(store), artifact.GraphFile)
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				data[len(data)-1] ^= 0xff
				require.NoError(t, os.WriteFile(path, data, 0o644))
			},
			wantErr: errdefs.ErrLoad,
		},
		{
			name: "preprocessor swapped on the hub",
			opts: func(*signing.KeyPair, *signing.KeyPair) LoadOptions { return LoadOptions{} },
			tamper: func(t *testing.T, store *hub.Dir) {
				dir := revisionDir(store)
				f, err := os.OpenFile(filepath.Join(dir, tokenizer.VocabFile), os.O_APPEND|os.O_WRONLY, 0)
				require.NoError(t, err)
				_, err = f.WriteString("ugly\n")
				require.NoError(t, err)
				require.NoError(t, f.Close())

				m, err := bundle.ReadManifest(dir)
				require.NoError(t, err)
				m.Files, err = bundle.HashDir(dir)
				require.NoError(t, err)
				require.NoError(t, bundle.WriteManifest(dir, m))
			},
			wantErr: errdefs.ErrMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kp, other := testKeys(t), testKeys(t)
			store := hub.NewDir(t.TempDir())
			opts := Options{Version: "v1", Token: token}
			if tt.sign {
				opts.SigningKey = kp.PrivateKey
			}
			_, err := NewPublisher(store).Publish(context.Background(), tinyArtifact(t), dest, opts)
			require.NoError(t, err)
			if tt.tamper != nil {
				tt.tamper(t, store)
			}

			paths := storage.NewPaths(t.TempDir())
			_, err = NewLoader(store, paths, tt.opts(kp, other)).Load(context.Background(), dest)
			assert.ErrorIs(t, err, tt.wantErr)

			entries, err := os.ReadDir(paths.CacheDir())
			require.NoError(t, err)
			assert.Empty(t, entries, "rejected bundle reached the cache")
		})
	}
}

func TestLoadUnknownRepository(t *testing.T) {
	_, err := NewLoader(hub.NewDir(t.TempDir()), storage.NewPaths(t.TempDir()), LoadOptions{}).Load(context.Background(), dest)
	assert.ErrorIs(t, err, errdefs.ErrLoad)
	assert.ErrorIs(t, err, hub.ErrNotFound)
}

func TestPublishOverHTTP(t *testing.T) {
	store := hub.NewDir(t.TempDir())
	srv := httptest.NewServer(hub.NewServer(store, token, nil).Handler())
	defer srv.Close()
	remote := Retrying(hub.NewClient(srv.URL), hub.RetryPolicy{Attempts: 2, Backoff: time.Millisecond})
	kp := testKeys(t)
	ctx := context.Background()

	art := tinyArtifact(t)
	_, err := NewPublisher(remote).Publish(ctx, art, types.RepoRef{Owner: "acme", Name: "tiny", Revision: "stable"}, Options{
		Version:    "v1",
		Token:      token,
		SigningKey: kp.PrivateKey,
	})
	require.NoError(t, err)

	loaded, err := NewLoader(remote, storage.NewPaths(t.TempDir()), LoadOptions{PublicKey: kp.PublicKey, RequireSignature: true}).
		Load(ctx, types.RepoRef{Owner: "acme", Name: "tiny", Revision: "stable"})
	require.NoError(t, err)
	assert.Equal(t, "v1", loaded.Manifest.Version)
	assert.Equal(t, art.Metadata().ID2Label, loaded.Manifest.Labels)

	_, err = NewPublisher(remote).Publish(ctx, art, dest, Options{Version: "v2", Token: "wrong"})
	assert.ErrorIs(t, err, errdefs.ErrPublish)
	assert.ErrorIs(t, err, hub.ErrUnauthorized)
}

// dropFirstCommit forwards to next but cuts the connection after the first
// commit has been applied, so the client never sees its response.
func dropFirstCommit(t *testing.T, next http.Handler) http.Handler {
	var dropped atomic.Bool
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/commit") || dropped.Swap(true) {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(httptest.NewRecorder(), r)
		conn, _, err := w.(http.Hijacker).Hijack()
		if !assert.NoError(t, err) {
			return
		}
		_ = conn.Close()
	})
}

func TestRetriedPushThatLandedSucceeds(t *testing.T) {
	store := hub.NewDir(t.TempDir())
	srv := httptest.NewServer(dropFirstCommit(t, hub.NewServer(store, token, nil).Handler()))
	defer srv.Close()
	remote := Retrying(hub.NewClient(srv.URL), hub.RetryPolicy{Attempts: 3, Backoff: time.Millisecond})
	ctx := context.Background()
	art := tinyArtifact(t)

	m, err := NewPublisher(remote).Publish(ctx, art, dest, Options{Version: "v1", Token: token})
	require.NoError(t, err)
	refs, err := store.Refs(dest)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, refs.Revisions)
	stored, err := store.Manifest(types.RepoRef{Owner: "acme", Name: "tiny", Revision: "v1"})
	require.NoError(t, err)
	assert.Equal(t, m.Files, stored.Files)

	// A first attempt that conflicts is a real conflict, even for the same content.
	_, err = NewPublisher(remote).Publish(ctx, art, dest, Options{Version: "v1", Token: token})
	assert.ErrorIs(t, err, errdefs.ErrPublish)
	assert.ErrorIs(t, err, hub.ErrConflict)
}

type flakyRemote struct {
	failures int
	pushes   int
	pulls    int
}

func (f *flakyRemote) Push(context.Context, string, *types.BundleManifest, types.RepoRef, string) error {
	f.pushes++
	if f.pushes <= f.failures {
		return &hub.StatusError{Code: http.StatusServiceUnavailable}
	}
	return nil
}

func (f *flakyRemote) Pull(_ context.Context, _ types.RepoRef, dir string) (*types.BundleManifest, error) {
	f.pulls++
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "partial"), []byte("x"), 0o644); err != nil {
		return nil, err
	}
	if f.pulls <= f.failures {
		return nil, &hub.StatusError{Code: http.StatusBadGateway}
	}
	return &types.BundleManifest{Version: "v1"}, nil
}

func TestRetryingRemote(t *testing.T) {
	flaky := &flakyRemote{failures: 2}
	remote := Retrying(flaky, hub.RetryPolicy{Attempts: 3, Backoff: time.Millisecond})

	require.NoError(t, remote.Push(context.Background(), "", &types.BundleManifest{}, dest, token))
	assert.Equal(t, 3, flaky.pushes)

	dir := filepath.Join(t.TempDir(), "pull")
	m, err := remote.Pull(context.Background(), dest, dir)
	require.NoError(t, err)
	assert.Equal(t, "v1", m.Version)
	assert.Equal(t, 3, flaky.pulls)

	exhausted := Retrying(&flakyRemote{failures: 5}, hub.RetryPolicy{Attempts: 2, Backoff: time.Millisecond})
	err = exhausted.Push(context.Background(), "", &types.BundleManifest{}, dest, token)
	var status *hub.StatusError
	assert.True(t, errors.As(err, &status))
}
