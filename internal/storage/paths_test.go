package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silmaril/quench/internal/config"
	"github.com/silmaril/quench/pkg/types"
)

func TestNewPaths(t *testing.T) {
	p := NewPaths("/base")

	assert.Equal(t, "/base", p.BaseDir())
	assert.Equal(t, "/base/models", p.ModelsDir())
	assert.Equal(t, "/base/artifacts", p.ArtifactsDir())
	assert.Equal(t, "/base/hub", p.HubDir())
	assert.Equal(t, "/base/cache", p.CacheDir())
	assert.Equal(t, "/base/keys", p.KeysDir())
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(&config.Config{
		Storage: config.StorageConfig{
			BaseDir:      "/b",
			ModelsDir:    "/m",
			ArtifactsDir: "/a",
			HubDir:       "/h",
			CacheDir:     "/c",
		},
		Security: config.SecurityConfig{KeysDir: "/k"},
	})
	assert.Equal(t, "/m", p.ModelsDir())
	assert.Equal(t, "/a", p.ArtifactsDir())
	assert.Equal(t, "/k", p.KeysDir())
}

func TestDerivedPaths(t *testing.T) {
	p := NewPaths("/base")

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"model with owner", p.ModelPath("demo/sentiment-bow"), "/base/models/demo/sentiment-bow"},
		{"simple model", p.ModelPath("simple-model"), "/base/models/simple-model"},
		{"workspace", p.WorkspacePath("demo/sentiment-bow"), "/base/artifacts/demo--sentiment-bow"},
		{"stage", p.StagePath("demo/sentiment-bow", QuantizedDir), "/base/artifacts/demo--sentiment-bow/quantized"},
		{"cache default revision", p.CachePath(types.RepoRef{Owner: "acme", Name: "bow"}), "/base/cache/acme/bow/main"},
		{"cache pinned revision", p.CachePath(types.RepoRef{Owner: "acme", Name: "bow", Revision: "v2"}), "/base/cache/acme/bow/v2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.got)
		})
	}
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "acme--bow-v1", SafeName("acme/bow@v1"))
	assert.Equal(t, "plain", SafeName("plain"))
}

func TestInitializeAndDiskUsage(t *testing.T) {
	p := NewPaths(filepath.Join(t.TempDir(), "quench"))
	require.NoError(t, p.Initialize())

	for _, dir := range []string{p.ModelsDir(), p.ArtifactsDir(), p.HubDir(), p.CacheDir(), p.KeysDir()} {
		assert.DirExists(t, dir)
	}
	info, err := os.Stat(p.KeysDir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	require.NoError(t, os.MkdirAll(filepath.Join(p.ModelsDir(), "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(p.ModelsDir(), "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(p.ModelsDir(), "sub", "b.txt"), []byte("world!"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(p.CacheDir(), "c.txt"), []byte("testing"), 0o644))

	usage := p.GetDiskUsage()
	assert.Equal(t, int64(11), usage.Models)
	assert.Equal(t, int64(7), usage.Cache)
	assert.Equal(t, int64(18), usage.Total)
	assert.Zero(t, getDirSize(filepath.Join(p.BaseDir(), "missing")))
}
