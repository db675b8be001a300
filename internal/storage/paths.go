package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/silmaril/quench/internal/config"
	"github.com/silmaril/quench/pkg/types"
)

// Stage directories inside a pipeline workspace.
const (
	ExportedDir  = "exported"
	OptimizedDir = "optimized"
	QuantizedDir = "quantized"
)

// Paths manages all storage locations for quench
type Paths struct {
	baseDir      string
	modelsDir    string
	artifactsDir string
	hubDir       string
	cacheDir     string
	keysDir      string
}

// NewPaths lays out the default tree under base.
func NewPaths(base string) *Paths {
	return &Paths{
		baseDir:      base,
		modelsDir:    filepath.Join(base, "models"),
		artifactsDir: filepath.Join(base, "artifacts"),
		hubDir:       filepath.Join(base, "hub"),
		cacheDir:     filepath.Join(base, "cache"),
		keysDir:      filepath.Join(base, "keys"),
	}
}

// FromConfig uses the directories of an initialized configuration.
func FromConfig(c *config.Config) *Paths {
	return &Paths{
		baseDir:      c.Storage.BaseDir,
		modelsDir:    c.Storage.ModelsDir,
		artifactsDir: c.Storage.ArtifactsDir,
		hubDir:       c.Storage.HubDir,
		cacheDir:     c.Storage.CacheDir,
		keysDir:      c.Security.KeysDir,
	}
}

// Initialize creates all necessary directories
func (p *Paths) Initialize() error {
	for _, dir := range []string{p.baseDir, p.modelsDir, p.artifactsDir, p.hubDir, p.cacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(p.keysDir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", p.keysDir, err)
	}
	return nil
}

func (p *Paths) BaseDir() string      { return p.baseDir }
func (p *Paths) ModelsDir() string    { return p.modelsDir }
func (p *Paths) ArtifactsDir() string { return p.artifactsDir }
func (p *Paths) HubDir() string       { return p.hubDir }
func (p *Paths) CacheDir() string     { return p.cacheDir }
func (p *Paths) KeysDir() string      { return p.keysDir }

// ModelPath returns the checkpoint directory for a model id such as
// "demo/sentiment-bow".
func (p *Paths) ModelPath(modelID string) string {
	return filepath.Join(p.modelsDir, filepath.FromSlash(modelID))
}

// WorkspacePath returns the directory holding one pipeline run's artifacts.
func (p *Paths) WorkspacePath(name string) string {
	return filepath.Join(p.artifactsDir, SafeName(name))
}

// StagePath returns the artifact directory of a stage inside a workspace.
func (p *Paths) StagePath(workspace, stage string) string {
	return filepath.Join(p.WorkspacePath(workspace), stage)
}

// CachePath returns where a pulled revision is stored.
func (p *Paths) CachePath(ref types.RepoRef) string {
	return filepath.Join(p.cacheDir, ref.Owner, ref.Name, ref.RevisionOrDefault())
}

// SafeName turns a model id into a single path element.
func SafeName(id string) string {
	r := strings.NewReplacer("/", "--", `\`, "--", ":", "-", "@", "-")
	return r.Replace(id)
}

// GetDiskUsage returns disk usage statistics for quench
func (p *Paths) GetDiskUsage() types.DiskUsage {
	usage := types.DiskUsage{
		Models:    getDirSize(p.modelsDir),
		Artifacts: getDirSize(p.artifactsDir),
		Hub:       getDirSize(p.hubDir),
		Cache:     getDirSize(p.cacheDir),
	}
	usage.Total = usage.Models + usage.Artifacts + usage.Hub + usage.Cache
	return usage
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) int64 {
	var size int64
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}
