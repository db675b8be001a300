// Package registry indexes what is on local disk: checkpoints under the models
// directory, pipeline artifacts under the artifacts directory and bundles
// pulled into the cache.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/bundle"
	"github.com/silmaril/quench/internal/checkpoint"
	"github.com/silmaril/quench/internal/storage"
)

// Kind of a registry entry.
type Kind string

const (
	KindCheckpoint Kind = "checkpoint"
	KindArtifact   Kind = "artifact"
	KindBundle     Kind = "bundle"
)

// Entry describes one model on disk.
type Entry struct {
	ID           string   `json:"id"`
	Kind         Kind     `json:"kind"`
	Dir          string   `json:"dir"`
	Architecture string   `json:"architecture,omitempty"`
	Task         string   `json:"task,omitempty"`
	Precision    string   `json:"precision,omitempty"`
	Stage        string   `json:"stage,omitempty"`
	Version      string   `json:"version,omitempty"`
	Labels       []string `json:"labels,omitempty"`
	Size         int64    `json:"size"`
}

// Registry is an in-memory index of local models
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	paths   *storage.Paths
	clone   cloneFunc
}

// New creates the storage directories and scans them.
func New(paths *storage.Paths) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]*Entry),
		paths:   paths,
		clone:   plainClone,
	}
	if err := paths.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize paths: %w", err)
	}
	if err := r.Scan(); err != nil {
		return nil, fmt.Errorf("failed to scan models: %w", err)
	}
	return r, nil
}

// Scan adds everything found on disk to the registry.
func (r *Registry) Scan() error {
	found := make(map[string]*Entry)
	if err := scanCheckpoints(r.paths.ModelsDir(), found); err != nil {
		return err
	}
	if err := scanArtifacts(r.paths.ArtifactsDir(), found); err != nil {
		return err
	}
	if err := scanBundles(r.paths.CacheDir(), found); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range found {
		r.entries[id] = e
	}
	return nil
}

// Rescan drops the index and scans again.
func (r *Registry) Rescan() error {
	r.mu.Lock()
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()
	return r.Scan()
}

// walkModels calls visit for every non-hidden directory below root and stops
// descending where visit returns true.
func walkModels(root string, visit func(dir, id string) bool) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable paths
		}
		if !d.IsDir() || path == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if visit(path, filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}
		return nil
	})
}

func scanCheckpoints(root string, found map[string]*Entry) error {
	return walkModels(root, func(dir, id string) bool {
		if !checkpoint.IsCheckpoint(dir) {
			return false
		}
		cfg, err := checkpoint.ReadConfig(dir)
		if err != nil {
			return true
		}
		e := &Entry{ID: id, Kind: KindCheckpoint, Dir: dir, Task: cfg.FinetuningTask, Precision: cfg.TorchDtype}
		if len(cfg.Architectures) > 0 {
			e.Architecture = cfg.Architectures[0]
		}
		e.Labels, _ = checkpoint.LabelList(cfg.ID2Label)
		e.Size = dirSize(dir)
		found[id] = e
		return true
	})
}

func scanArtifacts(root string, found map[string]*Entry) error {
	return walkModels(root, func(dir, id string) bool {
		if _, err := os.Stat(filepath.Join(dir, artifact.GraphFile)); err != nil {
			return false
		}
		art, err := artifact.Open(dir)
		if err != nil {
			return true
		}
		found[id] = fromArtifact(id, KindArtifact, art)
		return true
	})
}

func scanBundles(root string, found map[string]*Entry) error {
	return walkModels(root, func(dir, id string) bool {
		m, err := bundle.ReadManifest(dir)
		if err != nil {
			return false
		}
		art, err := artifact.Open(dir)
		if err != nil {
			return true
		}
		// cache/<owner>/<name>/<version>
		if i := strings.LastIndex(id, "/"); i >= 0 {
			id = id[:i] + "@" + id[i+1:]
		}
		e := fromArtifact(id, KindBundle, art)
		e.Version = m.Version
		found[id] = e
		return true
	})
}

func fromArtifact(id string, kind Kind, art *artifact.Artifact) *Entry {
	meta := art.Metadata()
	return &Entry{
		ID:           id,
		Kind:         kind,
		Dir:          art.Dir(),
		Architecture: meta.Architecture,
		Task:         meta.Task,
		Precision:    meta.Precision,
		Stage:        meta.Stage,
		Labels:       art.Labels(),
		Size:         art.Size(),
	}
}

func dirSize(dir string) int64 {
	files, err := artifact.ListFiles(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, f := range files {
		if fi, err := os.Stat(filepath.Join(dir, filepath.FromSlash(f))); err == nil {
			total += fi.Size()
		}
	}
	return total
}

// Get returns one entry.
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("model %s not found in registry", id)
	}
	cp := *e
	return &cp, nil
}

// List returns the entries of the given kinds, all kinds when none are given,
// sorted by id.
func (r *Registry) List(kinds ...Kind) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if len(kinds) == 0 || slices.Contains(kinds, e.Kind) {
			cp := *e
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *Entry) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// ResolveCheckpoint maps a model id to its checkpoint directory. Git URLs are
// cloned into the models directory on first use.
func (r *Registry) ResolveCheckpoint(ctx context.Context, modelID string) (string, error) {
	if IsGitURL(modelID) {
		id, err := r.Clone(ctx, CloneOptions{URL: modelID})
		if err != nil {
			return "", err
		}
		modelID = id
	}

	if e, err := r.Get(modelID); err == nil && e.Kind == KindCheckpoint {
		return e.Dir, nil
	}
	// The directory may have appeared since the last scan.
	dir := r.paths.ModelPath(modelID)
	if checkpoint.IsCheckpoint(dir) {
		if err := r.Scan(); err != nil {
			return "", err
		}
		return dir, nil
	}
	return "", fmt.Errorf("checkpoint %s not found in %s", modelID, r.paths.ModelsDir())
}
