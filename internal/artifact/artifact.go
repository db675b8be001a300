// Package artifact provides the immutable model artifact handle shared by all
// pipeline stages. An artifact is a self-describing directory:
//
//	model.qgraph           graph and weights
//	config.json            task, label mapping, precision, lineage, caveats
//	vocab.txt              preprocessor vocabulary
//	tokenizer_config.json  preprocessor settings
//
// Stages never modify an artifact. They read one and write a new one.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/goccy/go-json"

	"github.com/silmaril/quench/internal/checkpoint"
	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/graph"
	"github.com/silmaril/quench/internal/tokenizer"
)

const (
	GraphFile     = "model.qgraph"
	MetadataFile  = "config.json"
	FormatVersion = 1
)

// Stages recorded in the lineage.
const (
	StageExported  = "exported"
	StageOptimized = "optimized"
	StageQuantized = "quantized"
)

// Precisions.
const (
	PrecisionFloat32 = "float32"
	PrecisionFloat16 = "float16"
	PrecisionInt8    = "int8"
)

// Metadata is the content of config.json.
type Metadata struct {
	FormatVersion           int               `json:"format_version"`
	Task                    string            `json:"task"`
	Architecture            string            `json:"architecture"`
	SourceModel             string            `json:"source_model"`
	ID2Label                map[string]string `json:"id2label"`
	Label2ID                map[string]int    `json:"label2id"`
	VocabSize               int               `json:"vocab_size"`
	HiddenSize              int               `json:"hidden_size"`
	Precision               string            `json:"precision"`
	Stage                   string            `json:"stage"`
	Lineage                 []string          `json:"lineage"`
	Caveats                 []string          `json:"caveats,omitempty"`
	Settings                map[string]string `json:"settings,omitempty"`
	PreprocessorFingerprint string            `json:"preprocessor_fingerprint"`
	CreatedAt               time.Time         `json:"created_at"`
}

func (m Metadata) clone() Metadata {
	out := m
	out.ID2Label = cloneMap(m.ID2Label)
	out.Label2ID = cloneMap(m.Label2ID)
	out.Settings = cloneMap(m.Settings)
	out.Lineage = slices.Clone(m.Lineage)
	out.Caveats = slices.Clone(m.Caveats)
	return out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Derive returns metadata for an artifact produced from this one by stage.
// Caveats carry forward; settings start empty.
func (m Metadata) Derive(stage string) Metadata {
	out := m.clone()
	out.Stage = stage
	out.Lineage = append(out.Lineage, stage)
	out.Settings = nil
	out.CreatedAt = time.Time{}
	return out
}

// AddCaveat records a caveat once.
func (m *Metadata) AddCaveat(c string) {
	if !slices.Contains(m.Caveats, c) {
		m.Caveats = append(m.Caveats, c)
	}
}

// Artifact is a read-only handle to an artifact directory.
type Artifact struct {
	dir       string
	meta      Metadata
	graph     *graph.Graph
	tok       *tokenizer.Tokenizer
	labels    []string
	size      int64
	modelSize int64
}

// Open loads and validates the artifact in dir. Missing or corrupt parts fail
// with ErrLoad; a preprocessor that does not belong to the graph fails with
// ErrMismatch.
func Open(dir string) (*Artifact, error) {
	raw, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrLoad, "open artifact", err, "%s", dir)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrLoad, "open artifact", err, "parse %s", MetadataFile)
	}
	if meta.FormatVersion != FormatVersion {
		return nil, errdefs.New(errdefs.ErrLoad, "open artifact", "unsupported format version %d", meta.FormatVersion)
	}
	labels, err := checkpoint.LabelList(meta.ID2Label)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrLoad, "open artifact", err, "label mapping")
	}
	g, err := graph.ReadFile(filepath.Join(dir, GraphFile))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrLoad, "open artifact", err, "graph")
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrLoad, "open artifact", err, "preprocessor")
	}
	if err := checkPair(meta, g, tok, len(labels)); err != nil {
		return nil, err
	}

	a := &Artifact{dir: dir, meta: meta, graph: g, tok: tok, labels: labels}
	a.size, err = dirSize(dir)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrLoad, "open artifact", err, "stat files")
	}
	if fi, err := os.Stat(filepath.Join(dir, GraphFile)); err == nil {
		a.modelSize = fi.Size()
	}
	return a, nil
}

// checkPair verifies the graph and preprocessor halves belong together.
func checkPair(meta Metadata, g *graph.Graph, tok *tokenizer.Tokenizer, numLabels int) error {
	if fp := tok.Fingerprint(); fp != meta.PreprocessorFingerprint {
		return errdefs.New(errdefs.ErrMismatch, "open artifact",
			"preprocessor fingerprint %s does not match recorded %s", short(fp), short(meta.PreprocessorFingerprint))
	}
	if tok.VocabSize() != meta.VocabSize {
		return errdefs.New(errdefs.ErrMismatch, "open artifact",
			"preprocessor has %d tokens, model expects %d", tok.VocabSize(), meta.VocabSize)
	}
	for _, n := range g.Nodes {
		if n.Op != graph.OpGather {
			continue
		}
		if table, ok := g.Initializer(n.Inputs[0]); ok && table.Shape[0] != tok.VocabSize() {
			return errdefs.New(errdefs.ErrMismatch, "open artifact",
				"embedding table has %d rows, preprocessor has %d tokens", table.Shape[0], tok.VocabSize())
		}
	}
	for _, out := range g.Outputs {
		if len(out.Shape) == 2 && out.Shape[1] > 0 && out.Shape[1] != numLabels {
			return errdefs.New(errdefs.ErrMismatch, "open artifact",
				"graph output %s has %d classes, label mapping has %d", out.Name, out.Shape[1], numLabels)
		}
	}
	return nil
}

func short(fp string) string {
	if len(fp) > 19 {
		return fp[:19]
	}
	return fp
}

// Write stores a new artifact in dir and returns its handle. Files are staged
// in a sibling directory and renamed into place, so dir either appears
// complete or not at all. dir must not exist or be empty.
func Write(dir string, g *graph.Graph, tok *tokenizer.Tokenizer, meta Metadata) (*Artifact, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return nil, fmt.Errorf("target %s is not empty", dir)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, err
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".staging-")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(staging) }()

	meta = meta.clone()
	meta.FormatVersion = FormatVersion
	meta.PreprocessorFingerprint = tok.Fingerprint()
	meta.VocabSize = tok.VocabSize()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	if err := graph.WriteFile(filepath.Join(staging, GraphFile), g); err != nil {
		return nil, fmt.Errorf("write graph: %w", err)
	}
	if err := tok.Save(staging); err != nil {
		return nil, fmt.Errorf("write preprocessor: %w", err)
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(staging, MetadataFile), raw, 0o644); err != nil {
		return nil, err
	}

	_ = os.Remove(dir)
	if err := os.Rename(staging, dir); err != nil {
		return nil, fmt.Errorf("promote artifact: %w", err)
	}
	return Open(dir)
}

// Dir returns the artifact directory.
func (a *Artifact) Dir() string { return a.dir }

// Metadata returns a copy of the artifact metadata.
func (a *Artifact) Metadata() Metadata { return a.meta.clone() }

// Graph returns a private copy of the graph.
func (a *Artifact) Graph() *graph.Graph { return a.graph.Clone() }

// Tokenizer returns the paired preprocessor.
func (a *Artifact) Tokenizer() *tokenizer.Tokenizer { return a.tok }

// Labels returns label names indexed by class id.
func (a *Artifact) Labels() []string { return slices.Clone(a.labels) }

// Size is the total size of all files in the artifact.
func (a *Artifact) Size() int64 { return a.size }

// ModelSize is the size of the graph file.
func (a *Artifact) ModelSize() int64 { return a.modelSize }

// Files lists artifact files relative to its directory, sorted.
func (a *Artifact) Files() ([]string, error) {
	return ListFiles(a.dir)
}

// ListFiles lists regular files under dir relative to it, skipping hidden entries.
func ListFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != dir && len(name) > 0 && name[0] == '.' {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

func dirSize(dir string) (int64, error) {
	files, err := ListFiles(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		fi, err := os.Stat(filepath.Join(dir, f))
		if err != nil {
			return 0, err
		}
		total += fi.Size()
	}
	return total, nil
}
