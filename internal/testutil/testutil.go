// Package testutil builds small artifacts for tests across packages.
package testutil

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/checkpoint"
	"github.com/silmaril/quench/internal/export"
	"github.com/silmaril/quench/internal/graph"
	"github.com/silmaril/quench/internal/tokenizer"
)

// TinyArtifact writes a two-class pooled lookup to dir: "good" votes for
// POSITIVE (class 0) and "bad" for NEGATIVE (class 1).
func TinyArtifact(t testing.TB, dir string) *artifact.Artifact {
	t.Helper()
	tok, err := tokenizer.New([]string{tokenizer.PadToken, tokenizer.UnkToken, "good", "bad"}, tokenizer.DefaultConfig())
	require.NoError(t, err)

	g := graph.New("tiny")
	g.Inputs = []graph.ValueInfo{
		{Name: "input_ids", DType: graph.Int64, Shape: []int{-1, -1}},
		{Name: "attention_mask", DType: graph.Int64, Shape: []int{-1, -1}},
	}
	g.Outputs = []graph.ValueInfo{{Name: "logits", DType: graph.Float32, Shape: []int{-1, 2}}}
	g.AddInitializer(graph.NewFloat32("table", []int{4, 2}, []float32{0, 0, 0, 0, 1, 0, 0, 1}))
	g.AddNode("embeddings/Gather", graph.OpGather, []string{"table", "input_ids"}, []string{"embedded"})
	g.AddNode("pooler/MeanPool", graph.OpMeanPool, []string{"embedded", "attention_mask"}, []string{"logits"})

	meta := artifact.Metadata{
		Task:         export.TaskTextClassification,
		Architecture: "TinyLookup",
		SourceModel:  "test/tiny",
		ID2Label:     map[string]string{"0": "POSITIVE", "1": "NEGATIVE"},
		Label2ID:     map[string]int{"POSITIVE": 0, "NEGATIVE": 1},
		Precision:    artifact.PrecisionFloat32,
		Stage:        artifact.StageExported,
		Lineage:      []string{artifact.StageExported},
	}
	art, err := artifact.Write(dir, g, tok, meta)
	require.NoError(t, err)
	return art
}

// DemoModels installs the demo checkpoint under root and returns a resolver
// for model ids relative to root.
func DemoModels(t testing.TB, root string) export.Resolver {
	t.Helper()
	_, err := checkpoint.CreateDemo(filepath.Join(root, filepath.FromSlash(checkpoint.DemoModelID)), checkpoint.DemoOptions{})
	require.NoError(t, err)
	return export.ResolverFunc(func(_ context.Context, id string) (string, error) {
		dir := filepath.Join(root, filepath.FromSlash(id))
		if !checkpoint.IsCheckpoint(dir) {
			return "", errors.New("model not found")
		}
		return dir, nil
	})
}

// ExportDemo exports the demo checkpoint into a fresh directory.
func ExportDemo(t testing.TB) *artifact.Artifact {
	t.Helper()
	root := t.TempDir()
	resolver := DemoModels(t, filepath.Join(root, "models"))
	art, err := export.New(resolver).Export(context.Background(), checkpoint.DemoModelID, export.TaskTextClassification, filepath.Join(root, "exported"))
	require.NoError(t, err)
	return art
}
