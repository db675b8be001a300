// Package export turns a trained checkpoint into a runnable graph artifact.
package export

import (
	"context"
	"fmt"
	"strings"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/checkpoint"
	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/graph"
	"github.com/silmaril/quench/internal/inference"
	"github.com/silmaril/quench/internal/logger"
)

// TaskTextClassification is the only task the exporter traces.
const TaskTextClassification = "text-classification"

var taskAliases = map[string]string{
	TaskTextClassification: TaskTextClassification,
	"sentiment-analysis":   TaskTextClassification,
}

// NormalizeTask resolves task aliases.
func NormalizeTask(task string) (string, error) {
	if t, ok := taskAliases[strings.ToLower(strings.TrimSpace(task))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unsupported task %q", task)
}

// Resolver finds the checkpoint directory of a model id.
type Resolver interface {
	ResolveCheckpoint(ctx context.Context, modelID string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, modelID string) (string, error)

func (f ResolverFunc) ResolveCheckpoint(ctx context.Context, modelID string) (string, error) {
	return f(ctx, modelID)
}

// Exporter converts checkpoints into artifacts.
type Exporter struct {
	resolver Resolver
}

// New returns an Exporter resolving model ids through r.
func New(r Resolver) *Exporter {
	return &Exporter{resolver: r}
}

// Export resolves modelID, traces it for task and writes the artifact to target.
func (e *Exporter) Export(ctx context.Context, modelID, task, target string) (*artifact.Artifact, error) {
	log := logger.FromContext(ctx).With("stage", "export", "model", modelID)

	normalized, err := NormalizeTask(task)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrExport, "export", err, "model %s", modelID)
	}
	dir, err := e.resolver.ResolveCheckpoint(ctx, modelID)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrExport, "export", err, "unknown model %s", modelID)
	}
	ckpt, err := checkpoint.Load(dir)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrExport, "export", err, "read checkpoint %s", dir)
	}
	log.Debug("checkpoint loaded", "dir", dir, "vocab", ckpt.Tokenizer.VocabSize())

	g, err := Trace(ckpt)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrExport, "export", err, "trace %s", modelID)
	}

	meta := artifact.Metadata{
		Task:         normalized,
		Architecture: ckpt.Config.Architectures[0],
		SourceModel:  modelID,
		ID2Label:     ckpt.Config.ID2Label,
		Label2ID:     ckpt.Config.Label2ID,
		HiddenSize:   ckpt.Config.HiddenSize,
		Precision:    artifact.PrecisionFloat32,
		Stage:        artifact.StageExported,
		Lineage:      []string{artifact.StageExported},
	}
	art, err := artifact.Write(target, g, ckpt.Tokenizer, meta)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrExport, "export", err, "write artifact")
	}
	log.Info("model exported", "target", target, "nodes", len(g.Nodes), "size", art.Size())
	return art, nil
}

// Trace builds the computation graph of a checkpoint. Linear layers are
// emitted as MatMul over a transposed weight followed by Add, and dropout as
// Identity, the way a framework tracer records them.
func Trace(c *checkpoint.Checkpoint) (*graph.Graph, error) {
	if len(c.Config.Architectures) == 0 {
		return nil, fmt.Errorf("checkpoint config lists no architecture")
	}
	if arch := c.Config.Architectures[0]; arch != checkpoint.ArchBagOfWords {
		return nil, fmt.Errorf("no tracer for architecture %q", arch)
	}
	labels, err := c.Labels()
	if err != nil {
		return nil, err
	}

	emb, err := c.Weight(checkpoint.WeightEmbeddings, 2)
	if err != nil {
		return nil, err
	}
	w1, err := c.Weight(checkpoint.WeightPreClassifier, 2)
	if err != nil {
		return nil, err
	}
	b1, err := c.Weight(checkpoint.BiasPreClassifier, 1)
	if err != nil {
		return nil, err
	}
	w2, err := c.Weight(checkpoint.WeightClassifier, 2)
	if err != nil {
		return nil, err
	}
	b2, err := c.Weight(checkpoint.BiasClassifier, 1)
	if err != nil {
		return nil, err
	}

	vocab, hidden := emb.Shape[0], emb.Shape[1]
	inter := w1.Shape[0]
	switch {
	case vocab != c.Tokenizer.VocabSize():
		return nil, fmt.Errorf("embedding table has %d rows, tokenizer has %d tokens", vocab, c.Tokenizer.VocabSize())
	case c.Config.VocabSize != 0 && c.Config.VocabSize != vocab:
		return nil, fmt.Errorf("config vocab_size %d, embedding table has %d rows", c.Config.VocabSize, vocab)
	case w1.Shape[1] != hidden:
		return nil, fmt.Errorf("%s expects %d inputs, embeddings have %d", w1.Name, w1.Shape[1], hidden)
	case b1.Shape[0] != inter:
		return nil, fmt.Errorf("%s has %d entries, layer has %d outputs", b1.Name, b1.Shape[0], inter)
	case w2.Shape[1] != inter:
		return nil, fmt.Errorf("%s expects %d inputs, previous layer has %d", w2.Name, w2.Shape[1], inter)
	case w2.Shape[0] != len(labels) || b2.Shape[0] != len(labels):
		return nil, fmt.Errorf("classifier has %d outputs, label mapping has %d", w2.Shape[0], len(labels))
	}

	g := graph.New(c.Config.Architectures[0])
	g.Producer = "quench-export"
	g.Inputs = []graph.ValueInfo{
		{Name: inference.InputIDs, DType: graph.Int64, Shape: []int{-1, -1}},
		{Name: inference.AttentionMask, DType: graph.Int64, Shape: []int{-1, -1}},
	}
	g.Outputs = []graph.ValueInfo{
		{Name: inference.OutputLogits, DType: graph.Float32, Shape: []int{-1, len(labels)}},
	}
	for _, w := range []*graph.Tensor{emb, w1, b1, w2, b2} {
		g.AddInitializer(w.Clone())
	}

	g.AddNode("embeddings/Gather", graph.OpGather, []string{emb.Name, inference.InputIDs}, []string{"embeddings"})
	g.AddNode("pooler/MeanPool", graph.OpMeanPool, []string{"embeddings", inference.AttentionMask}, []string{"pooled"})
	linear(g, "pre_classifier", "pooled", w1.Name, b1.Name, "pre_classifier.output")
	g.AddNode("activation/Relu", graph.OpRelu, []string{"pre_classifier.output"}, []string{"hidden"})
	g.AddNode("dropout/Identity", graph.OpIdentity, []string{"hidden"}, []string{"hidden.dropout"})
	linear(g, "classifier", "hidden.dropout", w2.Name, b2.Name, inference.OutputLogits)

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func linear(g *graph.Graph, scope, input, weight, bias, output string) {
	g.AddNode(scope+"/Transpose", graph.OpTranspose, []string{weight}, []string{weight + "_t"})
	g.AddNode(scope+"/MatMul", graph.OpMatMul, []string{input, weight + "_t"}, []string{scope + ".matmul"})
	g.AddNode(scope+"/Add", graph.OpAdd, []string{scope + ".matmul", bias}, []string{output})
}
