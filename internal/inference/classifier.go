package inference

import (
	"context"
	"fmt"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/checkpoint"
	"github.com/silmaril/quench/internal/tokenizer"
)

// Graph value names shared by exporter and runtime.
const (
	InputIDs      = "input_ids"
	AttentionMask = "attention_mask"
	OutputLogits  = "logits"
)

// Prediction is one classified text.
type Prediction struct {
	Label string  `json:"label"`
	ID    int     `json:"id"`
	Score float32 `json:"score"`
}

// Classifier pairs an artifact's preprocessor with a session over its graph.
type Classifier struct {
	art    *artifact.Artifact
	tok    *tokenizer.Tokenizer
	sess   *Session
	labels []string
}

// NewClassifier prepares a text classifier for an artifact.
func NewClassifier(a *artifact.Artifact) (*Classifier, error) {
	sess, err := NewSession(a.Graph())
	if err != nil {
		return nil, fmt.Errorf("prepare session: %w", err)
	}
	return &Classifier{art: a, tok: a.Tokenizer(), sess: sess, labels: a.Labels()}, nil
}

// Artifact returns the artifact being run.
func (c *Classifier) Artifact() *artifact.Artifact { return c.art }

// Session returns the underlying session.
func (c *Classifier) Session() *Session { return c.sess }

// Labels returns label names by class id.
func (c *Classifier) Labels() []string { return c.labels }

// Feeds tokenizes texts into graph inputs.
func (c *Classifier) Feeds(texts []string) map[string]*Value {
	b := c.tok.EncodeBatch(texts)
	shape := []int{b.Size, b.SeqLen}
	return map[string]*Value{
		InputIDs:      Ints(shape, b.IDs),
		AttentionMask: Ints(shape, b.Mask),
	}
}

// Logits returns row-major [len(texts), len(Labels())] logits.
func (c *Classifier) Logits(ctx context.Context, texts []string) ([]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out, err := c.sess.Run(ctx, c.Feeds(texts))
	if err != nil {
		return nil, err
	}
	logits, ok := out[OutputLogits]
	if !ok || logits.F == nil {
		return nil, fmt.Errorf("graph produced no %s output", OutputLogits)
	}
	if len(logits.F) != len(texts)*len(c.labels) {
		return nil, fmt.Errorf("got %d logits for %d texts and %d labels", len(logits.F), len(texts), len(c.labels))
	}
	return logits.F, nil
}

// Predict classifies texts.
func (c *Classifier) Predict(ctx context.Context, texts []string) ([]Prediction, error) {
	logits, err := c.Logits(ctx, texts)
	if err != nil {
		return nil, err
	}
	n := len(c.labels)
	preds := make([]Prediction, len(texts))
	for i := range texts {
		row := logits[i*n : (i+1)*n]
		id := checkpoint.Argmax(row)
		preds[i] = Prediction{Label: c.labels[id], ID: id, Score: checkpoint.Softmax(row)[id]}
	}
	return preds, nil
}
