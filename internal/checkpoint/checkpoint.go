// Package checkpoint reads and writes trained model checkpoints: a
// HuggingFace-style config.json, float32 weights in model.safetensors and the
// tokenizer files. It also carries the reference forward pass that exported
// graphs are checked against.
package checkpoint

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/silmaril/quench/internal/graph"
	"github.com/silmaril/quench/internal/tokenizer"
	"github.com/silmaril/quench/pkg/types"
)

const (
	ConfigFile  = "config.json"
	WeightsFile = "model.safetensors"

	// ArchBagOfWords is a mean-pooled embedding classifier with one hidden layer.
	ArchBagOfWords = "BagOfWordsForSequenceClassification"
	ModelTypeBOW   = "bow"
)

// Weight names of the bag-of-words architecture, stored [out, in] like torch.
const (
	WeightEmbeddings    = "embeddings.word_embeddings.weight"
	WeightPreClassifier = "pre_classifier.weight"
	BiasPreClassifier   = "pre_classifier.bias"
	WeightClassifier    = "classifier.weight"
	BiasClassifier      = "classifier.bias"
)

// Checkpoint is a loaded model checkpoint.
type Checkpoint struct {
	Dir       string
	Config    types.HFConfig
	Weights   map[string]*graph.Tensor
	Tokenizer *tokenizer.Tokenizer
}

// IsCheckpoint reports whether dir looks like a checkpoint directory.
func IsCheckpoint(dir string) bool {
	for _, name := range []string{ConfigFile, WeightsFile, tokenizer.VocabFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// ReadConfig reads config.json from dir.
func ReadConfig(dir string) (types.HFConfig, error) {
	var cfg types.HFConfig
	raw, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	return cfg, nil
}

// Load reads a checkpoint directory.
func Load(dir string) (*Checkpoint, error) {
	cfg, err := ReadConfig(dir)
	if err != nil {
		return nil, err
	}
	weights, err := readSafetensors(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{Dir: dir, Config: cfg, Weights: weights, Tokenizer: tok}, nil
}

// Save writes the checkpoint into dir.
func (c *Checkpoint) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(c.Config, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), raw, 0o644); err != nil {
		return err
	}
	if err := writeSafetensors(filepath.Join(dir, WeightsFile), c.Weights); err != nil {
		return fmt.Errorf("write weights: %w", err)
	}
	if err := c.Tokenizer.Save(dir); err != nil {
		return err
	}
	c.Dir = dir
	return nil
}

// Labels returns the label names ordered by class id.
func (c *Checkpoint) Labels() ([]string, error) {
	return LabelList(c.Config.ID2Label)
}

// LabelList converts an id2label mapping into a dense slice indexed by id.
func LabelList(id2label map[string]string) ([]string, error) {
	if len(id2label) == 0 {
		return nil, fmt.Errorf("empty label mapping")
	}
	out := make([]string, len(id2label))
	for k, v := range id2label {
		id, err := strconv.Atoi(k)
		if err != nil || id < 0 || id >= len(out) {
			return nil, fmt.Errorf("label id %q is not in [0,%d)", k, len(out))
		}
		if v == "" {
			return nil, fmt.Errorf("label id %d has no name", id)
		}
		out[id] = v
	}
	seen := make(map[string]bool, len(out))
	for _, name := range out {
		if seen[name] {
			return nil, fmt.Errorf("label %q mapped twice", name)
		}
		seen[name] = true
	}
	return out, nil
}

// Weight returns a float32 weight by name with the expected rank.
func (c *Checkpoint) Weight(name string, rank int) (*graph.Tensor, error) {
	t, ok := c.Weights[name]
	if !ok {
		return nil, fmt.Errorf("missing weight %s", name)
	}
	if len(t.Shape) != rank {
		return nil, fmt.Errorf("weight %s: expected rank %d, got shape %v", name, rank, t.Shape)
	}
	return t, nil
}

// Forward runs the reference bag-of-words forward pass over a padded batch
// and returns logits in row-major [batch, num_labels] order.
func (c *Checkpoint) Forward(b tokenizer.Batch) ([]float32, error) {
	emb, err := c.Weight(WeightEmbeddings, 2)
	if err != nil {
		return nil, err
	}
	w1, err := c.Weight(WeightPreClassifier, 2)
	if err != nil {
		return nil, err
	}
	b1, err := c.Weight(BiasPreClassifier, 1)
	if err != nil {
		return nil, err
	}
	w2, err := c.Weight(WeightClassifier, 2)
	if err != nil {
		return nil, err
	}
	b2, err := c.Weight(BiasClassifier, 1)
	if err != nil {
		return nil, err
	}
	vocab, hidden := emb.Shape[0], emb.Shape[1]
	inter, labels := w1.Shape[0], w2.Shape[0]

	logits := make([]float32, 0, b.Size*labels)
	for r := range b.Size {
		pooled := make([]float32, hidden)
		var count float32
		for j := range b.SeqLen {
			if b.Mask[r*b.SeqLen+j] == 0 {
				continue
			}
			id := int(b.IDs[r*b.SeqLen+j])
			if id < 0 || id >= vocab {
				return nil, fmt.Errorf("token id %d out of vocabulary range [0,%d)", id, vocab)
			}
			for k := range hidden {
				pooled[k] += emb.F32[id*hidden+k]
			}
			count++
		}
		if count > 0 {
			for k := range pooled {
				pooled[k] /= count
			}
		}
		h := dense(pooled, w1.F32, b1.F32, inter, hidden)
		for k, v := range h {
			h[k] = max(v, 0)
		}
		logits = append(logits, dense(h, w2.F32, b2.F32, labels, inter)...)
	}
	return logits, nil
}

// Classify tokenizes texts and runs the reference forward pass.
func (c *Checkpoint) Classify(texts []string) ([]float32, error) {
	return c.Forward(c.Tokenizer.EncodeBatch(texts))
}

func dense(x, w, bias []float32, out, in int) []float32 {
	y := make([]float32, out)
	for o := range out {
		sum := bias[o]
		row := w[o*in : (o+1)*in]
		for i, v := range x {
			sum += row[i] * v
		}
		y[o] = sum
	}
	return y
}

// Argmax returns the index of the largest value.
func Argmax(v []float32) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

// Softmax returns the normalized exponentials of v.
func Softmax(v []float32) []float32 {
	m := slices.Max(v)
	out := make([]float32, len(v))
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - m))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}
