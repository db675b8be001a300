package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDemoRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sentiment")
	created, err := CreateDemo(dir, DemoOptions{})
	require.NoError(t, err)
	assert.True(t, IsCheckpoint(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, created.Config, loaded.Config)
	assert.Equal(t, created.Tokenizer.Fingerprint(), loaded.Tokenizer.Fingerprint())
	for name, w := range created.Weights {
		require.Contains(t, loaded.Weights, name)
		assert.Equal(t, w.Shape, loaded.Weights[name].Shape, name)
		assert.Equal(t, w.F32, loaded.Weights[name].F32, name)
	}
}

func TestDemoIsDeterministic(t *testing.T) {
	a, err := NewDemo(DemoOptions{Seed: 7})
	require.NoError(t, err)
	b, err := NewDemo(DemoOptions{Seed: 7})
	require.NoError(t, err)
	assert.Equal(t, a.Weights[WeightPreClassifier].F32, b.Weights[WeightPreClassifier].F32)
}

func TestDemoClassifiesGeneratedData(t *testing.T) {
	c, err := NewDemo(DemoOptions{})
	require.NoError(t, err)
	labels, err := c.Labels()
	require.NoError(t, err)

	samples := GenerateDataset(1, 200)
	texts := make([]string, len(samples))
	for i, s := range samples {
		texts[i] = s.Text
	}
	logits, err := c.Classify(texts)
	require.NoError(t, err)
	require.Len(t, logits, len(samples)*2)

	correct := 0
	for i, s := range samples {
		if labels[Argmax(logits[i*2:i*2+2])] == s.Label {
			correct++
		}
	}
	assert.Equal(t, len(samples), correct)
}

func TestLabelList(t *testing.T) {
	got, err := LabelList(map[string]string{"1": "POSITIVE", "0": "NEGATIVE"})
	require.NoError(t, err)
	assert.Equal(t, []string{"NEGATIVE", "POSITIVE"}, got)

	_, err = LabelList(map[string]string{"0": "A", "2": "B"})
	assert.Error(t, err)

	_, err = LabelList(map[string]string{"0": "A", "1": "A"})
	assert.ErrorContains(t, err, "mapped twice")
}

func TestSoftmax(t *testing.T) {
	p := Softmax([]float32{1, 1})
	assert.InDelta(t, 0.5, p[0], 1e-6)
	assert.InDelta(t, 0.5, p[1], 1e-6)
}

func TestGenerateDatasetWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eval.jsonl")
	samples := GenerateDataset(3, 5)
	require.NoError(t, WriteJSONL(path, samples))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"label":"`)
	assert.Equal(t, GenerateDataset(3, 5), samples)
}

func TestLoadMissingWeights(t *testing.T) {
	dir := t.TempDir()
	_, err := CreateDemo(dir, DemoOptions{})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, WeightsFile)))

	_, err = Load(dir)
	assert.Error(t, err)
	assert.False(t, IsCheckpoint(dir))
}
