package evaluate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silmaril/quench/internal/checkpoint"
	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/inference"
)

// stubPredictor answers from a fixed text -> label table.
type stubPredictor struct {
	labels  []string
	answers map[string]string
}

func (s stubPredictor) Labels() []string { return s.labels }

func (s stubPredictor) Predict(_ context.Context, texts []string) ([]inference.Prediction, error) {
	out := make([]inference.Prediction, len(texts))
	for i, t := range texts {
		out[i] = inference.Prediction{Label: s.answers[t], Score: 1}
	}
	return out, nil
}

func fixture() (stubPredictor, *Dataset) {
	p := stubPredictor{
		labels: []string{"NEGATIVE", "POSITIVE"},
		answers: map[string]string{
			"a": "POSITIVE", "b": "POSITIVE", "c": "NEGATIVE",
			"d": "NEGATIVE", "e": "POSITIVE",
		},
	}
	ds := NewDataset([]Sample{
		{Text: "a", Label: "POSITIVE"},
		{Text: "b", Label: "POSITIVE"},
		{Text: "c", Label: "POSITIVE"},
		{Text: "d", Label: "NEGATIVE"},
		{Text: "e", Label: "NEGATIVE"},
	})
	return p, ds
}

func TestMetrics(t *testing.T) {
	p, ds := fixture()
	res, err := Evaluate(context.Background(), p, ds, Options{Metrics: Metrics, BatchSize: 2})
	require.NoError(t, err)

	// POSITIVE: tp=2 fp=1 fn=1. NEGATIVE: tp=1 fp=1 fn=1.
	assert.InDelta(t, 0.6, res.Accuracy(), 1e-9)
	prec, ok := res.Get(MetricPrecision)
	require.True(t, ok)
	assert.InDelta(t, (2.0/3+0.5)/2, prec, 1e-9)
	rec, _ := res.Get(MetricRecall)
	assert.InDelta(t, (2.0/3+0.5)/2, rec, 1e-9)
	f1, _ := res.Get(MetricF1)
	assert.InDelta(t, (4.0/6+2.0/4)/2, f1, 1e-9)
	assert.Equal(t, 5, res.Samples())
	assert.Equal(t, []string{"accuracy", "f1", "precision", "recall", "samples"}, res.Names())

	m := res.Map()
	m[MetricAccuracy] = 1
	assert.InDelta(t, 0.6, res.Accuracy(), 1e-9)
}

func TestAccuracyIsOrderInvariant(t *testing.T) {
	p, ds := fixture()
	forward, err := Evaluate(context.Background(), p, ds, Options{Metrics: Metrics})
	require.NoError(t, err)

	reversed := make([]Sample, len(ds.Samples))
	for i, s := range ds.Samples {
		reversed[len(reversed)-1-i] = s
	}
	backward, err := Evaluate(context.Background(), p, NewDataset(reversed), Options{Metrics: Metrics, BatchSize: 3})
	require.NoError(t, err)
	assert.Equal(t, forward.Map(), backward.Map())
}

func TestEvaluateErrors(t *testing.T) {
	p, ds := fixture()
	ctx := context.Background()

	_, err := Evaluate(ctx, p, ds, Options{Metrics: []string{"bleu"}})
	assert.ErrorIs(t, err, errdefs.ErrEvaluation)
	assert.NotErrorIs(t, err, errdefs.ErrConfiguration)

	bad := NewDataset([]Sample{{Text: "a", Label: "neutral"}})
	_, err = Evaluate(ctx, p, bad, Options{})
	assert.ErrorIs(t, err, errdefs.ErrEvaluation)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	declared := NewDataset(ds.Samples, "pos", "neg")
	_, err = Evaluate(ctx, p, declared, Options{})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = Evaluate(ctx, p, NewDataset(nil), Options{})
	assert.ErrorIs(t, err, errdefs.ErrEvaluation)
}

func TestEvaluateChecksSampleLabelsAgainstModel(t *testing.T) {
	p, _ := fixture()
	// The declared set matches the model, one sample does not.
	ds := NewDataset([]Sample{
		{Text: "a", Label: "POSITIVE"},
		{Text: "c", Label: "neutral"},
	}, "NEGATIVE", "POSITIVE")

	_, err := Evaluate(context.Background(), p, ds, Options{})
	assert.ErrorIs(t, err, errdefs.ErrEvaluation)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.ErrorContains(t, err, `"neutral"`)
}

// shortPredictor drops the last prediction of every batch.
type shortPredictor struct{ stubPredictor }

func (s shortPredictor) Predict(ctx context.Context, texts []string) ([]inference.Prediction, error) {
	out, err := s.stubPredictor.Predict(ctx, texts)
	return out[:len(out)-1], err
}

func TestEvaluateRejectsShortPredictions(t *testing.T) {
	p, ds := fixture()
	var err error
	assert.NotPanics(t, func() {
		_, err = Evaluate(context.Background(), shortPredictor{p}, ds, Options{BatchSize: 2})
	})
	assert.ErrorIs(t, err, errdefs.ErrEvaluation)
	assert.ErrorIs(t, err, errdefs.ErrMismatch)
	assert.ErrorContains(t, err, "returned 1 predictions for 2 samples")
}

func TestLoadDataset(t *testing.T) {
	dir := t.TempDir()

	jsonl := filepath.Join(dir, "data.jsonl")
	require.NoError(t, checkpoint.WriteJSONL(jsonl, checkpoint.GenerateDataset(3, 10)))
	ds, err := LoadDataset(jsonl)
	require.NoError(t, err)
	assert.Len(t, ds.Samples, 10)
	assert.Subset(t, checkpoint.DemoLabels, ds.LabelSet())

	csvPath := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("id,label,text\n1,POSITIVE,\"great, fun\"\n2,NEGATIVE,dull\n"), 0o644))
	ds, err = LoadDataset(csvPath)
	require.NoError(t, err)
	assert.Equal(t, []Sample{{Text: "great, fun", Label: "POSITIVE"}, {Text: "dull", Label: "NEGATIVE"}}, ds.Samples)
	assert.Equal(t, []string{"NEGATIVE", "POSITIVE"}, ds.LabelSet())
	assert.Len(t, ds.Head(1).Samples, 1)

	tests := map[string]string{
		"data.txt":     "hello",
		"nolabel.csv":  "text\nhi\n",
		"broken.jsonl": "{not json}\n",
		"empty.jsonl":  "\n\n",
		"missing.json": `{"text":"x"}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := LoadDataset(path)
			assert.Error(t, err)
		})
	}
}

func TestEvaluateDemoModel(t *testing.T) {
	ckpt, err := checkpoint.NewDemo(checkpoint.DemoOptions{})
	require.NoError(t, err)
	p := checkpointPredictor{ckpt}

	res, err := Evaluate(context.Background(), p, NewDataset(checkpoint.GenerateDataset(5, 100)), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Accuracy())
}

type checkpointPredictor struct{ c *checkpoint.Checkpoint }

func (p checkpointPredictor) Labels() []string {
	labels, _ := p.c.Labels()
	return labels
}

func (p checkpointPredictor) Predict(_ context.Context, texts []string) ([]inference.Prediction, error) {
	logits, err := p.c.Classify(texts)
	if err != nil {
		return nil, err
	}
	labels := p.Labels()
	n := len(labels)
	out := make([]inference.Prediction, len(texts))
	for i := range texts {
		id := checkpoint.Argmax(logits[i*n : (i+1)*n])
		out[i] = inference.Prediction{Label: labels[id], ID: id}
	}
	return out, nil
}
