// Package evaluate scores artifacts against labeled datasets.
package evaluate

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/inference"
	"github.com/silmaril/quench/internal/logger"
)

// Metric names.
const (
	MetricAccuracy  = "accuracy"
	MetricPrecision = "precision"
	MetricRecall    = "recall"
	MetricF1        = "f1"
	MetricSamples   = "samples"
)

// Metrics lists the supported metrics.
var Metrics = []string{MetricAccuracy, MetricPrecision, MetricRecall, MetricF1}

const defaultBatchSize = 64

// Predictor classifies texts. *inference.Classifier implements it.
type Predictor interface {
	Predict(ctx context.Context, texts []string) ([]inference.Prediction, error)
	Labels() []string
}

// Result is an immutable set of metric values.
type Result struct {
	values map[string]float64
}

// Get returns a metric value.
func (r *Result) Get(name string) (float64, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Accuracy returns the accuracy, or 0 when it was not computed.
func (r *Result) Accuracy() float64 { return r.values[MetricAccuracy] }

// Samples is the number of examples scored.
func (r *Result) Samples() int { return int(r.values[MetricSamples]) }

// Names lists the metrics in the result, sorted.
func (r *Result) Names() []string {
	return slices.Sorted(maps.Keys(r.values))
}

// Map returns a copy of the values.
func (r *Result) Map() map[string]float64 { return maps.Clone(r.values) }

// Options tune an evaluation run.
type Options struct {
	Metrics   []string
	BatchSize int
	// Progress, if set, is called after each batch.
	Progress func(done, total int)
}

// Evaluate runs p over ds and computes the requested metrics (accuracy when
// none are named). Dataset labels unknown to the model fail with an
// evaluation error wrapping ErrConfiguration.
func Evaluate(ctx context.Context, p Predictor, ds *Dataset, opts Options) (*Result, error) {
	const op = "evaluate"
	metrics := opts.Metrics
	if len(metrics) == 0 {
		metrics = []string{MetricAccuracy}
	}
	for _, m := range metrics {
		if !slices.Contains(Metrics, m) {
			return nil, errdefs.New(errdefs.ErrEvaluation, op, "unknown metric %q (supported: %v)", m, Metrics)
		}
	}
	if len(ds.Samples) == 0 {
		return nil, errdefs.New(errdefs.ErrEvaluation, op, "dataset is empty")
	}

	labels := p.Labels()
	mismatch := func(l string) error {
		return errdefs.Wrap(errdefs.ErrEvaluation, op,
			errdefs.New(errdefs.ErrConfiguration, op, "dataset label %q is not in the model label mapping %v", l, labels),
			"label mismatch")
	}
	for _, l := range ds.LabelSet() {
		if !slices.Contains(labels, l) {
			return nil, mismatch(l)
		}
	}
	// A declared label set does not vouch for the samples.
	for _, s := range ds.Samples {
		if !slices.Contains(labels, s.Label) {
			return nil, mismatch(s.Label)
		}
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	texts := ds.Texts()
	predicted := make([]string, 0, len(texts))
	for start := 0; start < len(texts); start += batch {
		end := min(start+batch, len(texts))
		preds, err := p.Predict(ctx, texts[start:end])
		if err != nil {
			return nil, errdefs.Wrap(errdefs.ErrEvaluation, op, err, "predict samples %d-%d", start, end)
		}
		if len(preds) != end-start {
			return nil, errdefs.Wrap(errdefs.ErrEvaluation, op,
				errdefs.New(errdefs.ErrMismatch, op, "predictor returned %d predictions for %d samples", len(preds), end-start),
				"predict samples %d-%d", start, end)
		}
		for _, pr := range preds {
			predicted = append(predicted, pr.Label)
		}
		if opts.Progress != nil {
			opts.Progress(end, len(texts))
		}
	}

	cm := newConfusion(labels)
	for i, s := range ds.Samples {
		cm.add(s.Label, predicted[i])
	}

	values := map[string]float64{MetricSamples: float64(len(ds.Samples))}
	for _, m := range metrics {
		values[m] = cm.metric(m)
	}
	logger.FromContext(ctx).Debug("evaluated", "samples", len(ds.Samples), "metrics", values)
	return &Result{values: values}, nil
}

// EvaluateArtifact loads a classifier for a and evaluates it.
func EvaluateArtifact(ctx context.Context, a *artifact.Artifact, ds *Dataset, opts Options) (*Result, error) {
	clf, err := inference.NewClassifier(a)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrEvaluation, "evaluate", err, "%s", a.Dir())
	}
	return Evaluate(ctx, clf, ds, opts)
}

// confusion counts (expected, predicted) pairs. Metrics derive from counts
// only, so they do not depend on sample order.
type confusion struct {
	labels []string
	counts map[[2]string]int
	total  int
}

func newConfusion(labels []string) *confusion {
	return &confusion{labels: labels, counts: make(map[[2]string]int)}
}

func (c *confusion) add(expected, predicted string) {
	c.counts[[2]string{expected, predicted}]++
	c.total++
}

func (c *confusion) metric(name string) float64 {
	switch name {
	case MetricAccuracy:
		correct := 0
		for _, l := range c.labels {
			correct += c.counts[[2]string{l, l}]
		}
		return ratio(correct, c.total)
	case MetricPrecision:
		return c.macro(func(tp, fp, _ int) float64 { return ratio(tp, tp+fp) })
	case MetricRecall:
		return c.macro(func(tp, _, fn int) float64 { return ratio(tp, tp+fn) })
	case MetricF1:
		return c.macro(func(tp, fp, fn int) float64 { return ratio(2*tp, 2*tp+fp+fn) })
	default:
		panic(fmt.Sprintf("evaluate: unhandled metric %q", name))
	}
}

// macro averages f over labels that occur as expected or predicted.
func (c *confusion) macro(f func(tp, fp, fn int) float64) float64 {
	var sum float64
	n := 0
	for _, l := range c.labels {
		var tp, fp, fn int
		for k, v := range c.counts {
			switch {
			case k[0] == l && k[1] == l:
				tp += v
			case k[1] == l:
				fp += v
			case k[0] == l:
				fn += v
			}
		}
		if tp+fp+fn == 0 {
			continue
		}
		sum += f(tp, fp, fn)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}
