// Package benchmark measures artifact latency.
//
// Warm-up calls absorb lazy initialization and are recorded separately from
// the measured calls; statistics only ever use measured samples.
package benchmark

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/inference"
	"github.com/silmaril/quench/internal/logger"
)

// Func is one timed call.
type Func func(ctx context.Context) error

// Options control a benchmark run.
type Options struct {
	Warmup     int
	Iterations int
	// Progress, if set, is called after each measured iteration.
	Progress func(done, total int)
}

// Validate rejects a negative warm-up or a non-positive iteration count.
func (o Options) Validate() error {
	if o.Iterations <= 0 {
		return errdefs.New(errdefs.ErrConfiguration, "benchmark", "iterations must be positive, got %d", o.Iterations)
	}
	if o.Warmup < 0 {
		return errdefs.New(errdefs.ErrConfiguration, "benchmark", "warmup must not be negative, got %d", o.Warmup)
	}
	return nil
}

// Samples are per-call elapsed times in call order.
type Samples struct {
	Warmup   []time.Duration `json:"warmup"`
	Measured []time.Duration `json:"measured"`
}

// Stats reduce measured samples.
type Stats struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
	Std   time.Duration `json:"std"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// Report is the outcome of one benchmark.
type Report struct {
	Name    string  `json:"name"`
	Samples Samples `json:"samples"`
	Stats   Stats   `json:"stats"`
}

// Run calls fn Warmup times, then Iterations timed times.
func Run(ctx context.Context, name string, fn Func, opts Options) (*Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).With("stage", "benchmark", "name", name)

	r := &Report{Name: name}
	r.Samples.Warmup = make([]time.Duration, 0, opts.Warmup)
	r.Samples.Measured = make([]time.Duration, 0, opts.Iterations)

	for i := range opts.Warmup {
		d, err := timeCall(ctx, fn)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.ErrEvaluation, "benchmark", err, "warmup call %d", i+1)
		}
		r.Samples.Warmup = append(r.Samples.Warmup, d)
	}
	for i := range opts.Iterations {
		d, err := timeCall(ctx, fn)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.ErrEvaluation, "benchmark", err, "call %d", i+1)
		}
		r.Samples.Measured = append(r.Samples.Measured, d)
		if opts.Progress != nil {
			opts.Progress(i+1, opts.Iterations)
		}
	}

	r.Stats = Summarize(r.Samples.Measured)
	log.Debug("benchmark done", "mean", r.Stats.Mean, "p95", r.Stats.P95)
	return r, nil
}

func timeCall(ctx context.Context, fn Func) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	start := time.Now()
	err := fn(ctx)
	return time.Since(start), err
}

// RunArtifact benchmarks classifying payload with a.
func RunArtifact(ctx context.Context, a *artifact.Artifact, payload []string, opts Options) (*Report, error) {
	if len(payload) == 0 {
		return nil, errdefs.New(errdefs.ErrConfiguration, "benchmark", "payload is empty")
	}
	clf, err := inference.NewClassifier(a)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrEvaluation, "benchmark", err, "%s", a.Dir())
	}
	return Run(ctx, a.Metadata().Stage, func(ctx context.Context) error {
		_, err := clf.Logits(ctx, payload)
		return err
	}, opts)
}

// Summarize reduces samples. Percentiles use the nearest-rank method.
func Summarize(samples []time.Duration) Stats {
	n := len(samples)
	if n == 0 {
		return Stats{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum float64
	for _, d := range sorted {
		sum += float64(d)
	}
	mean := sum / float64(n)
	var sq float64
	for _, d := range sorted {
		sq += (float64(d) - mean) * (float64(d) - mean)
	}

	return Stats{
		Count: n,
		Mean:  time.Duration(mean),
		Std:   time.Duration(math.Sqrt(sq / float64(n))),
		Min:   sorted[0],
		Max:   sorted[n-1],
		P50:   Percentile(sorted, 50),
		P90:   Percentile(sorted, 90),
		P95:   Percentile(sorted, 95),
		P99:   Percentile(sorted, 99),
	}
}

// Percentile returns the nearest-rank p-th percentile of sorted samples.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	return sorted[min(max(rank, 1), len(sorted))-1]
}

// Comparison relates a candidate benchmark to a baseline.
type Comparison struct {
	Baseline  string        `json:"baseline"`
	Candidate string        `json:"candidate"`
	Speedup   float64       `json:"speedup"`
	MeanDelta time.Duration `json:"mean_delta"`
	P95Delta  time.Duration `json:"p95_delta"`
}

// Faster reports whether the candidate's mean latency is no worse.
func (c Comparison) Faster() bool { return c.MeanDelta <= 0 }

// Compare computes speedup as baseline mean over candidate mean.
func Compare(baseline, candidate *Report) Comparison {
	c := Comparison{
		Baseline:  baseline.Name,
		Candidate: candidate.Name,
		MeanDelta: candidate.Stats.Mean - baseline.Stats.Mean,
		P95Delta:  candidate.Stats.P95 - baseline.Stats.P95,
	}
	if candidate.Stats.Mean > 0 {
		c.Speedup = float64(baseline.Stats.Mean) / float64(candidate.Stats.Mean)
	}
	return c
}
