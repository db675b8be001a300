// Package pipeline runs export, optimization, quantization, evaluation,
// benchmarking and publishing as one sequence. Each stage consumes the
// artifact handle the previous one returned; the first failure stops the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/benchmark"
	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/evaluate"
	"github.com/silmaril/quench/internal/export"
	"github.com/silmaril/quench/internal/logger"
	"github.com/silmaril/quench/internal/optimize"
	"github.com/silmaril/quench/internal/publish"
	"github.com/silmaril/quench/internal/quantize"
	"github.com/silmaril/quench/internal/storage"
	"github.com/silmaril/quench/pkg/types"
)

// Stage names as reported to observers.
const (
	StageExport    = "export"
	StageOptimize  = "optimize"
	StageQuantize  = "quantize"
	StageEvaluate  = "evaluate"
	StageBenchmark = "benchmark"
	StagePublish   = "publish"
)

// ErrRejected is returned when the acceptance policy turns the quantized
// model down. The report is returned alongside it.
var ErrRejected = errors.New("rejected by acceptance policy")

// AcceptancePolicy judges a finished report before anything is published.
// A non-nil error rejects the run.
type AcceptancePolicy func(r *Report) error

// MaxAccuracyDrop rejects candidates whose accuracy is more than drop below
// the baseline's.
func MaxAccuracyDrop(drop float64) AcceptancePolicy {
	return func(r *Report) error {
		if r.AccuracyDrop > drop {
			return fmt.Errorf("accuracy dropped by %.4f, allowed %.4f", r.AccuracyDrop, drop)
		}
		return nil
	}
}

// Observer receives progress from a run. Either field may be nil.
type Observer struct {
	Stage    func(stage string)
	Progress func(stage string, done, total int)
}

func (o Observer) stage(name string) {
	if o.Stage != nil {
		o.Stage(name)
	}
}

func (o Observer) progress(name string) func(done, total int) {
	if o.Progress == nil {
		return nil
	}
	return func(done, total int) { o.Progress(name, done, total) }
}

// Options for one run.
type Options struct {
	// Policy overrides the plan's max_accuracy_drop. With neither set every
	// candidate is accepted.
	Policy AcceptancePolicy
	// Publish carries the credentials for the publish step. Version,
	// description and license come from the plan when set there.
	Publish publish.Options
	// Overwrite clears stage directories left by an earlier run.
	Overwrite bool
	Observer  Observer
}

// StageArtifact summarizes one artifact produced by the run.
type StageArtifact struct {
	Stage     string `json:"stage"`
	Dir       string `json:"dir"`
	Precision string `json:"precision"`
	ModelSize int64  `json:"model_size"`
}

// Report summarizes a run.
type Report struct {
	Model            string                `json:"model"`
	Artifacts        []StageArtifact       `json:"artifacts"`
	Optimization     *optimize.Report      `json:"optimization"`
	Quantization     *quantize.Report      `json:"quantization"`
	Baseline         map[string]float64    `json:"baseline"`
	Candidate        map[string]float64    `json:"candidate"`
	AccuracyDrop     float64               `json:"accuracy_drop"`
	BaselineLatency  benchmark.Stats       `json:"baseline_latency"`
	CandidateLatency benchmark.Stats       `json:"candidate_latency"`
	Latency          benchmark.Comparison  `json:"latency"`
	Caveats          []string              `json:"caveats,omitempty"`
	Accepted         bool                  `json:"accepted"`
	Rejection        string                `json:"rejection,omitempty"`
	Published        *types.BundleManifest `json:"published,omitempty"`
	Duration         time.Duration         `json:"duration"`
}

// Final returns the last artifact produced, the one that gets published.
func (r *Report) Final() StageArtifact {
	if len(r.Artifacts) == 0 {
		return StageArtifact{}
	}
	return r.Artifacts[len(r.Artifacts)-1]
}

// Pipeline runs plans against one checkpoint resolver and remote.
type Pipeline struct {
	exporter  *export.Exporter
	publisher *publish.Publisher
}

// New returns a pipeline. remote may be nil when no plan publishes.
func New(resolver export.Resolver, remote publish.Remote) *Pipeline {
	p := &Pipeline{exporter: export.New(resolver)}
	if remote != nil {
		p.publisher = publish.NewPublisher(remote)
	}
	return p
}

// Run executes plan. Defaults must already be applied. On rejection the
// report is returned together with an error wrapping ErrRejected.
func (p *Pipeline) Run(ctx context.Context, plan *Plan, opts Options) (*Report, error) {
	start := time.Now()
	log := logger.FromContext(ctx).With("model", plan.Model)

	ocfg, qcfg, err := plan.Validate()
	if err != nil {
		return nil, err
	}
	if plan.Publish != nil && p.publisher == nil {
		return nil, errdefs.New(errdefs.ErrConfiguration, "plan", "publish step without a remote")
	}
	ds, err := evaluate.LoadDataset(plan.Evaluate.Dataset)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrConfiguration, "plan", err, "dataset")
	}
	if plan.Evaluate.Limit > 0 {
		ds = ds.Head(plan.Evaluate.Limit)
	}
	payload := plan.Benchmark.Payload
	if len(payload) == 0 && len(ds.Samples) > 0 {
		payload = []string{ds.Samples[0].Text}
	}

	dirs := map[string]string{
		StageExport:   filepath.Join(plan.WorkDir, storage.ExportedDir),
		StageOptimize: filepath.Join(plan.WorkDir, storage.OptimizedDir),
		StageQuantize: filepath.Join(plan.WorkDir, storage.QuantizedDir),
	}
	if opts.Overwrite {
		for _, dir := range dirs {
			if err := os.RemoveAll(dir); err != nil {
				return nil, errdefs.Wrap(errdefs.ErrConfiguration, "plan", err, "clear %s", dir)
			}
		}
	}

	report := &Report{Model: plan.Model}
	ctx = logger.WithContext(ctx, log)
	begin := func(stage string) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", stage, err)
		}
		opts.Observer.stage(stage)
		log.Debug("stage started", "stage", stage)
		return nil
	}

	if err := begin(StageExport); err != nil {
		return nil, err
	}
	exported, err := p.exporter.Export(ctx, plan.Model, plan.Task, dirs[StageExport])
	if err != nil {
		return nil, err
	}
	report.add(StageExport, exported)

	if err := begin(StageOptimize); err != nil {
		return nil, err
	}
	optimized, oreport, err := optimize.Optimize(ctx, exported, ocfg, dirs[StageOptimize])
	if err != nil {
		return nil, err
	}
	report.add(StageOptimize, optimized)
	report.Optimization = oreport

	if err := begin(StageQuantize); err != nil {
		return nil, err
	}
	quantized, qreport, err := quantize.Quantize(ctx, optimized, qcfg, ds.Texts(), dirs[StageQuantize])
	if err != nil {
		return nil, err
	}
	report.add(StageQuantize, quantized)
	report.Quantization = qreport
	report.Caveats = quantized.Metadata().Caveats

	if err := begin(StageEvaluate); err != nil {
		return nil, err
	}
	metrics := plan.Evaluate.Metrics
	if !slices.Contains(metrics, evaluate.MetricAccuracy) {
		metrics = append(slices.Clone(metrics), evaluate.MetricAccuracy)
	}
	evalOpts := evaluate.Options{Metrics: metrics, Progress: opts.Observer.progress(StageEvaluate)}
	baseline, err := evaluate.EvaluateArtifact(ctx, exported, ds, evalOpts)
	if err != nil {
		return nil, err
	}
	candidate, err := evaluate.EvaluateArtifact(ctx, quantized, ds, evalOpts)
	if err != nil {
		return nil, err
	}
	report.Baseline, report.Candidate = baseline.Map(), candidate.Map()
	report.AccuracyDrop = baseline.Accuracy() - candidate.Accuracy()

	if err := begin(StageBenchmark); err != nil {
		return nil, err
	}
	benchOpts := plan.Benchmark.Options()
	benchOpts.Progress = opts.Observer.progress(StageBenchmark)
	before, err := benchmark.RunArtifact(ctx, exported, payload, benchOpts)
	if err != nil {
		return nil, err
	}
	after, err := benchmark.RunArtifact(ctx, quantized, payload, benchOpts)
	if err != nil {
		return nil, err
	}
	report.BaselineLatency, report.CandidateLatency = before.Stats, after.Stats
	report.Latency = benchmark.Compare(before, after)

	policy := opts.Policy
	if policy == nil && plan.Evaluate.MaxAccuracyDrop != nil {
		policy = MaxAccuracyDrop(*plan.Evaluate.MaxAccuracyDrop)
	}
	if policy != nil {
		if err := policy(report); err != nil {
			report.Rejection = err.Error()
			report.Duration = time.Since(start)
			log.Warn("candidate rejected", "reason", err)
			return report, fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}
	report.Accepted = true

	if plan.Publish != nil {
		if err := begin(StagePublish); err != nil {
			return nil, err
		}
		dest, _ := types.ParseRepoRef(plan.Publish.Repo)
		popts := opts.Publish
		if plan.Publish.Version != "" {
			popts.Version = plan.Publish.Version
		}
		if plan.Publish.Description != "" {
			popts.Description = plan.Publish.Description
		}
		if plan.Publish.License != "" {
			popts.License = plan.Publish.License
		}
		m, err := p.publisher.Publish(ctx, quantized, dest, popts)
		if err != nil {
			return nil, err
		}
		report.Published = m
	}

	report.Duration = time.Since(start)
	log.Info("pipeline finished",
		"accuracy_drop", report.AccuracyDrop,
		"speedup", report.Latency.Speedup,
		"size_ratio", qreport.Ratio(),
		"duration", report.Duration)
	return report, nil
}

func (r *Report) add(stage string, a *artifact.Artifact) {
	meta := a.Metadata()
	r.Artifacts = append(r.Artifacts, StageArtifact{
		Stage:     stage,
		Dir:       a.Dir(),
		Precision: meta.Precision,
		ModelSize: a.ModelSize(),
	})
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
