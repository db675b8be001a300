package pipeline

import (
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/silmaril/quench/internal/benchmark"
	"github.com/silmaril/quench/internal/config"
	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/evaluate"
	"github.com/silmaril/quench/internal/export"
	"github.com/silmaril/quench/internal/optimize"
	"github.com/silmaril/quench/internal/quantize"
	"github.com/silmaril/quench/pkg/types"
)

// Plan describes one pipeline run. It is read from YAML; pointer fields are
// optional and fall back to the configuration defaults.
type Plan struct {
	Model     string        `yaml:"model"`
	Task      string        `yaml:"task"`
	WorkDir   string        `yaml:"work_dir"`
	Optimize  OptimizeStep  `yaml:"optimize"`
	Quantize  QuantizeStep  `yaml:"quantize"`
	Evaluate  EvaluateStep  `yaml:"evaluate"`
	Benchmark BenchmarkStep `yaml:"benchmark"`
	Publish   *PublishStep  `yaml:"publish,omitempty"`
}

type OptimizeStep struct {
	Level          string   `yaml:"level"`
	Verify         *bool    `yaml:"verify,omitempty"`
	Tolerance      *float64 `yaml:"tolerance,omitempty"`
	Probes         *int     `yaml:"probes,omitempty"`
	OptimizeForGPU bool     `yaml:"optimize_for_gpu"`
	FP16           bool     `yaml:"fp16"`
}

type QuantizeStep struct {
	ISA         string   `yaml:"isa"`
	PerChannel  *bool    `yaml:"per_channel,omitempty"`
	Static      *bool    `yaml:"static,omitempty"`
	Method      string   `yaml:"method"`
	Samples     *int     `yaml:"samples,omitempty"`
	Percentile  *float64 `yaml:"percentile,omitempty"`
	Embeddings  *bool    `yaml:"embeddings,omitempty"`
	ReduceRange *bool    `yaml:"reduce_range,omitempty"`
	HostCheck   *bool    `yaml:"host_check,omitempty"`
}

type EvaluateStep struct {
	// Dataset is a .jsonl or .csv file of text/label pairs.
	Dataset string   `yaml:"dataset"`
	Metrics []string `yaml:"metrics,omitempty"`
	// Limit caps the number of samples scored. 0 scores all of them.
	Limit int `yaml:"limit"`
	// MaxAccuracyDrop rejects the run before publishing when the quantized
	// model loses more accuracy than this. Unset means no judgement.
	MaxAccuracyDrop *float64 `yaml:"max_accuracy_drop,omitempty"`
}

type BenchmarkStep struct {
	// Payload is the batch classified on every call. The first dataset
	// sample is used when empty.
	Payload    []string `yaml:"payload,omitempty"`
	Warmup     *int     `yaml:"warmup,omitempty"`
	Iterations *int     `yaml:"iterations,omitempty"`
}

type PublishStep struct {
	// Repo is "owner/name" with an optional "@ref".
	Repo        string `yaml:"repo"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	License     string `yaml:"license"`
}

// LoadPlan reads a plan file. Unknown keys are rejected.
func LoadPlan(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrConfiguration, "plan", err, "open %s", path)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrConfiguration, "plan", err, "parse %s", path)
	}
	return &p, nil
}

// Save writes the plan as YAML.
func (p *Plan) Save(path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyDefaults fills every unset optional field from c.
func (p *Plan) ApplyDefaults(c *config.Config) {
	if p.Task == "" {
		p.Task = export.TaskTextClassification
	}

	o := &p.Optimize
	if o.Level == "" {
		o.Level = c.Optimize.Level
	}
	setDefault(&o.Verify, c.Optimize.Verify)
	setDefault(&o.Tolerance, c.Optimize.Tolerance)
	setDefault(&o.Probes, c.Optimize.Probes)

	q := &p.Quantize
	if q.ISA == "" {
		q.ISA = c.Quantize.ISA
	}
	if q.Method == "" {
		q.Method = c.Quantize.Method
	}
	setDefault(&q.PerChannel, c.Quantize.PerChannel)
	setDefault(&q.Static, c.Quantize.Static)
	setDefault(&q.Samples, c.Quantize.Samples)
	setDefault(&q.Percentile, c.Quantize.Percentile)
	setDefault(&q.Embeddings, c.Quantize.Embeddings)
	setDefault(&q.HostCheck, c.Quantize.HostCheck)
	// Left unset, the ISA preset decides.
	if q.ReduceRange == nil && c.Quantize.ReduceRange != nil {
		setDefault(&q.ReduceRange, *c.Quantize.ReduceRange)
	}

	setDefault(&p.Benchmark.Warmup, c.Benchmark.Warmup)
	setDefault(&p.Benchmark.Iterations, c.Benchmark.Iterations)
}

func setDefault[T any](p **T, v T) {
	if *p == nil {
		*p = &v
	}
}

// Validate checks the plan and builds the stage configurations, so a bad
// combination fails before any stage runs.
func (p *Plan) Validate() (optimize.Config, quantize.Config, error) {
	const op = "plan"
	fail := func(format string, args ...any) (optimize.Config, quantize.Config, error) {
		return optimize.Config{}, quantize.Config{}, errdefs.New(errdefs.ErrConfiguration, op, format, args...)
	}
	if p.Model == "" {
		return fail("model is required")
	}
	if p.WorkDir == "" {
		return fail("work_dir is required")
	}
	if p.Evaluate.Dataset == "" {
		return fail("evaluate.dataset is required")
	}
	if p.Evaluate.Limit < 0 {
		return fail("evaluate.limit must not be negative, got %d", p.Evaluate.Limit)
	}
	if d := p.Evaluate.MaxAccuracyDrop; d != nil && (*d < 0 || *d > 1) {
		return fail("evaluate.max_accuracy_drop must be within [0, 1], got %g", *d)
	}
	for _, m := range p.Evaluate.Metrics {
		if !slices.Contains(evaluate.Metrics, m) {
			return fail("unknown metric %q", m)
		}
	}
	if p.Publish != nil {
		if _, err := types.ParseRepoRef(p.Publish.Repo); err != nil {
			return fail("publish.repo: %v", err)
		}
	}

	if err := p.Benchmark.Options().Validate(); err != nil {
		return optimize.Config{}, quantize.Config{}, err
	}

	ocfg, err := p.Optimize.Config()
	if err != nil {
		return optimize.Config{}, quantize.Config{}, err
	}
	qcfg, err := p.Quantize.Config()
	if err != nil {
		return optimize.Config{}, quantize.Config{}, err
	}
	return ocfg, qcfg, nil
}

// Config builds the optimizer configuration.
func (s OptimizeStep) Config() (optimize.Config, error) {
	level, err := optimize.ParseLevel(s.Level)
	if err != nil {
		return optimize.Config{}, err
	}
	opts := []optimize.Option{optimize.WithOptimizeForGPU(s.OptimizeForGPU), optimize.WithFP16(s.FP16)}
	switch {
	case s.Verify != nil && !*s.Verify:
		opts = append(opts, optimize.WithoutVerification())
	case s.Tolerance != nil || s.Probes != nil:
		tol, probes := 0.0, optimize.DefaultProbes
		if s.Tolerance != nil {
			tol = *s.Tolerance
		}
		if s.Probes != nil {
			probes = *s.Probes
		}
		opts = append(opts, optimize.WithVerification(tol, probes))
	}
	return optimize.NewConfig(level, opts...)
}

// Config builds the quantizer configuration from the preset for the ISA,
// overlaid with the fields the plan sets.
func (s QuantizeStep) Config() (quantize.Config, error) {
	var opts []quantize.Option
	if s.ReduceRange != nil {
		opts = append(opts, quantize.WithReduceRange(*s.ReduceRange))
	}
	if s.Embeddings != nil {
		opts = append(opts, quantize.WithEmbeddings(*s.Embeddings))
	}
	if s.HostCheck != nil {
		opts = append(opts, quantize.WithHostCheck(*s.HostCheck))
	}
	if s.Percentile != nil {
		opts = append(opts, quantize.WithPercentile(*s.Percentile))
	}
	// The calibration method only applies to static calibration.
	static := s.Static != nil && *s.Static
	if static && (s.Method != "" || s.Samples != nil) {
		method := quantize.Method(s.Method)
		if method == "" {
			method = quantize.MethodMinMax
		}
		samples := quantize.DefaultSamples
		if s.Samples != nil {
			samples = *s.Samples
		}
		opts = append(opts, quantize.WithStaticCalibration(method, samples))
	}
	perChannel := s.PerChannel != nil && *s.PerChannel
	return quantize.Preset(quantize.ISA(s.ISA), static, perChannel, opts...)
}

// Options returns the benchmark options. Unset counts are zero.
func (s BenchmarkStep) Options() benchmark.Options {
	return benchmark.Options{Warmup: deref(s.Warmup), Iterations: deref(s.Iterations)}
}
