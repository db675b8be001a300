package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silmaril/quench/internal/config"
	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/export"
	"github.com/silmaril/quench/internal/optimize"
	"github.com/silmaril/quench/internal/quantize"
)

func defaults() *config.Config {
	c := &config.Config{}
	c.Optimize = config.OptimizeConfig{Level: "all", Verify: true, Tolerance: 1e-4, Probes: 32}
	c.Quantize = config.QuantizeConfig{ISA: "avx512_vnni", Method: "minmax", Samples: 100, Percentile: 99.99}
	c.Benchmark = config.BenchmarkConfig{Warmup: 10, Iterations: 100}
	return c
}

func TestLoadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model: demo/sentiment-bow
work_dir: /tmp/work
optimize:
  level: extended
  verify: false
quantize:
  isa: arm64
  static: true
  method: percentile
  samples: 20
evaluate:
  dataset: reviews.jsonl
  metrics: [accuracy, f1]
  max_accuracy_drop: 0.01
benchmark:
  payload: ["a fine film"]
  iterations: 5
publish:
  repo: acme/sentiment@stable
  version: v3
`), 0o644))

	plan, err := LoadPlan(path)
	require.NoError(t, err)
	plan.ApplyDefaults(defaults())

	assert.Equal(t, "demo/sentiment-bow", plan.Model)
	assert.Equal(t, export.TaskTextClassification, plan.Task)
	assert.Equal(t, "extended", plan.Optimize.Level)
	assert.False(t, *plan.Optimize.Verify)
	assert.Equal(t, 32, *plan.Optimize.Probes)
	assert.True(t, *plan.Quantize.Static)
	assert.Equal(t, 20, *plan.Quantize.Samples)
	assert.False(t, *plan.Quantize.PerChannel)
	assert.Equal(t, []string{"accuracy", "f1"}, plan.Evaluate.Metrics)
	assert.InDelta(t, 0.01, *plan.Evaluate.MaxAccuracyDrop, 1e-12)
	assert.Equal(t, 10, *plan.Benchmark.Warmup)
	assert.Equal(t, 5, *plan.Benchmark.Iterations)
	require.NotNil(t, plan.Publish)
	assert.Equal(t, "v3", plan.Publish.Version)

	ocfg, qcfg, err := plan.Validate()
	require.NoError(t, err)
	assert.Equal(t, optimize.LevelExtended, ocfg.Level())
	assert.False(t, ocfg.Verify())
	assert.Equal(t, quantize.ISAARM64, qcfg.ISA())
	assert.True(t, qcfg.Static())
	assert.Equal(t, quantize.MethodPercentile, qcfg.Method())
	assert.Equal(t, 20, qcfg.Samples())
}

func TestLoadPlanErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadPlan(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("model: x\nquantise:\n  isa: arm64\n"), 0o644))
	_, err = LoadPlan(unknown)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.ErrorContains(t, err, "quantise")
}

func TestApplyDefaultsKeepsExplicitZeroValues(t *testing.T) {
	plan := &Plan{
		Quantize:  QuantizeStep{Embeddings: ptr(false)},
		Benchmark: BenchmarkStep{Warmup: ptr(0)},
	}
	c := defaults()
	c.Quantize.Embeddings = true
	plan.ApplyDefaults(c)

	assert.False(t, *plan.Quantize.Embeddings)
	assert.Zero(t, *plan.Benchmark.Warmup)
	assert.Equal(t, "avx512_vnni", plan.Quantize.ISA)
}

func TestDynamicPlanIgnoresCalibrationMethod(t *testing.T) {
	plan := &Plan{}
	plan.ApplyDefaults(defaults())
	qcfg, err := plan.Quantize.Config()
	require.NoError(t, err)
	assert.False(t, qcfg.Static())
	assert.Equal(t, quantize.CalibrationDynamic, qcfg.Calibration())
}

func TestPlanSaveRoundTrip(t *testing.T) {
	plan := &Plan{Model: "demo/sentiment-bow", WorkDir: "work", Evaluate: EvaluateStep{Dataset: "d.csv"}}
	plan.ApplyDefaults(defaults())
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, plan.Save(path))

	loaded, err := LoadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, plan, loaded)
}

func TestPlanUsesISAPreset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model: demo/sentiment-bow
work_dir: work
quantize:
  isa: avx2
  static: true
evaluate:
  dataset: reviews.jsonl
`), 0o644))

	tests := []struct {
		name        string
		configured  *bool
		reduceRange bool
		wantErr     bool
	}{
		{name: "preset decides", reduceRange: true},
		{name: "configured on", configured: ptr(true), reduceRange: true},
		{name: "configured off", configured: ptr(false), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := LoadPlan(path)
			require.NoError(t, err)
			c := defaults()
			c.Quantize.ReduceRange = tt.configured
			plan.ApplyDefaults(c)

			_, qcfg, err := plan.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, quantize.ISAAVX2, qcfg.ISA())
			assert.Equal(t, tt.reduceRange, qcfg.ReduceRange())
			assert.True(t, qcfg.Static())
			assert.Equal(t, 100, qcfg.Samples())
		})
	}
}

func TestPlanExplicitReduceRangeBeatsConfig(t *testing.T) {
	plan := &Plan{Quantize: QuantizeStep{ISA: "avx512", ReduceRange: ptr(true)}}
	c := defaults()
	c.Quantize.ReduceRange = ptr(false)
	plan.ApplyDefaults(c)

	qcfg, err := plan.Quantize.Config()
	require.NoError(t, err)
	assert.True(t, qcfg.ReduceRange())
}

func TestValidateChecksBenchmarkSettings(t *testing.T) {
	tests := []struct {
		name       string
		warmup     int
		iterations int
	}{
		{"zero iterations", 0, 0},
		{"negative iterations", 1, -3},
		{"negative warmup", -1, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := &Plan{
				Model:     "demo/sentiment-bow",
				WorkDir:   "work",
				Evaluate:  EvaluateStep{Dataset: "d.jsonl"},
				Benchmark: BenchmarkStep{Warmup: ptr(tt.warmup), Iterations: ptr(tt.iterations)},
			}
			plan.ApplyDefaults(defaults())
			_, _, err := plan.Validate()
			assert.ErrorIs(t, err, errdefs.ErrConfiguration)
			assert.ErrorContains(t, err, "benchmark")
		})
	}
}
