package quantize

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/checkpoint"
	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/export"
	"github.com/silmaril/quench/internal/graph"
	"github.com/silmaril/quench/internal/inference"
	"github.com/silmaril/quench/internal/optimize"
)

func exportDemo(t *testing.T) *artifact.Artifact {
	t.Helper()
	root := t.TempDir()
	ckptDir := filepath.Join(root, "ckpt")
	_, err := checkpoint.CreateDemo(ckptDir, checkpoint.DemoOptions{})
	require.NoError(t, err)
	resolver := export.ResolverFunc(func(context.Context, string) (string, error) { return ckptDir, nil })
	art, err := export.New(resolver).Export(context.Background(), "demo", export.TaskTextClassification, filepath.Join(root, "exported"))
	require.NoError(t, err)
	return art
}

func optimizedDemo(t *testing.T) *artifact.Artifact {
	t.Helper()
	cfg, err := optimize.NewConfig(optimize.LevelAll)
	require.NoError(t, err)
	art, _, err := optimize.Optimize(context.Background(), exportDemo(t), cfg, filepath.Join(t.TempDir(), "optimized"))
	require.NoError(t, err)
	return art
}

func demoTexts(n int) ([]string, []string) {
	samples := checkpoint.GenerateDataset(11, n)
	texts := make([]string, n)
	labels := make([]string, n)
	for i, s := range samples {
		texts[i], labels[i] = s.Text, s.Label
	}
	return texts, labels
}

func accuracy(t *testing.T, art *artifact.Artifact, texts, labels []string) float64 {
	t.Helper()
	clf, err := inference.NewClassifier(art)
	require.NoError(t, err)
	preds, err := clf.Predict(context.Background(), texts)
	require.NoError(t, err)
	correct := 0
	for i, p := range preds {
		if p.Label == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}

func TestNewConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		isa  ISA
		opts []Option
	}{
		{"unknown isa", ISA("riscv"), nil},
		{"avx2 uint8 without reduce range", ISAAVX2, nil},
		{"float activations", ISAARM64, []Option{WithActivationType(graph.Float32)}},
		{"dynamic with method", ISAARM64, []Option{WithCalibrationMethod(MethodMinMax)}},
		{"static without samples", ISAARM64, []Option{WithStaticCalibration(MethodMinMax, 0)}},
		{"static unknown method", ISAARM64, []Option{WithStaticCalibration("entropy", 10)}},
		{"bad percentile", ISAARM64, []Option{WithStaticCalibration(MethodPercentile, 10), WithPercentile(120)}},
		{"empty operators", ISAARM64, []Option{WithOperators()}},
		{"unknown operator", ISAARM64, []Option{WithOperators("Conv")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.isa, tt.opts...)
			assert.ErrorIs(t, err, errdefs.ErrConfiguration)
		})
	}
}

func TestPresets(t *testing.T) {
	avx2, err := Preset(ISAAVX2, false, true)
	require.NoError(t, err)
	assert.True(t, avx2.ReduceRange())
	assert.True(t, avx2.PerChannel())

	arm, err := Preset(ISAARM64, true, false)
	require.NoError(t, err)
	assert.False(t, arm.ReduceRange())
	assert.True(t, arm.Static())
	assert.Equal(t, MethodMinMax, arm.Method())

	vnni, err := Preset(ISAAVX512VNNI, false, false)
	require.NoError(t, err)
	assert.Equal(t, graph.Uint8, vnni.ActivationType())

	avx512, err := Preset(ISAAVX512, false, false)
	require.NoError(t, err)
	assert.True(t, avx512.ReduceRange())

	// Options given to the preset win over its own choices.
	_, err = Preset(ISAAVX512, false, false, WithReduceRange(false))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestWithEmbeddings(t *testing.T) {
	cfg, err := NewConfig(ISAARM64, WithEmbeddings(true))
	require.NoError(t, err)
	assert.Contains(t, cfg.Operators(), graph.OpGather)

	cfg, err = NewConfig(ISAARM64, WithEmbeddings(true), WithEmbeddings(false))
	require.NoError(t, err)
	assert.NotContains(t, cfg.Operators(), graph.OpGather)
}

func TestDynamicQuantizationOfExportedGraph(t *testing.T) {
	in := exportDemo(t)
	cfg, err := Preset(ISAAVX512VNNI, false, false)
	require.NoError(t, err)

	out, report, err := Quantize(context.Background(), in, cfg, nil, filepath.Join(t.TempDir(), "quantized"))
	require.NoError(t, err)

	assert.Less(t, out.ModelSize(), in.ModelSize())
	assert.Equal(t, report.SizeAfter, out.ModelSize())
	assert.Equal(t, 2, report.Nodes[graph.OpMatMul])
	assert.Equal(t, 2, out.Graph().OpCounts()[graph.OpDynamicQuantizeMatMul])
	assert.Zero(t, out.Graph().OpCounts()[graph.OpTranspose])

	meta := out.Metadata()
	assert.Equal(t, artifact.PrecisionInt8, meta.Precision)
	assert.Equal(t, []string{artifact.StageExported, artifact.StageQuantized}, meta.Lineage)
	assert.NotEmpty(t, meta.Caveats)

	texts, labels := demoTexts(100)
	base := accuracy(t, in, texts, labels)
	quant := accuracy(t, out, texts, labels)
	assert.GreaterOrEqual(t, quant, base-0.02)
}

func TestStaticQuantizationOfOptimizedGraph(t *testing.T) {
	in := optimizedDemo(t)
	texts, labels := demoTexts(100)

	for _, method := range []Method{MethodMinMax, MethodPercentile} {
		t.Run(string(method), func(t *testing.T) {
			cfg, err := NewConfig(ISAARM64, WithPerChannel(true), WithStaticCalibration(method, 50))
			require.NoError(t, err)

			out, report, err := Quantize(context.Background(), in, cfg, texts, filepath.Join(t.TempDir(), "static"))
			require.NoError(t, err)

			ops := out.Graph().OpCounts()
			assert.Equal(t, 2, ops[graph.OpQLinearMatMul])
			assert.Equal(t, 1, report.Nodes[graph.OpFusedGemm])
			assert.Equal(t, 1, report.Nodes[graph.OpGemm])
			assert.Len(t, report.ActivationRanges, 2)
			assert.Less(t, report.Ratio(), 1.0)

			assert.GreaterOrEqual(t, accuracy(t, out, texts, labels), accuracy(t, in, texts, labels)-0.02)
		})
	}
}

func TestEmbeddingQuantizationShrinksFurther(t *testing.T) {
	in := optimizedDemo(t)
	plain, err := NewConfig(ISAARM64)
	require.NoError(t, err)
	withEmb, err := NewConfig(ISAARM64, WithEmbeddings(true))
	require.NoError(t, err)

	a, _, err := Quantize(context.Background(), in, plain, nil, filepath.Join(t.TempDir(), "a"))
	require.NoError(t, err)
	b, report, err := Quantize(context.Background(), in, withEmb, nil, filepath.Join(t.TempDir(), "b"))
	require.NoError(t, err)

	assert.True(t, report.EmbeddingsQuantized)
	assert.Less(t, b.ModelSize(), a.ModelSize())

	texts, labels := demoTexts(100)
	assert.GreaterOrEqual(t, accuracy(t, b, texts, labels), accuracy(t, in, texts, labels)-0.02)
}

func TestQuantizeErrors(t *testing.T) {
	in := optimizedDemo(t)
	ctx := context.Background()

	t.Run("nothing to quantize", func(t *testing.T) {
		cfg, err := NewConfig(ISAARM64, WithOperators(graph.OpMatMul))
		require.NoError(t, err)
		_, _, err = Quantize(ctx, in, cfg, nil, filepath.Join(t.TempDir(), "out"))
		assert.ErrorIs(t, err, errdefs.ErrQuantization)
	})
	t.Run("static without samples", func(t *testing.T) {
		cfg, err := NewConfig(ISAARM64, WithStaticCalibration(MethodMinMax, 10))
		require.NoError(t, err)
		_, _, err = Quantize(ctx, in, cfg, nil, filepath.Join(t.TempDir(), "out"))
		assert.ErrorIs(t, err, errdefs.ErrQuantization)
	})
	t.Run("unsupported host", func(t *testing.T) {
		isa := ISAARM64
		if HostSupports(isa) {
			isa = ISAAVX512VNNI
		}
		if HostSupports(isa) {
			t.Skip("host supports every probed instruction set")
		}
		cfg, err := NewConfig(isa, WithHostCheck(true))
		require.NoError(t, err)
		_, _, err = Quantize(ctx, in, cfg, nil, filepath.Join(t.TempDir(), "out"))
		assert.ErrorIs(t, err, errdefs.ErrQuantization)
		assert.ErrorContains(t, err, "does not support")
	})
}

func TestQuantizeWeightPerChannel(t *testing.T) {
	w := graph.NewFloat32("w", []int{2, 2}, []float32{0.5, -0.5, -2, 0.2})
	q := QuantizeWeight("wq", w, true, 127)

	require.NoError(t, q.Validate())
	assert.Equal(t, []float32{2.0 / 127, 0.5 / 127}, q.Scales)
	assert.Equal(t, []int8{32, -127, -127, 51}, q.I8)
}

func TestPercentileRange(t *testing.T) {
	vals := make([]float32, 100)
	for i := range vals {
		vals[i] = float32(i)
	}
	vals[99] = 1000
	r := percentileRange(vals, 99)
	assert.Equal(t, float32(98), r.Max)
	assert.Equal(t, float32(1), r.Min)
}
