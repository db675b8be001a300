package optimize

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

func TestNewConfigRejectsInvalidCombinations(t *testing.T) {
	tests := []struct {
		name  string
		level Level
		opts  []Option
	}{
		{"unknown level", Level(3), nil},
		{"fusion below extended", LevelBasic, []Option{WithGemmFusion(true)}},
		{"activation without gemm", LevelExtended, []Option{WithGemmFusion(false)}},
		{"fp16 without gpu", LevelAll, []Option{WithFP16(true)}},
		{"negative tolerance", LevelBasic, []Option{WithVerification(-1, 8)}},
		{"no probes", LevelBasic, []Option{WithVerification(0, 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.level, tt.opts...)
			assert.ErrorIs(t, err, errdefs.ErrConfiguration)
		})
	}
}

func TestNewConfigLevels(t *testing.T) {
	basic, err := NewConfig(LevelBasic)
	require.NoError(t, err)
	assert.True(t, basic.ConstantFolding())
	assert.False(t, basic.GemmFusion())
	assert.Equal(t, defaultTolerance, basic.Tolerance())

	gpu, err := NewConfig(LevelAll, WithFP16(true), WithOptimizeForGPU(true))
	require.NoError(t, err)
	assert.True(t, gpu.ActivationFusion())
	assert.Equal(t, defaultFP16Tolerance, gpu.Tolerance())
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("extended")
	require.NoError(t, err)
	assert.Equal(t, LevelExtended, l)
	assert.Equal(t, "extended", l.String())
	assert.Equal(t, "7", Level(7).String())

	_, err = ParseLevel("turbo")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestApplyExtendedFusesLayers(t *testing.T) {
	art := exportDemo(t)
	cfg, err := NewConfig(LevelExtended)
	require.NoError(t, err)

	out, passes, err := Apply(art.Graph(), cfg)
	require.NoError(t, err)

	ops := out.OpCounts()
	assert.Equal(t, 1, ops[graph.OpFusedGemm])
	assert.Equal(t, 1, ops[graph.OpGemm])
	assert.Zero(t, ops[graph.OpIdentity])
	assert.Zero(t, ops[graph.OpTranspose])
	assert.Zero(t, ops[graph.OpMatMul])
	assert.Len(t, out.Nodes, 4)

	_, stale := out.Initializer(checkpoint.WeightPreClassifier)
	assert.False(t, stale, "folded weight should be dropped")
	assert.Len(t, passes, 5)

	// The input graph is untouched.
	assert.Equal(t, 2, art.Graph().OpCounts()[graph.OpTranspose])
}

func TestOptimizePreservesOutputs(t *testing.T) {
	art := exportDemo(t)
	cfg, err := NewConfig(LevelAll)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "optimized")
	opt, report, err := Optimize(context.Background(), art, cfg, target)
	require.NoError(t, err)

	assert.True(t, report.Verified)
	assert.GreaterOrEqual(t, report.LabelAgreement, MinLabelAgreement)
	assert.LessOrEqual(t, report.MaxAbsDiff, cfg.Tolerance())
	assert.Less(t, report.NodesAfter, report.NodesBefore)

	meta := opt.Metadata()
	assert.Equal(t, artifact.StageOptimized, meta.Stage)
	assert.Equal(t, []string{artifact.StageExported, artifact.StageOptimized}, meta.Lineage)
	require.NotEmpty(t, meta.Caveats, "fused kernels must be surfaced")
	assert.Contains(t, meta.Caveats[0], graph.OpFusedGemm)
	assert.Equal(t, "99", meta.Settings["optimization_level"])
}

func TestOptimizeFP16(t *testing.T) {
	art := exportDemo(t)
	cfg, err := NewConfig(LevelAll, WithFP16(true), WithOptimizeForGPU(true))
	require.NoError(t, err)

	opt, report, err := Optimize(context.Background(), art, cfg, filepath.Join(t.TempDir(), "fp16"))
	require.NoError(t, err)
	assert.Equal(t, artifact.PrecisionFloat16, opt.Metadata().Precision)
	assert.Contains(t, report.Caveats, FP16Caveat)
	assert.Less(t, opt.ModelSize(), art.ModelSize())
}

func TestOptimizeDisabledKeepsGraph(t *testing.T) {
	art := exportDemo(t)
	cfg, err := NewConfig(LevelDisabled)
	require.NoError(t, err)

	opt, report, err := Optimize(context.Background(), art, cfg, filepath.Join(t.TempDir(), "same"))
	require.NoError(t, err)
	assert.Equal(t, report.NodesBefore, report.NodesAfter)
	assert.Zero(t, report.MaxAbsDiff)
	assert.Empty(t, opt.Metadata().Caveats)
}
