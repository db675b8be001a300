// Package optimize rewrites artifact graphs into equivalent, simpler graphs.
package optimize

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/graph"
	"github.com/silmaril/quench/internal/inference"
	"github.com/silmaril/quench/internal/logger"
)

// MinLabelAgreement is the share of probes whose predicted label must survive optimization.
const MinLabelAgreement = 0.99

// Report summarizes an optimization run.
type Report struct {
	Passes         []PassResult   `json:"passes"`
	NodesBefore    int            `json:"nodes_before"`
	NodesAfter     int            `json:"nodes_after"`
	OpsAfter       map[string]int `json:"ops_after"`
	Caveats        []string       `json:"caveats,omitempty"`
	Verified       bool           `json:"verified"`
	MaxAbsDiff     float64        `json:"max_abs_diff"`
	LabelAgreement float64        `json:"label_agreement"`
}

// FusedKernelCaveat is recorded when the output contains fused operators.
func FusedKernelCaveat(ops []string) string {
	return fmt.Sprintf("graph uses fused operators %v; it may only run on runtimes and hardware that provide these kernels", ops)
}

// FP16Caveat is recorded when weights were converted to half precision.
const FP16Caveat = "weights stored as float16 for GPU execution; CPU runtimes upcast them and numeric results may differ slightly"

// Optimize applies cfg to in and writes the result to target.
func Optimize(ctx context.Context, in *artifact.Artifact, cfg Config, target string) (*artifact.Artifact, *Report, error) {
	log := logger.FromContext(ctx).With("stage", "optimize")

	src := in.Graph()
	out, passes, err := Apply(src, cfg)
	if err != nil {
		return nil, nil, errdefs.Wrap(errdefs.ErrOptimization, "optimize", err, "apply passes")
	}
	report := &Report{
		Passes:      passes,
		NodesBefore: len(src.Nodes),
		NodesAfter:  len(out.Nodes),
		OpsAfter:    out.OpCounts(),
	}
	for _, p := range passes {
		log.Debug("pass applied", "pass", p.Name, "changed", p.Changed)
	}

	meta := in.Metadata().Derive(artifact.StageOptimized)
	meta.Settings = cfg.Settings()
	if fused := fusedOps(out); len(fused) > 0 {
		meta.AddCaveat(FusedKernelCaveat(fused))
	}
	if cfg.fp16 {
		meta.Precision = artifact.PrecisionFloat16
		meta.AddCaveat(FP16Caveat)
	}
	report.Caveats = meta.Caveats
	for _, c := range report.Caveats {
		log.Warn("artifact caveat", "caveat", c)
	}

	if cfg.verify {
		diff, agreement, err := Compare(ctx, src, out, in.Tokenizer().VocabSize(), cfg.probes, cfg.tolerance)
		if err != nil {
			return nil, nil, errdefs.Wrap(errdefs.ErrOptimization, "optimize", err, "verify")
		}
		report.Verified = true
		report.MaxAbsDiff = diff
		report.LabelAgreement = agreement
		if diff > cfg.tolerance {
			return nil, report, errdefs.New(errdefs.ErrOptimization, "optimize",
				"optimized graph deviates by %g, tolerance %g", diff, cfg.tolerance)
		}
		if agreement < MinLabelAgreement {
			return nil, report, errdefs.New(errdefs.ErrOptimization, "optimize",
				"optimized graph agrees on %.1f%% of labels, need %.0f%%", 100*agreement, 100*MinLabelAgreement)
		}
	}

	art, err := artifact.Write(target, out, in.Tokenizer(), meta)
	if err != nil {
		return nil, report, errdefs.Wrap(errdefs.ErrOptimization, "optimize", err, "write artifact")
	}
	log.Info("model optimized", "target", target, "nodes_before", report.NodesBefore, "nodes_after", report.NodesAfter)
	return art, report, nil
}

func fusedOps(g *graph.Graph) []string {
	var ops []string
	for _, op := range graph.FusedOps {
		if g.HasOp(op) {
			ops = append(ops, op)
		}
	}
	return ops
}

// Compare runs both graphs on the same random token sequences and returns the
// largest absolute logit difference and the share of matching argmax labels.
// A probe whose reference logits are within tol of a tie counts as matching.
func Compare(ctx context.Context, a, b *graph.Graph, vocabSize, probes int, tol float64) (float64, float64, error) {
	sa, err := inference.NewSession(a)
	if err != nil {
		return 0, 0, err
	}
	sb, err := inference.NewSession(b)
	if err != nil {
		return 0, 0, err
	}
	feeds := ProbeFeeds(vocabSize, probes, 16, 1)

	ra, err := sa.Run(ctx, feeds)
	if err != nil {
		return 0, 0, fmt.Errorf("reference graph: %w", err)
	}
	rb, err := sb.Run(ctx, feeds)
	if err != nil {
		return 0, 0, fmt.Errorf("optimized graph: %w", err)
	}
	la, lb := ra[inference.OutputLogits], rb[inference.OutputLogits]
	if la == nil || lb == nil || !slices.Equal(la.Shape, lb.Shape) {
		return 0, 0, fmt.Errorf("graphs produce different logits shapes")
	}

	var maxDiff float64
	for i := range la.F {
		maxDiff = max(maxDiff, math.Abs(float64(la.F[i]-lb.F[i])))
	}
	classes := la.Shape[1]
	agree := 0
	for r := range la.Shape[0] {
		ref, got := la.F[r*classes:(r+1)*classes], lb.F[r*classes:(r+1)*classes]
		ia, ib := argmax(ref), argmax(got)
		if ia == ib || float64(ref[ia]-ref[ib]) <= tol {
			agree++
		}
	}
	return maxDiff, float64(agree) / float64(la.Shape[0]), nil
}

// ProbeFeeds builds a deterministic batch of random token sequences.
func ProbeFeeds(vocabSize, batch, maxLen int, seed uint64) map[string]*inference.Value {
	rng := rand.New(rand.NewPCG(seed, seed*31+7))
	ids := make([]int64, batch*maxLen)
	mask := make([]int64, batch*maxLen)
	for r := range batch {
		n := 1 + rng.IntN(maxLen)
		for j := range n {
			ids[r*maxLen+j] = int64(rng.IntN(vocabSize))
			mask[r*maxLen+j] = 1
		}
	}
	shape := []int{batch, maxLen}
	return map[string]*inference.Value{
		inference.InputIDs:      inference.Ints(shape, ids),
		inference.AttentionMask: inference.Ints(shape, mask),
	}
}

func argmax(v []float32) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}
