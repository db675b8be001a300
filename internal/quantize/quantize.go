// Package quantize rewrites float artifacts into int8 artifacts.
//
// Weights are always symmetric int8. Activations are quantized either at run
// time from the observed range (dynamic) or with ranges fixed ahead of time
// from calibration inputs (static). The quantizer never judges the accuracy
// of its output; callers re-measure it.
package quantize

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/graph"
	"github.com/silmaril/quench/internal/inference"
	"github.com/silmaril/quench/internal/logger"
	"github.com/silmaril/quench/internal/optimize"
)

// Report summarizes a quantization run.
type Report struct {
	Nodes               map[string]int   `json:"nodes"`
	EmbeddingsQuantized bool             `json:"embeddings_quantized"`
	SizeBefore          int64            `json:"size_before"`
	SizeAfter           int64            `json:"size_after"`
	ActivationRanges    map[string]Range `json:"activation_ranges,omitempty"`
	Caveats             []string         `json:"caveats,omitempty"`
}

// Ratio is the output size relative to the input size.
func (r *Report) Ratio() float64 {
	if r.SizeBefore == 0 {
		return 0
	}
	return float64(r.SizeAfter) / float64(r.SizeBefore)
}

// Quantize applies cfg to in and writes the result to target. calibration
// supplies the texts used for static calibration and is ignored otherwise.
func Quantize(ctx context.Context, in *artifact.Artifact, cfg Config, calibration []string, target string) (*artifact.Artifact, *Report, error) {
	log := logger.FromContext(ctx).With("stage", "quantize", "isa", cfg.isa)

	if cfg.requireHostSupport && !HostSupports(cfg.isa) {
		return nil, nil, errdefs.New(errdefs.ErrQuantization, "quantize", "host CPU does not support %s", cfg.isa)
	}

	src := in.Graph()
	report := &Report{Nodes: make(map[string]int), SizeBefore: in.ModelSize()}

	var ranges map[string]Range
	if cfg.Static() {
		if len(calibration) == 0 {
			return nil, nil, errdefs.New(errdefs.ErrQuantization, "quantize", "static calibration needs calibration samples")
		}
		texts := calibration[:min(len(calibration), cfg.samples)]
		var err error
		ranges, err = Calibrate(ctx, in, activationInputs(src, cfg), texts, cfg)
		if err != nil {
			return nil, nil, errdefs.Wrap(errdefs.ErrQuantization, "quantize", err, "calibrate")
		}
		report.ActivationRanges = ranges
		log.Debug("calibrated", "samples", len(texts), "tensors", len(ranges))
	}

	out, err := rewrite(src, cfg, ranges, report)
	if err != nil {
		return nil, nil, errdefs.Wrap(errdefs.ErrQuantization, "quantize", err, "rewrite graph")
	}
	if len(report.Nodes) == 0 && !report.EmbeddingsQuantized {
		return nil, nil, errdefs.New(errdefs.ErrQuantization, "quantize",
			"graph has no quantizable operators among %v", cfg.operators)
	}

	var buf bytes.Buffer
	if err := graph.Encode(&buf, out); err != nil {
		return nil, nil, errdefs.Wrap(errdefs.ErrQuantization, "quantize", err, "encode graph")
	}
	report.SizeAfter = int64(buf.Len())
	if report.SizeAfter >= report.SizeBefore {
		return nil, report, errdefs.New(errdefs.ErrQuantization, "quantize",
			"quantized graph is %d bytes, not smaller than %d", report.SizeAfter, report.SizeBefore)
	}

	meta := in.Metadata().Derive(artifact.StageQuantized)
	meta.Precision = artifact.PrecisionInt8
	meta.Settings = cfg.Settings()
	meta.AddCaveat(fmt.Sprintf("int8 kernels target %s; accuracy must be re-measured on the deployment hardware", cfg.isa))
	if cfg.reduceRange {
		meta.AddCaveat("weights use 7-bit range (reduce_range)")
	}
	report.Caveats = meta.Caveats

	art, err := artifact.Write(target, out, in.Tokenizer(), meta)
	if err != nil {
		return nil, report, errdefs.Wrap(errdefs.ErrQuantization, "quantize", err, "write artifact")
	}
	log.Info("model quantized", "target", target, "size_before", report.SizeBefore, "size_after", report.SizeAfter,
		"calibration", cfg.calibration)
	return art, report, nil
}

// activationInputs lists the activation values feeding quantizable matmuls.
func activationInputs(g *graph.Graph, cfg Config) []string {
	var names []string
	for _, n := range g.Nodes {
		if isMatMulLike(n.Op) && cfg.quantizes(n.Op) && !slices.Contains(names, n.Inputs[0]) {
			names = append(names, n.Inputs[0])
		}
	}
	return names
}

func isMatMulLike(op string) bool {
	return op == graph.OpMatMul || op == graph.OpGemm || op == graph.OpFusedGemm
}

func rewrite(src *graph.Graph, cfg Config, ranges map[string]Range, report *Report) (*graph.Graph, error) {
	g := src.Clone()
	producers := g.Producers()

	for i, n := range g.Nodes {
		if !isMatMulLike(n.Op) || !cfg.quantizes(n.Op) {
			continue
		}
		w, ok, err := constantWeight(g, producers, n)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		wq := QuantizeWeight(w.Name+"_quantized", w, cfg.perChannel, cfg.weightQMax())
		g.AddInitializer(wq)

		q := &graph.Node{
			Name:    n.Name + "_quant",
			Op:      graph.OpDynamicQuantizeMatMul,
			Inputs:  []string{n.Inputs[0], wq.Name},
			Outputs: slices.Clone(n.Outputs),
		}
		if n.Op != graph.OpMatMul && len(n.Inputs) > 2 && n.Inputs[2] != "" {
			q.Inputs = append(q.Inputs, n.Inputs[2])
		}
		q.SetAttr("activation_type", string(cfg.activationType))
		if act := n.AttrString("activation", ""); act != "" {
			q.SetAttr("activation", act)
		}
		if cfg.Static() {
			r, ok := ranges[n.Inputs[0]]
			if !ok {
				return nil, fmt.Errorf("no calibration range for %s", n.Inputs[0])
			}
			p := inference.ComputeActivationParams(r.Min, r.Max, cfg.activationType)
			q.Op = graph.OpQLinearMatMul
			q.SetAttr("a_scale", float64(p.Scale))
			q.SetAttr("a_zero_point", int(p.ZeroPoint))
		}
		g.Nodes[i] = q
		report.Nodes[n.Op]++
	}

	if cfg.quantizes(graph.OpGather) {
		for _, n := range g.Nodes {
			if n.Op != graph.OpGather {
				continue
			}
			table, ok := g.Initializer(n.Inputs[0])
			if !ok || table.Quantized() || len(table.Shape) != 2 {
				continue
			}
			vals, err := table.Floats()
			if err != nil {
				return nil, err
			}
			g.AddInitializer(quantizeRows(table.Name, vals, table.Shape))
			report.EmbeddingsQuantized = true
		}
	}

	optimize.Prune(g)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// constantWeight returns the [K, N] float weight of a matmul-like node when it
// is a constant: an initializer, a transposed initializer, or a Gemm with transB.
func constantWeight(g *graph.Graph, producers map[string]*graph.Node, n *graph.Node) (*graph.Tensor, bool, error) {
	name := n.Inputs[1]
	transpose := n.Op != graph.OpMatMul && n.AttrInt("transB", 0) == 1

	t, ok := g.Initializer(name)
	if !ok {
		p, found := producers[name]
		if !found || p.Op != graph.OpTranspose {
			return nil, false, nil
		}
		if t, ok = g.Initializer(p.Inputs[0]); !ok {
			return nil, false, nil
		}
		transpose = !transpose
	}
	if len(t.Shape) != 2 || (t.DType != graph.Float32 && t.DType != graph.Float16) {
		return nil, false, nil
	}
	vals, err := t.Floats()
	if err != nil {
		return nil, false, err
	}
	if !transpose {
		return graph.NewFloat32(name, t.Shape, vals), true, nil
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]float32, len(vals))
	for r := range rows {
		for c := range cols {
			out[c*rows+r] = vals[r*cols+c]
		}
	}
	return graph.NewFloat32(name, []int{cols, rows}, out), true, nil
}

// QuantizeWeight maps a [K, N] float weight to symmetric int8 with one scale,
// or one scale per output column when perChannel is set.
func QuantizeWeight(name string, w *graph.Tensor, perChannel bool, qmax float32) *graph.Tensor {
	k, n := w.Shape[0], w.Shape[1]
	out := &graph.Tensor{Name: name, DType: graph.Int8, Shape: []int{k, n}, I8: make([]int8, k*n)}

	if perChannel {
		out.Axis = 1
		out.Scales = make([]float32, n)
		for j := range n {
			var absMax float32
			for r := range k {
				absMax = max(absMax, abs(w.F32[r*n+j]))
			}
			out.Scales[j] = scaleFor(absMax, qmax)
		}
	} else {
		var absMax float32
		for _, v := range w.F32 {
			absMax = max(absMax, abs(v))
		}
		out.Scales = []float32{scaleFor(absMax, qmax)}
	}
	for i, v := range w.F32 {
		out.I8[i] = quantizeSymmetric(v, out.Scales[out.ChannelOf(i)], qmax)
	}
	return out
}

// quantizeRows quantizes an embedding table with one scale per row.
func quantizeRows(name string, vals []float32, shape []int) *graph.Tensor {
	rows, cols := shape[0], shape[1]
	out := &graph.Tensor{
		Name:   name,
		DType:  graph.Int8,
		Shape:  slices.Clone(shape),
		I8:     make([]int8, len(vals)),
		Scales: make([]float32, rows),
		Axis:   0,
	}
	for r := range rows {
		var absMax float32
		for _, v := range vals[r*cols : (r+1)*cols] {
			absMax = max(absMax, abs(v))
		}
		out.Scales[r] = scaleFor(absMax, 127)
		for c := range cols {
			out.I8[r*cols+c] = quantizeSymmetric(vals[r*cols+c], out.Scales[r], 127)
		}
	}
	return out
}

func scaleFor(absMax, qmax float32) float32 {
	if absMax == 0 {
		return 1
	}
	return absMax / qmax
}

func quantizeSymmetric(v, scale, qmax float32) int8 {
	q := float32(math.RoundToEven(float64(v / scale)))
	return int8(min(max(q, -qmax), qmax))
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
