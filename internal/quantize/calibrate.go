package quantize

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/graph"
	"github.com/silmaril/quench/internal/inference"
)

const calibrationBatch = 32

// Range is an observed activation range.
type Range struct {
	Min float32 `json:"min"`
	Max float32 `json:"max"`
}

// Calibrate runs texts through in and records the range of each named
// activation using cfg's calibration method.
func Calibrate(ctx context.Context, in *artifact.Artifact, names, texts []string, cfg Config) (map[string]Range, error) {
	clf, err := inference.NewClassifier(in)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	ranges := make(map[string]Range)
	values := make(map[string][]float32)
	observe := func(name string, v *inference.Value) {
		if !wanted[name] || v.F == nil || len(v.F) == 0 {
			return
		}
		if cfg.method == MethodPercentile {
			values[name] = append(values[name], v.F...)
			return
		}
		lo, hi := slices.Min(v.F), slices.Max(v.F)
		if r, ok := ranges[name]; ok {
			lo, hi = min(lo, r.Min), max(hi, r.Max)
		}
		ranges[name] = Range{Min: lo, Max: hi}
	}

	for start := 0; start < len(texts); start += calibrationBatch {
		batch := texts[start:min(start+calibrationBatch, len(texts))]
		feeds := clf.Feeds(batch)
		for name, v := range feeds {
			observe(name, v)
		}
		_, err := clf.Session().RunObserved(ctx, feeds, func(_ *graph.Node, name string, v *inference.Value) {
			observe(name, v)
		})
		if err != nil {
			return nil, err
		}
	}

	for name, vals := range values {
		ranges[name] = percentileRange(vals, cfg.percentile)
	}
	for _, n := range names {
		if _, ok := ranges[n]; !ok {
			return nil, fmt.Errorf("activation %s was never observed", n)
		}
	}
	return ranges, nil
}

// percentileRange clips the lowest and highest (100-p)% of vals.
func percentileRange(vals []float32, p float64) Range {
	sorted := slices.Clone(vals)
	slices.Sort(sorted)
	n := len(sorted)
	hi := int(math.Ceil(p/100*float64(n))) - 1
	lo := n - 1 - hi
	hi = min(max(hi, 0), n-1)
	lo = min(max(lo, 0), n-1)
	return Range{Min: sorted[lo], Max: sorted[hi]}
}
