package inference

import (
	"fmt"
	"math"

	"github.com/silmaril/quench/internal/graph"
)

// ActivationParams maps float activations onto an 8-bit grid.
type ActivationParams struct {
	Scale     float32
	ZeroPoint int32
	DType     graph.DType
}

// Range returns the representable integer range of the params' dtype.
func (p ActivationParams) Range() (qmin, qmax int32) {
	if p.DType == graph.Int8 {
		return -127, 127
	}
	return 0, 255
}

// Quantize maps x to the integer grid, saturating at the range ends.
func (p ActivationParams) Quantize(x float32) int32 {
	qmin, qmax := p.Range()
	q := int32(math.RoundToEven(float64(x/p.Scale))) + p.ZeroPoint
	return min(max(q, qmin), qmax)
}

// ComputeActivationParams derives params covering [lo, hi]. The range is
// widened to include zero so padding and relu outputs are exact. uint8 is
// asymmetric; int8 is symmetric with a zero point of 0.
func ComputeActivationParams(lo, hi float32, dtype graph.DType) ActivationParams {
	lo, hi = min(lo, 0), max(hi, 0)
	p := ActivationParams{DType: dtype}
	if dtype == graph.Int8 {
		absMax := max(-lo, hi)
		p.Scale = absMax / 127
		if p.Scale == 0 {
			p.Scale = 1
		}
		return p
	}
	p.DType = graph.Uint8
	p.Scale = (hi - lo) / 255
	if p.Scale == 0 {
		p.Scale = 1
	}
	zp := int32(math.RoundToEven(float64(-lo / p.Scale)))
	p.ZeroPoint = min(max(zp, 0), 255)
	return p
}

// quantizedMatMul multiplies float activations a [M,K] by int8 weights w [K,N]
// in integer arithmetic and rescales the int32 accumulators to float.
func quantizedMatMul(a *Value, w *graph.Tensor, p ActivationParams) (*Value, error) {
	if len(w.Scales) > 1 && w.Axis != 1 {
		return nil, fmt.Errorf("per-channel weight %q must be quantized along axis 1", w.Name)
	}
	m, k, n := a.Shape[0], a.Shape[1], w.Shape[1]

	colScale := make([]float32, n)
	colZero := make([]int32, n)
	for j := range n {
		ch := w.ChannelOf(j)
		colScale[j] = w.Scales[ch] * p.Scale
		if len(w.ZeroPoints) > 0 {
			colZero[j] = w.ZeroPoints[ch]
		}
	}

	qa := make([]int32, k)
	acc := make([]int32, n)
	out := make([]float32, m*n)
	for i := range m {
		for q := range k {
			qa[q] = p.Quantize(a.F[i*k+q]) - p.ZeroPoint
		}
		clear(acc)
		for q, av := range qa {
			if av == 0 {
				continue
			}
			row := w.I8[q*n : (q+1)*n]
			for j, wv := range row {
				acc[j] += av * (int32(wv) - colZero[j])
			}
		}
		for j, v := range acc {
			out[i*n+j] = float32(v) * colScale[j]
		}
	}
	return Floats([]int{m, n}, out), nil
}
