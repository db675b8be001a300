package inference

import (
	"fmt"
	"math"
	"slices"

	"github.com/silmaril/quench/internal/graph"
)

func meanPool(x, mask *Value) (*Value, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("mean pool expects [batch, seq, hidden], got %v", x.Shape)
	}
	b, seq, h := x.Shape[0], x.Shape[1], x.Shape[2]
	if mask != nil && (mask.I == nil || len(mask.I) != b*seq) {
		return nil, fmt.Errorf("mask shape %v does not match [%d, %d]", mask.Shape, b, seq)
	}
	out := make([]float32, b*h)
	for r := range b {
		dst := out[r*h : (r+1)*h]
		var count float32
		for j := range seq {
			if mask != nil && mask.I[r*seq+j] == 0 {
				continue
			}
			src := x.F[(r*seq+j)*h : (r*seq+j+1)*h]
			for k, v := range src {
				dst[k] += v
			}
			count++
		}
		if count > 0 {
			for k := range dst {
				dst[k] /= count
			}
		}
	}
	return Floats([]int{b, h}, out), nil
}

func transpose(x *Value) (*Value, error) {
	if len(x.Shape) != 2 || x.F == nil {
		return nil, fmt.Errorf("transpose expects a rank 2 float tensor, got %v", x.Shape)
	}
	m, n := x.Shape[0], x.Shape[1]
	out := make([]float32, m*n)
	for i := range m {
		for j := range n {
			out[j*m+i] = x.F[i*n+j]
		}
	}
	return Floats([]int{n, m}, out), nil
}

func matmul(a, b *Value) (*Value, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 || a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("shape mismatch %v x %v", a.Shape, b.Shape)
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	out := make([]float32, m*n)
	for i := range m {
		row := out[i*n : (i+1)*n]
		for p := range k {
			av := a.F[i*k+p]
			if av == 0 {
				continue
			}
			bp := b.F[p*n : (p+1)*n]
			for j, bv := range bp {
				row[j] += av * bv
			}
		}
	}
	return Floats([]int{m, n}, out), nil
}

// add supports equal shapes and broadcasting a rank 1 b over the last axis.
func add(a, b *Value) (*Value, error) {
	out := slices.Clone(a.F)
	switch {
	case slices.Equal(a.Shape, b.Shape):
		for i, v := range b.F {
			out[i] += v
		}
	case len(b.Shape) == 1 && len(a.Shape) > 0 && a.Shape[len(a.Shape)-1] == b.Shape[0]:
		n := b.Shape[0]
		for i := range out {
			out[i] += b.F[i%n]
		}
	default:
		return nil, fmt.Errorf("cannot broadcast %v to %v", b.Shape, a.Shape)
	}
	return Floats(a.Shape, out), nil
}

func unary(op string, x *Value) (*Value, error) {
	switch op {
	case graph.OpIdentity:
		return x, nil
	case graph.OpSoftmax:
		return softmax(x)
	default:
		return activate(op, x)
	}
}

// activate applies an elementwise activation. An empty name is the identity.
func activate(name string, x *Value) (*Value, error) {
	switch name {
	case "":
		return x, nil
	case graph.OpRelu:
		out := make([]float32, len(x.F))
		for i, v := range x.F {
			out[i] = max(v, 0)
		}
		return Floats(x.Shape, out), nil
	case graph.OpTanh:
		out := make([]float32, len(x.F))
		for i, v := range x.F {
			out[i] = float32(math.Tanh(float64(v)))
		}
		return Floats(x.Shape, out), nil
	default:
		return nil, fmt.Errorf("unknown activation %q", name)
	}
}

func softmax(x *Value) (*Value, error) {
	if len(x.Shape) == 0 {
		return nil, fmt.Errorf("softmax of a scalar")
	}
	n := x.Shape[len(x.Shape)-1]
	out := make([]float32, len(x.F))
	for r := 0; r < len(x.F); r += n {
		row := x.F[r : r+n]
		m := slices.Max(row)
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - m))
			out[r+j] = float32(e)
			sum += e
		}
		for j := range row {
			out[r+j] = float32(float64(out[r+j]) / sum)
		}
	}
	return Floats(x.Shape, out), nil
}

func minMax(v []float32) (lo, hi float32) {
	if len(v) == 0 {
		return 0, 0
	}
	lo, hi = v[0], v[0]
	for _, x := range v[1:] {
		lo = min(lo, x)
		hi = max(hi, x)
	}
	return lo, hi
}

// EvalConstant evaluates a node whose inputs are all constant tensors. Only
// operators that read nothing but their inputs can be evaluated this way.
func EvalConstant(n *graph.Node, inputs []*graph.Tensor) (*graph.Tensor, error) {
	switch n.Op {
	case graph.OpGather, graph.OpMeanPool, graph.OpDynamicQuantizeMatMul, graph.OpQLinearMatMul:
		return nil, fmt.Errorf("%s cannot be evaluated on constants", n.Op)
	}
	env := make(map[string]*Value, len(inputs))
	for _, t := range inputs {
		f, err := t.Floats()
		if err != nil {
			return nil, err
		}
		env[t.Name] = Floats(t.Shape, f)
	}
	s := &Session{g: graph.New("constant")}
	v, err := s.exec(n, env)
	if err != nil {
		return nil, fmt.Errorf("node %s (%s): %w", n.Name, n.Op, err)
	}
	return graph.NewFloat32(n.Outputs[0], v.Shape, slices.Clone(v.F)), nil
}
