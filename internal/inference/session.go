// Package inference executes artifact graphs.
//
// Kernels assume exclusive access to a loaded graph. A Session serializes
// Run calls with a mutex, so callers sharing one session take turns.
package inference

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/silmaril/quench/internal/graph"
)

// Value is a runtime tensor. Exactly one of F and I is set.
type Value struct {
	Shape []int
	F     []float32
	I     []int64
}

// Floats creates a float value.
func Floats(shape []int, data []float32) *Value {
	return &Value{Shape: slices.Clone(shape), F: data}
}

// Ints creates an integer value.
func Ints(shape []int, data []int64) *Value {
	return &Value{Shape: slices.Clone(shape), I: data}
}

// Observer sees every node output during a run.
type Observer func(node *graph.Node, name string, v *Value)

// Session runs one graph.
type Session struct {
	mu     sync.Mutex
	g      *graph.Graph
	order  []*graph.Node
	consts map[string]*Value
}

// NewSession validates g and prepares it for execution. The session keeps
// its own copy of g.
func NewSession(g *graph.Graph) (*Session, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	g = g.Clone()
	order, err := g.TopoSort()
	if err != nil {
		return nil, err
	}
	s := &Session{g: g, order: order, consts: make(map[string]*Value)}
	for name, t := range g.Initializers {
		switch t.DType {
		case graph.Float32, graph.Float16:
			f, err := t.Floats()
			if err != nil {
				return nil, err
			}
			s.consts[name] = Floats(t.Shape, f)
		case graph.Int64:
			s.consts[name] = Ints(t.Shape, t.I64)
		}
	}
	return s, nil
}

// Graph returns the graph the session runs. It must not be modified.
func (s *Session) Graph() *graph.Graph { return s.g }

// Run executes the graph on feeds and returns the declared outputs.
func (s *Session) Run(ctx context.Context, feeds map[string]*Value) (map[string]*Value, error) {
	return s.RunObserved(ctx, feeds, nil)
}

// RunObserved is Run with an observer called after each node.
func (s *Session) RunObserved(ctx context.Context, feeds map[string]*Value, obs Observer) (map[string]*Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := make(map[string]*Value, len(s.consts)+len(feeds)+len(s.order))
	for k, v := range s.consts {
		env[k] = v
	}
	for _, in := range s.g.Inputs {
		v, ok := feeds[in.Name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", in.Name)
		}
		env[in.Name] = v
	}

	for _, n := range s.order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := s.exec(n, env)
		if err != nil {
			return nil, fmt.Errorf("node %s (%s): %w", n.Name, n.Op, err)
		}
		env[n.Outputs[0]] = out
		if obs != nil {
			obs(n, n.Outputs[0], out)
		}
	}

	result := make(map[string]*Value, len(s.g.Outputs))
	for _, o := range s.g.Outputs {
		result[o.Name] = env[o.Name]
	}
	return result, nil
}

func (s *Session) input(n *graph.Node, env map[string]*Value, i int) (*Value, error) {
	if i >= len(n.Inputs) || n.Inputs[i] == "" {
		return nil, fmt.Errorf("input %d not connected", i)
	}
	v, ok := env[n.Inputs[i]]
	if !ok {
		return nil, fmt.Errorf("value %q not available", n.Inputs[i])
	}
	return v, nil
}

func (s *Session) optionalInput(n *graph.Node, env map[string]*Value, i int) (*Value, error) {
	if i >= len(n.Inputs) || n.Inputs[i] == "" {
		return nil, nil
	}
	return s.input(n, env, i)
}

func (s *Session) quantized(n *graph.Node, i int) (*graph.Tensor, error) {
	t, ok := s.g.Initializer(n.Inputs[i])
	if !ok || !t.Quantized() || t.DType != graph.Int8 {
		return nil, fmt.Errorf("input %q is not an int8 quantized initializer", n.Inputs[i])
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("quantized weight %q must be rank 2, got %v", t.Name, t.Shape)
	}
	return t, nil
}

func (s *Session) exec(n *graph.Node, env map[string]*Value) (*Value, error) {
	switch n.Op {
	case graph.OpGather:
		ids, err := s.input(n, env, 1)
		if err != nil {
			return nil, err
		}
		return s.gather(n, ids)
	case graph.OpMeanPool:
		x, err := s.input(n, env, 0)
		if err != nil {
			return nil, err
		}
		mask, err := s.optionalInput(n, env, 1)
		if err != nil {
			return nil, err
		}
		return meanPool(x, mask)
	case graph.OpTranspose:
		x, err := s.input(n, env, 0)
		if err != nil {
			return nil, err
		}
		return transpose(x)
	case graph.OpMatMul:
		a, err := s.input(n, env, 0)
		if err != nil {
			return nil, err
		}
		b, err := s.input(n, env, 1)
		if err != nil {
			return nil, err
		}
		return matmul(a, b)
	case graph.OpAdd:
		a, err := s.input(n, env, 0)
		if err != nil {
			return nil, err
		}
		b, err := s.input(n, env, 1)
		if err != nil {
			return nil, err
		}
		return add(a, b)
	case graph.OpRelu, graph.OpTanh, graph.OpIdentity, graph.OpSoftmax:
		x, err := s.input(n, env, 0)
		if err != nil {
			return nil, err
		}
		return unary(n.Op, x)
	case graph.OpGemm, graph.OpFusedGemm:
		return s.gemm(n, env)
	case graph.OpDynamicQuantizeMatMul, graph.OpQLinearMatMul:
		return s.quantizedMatMul(n, env)
	default:
		return nil, fmt.Errorf("unsupported operator")
	}
}

func (s *Session) gemm(n *graph.Node, env map[string]*Value) (*Value, error) {
	a, err := s.input(n, env, 0)
	if err != nil {
		return nil, err
	}
	b, err := s.input(n, env, 1)
	if err != nil {
		return nil, err
	}
	if n.AttrInt("transB", 0) == 1 {
		if b, err = transpose(b); err != nil {
			return nil, err
		}
	}
	y, err := matmul(a, b)
	if err != nil {
		return nil, err
	}
	if c, err := s.optionalInput(n, env, 2); err != nil {
		return nil, err
	} else if c != nil {
		if y, err = add(y, c); err != nil {
			return nil, err
		}
	}
	return activate(n.AttrString("activation", ""), y)
}

func (s *Session) quantizedMatMul(n *graph.Node, env map[string]*Value) (*Value, error) {
	a, err := s.input(n, env, 0)
	if err != nil {
		return nil, err
	}
	w, err := s.quantized(n, 1)
	if err != nil {
		return nil, err
	}
	if len(a.Shape) != 2 || a.Shape[1] != w.Shape[0] {
		return nil, fmt.Errorf("shape mismatch %v x %v", a.Shape, w.Shape)
	}

	actType := graph.DType(n.AttrString("activation_type", string(graph.Uint8)))
	var params ActivationParams
	if n.Op == graph.OpQLinearMatMul {
		params = ActivationParams{
			Scale:     n.AttrFloat("a_scale", 0),
			ZeroPoint: int32(n.AttrInt("a_zero_point", 0)),
			DType:     actType,
		}
		if params.Scale <= 0 {
			return nil, fmt.Errorf("activation scale must be positive")
		}
	} else {
		lo, hi := minMax(a.F)
		params = ComputeActivationParams(lo, hi, actType)
	}

	y, err := quantizedMatMul(a, w, params)
	if err != nil {
		return nil, err
	}
	if bias, err := s.optionalInput(n, env, 2); err != nil {
		return nil, err
	} else if bias != nil {
		if y, err = add(y, bias); err != nil {
			return nil, err
		}
	}
	return activate(n.AttrString("activation", ""), y)
}

func (s *Session) gather(n *graph.Node, ids *Value) (*Value, error) {
	table, ok := s.g.Initializer(n.Inputs[0])
	if !ok || len(table.Shape) != 2 {
		return nil, fmt.Errorf("gather table %q must be a rank 2 initializer", n.Inputs[0])
	}
	if ids.I == nil {
		return nil, fmt.Errorf("gather indices must be integers")
	}
	rows, h := table.Shape[0], table.Shape[1]
	out := make([]float32, len(ids.I)*h)
	var dense []float32
	if c, ok := s.consts[table.Name]; ok {
		dense = c.F
	}
	for i, id := range ids.I {
		if id < 0 || int(id) >= rows {
			return nil, fmt.Errorf("index %d out of range [0,%d)", id, rows)
		}
		dst := out[i*h : (i+1)*h]
		if dense != nil {
			copy(dst, dense[int(id)*h:int(id+1)*h])
			continue
		}
		row, err := table.DequantizeRow(int(id))
		if err != nil {
			return nil, err
		}
		copy(dst, row)
	}
	return Floats(append(slices.Clone(ids.Shape), h), out), nil
}
