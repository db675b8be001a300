// Package graph holds the portable computation graph exchanged between stages:
// typed tensors, operator nodes, and the .qgraph file codec.
package graph

import (
	"fmt"
	"maps"
	"slices"
	"sort"
)

// Operator names understood by the runtime.
const (
	OpGather                = "Gather"
	OpMeanPool              = "MeanPool"
	OpTranspose             = "Transpose"
	OpMatMul                = "MatMul"
	OpAdd                   = "Add"
	OpRelu                  = "Relu"
	OpTanh                  = "Tanh"
	OpIdentity              = "Identity"
	OpSoftmax               = "Softmax"
	OpGemm                  = "Gemm"
	OpFusedGemm             = "FusedGemm"
	OpDynamicQuantizeMatMul = "DynamicQuantizeMatMul"
	OpQLinearMatMul         = "QLinearMatMul"
)

// KnownOps lists every operator a graph may contain.
var KnownOps = []string{
	OpGather, OpMeanPool, OpTranspose, OpMatMul, OpAdd, OpRelu, OpTanh,
	OpIdentity, OpSoftmax, OpGemm, OpFusedGemm, OpDynamicQuantizeMatMul, OpQLinearMatMul,
}

// FusedOps are operators that only exist after graph fusion. Artifacts that
// contain them are runtime-specific.
var FusedOps = []string{OpGemm, OpFusedGemm}

// ValueInfo describes a graph input or output. -1 marks a dynamic dimension.
type ValueInfo struct {
	Name  string `json:"name"`
	DType DType  `json:"dtype"`
	Shape []int  `json:"shape"`
}

// Node is one operator application.
type Node struct {
	Name    string         `json:"name"`
	Op      string         `json:"op"`
	Inputs  []string       `json:"inputs"`
	Outputs []string       `json:"outputs"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	out := &Node{
		Name:    n.Name,
		Op:      n.Op,
		Inputs:  slices.Clone(n.Inputs),
		Outputs: slices.Clone(n.Outputs),
	}
	if n.Attrs != nil {
		out.Attrs = maps.Clone(n.Attrs)
	}
	return out
}

// AttrString returns a string attribute or def.
func (n *Node) AttrString(name, def string) string {
	if v, ok := n.Attrs[name].(string); ok {
		return v
	}
	return def
}

// AttrFloat returns a numeric attribute or def.
func (n *Node) AttrFloat(name string, def float32) float32 {
	switch v := n.Attrs[name].(type) {
	case float64:
		return float32(v)
	case float32:
		return v
	case int:
		return float32(v)
	}
	return def
}

// AttrInt returns an integer attribute or def.
func (n *Node) AttrInt(name string, def int) int {
	switch v := n.Attrs[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// SetAttr sets an attribute, allocating the map on first use.
func (n *Node) SetAttr(name string, v any) {
	if n.Attrs == nil {
		n.Attrs = make(map[string]any)
	}
	n.Attrs[name] = v
}

// Graph is a dataflow graph of nodes over named values.
type Graph struct {
	Name         string
	Producer     string
	Inputs       []ValueInfo
	Outputs      []ValueInfo
	Nodes        []*Node
	Initializers map[string]*Tensor
}

// New returns an empty graph.
func New(name string) *Graph {
	return &Graph{Name: name, Initializers: make(map[string]*Tensor)}
}

// Clone returns a deep copy. Stages transform clones so their inputs stay untouched.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		Name:         g.Name,
		Producer:     g.Producer,
		Inputs:       cloneValueInfos(g.Inputs),
		Outputs:      cloneValueInfos(g.Outputs),
		Nodes:        make([]*Node, len(g.Nodes)),
		Initializers: make(map[string]*Tensor, len(g.Initializers)),
	}
	for i, n := range g.Nodes {
		out.Nodes[i] = n.Clone()
	}
	for k, t := range g.Initializers {
		out.Initializers[k] = t.Clone()
	}
	return out
}

func cloneValueInfos(in []ValueInfo) []ValueInfo {
	out := make([]ValueInfo, len(in))
	for i, v := range in {
		out[i] = ValueInfo{Name: v.Name, DType: v.DType, Shape: slices.Clone(v.Shape)}
	}
	return out
}

// AddInitializer registers a constant tensor under its name.
func (g *Graph) AddInitializer(t *Tensor) {
	if g.Initializers == nil {
		g.Initializers = make(map[string]*Tensor)
	}
	g.Initializers[t.Name] = t
}

// Initializer looks up a constant tensor.
func (g *Graph) Initializer(name string) (*Tensor, bool) {
	t, ok := g.Initializers[name]
	return t, ok
}

// AddNode appends a node.
func (g *Graph) AddNode(name, op string, inputs, outputs []string) *Node {
	n := &Node{Name: name, Op: op, Inputs: inputs, Outputs: outputs}
	g.Nodes = append(g.Nodes, n)
	return n
}

// IsInput reports whether name is a declared graph input.
func (g *Graph) IsInput(name string) bool {
	return slices.ContainsFunc(g.Inputs, func(v ValueInfo) bool { return v.Name == name })
}

// IsOutput reports whether name is a declared graph output.
func (g *Graph) IsOutput(name string) bool {
	return slices.ContainsFunc(g.Outputs, func(v ValueInfo) bool { return v.Name == name })
}

// Producers maps each value name to the node that produces it.
func (g *Graph) Producers() map[string]*Node {
	out := make(map[string]*Node)
	for _, n := range g.Nodes {
		for _, o := range n.Outputs {
			out[o] = n
		}
	}
	return out
}

// Consumers maps each value name to the nodes reading it.
func (g *Graph) Consumers() map[string][]*Node {
	out := make(map[string][]*Node)
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			out[in] = append(out[in], n)
		}
	}
	return out
}

// TopoSort orders nodes so every node follows the producers of its inputs.
// Ties keep declaration order, so sorting a sorted graph is a no-op.
func (g *Graph) TopoSort() ([]*Node, error) {
	producers := g.Producers()
	indeg := make(map[*Node]int, len(g.Nodes))
	users := make(map[*Node][]*Node)
	for _, n := range g.Nodes {
		indeg[n] = 0
	}
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			if p, ok := producers[in]; ok && p != n {
				indeg[n]++
				users[p] = append(users[p], n)
			}
		}
	}

	order := make(map[*Node]int, len(g.Nodes))
	for i, n := range g.Nodes {
		order[n] = i
	}
	var ready []*Node
	for _, n := range g.Nodes {
		if indeg[n] == 0 {
			ready = append(ready, n)
		}
	}

	sorted := make([]*Node, 0, len(g.Nodes))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return order[ready[i]] < order[ready[j]] })
		n := ready[0]
		ready = ready[1:]
		sorted = append(sorted, n)
		for _, u := range users[n] {
			indeg[u]--
			if indeg[u] == 0 {
				ready = append(ready, u)
			}
		}
	}
	if len(sorted) != len(g.Nodes) {
		return nil, fmt.Errorf("graph %q contains a cycle", g.Name)
	}
	return sorted, nil
}

// Validate checks structural soundness: known operators, unique value names,
// every input resolvable, every output produced, and no cycles.
func (g *Graph) Validate() error {
	if len(g.Inputs) == 0 {
		return fmt.Errorf("graph %q declares no inputs", g.Name)
	}
	if len(g.Outputs) == 0 {
		return fmt.Errorf("graph %q declares no outputs", g.Name)
	}
	for name, t := range g.Initializers {
		if name != t.Name {
			return fmt.Errorf("initializer registered as %q but named %q", name, t.Name)
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}

	defined := make(map[string]bool)
	for _, in := range g.Inputs {
		defined[in.Name] = true
	}
	for name := range g.Initializers {
		if defined[name] {
			return fmt.Errorf("value %q defined twice", name)
		}
		defined[name] = true
	}
	names := make(map[string]bool)
	for _, n := range g.Nodes {
		if !slices.Contains(KnownOps, n.Op) {
			return fmt.Errorf("node %q: unknown operator %q", n.Name, n.Op)
		}
		if names[n.Name] {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		names[n.Name] = true
		for _, o := range n.Outputs {
			if defined[o] {
				return fmt.Errorf("value %q defined twice", o)
			}
			defined[o] = true
		}
	}
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			if in == "" {
				continue
			}
			if !defined[in] {
				return fmt.Errorf("node %q reads undefined value %q", n.Name, in)
			}
		}
	}
	for _, out := range g.Outputs {
		if !defined[out.Name] {
			return fmt.Errorf("graph output %q is never produced", out.Name)
		}
	}
	_, err := g.TopoSort()
	return err
}

// OpCounts tallies nodes per operator.
func (g *Graph) OpCounts() map[string]int {
	out := make(map[string]int)
	for _, n := range g.Nodes {
		out[n.Op]++
	}
	return out
}

// HasOp reports whether any node uses one of ops.
func (g *Graph) HasOp(ops ...string) bool {
	return slices.ContainsFunc(g.Nodes, func(n *Node) bool { return slices.Contains(ops, n.Op) })
}

// WeightBytes sums the payload size of all initializers.
func (g *Graph) WeightBytes() int64 {
	var total int64
	for _, t := range g.Initializers {
		total += t.ByteSize()
	}
	return total
}

// InitializerNames returns initializer names in sorted order.
func (g *Graph) InitializerNames() []string {
	return slices.Sorted(maps.Keys(g.Initializers))
}
