package optimize

import (
	"fmt"
	"slices"
	"strings"

	"github.com/silmaril/quench/internal/graph"
	"github.com/silmaril/quench/internal/inference"
)

// PassResult records what one pass changed.
type PassResult struct {
	Name    string `json:"name"`
	Changed int    `json:"changed"`
}

// Pass names.
const (
	PassIdentityElimination = "identity_elimination"
	PassConstantFolding     = "constant_folding"
	PassDeadNodeElimination = "dead_node_elimination"
	PassGemmFusion          = "gemm_fusion"
	PassActivationFusion    = "activation_fusion"
	PassFP16                = "fp16_conversion"
)

// Apply runs the enabled passes over a copy of g and returns it.
func Apply(g *graph.Graph, cfg Config) (*graph.Graph, []PassResult, error) {
	out := g.Clone()
	type pass struct {
		name    string
		enabled bool
		run     func(*graph.Graph) (int, error)
	}
	passes := []pass{
		{PassIdentityElimination, cfg.identityElimination, eliminateIdentities},
		{PassConstantFolding, cfg.constantFolding, foldConstants},
		{PassDeadNodeElimination, cfg.deadNodeElimination, eliminateDeadNodes},
		{PassGemmFusion, cfg.gemmFusion, fuseGemm},
		{PassActivationFusion, cfg.activationFusion, fuseActivations},
		{PassFP16, cfg.fp16, convertFP16},
	}

	var results []PassResult
	for _, p := range passes {
		if !p.enabled {
			continue
		}
		n, err := p.run(out)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", p.name, err)
		}
		results = append(results, PassResult{Name: p.name, Changed: n})
	}
	if err := out.Validate(); err != nil {
		return nil, nil, fmt.Errorf("optimized graph is invalid: %w", err)
	}
	return out, results, nil
}

// rename points every reader of from at to.
func rename(g *graph.Graph, from, to string) {
	for _, n := range g.Nodes {
		for i, in := range n.Inputs {
			if in == from {
				n.Inputs[i] = to
			}
		}
	}
}

func removeNodes(g *graph.Graph, drop map[*graph.Node]bool) {
	g.Nodes = slices.DeleteFunc(g.Nodes, func(n *graph.Node) bool { return drop[n] })
}

// eliminateIdentities bypasses Identity nodes unless they produce a graph output.
func eliminateIdentities(g *graph.Graph) (int, error) {
	drop := make(map[*graph.Node]bool)
	for _, n := range g.Nodes {
		if n.Op != graph.OpIdentity || g.IsOutput(n.Outputs[0]) {
			continue
		}
		rename(g, n.Outputs[0], n.Inputs[0])
		drop[n] = true
	}
	removeNodes(g, drop)
	return len(drop), nil
}

// foldConstants replaces nodes whose inputs are all initializers with the
// initializer they compute.
func foldConstants(g *graph.Graph) (int, error) {
	folded := 0
	for {
		var target *graph.Node
		var inputs []*graph.Tensor
		for _, n := range g.Nodes {
			if g.IsOutput(n.Outputs[0]) {
				continue
			}
			ins, ok := constantInputs(g, n)
			if !ok {
				continue
			}
			target, inputs = n, ins
			break
		}
		if target == nil {
			return folded, nil
		}
		t, err := inference.EvalConstant(target, inputs)
		if err != nil {
			return folded, err
		}
		g.AddInitializer(t)
		removeNodes(g, map[*graph.Node]bool{target: true})
		folded++
	}
}

func constantInputs(g *graph.Graph, n *graph.Node) ([]*graph.Tensor, bool) {
	switch n.Op {
	case graph.OpGather, graph.OpMeanPool, graph.OpDynamicQuantizeMatMul, graph.OpQLinearMatMul:
		return nil, false
	}
	if len(n.Inputs) == 0 {
		return nil, false
	}
	out := make([]*graph.Tensor, 0, len(n.Inputs))
	for _, in := range n.Inputs {
		t, ok := g.Initializer(in)
		if !ok || (t.DType != graph.Float32 && t.DType != graph.Float16) {
			return nil, false
		}
		out = append(out, t)
	}
	return out, true
}

// eliminateDeadNodes drops nodes whose outputs nobody reads and initializers
// no node reads.
func eliminateDeadNodes(g *graph.Graph) (int, error) {
	removed := 0
	for {
		consumers := g.Consumers()
		drop := make(map[*graph.Node]bool)
		for _, n := range g.Nodes {
			live := false
			for _, o := range n.Outputs {
				if len(consumers[o]) > 0 || g.IsOutput(o) {
					live = true
				}
			}
			if !live {
				drop[n] = true
			}
		}
		if len(drop) == 0 {
			break
		}
		removeNodes(g, drop)
		removed += len(drop)
	}

	consumers := g.Consumers()
	for name := range g.Initializers {
		if len(consumers[name]) == 0 && !g.IsOutput(name) {
			delete(g.Initializers, name)
			removed++
		}
	}
	return removed, nil
}

// singleConsumer returns the only reader of value, if there is exactly one.
func singleConsumer(g *graph.Graph, value string) (*graph.Node, bool) {
	if g.IsOutput(value) {
		return nil, false
	}
	c := g.Consumers()[value]
	if len(c) != 1 {
		return nil, false
	}
	return c[0], true
}

func scope(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[:i]
	}
	return name
}

// fuseGemm merges MatMul(x, W) followed by Add(_, b) with constant W and b
// into one Gemm.
func fuseGemm(g *graph.Graph) (int, error) {
	fused := 0
	for _, mm := range slices.Clone(g.Nodes) {
		if mm.Op != graph.OpMatMul {
			continue
		}
		w, ok := g.Initializer(mm.Inputs[1])
		if !ok || len(w.Shape) != 2 {
			continue
		}
		addNode, ok := singleConsumer(g, mm.Outputs[0])
		if !ok || addNode.Op != graph.OpAdd {
			continue
		}
		biasName := addNode.Inputs[1]
		if biasName == mm.Outputs[0] {
			biasName = addNode.Inputs[0]
		}
		bias, ok := g.Initializer(biasName)
		if !ok || len(bias.Shape) != 1 || bias.Shape[0] != w.Shape[1] {
			continue
		}

		gemm := &graph.Node{
			Name:    scope(mm.Name) + "/Gemm",
			Op:      graph.OpGemm,
			Inputs:  []string{mm.Inputs[0], w.Name, bias.Name},
			Outputs: []string{addNode.Outputs[0]},
		}
		replaceNodes(g, []*graph.Node{mm, addNode}, gemm)
		fused++
	}
	return fused, nil
}

// fuseActivations folds a Relu or Tanh that is the only reader of a Gemm.
func fuseActivations(g *graph.Graph) (int, error) {
	fused := 0
	for _, gemm := range slices.Clone(g.Nodes) {
		if gemm.Op != graph.OpGemm {
			continue
		}
		act, ok := singleConsumer(g, gemm.Outputs[0])
		if !ok || (act.Op != graph.OpRelu && act.Op != graph.OpTanh) {
			continue
		}
		node := gemm.Clone()
		node.Name = scope(gemm.Name) + "/FusedGemm"
		node.Op = graph.OpFusedGemm
		node.Outputs = []string{act.Outputs[0]}
		node.SetAttr("activation", act.Op)
		replaceNodes(g, []*graph.Node{gemm, act}, node)
		fused++
	}
	return fused, nil
}

// replaceNodes swaps old for repl, placing repl at the first old node's position.
func replaceNodes(g *graph.Graph, old []*graph.Node, repl *graph.Node) {
	idx := slices.Index(g.Nodes, old[0])
	g.Nodes[idx] = repl
	drop := make(map[*graph.Node]bool, len(old)-1)
	for _, n := range old[1:] {
		drop[n] = true
	}
	removeNodes(g, drop)
}

// convertFP16 stores float32 initializers in half precision.
func convertFP16(g *graph.Graph) (int, error) {
	n := 0
	for name, t := range g.Initializers {
		if t.DType != graph.Float32 {
			continue
		}
		g.Initializers[name] = graph.ToFloat16(t)
		n++
	}
	return n, nil
}

// Prune removes nodes and initializers that no longer contribute to a graph
// output and returns how many were dropped.
func Prune(g *graph.Graph) int {
	n, _ := eliminateDeadNodes(g)
	return n
}
