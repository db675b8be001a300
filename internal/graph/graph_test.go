package graph

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearGraph() *Graph {
	g := New("linear")
	g.Inputs = []ValueInfo{{Name: "x", DType: Float32, Shape: []int{-1, 2}}}
	g.Outputs = []ValueInfo{{Name: "y", DType: Float32, Shape: []int{-1, 2}}}
	g.AddInitializer(NewFloat32("w", []int{2, 2}, []float32{1, 0, 0, 1}))
	g.AddInitializer(NewFloat32("b", []int{2}, []float32{0.5, -0.5}))
	g.AddNode("add", OpAdd, []string{"xw", "b"}, []string{"y"})
	g.AddNode("matmul", OpMatMul, []string{"x", "w"}, []string{"xw"})
	return g
}

func TestTopoSortOrdersProducersFirst(t *testing.T) {
	g := linearGraph()
	sorted, err := g.TopoSort()
	require.NoError(t, err)
	require.Len(t, sorted, 2)
	assert.Equal(t, "matmul", sorted[0].Name)
	assert.Equal(t, "add", sorted[1].Name)
}

func TestValidate(t *testing.T) {
	require.NoError(t, linearGraph().Validate())

	t.Run("undefined input", func(t *testing.T) {
		g := linearGraph()
		g.Nodes[0].Inputs[0] = "missing"
		assert.ErrorContains(t, g.Validate(), "undefined value")
	})
	t.Run("unknown op", func(t *testing.T) {
		g := linearGraph()
		g.Nodes[0].Op = "Conv"
		assert.ErrorContains(t, g.Validate(), "unknown operator")
	})
	t.Run("cycle", func(t *testing.T) {
		g := linearGraph()
		g.Nodes[1].Inputs[0] = "y"
		assert.ErrorContains(t, g.Validate(), "cycle")
	})
	t.Run("output not produced", func(t *testing.T) {
		g := linearGraph()
		g.Outputs[0].Name = "z"
		assert.ErrorContains(t, g.Validate(), "never produced")
	})
	t.Run("bad tensor length", func(t *testing.T) {
		g := linearGraph()
		g.Initializers["w"].F32 = []float32{1}
		assert.ErrorContains(t, g.Validate(), "elements stored")
	})
}

func TestCloneIsDeep(t *testing.T) {
	g := linearGraph()
	c := g.Clone()
	c.Initializers["w"].F32[0] = 42
	c.Nodes[0].Inputs[0] = "other"

	assert.Equal(t, float32(1), g.Initializers["w"].F32[0])
	assert.Equal(t, "xw", g.Nodes[0].Inputs[0])
}

func TestCodecRoundTrip(t *testing.T) {
	g := linearGraph()
	g.Producer = "quench-test"
	g.Nodes[0].SetAttr("alpha", 1.5)
	g.AddInitializer(&Tensor{
		Name:   "q",
		DType:  Int8,
		Shape:  []int{2, 2},
		I8:     []int8{-127, 0, 64, 127},
		Scales: []float32{0.5, 0.25},
		Axis:   1,
	})
	g.AddInitializer(ToFloat16(NewFloat32("h", []int{3}, []float32{1, -2, 0.5})))
	g.AddInitializer(NewInt64("ids", []int{2}, []int64{7, -3}))

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, g))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, "linear", got.Name)
	assert.Equal(t, "quench-test", got.Producer)
	assert.Equal(t, float32(1.5), got.Nodes[0].AttrFloat("alpha", 0))
	assert.Equal(t, g.Initializers["w"].F32, got.Initializers["w"].F32)
	assert.Equal(t, g.Initializers["q"].I8, got.Initializers["q"].I8)
	assert.Equal(t, []float32{0.5, 0.25}, got.Initializers["q"].Scales)
	assert.Equal(t, 1, got.Initializers["q"].Axis)
	assert.Equal(t, []int64{7, -3}, got.Initializers["ids"].I64)

	half, err := got.Initializers["h"].Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2, 0.5}, half)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)

	var buf bytes.Buffer
	buf.Write([]byte{2, 0, 0, 0, 0, 0, 0, 0})
	buf.WriteString("{}")
	_, err = Decode(&buf)
	assert.ErrorContains(t, err, "not a qgraph file")
}

func TestWriteReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.qgraph")
	require.NoError(t, WriteFile(path, linearGraph()))

	g, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{OpMatMul: 1, OpAdd: 1}, g.OpCounts())
	assert.Equal(t, int64(24), g.WeightBytes())
}

func TestDequantizePerChannel(t *testing.T) {
	q := &Tensor{
		Name:   "q",
		DType:  Int8,
		Shape:  []int{2, 2},
		I8:     []int8{2, 4, -2, -4},
		Scales: []float32{0.5, 0.25},
		Axis:   1,
	}
	require.NoError(t, q.Validate())
	vals, err := q.Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, -1, -1}, vals)

	row, err := q.DequantizeRow(1)
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, -1}, row)
}

func TestDequantizeWithZeroPoint(t *testing.T) {
	q := &Tensor{Name: "a", DType: Uint8, Shape: []int{3}, U8: []uint8{128, 130, 126}, Scales: []float32{0.1}, ZeroPoints: []int32{128}}
	vals, err := q.Floats()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 0.2, -0.2}, vals, 1e-6)
}
