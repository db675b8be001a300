package graph

import (
	"fmt"
	"slices"

	"github.com/x448/float16"
)

// DType is the element type of a tensor.
type DType string

const (
	Float32 DType = "float32"
	Float16 DType = "float16"
	Int8    DType = "int8"
	Uint8   DType = "uint8"
	Int64   DType = "int64"
)

// Size returns the storage size of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float32:
		return 4
	case Float16:
		return 2
	case Int8, Uint8:
		return 1
	case Int64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether d is a known dtype.
func (d DType) Valid() bool {
	return d.Size() > 0
}

// Tensor is a dense n-dimensional array. Exactly one data slice is populated,
// matching DType. Quantized tensors (int8/uint8) carry their scales: one scale
// means per-tensor quantization, otherwise one scale per index of Axis.
type Tensor struct {
	Name  string
	DType DType
	Shape []int

	F32 []float32
	F16 []float16.Float16
	I8  []int8
	U8  []uint8
	I64 []int64

	Scales     []float32
	ZeroPoints []int32
	Axis       int
}

// NewFloat32 creates a float32 tensor. data is used without copying.
func NewFloat32(name string, shape []int, data []float32) *Tensor {
	return &Tensor{Name: name, DType: Float32, Shape: slices.Clone(shape), F32: data}
}

// NewInt64 creates an int64 tensor. data is used without copying.
func NewInt64(name string, shape []int, data []int64) *Tensor {
	return &Tensor{Name: name, DType: Int64, Shape: slices.Clone(shape), I64: data}
}

// NumElements returns the product of the shape.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// NumElements returns the number of elements described by the shape.
func (t *Tensor) NumElements() int {
	return NumElements(t.Shape)
}

// Len returns the number of elements actually stored.
func (t *Tensor) Len() int {
	switch t.DType {
	case Float32:
		return len(t.F32)
	case Float16:
		return len(t.F16)
	case Int8:
		return len(t.I8)
	case Uint8:
		return len(t.U8)
	case Int64:
		return len(t.I64)
	default:
		return 0
	}
}

// Quantized reports whether the tensor holds quantized values.
func (t *Tensor) Quantized() bool {
	return (t.DType == Int8 || t.DType == Uint8) && len(t.Scales) > 0
}

// ByteSize is the serialized payload size, including quantization parameters.
func (t *Tensor) ByteSize() int64 {
	return int64(t.Len()*t.DType.Size()) + int64(4*len(t.Scales)) + int64(4*len(t.ZeroPoints))
}

// Validate checks that data length and quantization parameters agree with the shape.
func (t *Tensor) Validate() error {
	if !t.DType.Valid() {
		return fmt.Errorf("tensor %q: unknown dtype %q", t.Name, t.DType)
	}
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("tensor %q: negative dimension in shape %v", t.Name, t.Shape)
		}
	}
	if t.Len() != t.NumElements() {
		return fmt.Errorf("tensor %q: %d elements stored, shape %v needs %d", t.Name, t.Len(), t.Shape, t.NumElements())
	}
	if len(t.Scales) == 0 {
		if t.DType == Int8 || t.DType == Uint8 {
			return fmt.Errorf("tensor %q: %s tensor without scales", t.Name, t.DType)
		}
		return nil
	}
	if len(t.Scales) > 1 {
		if t.Axis < 0 || t.Axis >= len(t.Shape) {
			return fmt.Errorf("tensor %q: quantization axis %d out of range", t.Name, t.Axis)
		}
		if len(t.Scales) != t.Shape[t.Axis] {
			return fmt.Errorf("tensor %q: %d scales for axis of size %d", t.Name, len(t.Scales), t.Shape[t.Axis])
		}
	}
	if len(t.ZeroPoints) > 0 && len(t.ZeroPoints) != len(t.Scales) {
		return fmt.Errorf("tensor %q: %d zero points for %d scales", t.Name, len(t.ZeroPoints), len(t.Scales))
	}
	return nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Name:       t.Name,
		DType:      t.DType,
		Shape:      slices.Clone(t.Shape),
		F32:        slices.Clone(t.F32),
		F16:        slices.Clone(t.F16),
		I8:         slices.Clone(t.I8),
		U8:         slices.Clone(t.U8),
		I64:        slices.Clone(t.I64),
		Scales:     slices.Clone(t.Scales),
		ZeroPoints: slices.Clone(t.ZeroPoints),
		Axis:       t.Axis,
	}
}

// Floats returns the values as float32, upcasting half precision and
// dequantizing int8/uint8 data. Float32 tensors return their backing slice.
func (t *Tensor) Floats() ([]float32, error) {
	switch t.DType {
	case Float32:
		return t.F32, nil
	case Float16:
		out := make([]float32, len(t.F16))
		for i, h := range t.F16 {
			out[i] = h.Float32()
		}
		return out, nil
	case Int8, Uint8:
		if len(t.Scales) == 0 {
			return nil, fmt.Errorf("tensor %q: cannot dequantize without scales", t.Name)
		}
		out := make([]float32, t.Len())
		for i := range out {
			out[i] = t.dequantizeAt(i)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tensor %q: %s is not a floating point tensor", t.Name, t.DType)
	}
}

// ChannelOf returns the quantization channel of flat element i.
func (t *Tensor) ChannelOf(i int) int {
	if len(t.Scales) <= 1 {
		return 0
	}
	stride := 1
	for _, d := range t.Shape[t.Axis+1:] {
		stride *= d
	}
	return (i / stride) % t.Shape[t.Axis]
}

func (t *Tensor) dequantizeAt(i int) float32 {
	ch := t.ChannelOf(i)
	var zp int32
	if len(t.ZeroPoints) > 0 {
		zp = t.ZeroPoints[ch]
	}
	var q int32
	if t.DType == Int8 {
		q = int32(t.I8[i])
	} else {
		q = int32(t.U8[i])
	}
	return float32(q-zp) * t.Scales[ch]
}

// DequantizeRow returns row r of a 2D quantized or floating tensor as float32.
func (t *Tensor) DequantizeRow(r int) ([]float32, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("tensor %q: row access needs rank 2, got %v", t.Name, t.Shape)
	}
	cols := t.Shape[1]
	if r < 0 || r >= t.Shape[0] {
		return nil, fmt.Errorf("tensor %q: row %d out of range [0,%d)", t.Name, r, t.Shape[0])
	}
	out := make([]float32, cols)
	base := r * cols
	switch t.DType {
	case Float32:
		copy(out, t.F32[base:base+cols])
	case Float16:
		for j := range out {
			out[j] = t.F16[base+j].Float32()
		}
	case Int8, Uint8:
		for j := range out {
			out[j] = t.dequantizeAt(base + j)
		}
	default:
		return nil, fmt.Errorf("tensor %q: %s rows are not numeric", t.Name, t.DType)
	}
	return out, nil
}

// ToFloat16 converts a float32 tensor to half precision.
func ToFloat16(t *Tensor) *Tensor {
	out := &Tensor{Name: t.Name, DType: Float16, Shape: slices.Clone(t.Shape), F16: make([]float16.Float16, len(t.F32))}
	for i, v := range t.F32 {
		out.F16[i] = float16.Fromfloat32(v)
	}
	return out
}
