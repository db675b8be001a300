package graph

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

// FormatName and FormatVersion identify .qgraph files.
const (
	FormatName    = "qgraph"
	FormatVersion = 1
)

// maxHeaderLen bounds the JSON header so a corrupt length cannot force a huge allocation.
const maxHeaderLen = 64 << 20

type fileHeader struct {
	Format   string         `json:"format"`
	Version  int            `json:"version"`
	Name     string         `json:"name"`
	Producer string         `json:"producer,omitempty"`
	Inputs   []ValueInfo    `json:"inputs"`
	Outputs  []ValueInfo    `json:"outputs"`
	Nodes    []*Node        `json:"nodes"`
	Tensors  []tensorHeader `json:"tensors"`
}

type tensorHeader struct {
	Name        string    `json:"name"`
	DType       DType     `json:"dtype"`
	Shape       []int     `json:"shape"`
	DataOffsets [2]int64  `json:"data_offsets"`
	Scales      []float32 `json:"scales,omitempty"`
	ZeroPoints  []int32   `json:"zero_points,omitempty"`
	Axis        int       `json:"axis,omitempty"`
}

// Encode writes g as: 8-byte little-endian header length, JSON header,
// then the concatenated little-endian tensor payloads in name order.
func Encode(w io.Writer, g *Graph) error {
	var data bytes.Buffer
	hdr := fileHeader{
		Format:   FormatName,
		Version:  FormatVersion,
		Name:     g.Name,
		Producer: g.Producer,
		Inputs:   g.Inputs,
		Outputs:  g.Outputs,
		Nodes:    g.Nodes,
	}
	for _, name := range g.InitializerNames() {
		t := g.Initializers[name]
		start := int64(data.Len())
		if err := writeTensorData(&data, t); err != nil {
			return err
		}
		hdr.Tensors = append(hdr.Tensors, tensorHeader{
			Name:        t.Name,
			DType:       t.DType,
			Shape:       t.Shape,
			DataOffsets: [2]int64{start, int64(data.Len())},
			Scales:      t.Scales,
			ZeroPoints:  t.ZeroPoints,
			Axis:        t.Axis,
		})
	}

	headerBytes, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("marshal graph header: %w", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	_, err = w.Write(data.Bytes())
	return err
}

// Decode reads a graph written by Encode and validates it.
func Decode(r io.Reader) (*Graph, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > maxHeaderLen {
		return nil, fmt.Errorf("invalid header length %d", headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var hdr fileHeader
	if err := json.Unmarshal(headerBytes, &hdr); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	if hdr.Format != FormatName {
		return nil, fmt.Errorf("not a %s file (format %q)", FormatName, hdr.Format)
	}
	if hdr.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported %s version %d", FormatName, hdr.Version)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read tensor data: %w", err)
	}

	g := New(hdr.Name)
	g.Producer = hdr.Producer
	g.Inputs = hdr.Inputs
	g.Outputs = hdr.Outputs
	g.Nodes = hdr.Nodes
	for _, th := range hdr.Tensors {
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(data)) {
			return nil, fmt.Errorf("tensor %s: invalid data offsets %v", th.Name, th.DataOffsets)
		}
		t := &Tensor{
			Name:       th.Name,
			DType:      th.DType,
			Shape:      th.Shape,
			Scales:     th.Scales,
			ZeroPoints: th.ZeroPoints,
			Axis:       th.Axis,
		}
		if err := readTensorData(t, data[start:end]); err != nil {
			return nil, err
		}
		g.AddInitializer(t)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// WriteFile encodes g to path.
func WriteFile(path string, g *Graph) error {
	var buf bytes.Buffer
	if err := Encode(&buf, g); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ReadFile decodes the graph stored at path.
func ReadFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	g, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

func writeTensorData(w *bytes.Buffer, t *Tensor) error {
	switch t.DType {
	case Float32:
		var b [4]byte
		for _, v := range t.F32 {
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			w.Write(b[:])
		}
	case Float16:
		var b [2]byte
		for _, v := range t.F16 {
			binary.LittleEndian.PutUint16(b[:], v.Bits())
			w.Write(b[:])
		}
	case Int8:
		for _, v := range t.I8 {
			w.WriteByte(byte(v))
		}
	case Uint8:
		w.Write(t.U8)
	case Int64:
		var b [8]byte
		for _, v := range t.I64 {
			binary.LittleEndian.PutUint64(b[:], uint64(v))
			w.Write(b[:])
		}
	default:
		return fmt.Errorf("tensor %s: cannot encode dtype %q", t.Name, t.DType)
	}
	return nil
}

func readTensorData(t *Tensor, raw []byte) error {
	size := t.DType.Size()
	if size == 0 {
		return fmt.Errorf("tensor %s: unknown dtype %q", t.Name, t.DType)
	}
	if len(raw)%size != 0 {
		return fmt.Errorf("tensor %s: %d bytes is not a multiple of %d", t.Name, len(raw), size)
	}
	n := len(raw) / size
	switch t.DType {
	case Float32:
		t.F32 = make([]float32, n)
		for i := range t.F32 {
			t.F32[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case Float16:
		t.F16 = make([]float16.Float16, n)
		for i := range t.F16 {
			t.F16[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case Int8:
		t.I8 = make([]int8, n)
		for i, b := range raw {
			t.I8[i] = int8(b)
		}
	case Uint8:
		t.U8 = append([]uint8(nil), raw...)
	case Int64:
		t.I64 = make([]int64, n)
		for i := range t.I64 {
			t.I64[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	}
	return nil
}
