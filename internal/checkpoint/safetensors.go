package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/silmaril/quench/internal/graph"
)

type safetensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// writeSafetensors stores float32 tensors in safetensors layout.
func writeSafetensors(path string, tensors map[string]*graph.Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(tensors)+1)
	header["__metadata__"] = map[string]string{"format": "pt"}
	var data bytes.Buffer
	var b [4]byte
	for _, name := range names {
		t := tensors[name]
		if t.DType != graph.Float32 {
			return fmt.Errorf("tensor %s: only float32 checkpoints are written, got %s", name, t.DType)
		}
		start := int64(data.Len())
		for _, v := range t.F32 {
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			data.Write(b[:])
		}
		header[name] = safetensorHeader{DType: "F32", Shape: t.Shape, DataOffsets: [2]int64{start, int64(data.Len())}}
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		return err
	}
	if _, err := f.Write(data.Bytes()); err != nil {
		return err
	}
	return f.Close()
}

// readSafetensors loads every tensor of a safetensors file as float32.
func readSafetensors(path string) (map[string]*graph.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > 64<<20 {
		return nil, fmt.Errorf("invalid header length %d", headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	delete(raw, "__metadata__")

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*graph.Tensor, len(raw))
	for name, msg := range raw {
		var th safetensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(data)) {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		n := graph.NumElements(th.Shape)
		buf := data[start:end]
		vals := make([]float32, n)
		switch th.DType {
		case "F32":
			if len(buf) != n*4 {
				return nil, fmt.Errorf("tensor %s: invalid f32 data size", name)
			}
			for i := range vals {
				vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			}
		case "F16":
			if len(buf) != n*2 {
				return nil, fmt.Errorf("tensor %s: invalid f16 data size", name)
			}
			for i := range vals {
				vals[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
			}
		default:
			return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, th.DType)
		}
		out[name] = graph.NewFloat32(name, th.Shape, vals)
	}
	return out, nil
}
