package evaluate

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/silmaril/quench/internal/checkpoint"
)

// Sample is one labeled example.
type Sample = checkpoint.Sample

// Dataset is a labeled evaluation set.
type Dataset struct {
	Samples []Sample
	// Labels is the declared label set. When empty the labels seen in
	// Samples are used.
	Labels []string
}

// NewDataset wraps samples with an optional declared label list.
func NewDataset(samples []Sample, labels ...string) *Dataset {
	return &Dataset{Samples: samples, Labels: labels}
}

// Texts returns the sample inputs in order.
func (d *Dataset) Texts() []string {
	out := make([]string, len(d.Samples))
	for i, s := range d.Samples {
		out[i] = s.Text
	}
	return out
}

// LabelSet returns the declared labels, or the distinct sample labels sorted.
func (d *Dataset) LabelSet() []string {
	if len(d.Labels) > 0 {
		return slices.Clone(d.Labels)
	}
	var out []string
	for _, s := range d.Samples {
		if !slices.Contains(out, s.Label) {
			out = append(out, s.Label)
		}
	}
	slices.Sort(out)
	return out
}

// Head returns a dataset with at most n samples.
func (d *Dataset) Head(n int) *Dataset {
	if n <= 0 || n >= len(d.Samples) {
		return d
	}
	return &Dataset{Samples: d.Samples[:n], Labels: d.Labels}
}

// LoadDataset reads a .jsonl or .csv file. JSONL lines are objects with text
// and label fields; CSV files need a header naming text and label columns.
func LoadDataset(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var samples []Sample
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".jsonl", ".ndjson", ".json":
		samples, err = readJSONL(f)
	case ".csv":
		samples, err = readCSV(f)
	default:
		return nil, fmt.Errorf("unsupported dataset format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("dataset %s is empty", path)
	}
	return &Dataset{Samples: samples}, nil
}

func readJSONL(r io.Reader) ([]Sample, error) {
	var out []Sample
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var s Sample
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if s.Label == "" {
			return nil, fmt.Errorf("line %d: missing label", line)
		}
		out = append(out, s)
	}
	return out, sc.Err()
}

func readCSV(r io.Reader) ([]Sample, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	textCol, labelCol := slices.Index(header, "text"), slices.Index(header, "label")
	if textCol < 0 || labelCol < 0 {
		return nil, fmt.Errorf("header must name text and label columns, got %v", header)
	}
	var out []Sample
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Sample{Text: rec[textCol], Label: rec[labelCol]})
	}
}
