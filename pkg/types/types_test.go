package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleManifest() *BundleManifest {
	return &BundleManifest{
		Name:         "acme/sentiment-int8",
		Version:      "v1",
		License:      "MIT",
		CreatedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Task:         "text-classification",
		Architecture: "BagOfWordsForSequenceClassification",
		Precision:    "int8",
		Labels:       map[string]string{"0": "NEGATIVE", "1": "POSITIVE"},
		TotalSize:    2048,
		Files:        []BundleFile{{Path: "model.qgraph", Size: 2048, SHA256: "abc123"}},
		Signature:    "sig-a",
	}
}

func TestBundleManifestComputeHash(t *testing.T) {
	base, err := sampleManifest().ComputeHash()
	require.NoError(t, err)
	require.Len(t, base, 64)

	tests := []struct {
		name    string
		mutate  func(m *BundleManifest)
		changes bool
	}{
		{"unchanged", func(*BundleManifest) {}, false},
		{"signature replaced", func(m *BundleManifest) { m.Signature = "sig-b" }, false},
		{"signature cleared", func(m *BundleManifest) { m.Signature = "" }, false},
		{"label renamed", func(m *BundleManifest) { m.Labels["1"] = "positive" }, true},
		{"precision", func(m *BundleManifest) { m.Precision = "float32" }, true},
		{"file digest", func(m *BundleManifest) { m.Files[0].SHA256 = "def456" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := sampleManifest()
			tt.mutate(m)
			got, err := m.ComputeHash()
			require.NoError(t, err)
			if tt.changes {
				assert.NotEqual(t, base, got)
			} else {
				assert.Equal(t, base, got)
			}
		})
	}
}

func TestBundleManifestFile(t *testing.T) {
	manifest := &BundleManifest{
		Files: []BundleFile{
			{Path: "model.qgraph", Size: 10},
			{Path: "vocab.txt", Size: 3},
		},
	}

	f, ok := manifest.File("vocab.txt")
	require.True(t, ok)
	assert.Equal(t, int64(3), f.Size)

	_, ok = manifest.File("missing.bin")
	assert.False(t, ok)
}

func TestParseRepoRef(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected RepoRef
		wantErr  bool
	}{
		{
			name:     "owner and name",
			input:    "acme/sentiment",
			expected: RepoRef{Owner: "acme", Name: "sentiment"},
		},
		{
			name:     "with revision",
			input:    "acme/sentiment@v3",
			expected: RepoRef{Owner: "acme", Name: "sentiment", Revision: "v3"},
		},
		{name: "missing owner", input: "sentiment", wantErr: true},
		{name: "too many parts", input: "a/b/c", wantErr: true},
		{name: "empty revision", input: "acme/sentiment@", wantErr: true},
		{name: "path traversal", input: "../sentiment", wantErr: true},
		{name: "empty name", input: "acme/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseRepoRef(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ref)
			assert.Equal(t, tt.input, ref.String())
		})
	}
}

func TestRepoRefRevisionOrDefault(t *testing.T) {
	assert.Equal(t, DefaultRevision, RepoRef{Owner: "a", Name: "b"}.RevisionOrDefault())
	assert.Equal(t, "v2", RepoRef{Owner: "a", Name: "b", Revision: "v2"}.RevisionOrDefault())
}
