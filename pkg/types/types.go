package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// DefaultRevision is the ref a pull resolves when none is given.
const DefaultRevision = "main"

// BundleManifest describes a published artifact bundle
type BundleManifest struct {
	// Core identification
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	License     string    `json:"license,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	// Model description
	Task         string            `json:"task"`
	Architecture string            `json:"architecture"`
	Precision    string            `json:"precision"`
	Stage        string            `json:"stage"`
	Labels       map[string]string `json:"id2label"`

	// Preprocessor pairing
	PreprocessorFingerprint string `json:"preprocessor_fingerprint"`

	// Distribution info
	TotalSize int64        `json:"total_size"`
	Files     []BundleFile `json:"files"`
	MagnetURI string       `json:"magnet_uri,omitempty"`
	Caveats   []string     `json:"caveats,omitempty"`

	// Signature for verification
	Signature string `json:"signature,omitempty"`
}

// BundleFile represents a single file in a bundle
type BundleFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// ComputeHash returns the SHA256 hash of the manifest (excluding signature)
func (m *BundleManifest) ComputeHash() (string, error) {
	manifestCopy := *m
	manifestCopy.Signature = ""

	data, err := json.Marshal(manifestCopy)
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// File returns the entry for path, if present.
func (m *BundleManifest) File(path string) (BundleFile, bool) {
	for _, f := range m.Files {
		if f.Path == path {
			return f, true
		}
	}
	return BundleFile{}, false
}

// RepoRef identifies a repository on a hub, optionally pinned to a revision.
type RepoRef struct {
	Owner    string
	Name     string
	Revision string
}

// ParseRepoRef parses "owner/name" or "owner/name@revision".
func ParseRepoRef(s string) (RepoRef, error) {
	var ref RepoRef
	repo := s
	if i := strings.LastIndex(s, "@"); i >= 0 {
		repo = s[:i]
		ref.Revision = s[i+1:]
		if ref.Revision == "" {
			return RepoRef{}, fmt.Errorf("invalid repository reference %q: empty revision", s)
		}
	}

	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoRef{}, fmt.Errorf("invalid repository reference %q: expected owner/name", s)
	}
	for _, p := range append(parts, ref.Revision) {
		if p == "." || p == ".." || strings.ContainsAny(p, `\:`) {
			return RepoRef{}, fmt.Errorf("invalid repository reference %q", s)
		}
	}

	ref.Owner = parts[0]
	ref.Name = parts[1]
	return ref, nil
}

// Repo returns "owner/name".
func (r RepoRef) Repo() string {
	return r.Owner + "/" + r.Name
}

// RevisionOrDefault returns the pinned revision or DefaultRevision.
func (r RepoRef) RevisionOrDefault() string {
	if r.Revision == "" {
		return DefaultRevision
	}
	return r.Revision
}

func (r RepoRef) String() string {
	if r.Revision == "" {
		return r.Repo()
	}
	return r.Repo() + "@" + r.Revision
}

// HFConfig represents a HuggingFace style checkpoint config.json
type HFConfig struct {
	ModelType         string            `json:"model_type"`
	Architectures     []string          `json:"architectures"`
	ID2Label          map[string]string `json:"id2label"`
	Label2ID          map[string]int    `json:"label2id"`
	VocabSize         int               `json:"vocab_size"`
	HiddenSize        int               `json:"hidden_size"`
	IntermediateSize  int               `json:"intermediate_size"`
	NumLabels         int               `json:"num_labels,omitempty"`
	FinetuningTask    string            `json:"finetuning_task,omitempty"`
	TorchDtype        string            `json:"torch_dtype,omitempty"`
	TransformersStyle string            `json:"transformers_version,omitempty"`
}

// DiskUsage represents disk space usage
type DiskUsage struct {
	Total     int64
	Models    int64
	Artifacts int64
	Hub       int64
	Cache     int64
}
