// Package bundle builds and checks the manifest that travels with a published
// artifact directory.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/goccy/go-json"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/pkg/types"
)

// ManifestFile is the manifest's name inside a bundle directory. Hidden files
// are never part of the bundle's file list.
const ManifestFile = ".quench.json"

// DefaultPieceLength is the piece size used for magnet URIs.
const DefaultPieceLength = 256 * 1024

// Options fill the descriptive manifest fields.
type Options struct {
	Name        string
	Version     string
	Description string
	License     string
	// PieceLength for the magnet URI; 0 uses DefaultPieceLength, <0 skips it.
	PieceLength int64
}

// Build describes the artifact a as a bundle.
func Build(a *artifact.Artifact, opts Options) (*types.BundleManifest, error) {
	meta := a.Metadata()
	m := &types.BundleManifest{
		Name:                    opts.Name,
		Version:                 opts.Version,
		Description:             opts.Description,
		License:                 opts.License,
		CreatedAt:               time.Now().UTC().Truncate(time.Second),
		Task:                    meta.Task,
		Architecture:            meta.Architecture,
		Precision:               meta.Precision,
		Stage:                   meta.Stage,
		Labels:                  meta.ID2Label,
		PreprocessorFingerprint: meta.PreprocessorFingerprint,
		Caveats:                 meta.Caveats,
	}

	files, err := HashDir(a.Dir())
	if err != nil {
		return nil, err
	}
	m.Files = files
	for _, f := range files {
		m.TotalSize += f.Size
	}

	if opts.PieceLength >= 0 {
		pl := opts.PieceLength
		if pl == 0 {
			pl = DefaultPieceLength
		}
		if m.MagnetURI, err = MagnetURI(a.Dir(), opts.Name, files, pl); err != nil {
			return nil, fmt.Errorf("failed to build magnet uri: %w", err)
		}
	}
	return m, nil
}

// HashDir lists the non-hidden files of dir with sizes and sha256 sums.
func HashDir(dir string) ([]types.BundleFile, error) {
	names, err := artifact.ListFiles(dir)
	if err != nil {
		return nil, err
	}
	files := make([]types.BundleFile, 0, len(names))
	for _, name := range names {
		sum, size, err := HashFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			return nil, err
		}
		files = append(files, types.BundleFile{Path: name, Size: size, SHA256: sum})
	}
	return files, nil
}

// HashFile returns the hex sha256 and size of a file.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ValidPath reports whether p is a safe relative bundle path.
func ValidPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." || strings.HasPrefix(part, ".") {
			return false
		}
	}
	return true
}

// Verify checks that dir holds exactly the files listed in m with matching
// sizes and hashes.
func Verify(dir string, m *types.BundleManifest) error {
	if len(m.Files) == 0 {
		return fmt.Errorf("manifest lists no files")
	}
	listed := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if !ValidPath(f.Path) {
			return fmt.Errorf("invalid file path %q in manifest", f.Path)
		}
		listed[f.Path] = true
		sum, size, err := HashFile(filepath.Join(dir, filepath.FromSlash(f.Path)))
		if err != nil {
			return fmt.Errorf("file %s: %w", f.Path, err)
		}
		if size != f.Size {
			return fmt.Errorf("file %s has %d bytes, manifest says %d", f.Path, size, f.Size)
		}
		if sum != f.SHA256 {
			return fmt.Errorf("file %s checksum mismatch", f.Path)
		}
	}
	present, err := artifact.ListFiles(dir)
	if err != nil {
		return err
	}
	for _, p := range present {
		if !listed[p] {
			return fmt.Errorf("unexpected file %s", p)
		}
	}
	return nil
}

// ReadManifest loads dir's manifest.
func ReadManifest(dir string) (*types.BundleManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m types.BundleManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// WriteManifest stores m in dir.
func WriteManifest(dir string, m *types.BundleManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644)
}

// MagnetURI builds a BitTorrent v1 magnet link for the listed files of dir so
// a bundle can also be mirrored peer to peer.
func MagnetURI(dir, name string, files []types.BundleFile, pieceLength int64) (string, error) {
	info := metainfo.Info{Name: name, PieceLength: pieceLength}
	for _, f := range files {
		info.Files = append(info.Files, metainfo.FileInfo{
			Path:   strings.Split(f.Path, "/"),
			Length: f.Size,
		})
	}
	err := info.GeneratePieces(func(fi metainfo.FileInfo) (io.ReadCloser, error) {
		return os.Open(filepath.Join(dir, filepath.Join(fi.Path...)))
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate pieces: %w", err)
	}

	mi := metainfo.MetaInfo{}
	if mi.InfoBytes, err = bencode.Marshal(info); err != nil {
		return "", fmt.Errorf("failed to marshal info: %w", err)
	}
	return mi.Magnet(nil, &info).String(), nil
}

// CopyDir copies the regular files of src into dst, creating dst.
func CopyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return CopyFile(path, target)
	})
}

// CopyFile copies one file, truncating dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
