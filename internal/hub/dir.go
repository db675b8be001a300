// Package hub stores published bundles. Dir is a filesystem hub, Server puts
// a Dir behind HTTP and Client talks to a Server.
//
// A repository lives at <root>/<owner>/<name>/ with one immutable directory
// per version under revisions/ and a refs.json naming versions:
//
//	acme/sentiment/
//	  refs.json
//	  revisions/v1/.quench.json
//	  revisions/v1/model.qgraph
package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/silmaril/quench/internal/bundle"
	"github.com/silmaril/quench/pkg/types"
)

const (
	refsFile     = "refs.json"
	revisionsDir = "revisions"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("revision already exists")
	ErrUnauthorized = errors.New("unauthorized")
	ErrVerification = errors.New("bundle verification failed")
)

// Refs maps ref names such as "main" to versions.
type Refs struct {
	Refs      map[string]string `json:"refs"`
	Revisions []string          `json:"revisions"`
}

// Dir is a hub rooted at a local directory.
type Dir struct {
	root string
	mu   sync.Mutex
}

// NewDir returns a hub storing repositories under root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) Root() string { return d.root }

func (d *Dir) repoDir(ref types.RepoRef) string {
	return filepath.Join(d.root, ref.Owner, ref.Name)
}

func (d *Dir) revisionDir(ref types.RepoRef, version string) string {
	return filepath.Join(d.repoDir(ref), revisionsDir, version)
}

// Refs returns the refs of a repository.
func (d *Dir) Refs(ref types.RepoRef) (Refs, error) {
	data, err := os.ReadFile(filepath.Join(d.repoDir(ref), refsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Refs{}, fmt.Errorf("repository %s: %w", ref.Repo(), ErrNotFound)
	}
	if err != nil {
		return Refs{}, err
	}
	var refs Refs
	if err := json.Unmarshal(data, &refs); err != nil {
		return Refs{}, fmt.Errorf("corrupt refs for %s: %w", ref.Repo(), err)
	}
	return refs, nil
}

func (d *Dir) writeRefs(ref types.RepoRef, refs Refs) error {
	data, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(d.repoDir(ref), refsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Resolve turns ref's revision (a ref name or a version) into a version.
func (d *Dir) Resolve(ref types.RepoRef) (string, error) {
	refs, err := d.Refs(ref)
	if err != nil {
		return "", err
	}
	rev := ref.RevisionOrDefault()
	if v, ok := refs.Refs[rev]; ok {
		return v, nil
	}
	if slices.Contains(refs.Revisions, rev) {
		return rev, nil
	}
	return "", fmt.Errorf("revision %s of %s: %w", rev, ref.Repo(), ErrNotFound)
}

// Manifest returns the manifest of the revision ref points at.
func (d *Dir) Manifest(ref types.RepoRef) (*types.BundleManifest, error) {
	version, err := d.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return bundle.ReadManifest(d.revisionDir(ref, version))
}

// FilePath returns the local path of one bundle file.
func (d *Dir) FilePath(ref types.RepoRef, path string) (string, error) {
	if !bundle.ValidPath(path) {
		return "", fmt.Errorf("invalid path %q", path)
	}
	m, err := d.Manifest(ref)
	if err != nil {
		return "", err
	}
	if _, ok := m.File(path); !ok {
		return "", fmt.Errorf("file %s: %w", path, ErrNotFound)
	}
	return filepath.Join(d.revisionDir(ref, m.Version), filepath.FromSlash(path)), nil
}

// Repositories lists "owner/name" of every repository with at least one revision.
func (d *Dir) Repositories() ([]string, error) {
	owners, err := os.ReadDir(d.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var repos []string
	for _, owner := range owners {
		if !owner.IsDir() || owner.Name()[0] == '.' {
			continue
		}
		names, err := os.ReadDir(filepath.Join(d.root, owner.Name()))
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if _, err := os.Stat(filepath.Join(d.root, owner.Name(), name.Name(), refsFile)); err == nil {
				repos = append(repos, owner.Name()+"/"+name.Name())
			}
		}
	}
	return repos, nil
}

// NewStaging creates an empty directory a revision of ref can be assembled in.
// Staging directories are hidden and never listed.
func (d *Dir) NewStaging(ref types.RepoRef) (string, error) {
	dir := filepath.Join(d.repoDir(ref), ".staging-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Commit verifies staging against m and promotes it to revision m.Version of
// ref. "main" and, when set, ref.Revision then point at the new version.
// Staging is consumed either way; on failure the repository is unchanged.
func (d *Dir) Commit(ref types.RepoRef, m *types.BundleManifest, staging string) error {
	defer func() { _ = os.RemoveAll(staging) }()

	if m.Version == "" || !bundle.ValidPath(m.Version) {
		return fmt.Errorf("invalid version %q", m.Version)
	}
	if err := bundle.Verify(staging, m); err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}
	if err := bundle.WriteManifest(staging, m); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	refs, err := d.Refs(ref)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if slices.Contains(refs.Revisions, m.Version) {
		return fmt.Errorf("%s@%s: %w", ref.Repo(), m.Version, ErrConflict)
	}

	target := d.revisionDir(ref, m.Version)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Rename(staging, target); err != nil {
		return fmt.Errorf("failed to promote revision: %w", err)
	}

	if refs.Refs == nil {
		refs.Refs = map[string]string{}
	}
	refs.Refs[types.DefaultRevision] = m.Version
	if ref.Revision != "" && ref.Revision != m.Version {
		refs.Refs[ref.Revision] = m.Version
	}
	refs.Revisions = append(refs.Revisions, m.Version)
	if err := d.writeRefs(ref, refs); err != nil {
		_ = os.RemoveAll(target)
		return fmt.Errorf("failed to update refs: %w", err)
	}
	return nil
}

// Push copies bundleDir into a new revision. The token is not checked; a
// directory hub is guarded by file permissions.
func (d *Dir) Push(ctx context.Context, bundleDir string, m *types.BundleManifest, dest types.RepoRef, _ string) error {
	staging, err := d.NewStaging(dest)
	if err != nil {
		return err
	}
	if err := fill(ctx, staging, bundleDir, m); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}
	return d.Commit(dest, m, staging)
}

func fill(ctx context.Context, staging, bundleDir string, m *types.BundleManifest) error {
	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !bundle.ValidPath(f.Path) {
			return fmt.Errorf("invalid path %q", f.Path)
		}
		target := filepath.Join(staging, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := bundle.CopyFile(filepath.Join(bundleDir, filepath.FromSlash(f.Path)), target); err != nil {
			return err
		}
	}
	return nil
}

// Pull copies the revision src points at into dir, manifest included.
func (d *Dir) Pull(ctx context.Context, src types.RepoRef, dir string) (*types.BundleManifest, error) {
	m, err := d.Manifest(src)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := bundle.CopyDir(d.revisionDir(src, m.Version), dir); err != nil {
		return nil, err
	}
	return m, nil
}
