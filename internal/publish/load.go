package publish

import (
	"context"
	"crypto/rsa"
	"errors"
	"maps"
	"os"
	"path/filepath"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/bundle"
	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/logger"
	"github.com/silmaril/quench/internal/signing"
	"github.com/silmaril/quench/internal/storage"
	"github.com/silmaril/quench/internal/tokenizer"
	"github.com/silmaril/quench/pkg/types"
)

// LoadOptions control signature checks.
type LoadOptions struct {
	// PublicKey verifies signed manifests.
	PublicKey *rsa.PublicKey
	// RequireSignature rejects unsigned manifests.
	RequireSignature bool
}

// Loaded is a pulled and verified bundle.
type Loaded struct {
	Artifact     *artifact.Artifact
	Preprocessor *tokenizer.Tokenizer
	Manifest     *types.BundleManifest
}

// Loader pulls bundles into the local cache.
type Loader struct {
	remote Remote
	paths  *storage.Paths
	opts   LoadOptions
}

// NewLoader returns a loader caching under paths.CacheDir().
func NewLoader(remote Remote, paths *storage.Paths, opts LoadOptions) *Loader {
	return &Loader{remote: remote, paths: paths, opts: opts}
}

// Load pulls src, verifies every file and the signature, checks the model
// and preprocessor belong together and moves the bundle into the cache.
// Nothing reaches the cache unless every check passes.
func (l *Loader) Load(ctx context.Context, src types.RepoRef) (*Loaded, error) {
	const op = "load"
	log := logger.FromContext(ctx).With("stage", op, "source", src.String())

	if err := os.MkdirAll(l.paths.CacheDir(), 0o755); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrLoad, op, err, "cache directory")
	}
	tmp, err := os.MkdirTemp(l.paths.CacheDir(), ".pull-*")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrLoad, op, err, "staging directory")
	}
	defer func() { _ = os.RemoveAll(tmp) }()
	staged := filepath.Join(tmp, "bundle")

	m, err := l.remote.Pull(ctx, src, staged)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrLoad, op, err, "pull %s", src.String())
	}
	if err := bundle.Verify(staged, m); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrLoad, op, err, "integrity check")
	}
	if err := l.checkSignature(m); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrLoad, op, err, "signature check")
	}

	art, err := artifact.Open(staged)
	if err != nil {
		if errors.Is(err, errdefs.ErrMismatch) {
			return nil, err
		}
		return nil, errdefs.Wrap(errdefs.ErrLoad, op, err, "open bundle")
	}
	meta := art.Metadata()
	if meta.PreprocessorFingerprint != m.PreprocessorFingerprint {
		return nil, errdefs.New(errdefs.ErrMismatch, op, "manifest names a different preprocessor than the bundle carries")
	}
	if !maps.Equal(meta.ID2Label, m.Labels) {
		return nil, errdefs.New(errdefs.ErrMismatch, op, "manifest label mapping differs from the model's")
	}

	target := l.paths.CachePath(types.RepoRef{Owner: src.Owner, Name: src.Name, Revision: m.Version})
	if err := replaceDir(staged, target); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrLoad, op, err, "move into cache")
	}
	art, err = artifact.Open(target)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrLoad, op, err, "reopen cached bundle")
	}

	log.Info("bundle loaded", "version", m.Version, "dir", target, "signed", m.Signature != "")
	return &Loaded{Artifact: art, Preprocessor: art.Tokenizer(), Manifest: m}, nil
}

func (l *Loader) checkSignature(m *types.BundleManifest) error {
	switch {
	case m.Signature == "" && l.opts.RequireSignature:
		return errors.New("manifest is not signed")
	case m.Signature == "":
		return nil
	case l.opts.PublicKey == nil && l.opts.RequireSignature:
		return errors.New("no public key to verify the signature with")
	case l.opts.PublicKey == nil:
		return nil
	}
	return signing.VerifyManifest(m, l.opts.PublicKey)
}

// replaceDir moves src to dst, swapping out any previous copy of dst.
func replaceDir(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	old := ""
	if _, err := os.Stat(dst); err == nil {
		old = filepath.Join(filepath.Dir(src), "previous")
		if err := os.Rename(dst, old); err != nil {
			return err
		}
	}
	if err := os.Rename(src, dst); err != nil {
		if old != "" {
			_ = os.Rename(old, dst)
		}
		return err
	}
	return nil
}
