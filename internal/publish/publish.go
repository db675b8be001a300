// Package publish pushes artifacts to a hub as signed bundles and loads them
// back into the local cache.
package publish

import (
	"context"
	"crypto/rsa"
	"errors"
	"os"
	"time"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/bundle"
	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/hub"
	"github.com/silmaril/quench/internal/logger"
	"github.com/silmaril/quench/internal/signing"
	"github.com/silmaril/quench/pkg/types"
)

// Remote is a place bundles are pushed to and pulled from.
type Remote interface {
	// Push stores bundleDir as revision m.Version of dest. dest.Revision, when
	// set, names an extra ref to point at it. A failed push leaves the remote
	// unchanged.
	Push(ctx context.Context, bundleDir string, m *types.BundleManifest, dest types.RepoRef, token string) error
	// Pull copies the revision src points at into dir and returns its manifest.
	Pull(ctx context.Context, src types.RepoRef, dir string) (*types.BundleManifest, error)
}

var (
	_ Remote         = (*hub.Dir)(nil)
	_ Remote         = (*hub.Client)(nil)
	_ manifestSource = (*hub.Client)(nil)
)

// Options describe one publication.
type Options struct {
	// Version names the new revision; empty derives one from the current time.
	Version     string
	Description string
	License     string
	Token       string
	// PieceLength of the magnet URI; see bundle.Options.
	PieceLength int64
	// SigningKey signs the manifest when set.
	SigningKey *rsa.PrivateKey
}

// Publisher pushes artifacts to a Remote.
type Publisher struct {
	remote Remote
}

// NewPublisher returns a publisher for remote.
func NewPublisher(remote Remote) *Publisher {
	return &Publisher{remote: remote}
}

// Publish validates art, describes it in a manifest, signs and pushes it.
func (p *Publisher) Publish(ctx context.Context, art *artifact.Artifact, dest types.RepoRef, opts Options) (*types.BundleManifest, error) {
	const op = "publish"
	log := logger.FromContext(ctx).With("stage", op, "dest", dest.String())

	if opts.Token == "" {
		return nil, errdefs.New(errdefs.ErrPublish, op, "no hub token configured")
	}
	if art == nil {
		return nil, errdefs.New(errdefs.ErrPublish, op, "no artifact to publish")
	}
	if dest.Owner == "" || dest.Name == "" {
		return nil, errdefs.New(errdefs.ErrPublish, op, "invalid destination %q", dest.String())
	}
	// Reopen so a bundle modified since it was produced is caught here.
	fresh, err := artifact.Open(art.Dir())
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrPublish, op, err, "invalid bundle %s", art.Dir())
	}

	version := opts.Version
	if version == "" {
		version = time.Now().UTC().Format("v20060102150405")
	}
	m, err := bundle.Build(fresh, bundle.Options{
		Name:        dest.Repo(),
		Version:     version,
		Description: opts.Description,
		License:     opts.License,
		PieceLength: opts.PieceLength,
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrPublish, op, err, "build manifest")
	}
	if opts.SigningKey != nil {
		if err := signing.SignManifest(m, opts.SigningKey); err != nil {
			return nil, errdefs.Wrap(errdefs.ErrPublish, op, err, "sign manifest")
		}
	}

	log.Info("pushing bundle", "version", m.Version, "files", len(m.Files), "bytes", m.TotalSize, "signed", m.Signature != "")
	if err := p.remote.Push(ctx, fresh.Dir(), m, dest, opts.Token); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrPublish, op, err, "push %s@%s", dest.Repo(), m.Version)
	}
	log.Info("bundle published", "version", m.Version)
	return m, nil
}

// Retrying wraps remote so every call retries transient failures.
func Retrying(remote Remote, policy hub.RetryPolicy) Remote {
	return &retrying{remote: remote, policy: policy}
}

type retrying struct {
	remote Remote
	policy hub.RetryPolicy
}

// manifestSource is implemented by remotes that can report a published manifest.
type manifestSource interface {
	Manifest(ctx context.Context, ref types.RepoRef) (*types.BundleManifest, error)
}

// Push retries transient failures. A retry that conflicts with a revision
// carrying the very manifest being pushed means an earlier attempt landed
// and only its response was lost, so it counts as success.
func (r *retrying) Push(ctx context.Context, bundleDir string, m *types.BundleManifest, dest types.RepoRef, token string) error {
	attempt := 0
	return hub.WithRetry(ctx, r.policy, func(ctx context.Context) error {
		attempt++
		err := r.remote.Push(ctx, bundleDir, m, dest, token)
		if attempt > 1 && errors.Is(err, hub.ErrConflict) && r.landed(ctx, m, dest) {
			logger.FromContext(ctx).Info("earlier push attempt landed", "repo", dest.Repo(), "version", m.Version)
			return nil
		}
		return err
	})
}

func (r *retrying) landed(ctx context.Context, m *types.BundleManifest, dest types.RepoRef) bool {
	src, ok := r.remote.(manifestSource)
	if !ok {
		return false
	}
	dest.Revision = m.Version
	got, err := src.Manifest(ctx, dest)
	if err != nil {
		return false
	}
	want, err := m.ComputeHash()
	if err != nil {
		return false
	}
	have, err := got.ComputeHash()
	return err == nil && have == want && got.Signature == m.Signature
}

func (r *retrying) Pull(ctx context.Context, src types.RepoRef, dir string) (*types.BundleManifest, error) {
	var m *types.BundleManifest
	attempt := 0
	err := hub.WithRetry(ctx, r.policy, func(ctx context.Context) error {
		if attempt > 0 {
			if err := os.RemoveAll(dir); err != nil {
				return err
			}
		}
		attempt++
		var err error
		m, err = r.remote.Pull(ctx, src, dir)
		return err
	})
	return m, err
}
