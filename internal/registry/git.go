package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/silmaril/quench/internal/checkpoint"
)

// CloneOptions describe a checkpoint repository to fetch.
type CloneOptions struct {
	URL string
	// Branch defaults to the remote HEAD.
	Branch string
	// Depth defaults to 1.
	Depth int
	// Token authenticates against private repositories. HF_TOKEN is used for
	// huggingface.co when empty.
	Token    string
	Progress io.Writer
}

type cloneFunc func(ctx context.Context, path string, opts *git.CloneOptions) error

func plainClone(ctx context.Context, path string, opts *git.CloneOptions) error {
	_, err := git.PlainCloneContext(ctx, path, false, opts)
	return err
}

// IsGitURL reports whether s names a git repository rather than a model id.
func IsGitURL(s string) bool {
	for _, prefix := range []string{"https://", "http://", "ssh://", "git@", "file://"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return strings.HasSuffix(s, ".git")
}

// ModelIDFromURL derives an "owner/name" model id from a repository URL.
func ModelIDFromURL(repoURL string) string {
	u := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	// git@host:owner/name
	if at := strings.Index(u, "@"); at >= 0 {
		u = strings.Replace(u[at+1:], ":", "/", 1)
	}
	parts := strings.Split(u, "/")
	switch {
	case len(parts) >= 3:
		return parts[len(parts)-2] + "/" + parts[len(parts)-1]
	case len(parts) == 2 && parts[1] != "":
		return "unknown/" + parts[1]
	}
	return ""
}

// Clone fetches a checkpoint repository into the models directory and returns
// its model id. A model id that already exists is returned as is.
func (r *Registry) Clone(ctx context.Context, opts CloneOptions) (string, error) {
	modelID := ModelIDFromURL(opts.URL)
	if modelID == "" {
		return "", fmt.Errorf("invalid repository URL %q", opts.URL)
	}
	modelPath := r.paths.ModelPath(modelID)
	if checkpoint.IsCheckpoint(modelPath) {
		return modelID, nil
	}
	if _, err := os.Stat(modelPath); err == nil {
		return "", fmt.Errorf("%s exists but is not a checkpoint", modelPath)
	}
	if err := os.MkdirAll(filepath.Dir(modelPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create model directory: %w", err)
	}

	cloneOptions := &git.CloneOptions{
		URL:      opts.URL,
		Progress: opts.Progress,
		Depth:    opts.Depth,
	}
	if cloneOptions.Depth == 0 {
		cloneOptions.Depth = 1
	}
	if opts.Branch != "" {
		cloneOptions.ReferenceName = plumbing.NewBranchReferenceName(opts.Branch)
		cloneOptions.SingleBranch = true
	}
	token := opts.Token
	if token == "" && strings.Contains(opts.URL, "huggingface.co") {
		token = os.Getenv("HF_TOKEN")
	}
	if token != "" {
		cloneOptions.Auth = &githttp.BasicAuth{Username: "hf", Password: token}
	}

	if err := r.clone(ctx, modelPath, cloneOptions); err != nil {
		_ = os.RemoveAll(modelPath)
		switch {
		case errors.Is(err, transport.ErrAuthenticationRequired):
			return "", fmt.Errorf("authentication required for %s: %w", opts.URL, err)
		case errors.Is(err, transport.ErrRepositoryNotFound):
			return "", fmt.Errorf("repository %s not found: %w", opts.URL, err)
		}
		return "", fmt.Errorf("failed to clone %s: %w", opts.URL, err)
	}

	// History is not needed once the files are checked out.
	if err := os.RemoveAll(filepath.Join(modelPath, ".git")); err != nil {
		return "", fmt.Errorf("failed to remove .git directory: %w", err)
	}
	if !checkpoint.IsCheckpoint(modelPath) {
		_ = os.RemoveAll(modelPath)
		return "", fmt.Errorf("repository %s does not hold a checkpoint", opts.URL)
	}
	if err := r.Scan(); err != nil {
		return "", err
	}
	return modelID, nil
}
