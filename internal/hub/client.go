package hub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/silmaril/quench/internal/bundle"
	"github.com/silmaril/quench/pkg/types"
)

// StatusError is a non-2xx hub response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hub returned status %d", e.Code)
	}
	return fmt.Sprintf("hub returned status %d: %s", e.Code, e.Message)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusUnprocessableEntity:
		return ErrVerification
	}
	return nil
}

// Client talks to a hub Server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	progress   io.Writer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithUploadRate caps upload bandwidth in bytes per second; <=0 is unlimited.
func WithUploadRate(bytesPerSecond int64) ClientOption {
	return func(c *Client) { c.limiter = NewRateLimiter(bytesPerSecond) }
}

// WithProgress receives a copy of every uploaded and downloaded byte.
func WithProgress(w io.Writer) ClientOption {
	return func(c *Client) { c.progress = w }
}

// NewClient returns a client for the hub at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewRateLimiter creates a limiter where each token is one byte. It returns
// nil for an unlimited rate.
func NewRateLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
}

type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if burst := l.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (c *Client) repoURL(ref types.RepoRef, suffix string) string {
	u := fmt.Sprintf("%s/api/v1/repos/%s/%s/%s", c.baseURL, url.PathEscape(ref.Owner), url.PathEscape(ref.Name), suffix)
	if ref.Revision != "" {
		u += "?revision=" + url.QueryEscape(ref.Revision)
	}
	return u
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, method, u, token string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return nil, &StatusError{Code: resp.StatusCode, Message: payload.Error}
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, u, "", nil, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) sendJSON(ctx context.Context, method, u, token string, in, out any) error {
	var body io.Reader
	header := http.Header{}
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		header.Set("Content-Type", "application/json")
	}
	resp, err := c.do(ctx, method, u, token, body, header)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health checks that the hub answers.
func (c *Client) Health(ctx context.Context) error {
	var status struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/api/v1/health", &status); err != nil {
		return err
	}
	if status.Status != "healthy" {
		return fmt.Errorf("hub unhealthy: %s", status.Status)
	}
	return nil
}

// Repositories lists the repositories on the hub.
func (c *Client) Repositories(ctx context.Context) ([]string, error) {
	var result struct {
		Repos []string `json:"repos"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/api/v1/repos", &result); err != nil {
		return nil, err
	}
	return result.Repos, nil
}

// Refs returns the refs of a repository.
func (c *Client) Refs(ctx context.Context, ref types.RepoRef) (Refs, error) {
	ref.Revision = ""
	var refs Refs
	err := c.getJSON(ctx, c.repoURL(ref, "refs"), &refs)
	return refs, err
}

// Manifest returns the manifest of the revision ref points at.
func (c *Client) Manifest(ctx context.Context, ref types.RepoRef) (*types.BundleManifest, error) {
	var m types.BundleManifest
	if err := c.getJSON(ctx, c.repoURL(ref, "manifest"), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Push uploads bundleDir as a new revision. On any failure the upload session
// is aborted so the hub is left unchanged.
func (c *Client) Push(ctx context.Context, bundleDir string, m *types.BundleManifest, dest types.RepoRef, token string) (err error) {
	var created struct {
		UploadID string `json:"upload_id"`
	}
	req := map[string]any{"revision": dest.Revision, "manifest": m}
	dest.Revision = ""
	if err := c.sendJSON(ctx, http.MethodPost, c.repoURL(dest, "uploads"), token, req, &created); err != nil {
		return fmt.Errorf("failed to start upload: %w", err)
	}
	uploadURL := c.baseURL + "/api/v1/uploads/" + url.PathEscape(created.UploadID)

	defer func() {
		if err == nil {
			return
		}
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = c.sendJSON(abortCtx, http.MethodDelete, uploadURL, token, nil, nil)
	}()

	for _, f := range m.Files {
		if err := c.putFile(ctx, uploadURL, token, bundleDir, f); err != nil {
			return fmt.Errorf("failed to upload %s: %w", f.Path, err)
		}
	}
	if err := c.sendJSON(ctx, http.MethodPost, uploadURL+"/commit", token, nil, nil); err != nil {
		return fmt.Errorf("failed to commit upload: %w", err)
	}
	return nil
}

func (c *Client) putFile(ctx context.Context, uploadURL, token, bundleDir string, f types.BundleFile) error {
	file, err := os.Open(filepath.Join(bundleDir, filepath.FromSlash(f.Path)))
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	var body io.Reader = file
	if c.limiter != nil {
		body = &limitedReader{ctx: ctx, r: body, limiter: c.limiter}
	}
	if c.progress != nil {
		body = io.TeeReader(body, c.progress)
	}

	header := http.Header{}
	header.Set(ChecksumHeader, f.SHA256)
	header.Set("Content-Type", "application/octet-stream")

	resp, err := c.do(ctx, http.MethodPut, uploadURL+"/files/"+escapePath(f.Path), token, body, header)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Pull downloads the revision src points at into dir, manifest included.
// Files are not verified here; callers check them against the manifest.
func (c *Client) Pull(ctx context.Context, src types.RepoRef, dir string) (*types.BundleManifest, error) {
	m, err := c.Manifest(ctx, src)
	if err != nil {
		return nil, err
	}
	pinned := src
	pinned.Revision = m.Version

	for _, f := range m.Files {
		if !bundle.ValidPath(f.Path) {
			return nil, fmt.Errorf("invalid file path %q in manifest", f.Path)
		}
		if err := c.download(ctx, c.repoURL(pinned, "files/"+escapePath(f.Path)), filepath.Join(dir, filepath.FromSlash(f.Path))); err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", f.Path, err)
		}
	}
	if err := bundle.WriteManifest(dir, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) download(ctx context.Context, u, target string) error {
	resp, err := c.do(ctx, http.MethodGet, u, "", nil, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	var body io.Reader = resp.Body
	if c.progress != nil {
		body = io.TeeReader(body, c.progress)
	}
	if _, err := io.Copy(out, body); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
