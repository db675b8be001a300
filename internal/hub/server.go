package hub

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/silmaril/quench/internal/bundle"
	"github.com/silmaril/quench/internal/logger"
	"github.com/silmaril/quench/pkg/types"
)

// ChecksumHeader carries the hex sha256 of an uploaded file.
const ChecksumHeader = "X-Content-Sha256"

// DefaultUploadTTL is how long an upload may sit idle before it is discarded.
const DefaultUploadTTL = time.Hour

type upload struct {
	id       string
	ref      types.RepoRef
	manifest *types.BundleManifest
	dir      string
	received map[string]bool
	created  time.Time
	touched  time.Time
}

// Server serves a Dir over HTTP. Reads are public; writes need the bearer
// token, and a server without a token is read-only.
type Server struct {
	store *Dir
	token string
	log   logger.Logger

	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	uploads map[string]*upload
}

// NewServer returns a server for store.
func NewServer(store *Dir, token string, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		store:   store,
		token:   token,
		log:     log,
		ttl:     DefaultUploadTTL,
		now:     time.Now,
		uploads: make(map[string]*upload),
	}
}

// SetUploadTTL sets how long an upload may sit idle. Non-positive values
// keep the current TTL.
func (s *Server) SetUploadTTL(ttl time.Duration) {
	if ttl > 0 {
		s.ttl = ttl
	}
}

// SweepUploads discards uploads idle for longer than the TTL together with
// their staging directories, and returns how many it discarded.
func (s *Server) SweepUploads() int {
	cutoff := s.now().Add(-s.ttl)
	var expired []*upload
	s.mu.Lock()
	for id, up := range s.uploads {
		if up.touched.Before(cutoff) {
			expired = append(expired, up)
			delete(s.uploads, id)
		}
	}
	s.mu.Unlock()

	for _, up := range expired {
		if err := os.RemoveAll(up.dir); err != nil {
			s.log.Warn("failed to remove staging directory", "upload", up.id, "error", err)
		}
		s.log.Info("upload expired", "upload", up.id, "repo", up.ref.Repo(), "age", s.now().Sub(up.created))
	}
	return len(expired)
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(max(s.ttl/4, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepUploads()
		}
	}
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", s.health)
		v1.GET("/repos", s.listRepos)

		repo := v1.Group("/repos/:owner/:name")
		{
			repo.GET("/refs", s.getRefs)
			repo.GET("/manifest", s.getManifest)
			repo.GET("/files/*path", s.getFile)
			repo.POST("/uploads", s.auth(), s.createUpload)
		}

		uploads := v1.Group("/uploads/:id", s.auth())
		{
			uploads.PUT("/files/*path", s.putFile)
			uploads.POST("/commit", s.commitUpload)
			uploads.DELETE("", s.abortUpload)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "endpoint not found",
			"path":  c.Request.URL.Path,
		})
	})
	return router
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.sweepLoop(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("hub listening", "addr", addr, "root", s.store.Root())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if s.token == "" || !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) listRepos(c *gin.Context) {
	repos, err := s.store.Repositories()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"repos": repos, "count": len(repos)})
}

// repoRef reads owner, name and the revision query parameter.
func repoRef(c *gin.Context) (types.RepoRef, bool) {
	ref, err := types.ParseRepoRef(c.Param("owner") + "/" + c.Param("name"))
	if err == nil {
		ref.Revision = c.Query("revision")
	}
	if err != nil || strings.ContainsAny(ref.Revision, `/\`) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid repository reference"})
		return types.RepoRef{}, false
	}
	return ref, true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrVerification):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) getRefs(c *gin.Context) {
	ref, ok := repoRef(c)
	if !ok {
		return
	}
	refs, err := s.store.Refs(ref)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, refs)
}

func (s *Server) getManifest(c *gin.Context) {
	ref, ok := repoRef(c)
	if !ok {
		return
	}
	m, err := s.store.Manifest(ref)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) getFile(c *gin.Context) {
	ref, ok := repoRef(c)
	if !ok {
		return
	}
	path := strings.TrimPrefix(c.Param("path"), "/")
	local, err := s.store.FilePath(ref, path)
	if err != nil {
		status := statusOf(err)
		if !bundle.ValidPath(path) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.File(local)
}

type createUploadRequest struct {
	// Revision is an extra ref to point at the new version.
	Revision string                `json:"revision"`
	Manifest *types.BundleManifest `json:"manifest"`
}

func (s *Server) createUpload(c *gin.Context) {
	ref, ok := repoRef(c)
	if !ok {
		return
	}
	var req createUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Manifest == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid upload request"})
		return
	}
	m := req.Manifest
	if !bundle.ValidPath(m.Version) || len(m.Files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "manifest needs a version and files"})
		return
	}
	for _, f := range m.Files {
		if !bundle.ValidPath(f.Path) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid file path %q", f.Path)})
			return
		}
	}
	if refs, err := s.store.Refs(ref); err == nil {
		for _, v := range refs.Revisions {
			if v == m.Version {
				c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("%s@%s already exists", ref.Repo(), v)})
				return
			}
		}
	}
	if req.Revision != "" && !bundle.ValidPath(req.Revision) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid revision"})
		return
	}
	ref.Revision = req.Revision

	dir, err := s.store.NewStaging(ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	up := &upload{
		id:       uuid.NewString(),
		ref:      ref,
		manifest: m,
		dir:      dir,
		received: make(map[string]bool),
		created:  s.now(),
	}
	up.touched = up.created
	s.mu.Lock()
	s.uploads[up.id] = up
	s.mu.Unlock()

	s.log.Info("upload started", "upload", up.id, "repo", ref.Repo(), "version", m.Version, "files", len(m.Files))
	c.JSON(http.StatusCreated, gin.H{"upload_id": up.id})
}

func (s *Server) lookupUpload(c *gin.Context) (*upload, bool) {
	s.mu.Lock()
	up, ok := s.uploads[c.Param("id")]
	if ok {
		up.touched = s.now()
	}
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
	}
	return up, ok
}

// take removes the upload from the session table.
func (s *Server) take(id string) (*upload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[id]
	delete(s.uploads, id)
	return up, ok
}

func (s *Server) putFile(c *gin.Context) {
	up, ok := s.lookupUpload(c)
	if !ok {
		return
	}
	path := strings.TrimPrefix(c.Param("path"), "/")
	entry, listed := up.manifest.File(path)
	if !listed {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("file %q is not in the manifest", path)})
		return
	}
	want := strings.ToLower(c.GetHeader(ChecksumHeader))
	if want != entry.SHA256 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "checksum header does not match the manifest"})
		return
	}

	target := filepath.Join(up.dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	got, n, err := writeHashed(target, io.LimitReader(c.Request.Body, entry.Size+1))
	if err != nil {
		_ = os.Remove(target)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if n != entry.Size || got != want {
		_ = os.Remove(target)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fmt.Sprintf("file %s arrived corrupted", path)})
		return
	}

	s.mu.Lock()
	_, live := s.uploads[up.id]
	if live {
		up.received[path] = true
		up.touched = s.now()
	}
	s.mu.Unlock()
	if !live {
		// Swept or aborted while the file was in flight.
		_ = os.RemoveAll(up.dir)
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "size": n})
}

func writeHashed(path string, r io.Reader) (string, int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func (s *Server) commitUpload(c *gin.Context) {
	up, ok := s.take(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	s.mu.Lock()
	missing := len(up.manifest.Files) - len(up.received)
	s.mu.Unlock()
	if missing > 0 {
		_ = os.RemoveAll(up.dir)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fmt.Sprintf("%d files were never uploaded", missing)})
		return
	}
	if err := s.store.Commit(up.ref, up.manifest, up.dir); err != nil {
		s.log.Warn("upload rejected", "upload", up.id, "error", err)
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	s.log.Info("revision published", "repo", up.ref.Repo(), "version", up.manifest.Version, "duration", s.now().Sub(up.created))
	c.JSON(http.StatusOK, gin.H{"repo": up.ref.Repo(), "version": up.manifest.Version})
}

func (s *Server) abortUpload(c *gin.Context) {
	up, ok := s.take(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	if err := os.RemoveAll(up.dir); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("upload aborted", "upload", up.id)
	c.JSON(http.StatusOK, gin.H{"message": "upload aborted"})
}
