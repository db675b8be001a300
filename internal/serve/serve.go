// Package serve exposes one artifact over HTTP for classification.
package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/inference"
	"github.com/silmaril/quench/internal/logger"
)

// MaxBatch is the largest number of texts accepted in one request.
const MaxBatch = 256

// ClassifyRequest carries either one text or a batch.
type ClassifyRequest struct {
	Text  string   `json:"text,omitempty"`
	Texts []string `json:"texts,omitempty"`
}

type ClassifyResponse struct {
	Model       string                 `json:"model"`
	Predictions []inference.Prediction `json:"predictions"`
	Elapsed     time.Duration          `json:"elapsed_ns"`
}

// ModelInfo describes the served artifact.
type ModelInfo struct {
	Name                    string            `json:"name"`
	Task                    string            `json:"task"`
	Architecture            string            `json:"architecture"`
	Stage                   string            `json:"stage"`
	Precision               string            `json:"precision"`
	Lineage                 []string          `json:"lineage"`
	Labels                  map[string]string `json:"id2label"`
	PreprocessorFingerprint string            `json:"preprocessor_fingerprint"`
	ModelSize               int64             `json:"model_size"`
	Caveats                 []string          `json:"caveats,omitempty"`
}

// Server runs one classifier. The runtime is not safe for concurrent use,
// so requests take turns.
type Server struct {
	mu   sync.Mutex
	clf  *inference.Classifier
	info ModelInfo
	log  logger.Logger
}

// New prepares a's runtime. A nil log discards output.
func New(a *artifact.Artifact, log logger.Logger) (*Server, error) {
	clf, err := inference.NewClassifier(a)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	meta := a.Metadata()
	return &Server{
		clf: clf,
		log: log,
		info: ModelInfo{
			Name:                    meta.SourceModel,
			Task:                    meta.Task,
			Architecture:            meta.Architecture,
			Stage:                   meta.Stage,
			Precision:               meta.Precision,
			Lineage:                 meta.Lineage,
			Labels:                  meta.ID2Label,
			PreprocessorFingerprint: meta.PreprocessorFingerprint,
			ModelSize:               a.ModelSize(),
			Caveats:                 meta.Caveats,
		},
	}, nil
}

// Register adds the routes to e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/health", s.handleHealth)
	e.GET("/v1/model", s.handleModel)
	e.POST("/v1/classify", s.handleClassify)
}

// Handler returns an echo instance serving s.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())
	s.Register(e)
	return e
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	s.Register(e)
	s.log.Info("serving model", "address", addr, "model", s.info.Name, "precision", s.info.Precision)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 10 * time.Second
			return nil
		},
	}
	return sc.Start(ctx, e)
}

// Classify runs texts through the model, one caller at a time.
func (s *Server) Classify(ctx context.Context, texts []string) ([]inference.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clf.Predict(ctx, texts)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModel(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.info)
}

func (s *Server) handleClassify(c *echo.Context) error {
	var req ClassifyRequest
	if err := json.NewDecoder(io.LimitReader(c.Request().Body, 4<<20)).Decode(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid JSON body: "+err.Error())
	}
	texts := req.Texts
	if req.Text != "" {
		texts = append([]string{req.Text}, texts...)
	}
	switch {
	case len(texts) == 0:
		return writeError(c, http.StatusBadRequest, "text or texts is required")
	case len(texts) > MaxBatch:
		return writeError(c, http.StatusBadRequest, fmt.Sprintf("at most %d texts per request", MaxBatch))
	}

	start := time.Now()
	preds, err := s.Classify(c.Request().Context(), texts)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return writeError(c, http.StatusServiceUnavailable, "request cancelled")
		}
		s.log.Error("classification failed", "error", err, "texts", len(texts))
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, ClassifyResponse{
		Model:       s.info.Name,
		Predictions: preds,
		Elapsed:     time.Since(start),
	})
}

func writeError(c *echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}
