// Package server exposes the reconstruction pipeline over HTTP.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/slok/photomesh/internal/log"
	"github.com/slok/photomesh/internal/model"
	"github.com/slok/photomesh/internal/pipeline"
	"github.com/slok/photomesh/internal/storage"
)

// apiKeyEnvVar is the edge fallback credential for background removal when a
// request carries none. It is resolved here at the transport boundary; the
// pipeline itself only sees explicit configuration.
const apiKeyEnvVar = "PHOTOROOM_API_KEY"

// maxUploadBytes bounds the whole multipart request body.
const maxUploadBytes = 256 << 20

// Config is the configuration for the HTTP server.
type Config struct {
	// Addr is the listen address.
	Addr     string
	Pipeline *pipeline.Service
	// Repository serves the run history endpoints. Optional.
	Repository storage.Repository
	Logger     log.Logger
}

func (c *Config) defaults() error {
	if c.Pipeline == nil {
		return fmt.Errorf("pipeline service is required")
	}
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "server.Server"})
	return nil
}

// Server is the HTTP API server.
type Server struct {
	addr       string
	pipeline   *pipeline.Service
	repository storage.Repository
	logger     log.Logger
	engine     *gin.Engine
}

// New creates a new HTTP server.
func New(cfg Config) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		addr:       cfg.Addr,
		pipeline:   cfg.Pipeline,
		repository: cfg.Repository,
		logger:     cfg.Logger,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())
	engine.MaxMultipartMemory = 32 << 20

	engine.GET("/healthz", s.health)

	v1 := engine.Group("/api/v1")
	v1.POST("/reconstructions", s.createReconstruction)
	v1.GET("/reconstructions", s.listRuns)
	v1.GET("/reconstructions/:id", s.getRun)
	v1.GET("/reconstructions/:id/mesh", s.downloadMesh)

	s.engine = engine
	return s, nil
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("HTTP server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("could not shut down server: %w", err)
	}

	s.logger.Infof("HTTP server stopped")
	return nil
}

// Handler returns the HTTP handler, used directly in tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Infof("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// reconstructionResponse is the report plus the optional inline artifacts.
type reconstructionResponse struct {
	model.Report
	Files map[string]string `json:"files,omitempty"`
}

func (s *Server) createReconstruction(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid multipart form: %v", err)})
		return
	}

	images, err := readFileParts(form.File["images"])
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(images) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one image is required"})
		return
	}

	masks, err := readFileParts(form.File["masks"])
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	apiKey := c.PostForm("photoroom_api_key")
	if apiKey == "" {
		apiKey = os.Getenv(apiKeyEnvVar)
	}

	// A run must finish (and be persisted) even when the client goes away;
	// the request context is canceled on disconnect, so the pipeline gets a
	// detached one.
	runCtx := context.WithoutCancel(c.Request.Context())
	report := s.pipeline.Run(runCtx, pipeline.RunRequest{
		Images: images,
		Masks:  masks,
		APIKey: apiKey,
	})

	resp := reconstructionResponse{Report: *report}
	if c.PostForm("include_files") == "true" && report.Mesh != nil {
		resp.Files = inlineFiles(report.Mesh, s.logger)
	}

	status := http.StatusOK
	if !report.Success {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, resp)
}

func (s *Server) listRuns(c *gin.Context) {
	if s.repository == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "run history is not enabled"})
		return
	}

	runs, err := s.repository.ListRuns(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"runs": runsToJSON(runs)})
}

func (s *Server) getRun(c *gin.Context) {
	if s.repository == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "run history is not enabled"})
		return
	}

	run, err := s.repository.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, runToJSON(*run))
}

func (s *Server) downloadMesh(c *gin.Context) {
	if s.repository == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "run history is not enabled"})
		return
	}

	run, err := s.repository.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if run.MeshPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "run produced no mesh"})
		return
	}
	if _, err := os.Stat(run.MeshPath); err != nil {
		c.JSON(http.StatusGone, gin.H{"error": "mesh artifact no longer on disk"})
		return
	}

	c.FileAttachment(run.MeshPath, fmt.Sprintf("%s%s", run.ID, filepath.Ext(run.MeshPath)))
}

func readFileParts(parts []*multipart.FileHeader) ([][]byte, error) {
	payloads := make([][]byte, 0, len(parts))
	for _, p := range parts {
		f, err := p.Open()
		if err != nil {
			return nil, fmt.Errorf("could not open upload %s: %w", p.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("could not read upload %s: %w", p.Filename, err)
		}
		payloads = append(payloads, data)
	}
	return payloads, nil
}

// inlineFiles base64-encodes the produced artifacts, keyed by file name.
// Unreadable files are skipped with a warning instead of failing the whole
// response.
func inlineFiles(mesh *model.MeshResult, logger log.Logger) map[string]string {
	paths := mesh.Files
	if len(paths) == 0 && mesh.MeshPath != "" {
		paths = []string{mesh.MeshPath}
	}

	files := make(map[string]string, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			logger.Warningf("Could not inline artifact %s: %v", p, err)
			continue
		}
		files[filepath.Base(p)] = base64.StdEncoding.EncodeToString(data)
	}
	return files
}

// runJSON is the wire shape of a persisted run.
type runJSON struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	Stage          string    `json:"stage,omitempty"`
	Error          string    `json:"error,omitempty"`
	Engine         string    `json:"engine"`
	Branch         string    `json:"branch,omitempty"`
	ImagesSaved    int       `json:"images_saved"`
	BinaryMasks    int       `json:"binary_masks"`
	PointCloudPath string    `json:"point_cloud_path,omitempty"`
	MeshPath       string    `json:"mesh_path,omitempty"`
	WorkDir        string    `json:"work_dir"`
	CreatedAt      time.Time `json:"created_at"`
	DurationMS     int64     `json:"duration_ms"`
}

func runToJSON(r model.Run) runJSON {
	return runJSON{
		ID:             r.ID,
		Status:         string(r.Status),
		Stage:          string(r.Stage),
		Error:          r.Error,
		Engine:         string(r.Engine),
		Branch:         string(r.Branch),
		ImagesSaved:    r.ImagesSaved,
		BinaryMasks:    r.BinaryMasks,
		PointCloudPath: r.PointCloudPath,
		MeshPath:       r.MeshPath,
		WorkDir:        r.WorkDir,
		CreatedAt:      r.CreatedAt,
		DurationMS:     r.DurationMS,
	}
}

func runsToJSON(runs []model.Run) []runJSON {
	out := make([]runJSON, 0, len(runs))
	for _, r := range runs {
		out = append(out, runToJSON(r))
	}
	return out
}
