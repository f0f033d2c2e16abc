// Package pipeline coordinates the full image-to-mesh reconstruction flow:
// saving the input images, optional background masking, geometry recovery
// through the selected engine, and mesh generation. The coordinator owns
// sequencing and failure policy; the stage semantics live in their packages.
package pipeline

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/photomesh/internal/conventions"
	"github.com/slok/photomesh/internal/log"
	"github.com/slok/photomesh/internal/model"
	"github.com/slok/photomesh/internal/storage"
	"github.com/slok/photomesh/internal/workspace"
)

// StageRunner drives the SfM/MVS toolchain stage by stage.
type StageRunner interface {
	ExtractFeatures(ctx context.Context, ws *workspace.Layout) model.StageResult
	MatchFeatures(ctx context.Context, ws *workspace.Layout) model.StageResult
	Map(ctx context.Context, ws *workspace.Layout) model.StageResult
	Undistort(ctx context.Context, ws *workspace.Layout) model.StageResult
	DenseStereo(ctx context.Context, ws *workspace.Layout) model.StageResult
	Fuse(ctx context.Context, ws *workspace.Layout, useMasks bool) model.StageResult
	FusedCloud(ws *workspace.Layout) (*model.PointCloud, error)
	ExportSparse(ctx context.Context, ws *workspace.Layout) (model.StageResult, *model.PointCloud)
}

// Masker removes image backgrounds for a directory of images.
type Masker interface {
	ProcessDirectory(ctx context.Context, inputDir, outputDir, pattern string) model.MaskBatch
}

// MaskerFactory builds a masker bound to a request-scoped API key. Masking
// credentials arrive per request, so the client cannot be a singleton.
type MaskerFactory func(apiKey string, channels model.MaskChannels) (Masker, error)

// MeshBuilder produces the final mesh from either a point cloud or the input
// images, depending on the implementation.
type MeshBuilder interface {
	FromPointCloud(ctx context.Context, cloud model.PointCloud, outDir string) model.MeshResult
	FromImages(ctx context.Context, imagePaths []string, outDir string) model.MeshResult
}

// ServiceConfig is the configuration for the pipeline coordinator.
type ServiceConfig struct {
	Settings model.PipelineSettings
	// Stages runs the photogrammetry toolchain.
	Stages StageRunner
	// NewMasker builds the background removal client per request.
	NewMasker MaskerFactory
	// Mesher builds meshes from point clouds (photogrammetry engine).
	Mesher MeshBuilder
	// NeuralMesher builds meshes straight from images (neural engine).
	NeuralMesher MeshBuilder
	// Repository persists run summaries. Optional; persistence failures are
	// logged, never surfaced.
	Repository storage.Repository
	// Converter re-encodes unreadable image payloads. Optional.
	Converter workspace.Converter
	// IDGenerator mints run IDs.
	IDGenerator func() string
	Logger      log.Logger
}

func (c *ServiceConfig) defaults() error {
	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if c.Settings.Engine == model.EnginePhotogrammetry && c.Stages == nil {
		return fmt.Errorf("stage runner is required for the photogrammetry engine")
	}
	if c.Settings.Engine == model.EnginePhotogrammetry && c.Mesher == nil {
		return fmt.Errorf("mesher is required for the photogrammetry engine")
	}
	if c.Settings.Engine == model.EngineNeural && c.NeuralMesher == nil {
		return fmt.Errorf("neural mesher is required for the neural engine")
	}
	if c.IDGenerator == nil {
		c.IDGenerator = func() string {
			return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
		}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "pipeline.Service"})
	return nil
}

// Service is the pipeline coordinator.
type Service struct {
	settings     model.PipelineSettings
	stages       StageRunner
	newMasker    MaskerFactory
	mesher       MeshBuilder
	neuralMesher MeshBuilder
	repository   storage.Repository
	converter    workspace.Converter
	idGenerator  func() string
	logger       log.Logger
}

// NewService creates a new pipeline coordinator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		settings:     cfg.Settings,
		stages:       cfg.Stages,
		newMasker:    cfg.NewMasker,
		mesher:       cfg.Mesher,
		neuralMesher: cfg.NeuralMesher,
		repository:   cfg.Repository,
		converter:    cfg.Converter,
		idGenerator:  cfg.IDGenerator,
		logger:       cfg.Logger,
	}, nil
}

// RunRequest is one reconstruction request.
type RunRequest struct {
	// Images are the raw image payloads, in upload order.
	Images [][]byte
	// Masks are optional pre-computed binary masks, index-aligned with
	// Images. When present the masking API is never called.
	Masks [][]byte
	// APIKey overrides the configured background removal credential for this
	// request only.
	APIKey string
}

// Run executes the full pipeline for one request. All failure modes end in a
// report, never an error: callers always get the stage trail of what
// happened.
func (s *Service) Run(ctx context.Context, req RunRequest) *model.Report {
	start := time.Now()
	id := s.idGenerator()
	logger := s.logger.WithValues(log.Kv{"run": id})

	report := &model.Report{
		ID:         id,
		Engine:     s.settings.Engine,
		MaskSource: model.MaskSourceNone,
		CreatedAt:  start.UTC(),
	}
	defer func() {
		report.DurationMS = time.Since(start).Milliseconds()
		s.persist(ctx, logger, report)
	}()

	logger.Infof("Starting %s reconstruction: %d image(s)", s.settings.Engine, len(req.Images))

	ws, err := workspace.NewLayout(workspace.LayoutConfig{
		Root:      conventions.WorkspaceDir(s.settings.WorkDir, id),
		Converter: s.converter,
		Logger:    logger,
	})
	if err != nil {
		s.fail(report, model.StageSaveImages, err.Error())
		return report
	}
	report.WorkDir = ws.Root()

	saved, err := ws.SaveImages(ctx, req.Images)
	if err != nil {
		s.fail(report, model.StageSaveImages, err.Error())
		return report
	}
	if len(saved) == 0 {
		s.fail(report, model.StageSaveImages, "no images to reconstruct")
		return report
	}
	report.ImagesSaved = len(saved)
	report.Stages = append(report.Stages, model.StageResult{Stage: model.StageSaveImages, Success: true})

	s.mask(ctx, logger, ws, req, saved, report)

	switch s.settings.Engine {
	case model.EngineNeural:
		s.runNeural(ctx, logger, ws, saved, report)
	default:
		s.runPhotogrammetry(ctx, logger, ws, report)
	}

	if report.Success {
		logger.Infof("Reconstruction finished in %s: %s", time.Since(start).Round(time.Millisecond), report.Mesh.MeshPath)
	} else {
		logger.Errorf("Reconstruction failed at %s: %s", report.Stage, report.Error)
	}

	return report
}

// mask resolves the mask set for the run. Pre-supplied masks take priority
// over the API, which takes priority over none. A masking failure degrades
// the run, it never aborts it.
func (s *Service) mask(ctx context.Context, logger log.Logger, ws *workspace.Layout, req RunRequest, saved []string, report *model.Report) {
	if len(req.Masks) > 0 {
		n, err := s.writeProvidedMasks(ws, saved, req.Masks)
		if err != nil {
			logger.Warningf("Could not persist provided masks, continuing unmasked: %v", err)
			report.Stages = append(report.Stages, model.StageResult{Stage: model.StageMasking, Error: err.Error()})
			return
		}
		report.MaskSource = model.MaskSourceProvided
		report.BinaryMasks = n
		report.Stages = append(report.Stages, model.StageResult{Stage: model.StageMasking, Success: true, UsedMasks: true})
		logger.Infof("Using %d provided mask(s)", n)

		if s.settings.Engine == model.EngineNeural {
			if cut := s.applyProvidedCutouts(ws, saved); cut > 0 {
				logger.Infof("Composited %d cutout(s) from provided mask(s)", cut)
			}
		}
		return
	}

	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = s.settings.PhotoroomAPIKey
	}
	if apiKey == "" || s.newMasker == nil {
		logger.Debugf("No masking credential, continuing unmasked")
		return
	}

	// The photogrammetry engine wants binary masks for stereo fusion; the
	// neural engine wants background-free cutouts as its input.
	channels := model.MaskChannelsAlpha
	outDir := ws.MasksDir()
	if s.settings.Engine == model.EngineNeural {
		channels = model.MaskChannelsRGBA
		outDir = ws.MaskedDir()
	}

	m, err := s.newMasker(apiKey, channels)
	if err != nil {
		logger.Warningf("Could not create masking client, continuing unmasked: %v", err)
		report.Stages = append(report.Stages, model.StageResult{Stage: model.StageMasking, Error: err.Error()})
		return
	}

	batch := m.ProcessDirectory(ctx, ws.ImagesDir(), outDir, "*")
	report.Masking = &batch
	if !batch.Success {
		logger.Warningf("Background removal failed, continuing unmasked: %s", batch.Error)
		report.Stages = append(report.Stages, model.StageResult{Stage: model.StageMasking, Error: batch.Error})
		return
	}

	report.MaskSource = model.MaskSourceAPI
	if channels == model.MaskChannelsAlpha {
		report.BinaryMasks = batch.Processed
	}
	report.Stages = append(report.Stages, model.StageResult{Stage: model.StageMasking, Success: true, UsedMasks: true})
}

// writeProvidedMasks persists the index-aligned mask payloads under the stems
// of the saved images, which is how downstream stages correlate them.
func (s *Service) writeProvidedMasks(ws *workspace.Layout, saved []string, masks [][]byte) (int, error) {
	written := 0
	for i, data := range masks {
		if i >= len(saved) || len(data) == 0 {
			break
		}
		stem := stemOf(saved[i])
		path := filepath.Join(ws.MasksDir(), stem+".png")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return 0, fmt.Errorf("could not write mask %d: %w", i, err)
		}
		written++
	}
	if written == 0 {
		return 0, fmt.Errorf("no usable masks in request")
	}
	return written, nil
}

// runPhotogrammetry recovers geometry through the SfM/MVS toolchain and
// meshes the resulting point cloud. The dense branch needs a GPU; without one
// the sparse model is exported instead. The branch is a capability choice
// made up front, never a runtime fallback.
func (s *Service) runPhotogrammetry(ctx context.Context, logger log.Logger, ws *workspace.Layout, report *model.Report) {
	report.Branch = model.BranchSparse
	if s.settings.GPU {
		report.Branch = model.BranchDense
	}

	for _, stage := range []func(context.Context, *workspace.Layout) model.StageResult{
		s.stages.ExtractFeatures,
		s.stages.MatchFeatures,
		s.stages.Map,
	} {
		if !s.record(report, stage(ctx, ws)) {
			return
		}
	}

	var cloud *model.PointCloud
	if s.settings.GPU {
		for _, stage := range []func(context.Context, *workspace.Layout) model.StageResult{
			s.stages.Undistort,
			s.stages.DenseStereo,
		} {
			if !s.record(report, stage(ctx, ws)) {
				return
			}
		}

		if !s.record(report, s.stages.Fuse(ctx, ws, report.BinaryMasks > 0)) {
			return
		}

		c, err := s.stages.FusedCloud(ws)
		if err != nil {
			s.fail(report, model.StageFusion, err.Error())
			return
		}
		cloud = c
	} else {
		res, c := s.stages.ExportSparse(ctx, ws)
		if !s.record(report, res) {
			return
		}
		cloud = c
	}
	report.PointCloud = cloud

	logger.Infof("Recovered %s cloud: %d points", cloud.Origin, cloud.Points)

	mesh := s.mesher.FromPointCloud(ctx, *cloud, ws.OutputDir())
	s.finishMesh(report, mesh)
}

// runNeural feeds the saved images (or their background-free cutouts when
// masking succeeded) to the single-image model.
func (s *Service) runNeural(ctx context.Context, logger log.Logger, ws *workspace.Layout, saved []string, report *model.Report) {
	images := saved
	if report.MaskSource != model.MaskSourceNone && s.settings.Engine == model.EngineNeural {
		if cutouts := listFiles(ws.MaskedDir()); len(cutouts) > 0 {
			images = cutouts
			logger.Debugf("Feeding %d background-free cutout(s) to the model", len(cutouts))
		}
	}

	mesh := s.neuralMesher.FromImages(ctx, images, ws.OutputDir())
	s.finishMesh(report, mesh)
}

// record appends a stage result and marks the report failed on the first
// unsuccessful stage.
func (s *Service) record(report *model.Report, res model.StageResult) bool {
	report.Stages = append(report.Stages, res)
	if !res.Success {
		s.fail(report, res.Stage, res.Error)
		return false
	}
	return true
}

func (s *Service) finishMesh(report *model.Report, mesh model.MeshResult) {
	report.Mesh = &mesh
	report.Stages = append(report.Stages, model.StageResult{
		Stage:   model.StageMeshGeneration,
		Success: mesh.Success,
		Error:   mesh.Error,
	})
	if !mesh.Success {
		s.fail(report, model.StageMeshGeneration, mesh.Error)
		return
	}
	report.Success = true
	report.Stage = ""
	report.Error = ""
}

func (s *Service) fail(report *model.Report, stage model.StageName, msg string) {
	report.Success = false
	report.Stage = stage
	report.Error = msg
}

// persist stores the run summary. Persistence is observability, not pipeline
// state, so failures only warn.
func (s *Service) persist(ctx context.Context, logger log.Logger, report *model.Report) {
	if s.repository == nil {
		return
	}
	if err := s.repository.CreateRun(ctx, model.RunFromReport(*report)); err != nil {
		logger.Warningf("Could not persist run %s: %v", report.ID, err)
	}
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

func listFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files
}
