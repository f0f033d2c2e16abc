// Package colmap drives the external SfM/MVS toolchain through discrete
// stages, each a subprocess invocation with a stage-local success contract.
// Stage failures are deterministic and never retried; the retry machinery
// belongs to the network masking stage only.
package colmap

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/slok/photomesh/internal/conventions"
	"github.com/slok/photomesh/internal/execwrap"
	"github.com/slok/photomesh/internal/log"
	"github.com/slok/photomesh/internal/model"
	"github.com/slok/photomesh/internal/ply"
	"github.com/slok/photomesh/internal/workspace"
)

const (
	// minFusedBytes is the minimum plausible size for a fused cloud file.
	// Size alone is not authoritative: the point-count check is.
	minFusedBytes = 1024
	// minFusedPoints is the minimum point count for a fused cloud to be
	// considered geometrically non-empty.
	minFusedPoints = 100
)

// RunnerConfig is the configuration for the reconstruction stage runner.
type RunnerConfig struct {
	// Binary is the toolchain binary.
	Binary string
	// GPU toggles GPU execution on the feature and stereo stages.
	GPU    bool
	Exec   *execwrap.Runner
	Logger log.Logger
}

func (c *RunnerConfig) defaults() error {
	if c.Exec == nil {
		return fmt.Errorf("exec runner is required")
	}
	if c.Binary == "" {
		c.Binary = "colmap"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "colmap.Runner"})
	return nil
}

// Runner invokes the SfM/MVS toolchain stage by stage.
type Runner struct {
	binary string
	gpu    bool
	exec   *execwrap.Runner
	logger log.Logger
}

// NewRunner creates a new reconstruction stage runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Runner{
		binary: cfg.Binary,
		gpu:    cfg.GPU,
		exec:   cfg.Exec,
		logger: cfg.Logger,
	}, nil
}

func gpuFlag(gpu bool) string {
	if gpu {
		return "1"
	}
	return "0"
}

// run invokes one toolchain subcommand and applies the exit-code gate.
func (r *Runner) run(ctx context.Context, stage model.StageName, args []string) model.StageResult {
	res, err := r.exec.Run(ctx, execwrap.Spec{Binary: r.binary, Args: args})
	if err != nil {
		return model.StageResult{Stage: stage, Error: err.Error()}
	}
	if res.ExitCode != 0 {
		return model.StageResult{Stage: stage, Error: fmt.Sprintf("exit code %d: %s", res.ExitCode, tail(res.Stderr, 2000))}
	}
	return model.StageResult{Stage: stage, Success: true}
}

// ExtractFeatures runs feature extraction over the saved images.
func (r *Runner) ExtractFeatures(ctx context.Context, ws *workspace.Layout) model.StageResult {
	r.logger.Infof("[1/3] Extracting features")
	return r.run(ctx, model.StageFeatureExtraction, []string{
		"feature_extractor",
		"--database_path", ws.DatabasePath(),
		"--image_path", ws.ImagesDir(),
		"--ImageReader.single_camera", "1",
		"--SiftExtraction.use_gpu", gpuFlag(r.gpu),
	})
}

// MatchFeatures runs exhaustive pairwise matching against the database.
func (r *Runner) MatchFeatures(ctx context.Context, ws *workspace.Layout) model.StageResult {
	r.logger.Infof("[2/3] Matching features")
	return r.run(ctx, model.StageFeatureMatching, []string{
		"exhaustive_matcher",
		"--database_path", ws.DatabasePath(),
		"--SiftMatching.use_gpu", gpuFlag(r.gpu),
	})
}

// Map runs the sparse reconstruction. The inlier and reprojection thresholds
// are relaxed from the tool defaults to maximize the chance of a usable model
// from as few as 3-5 images. Exit code 0 is not sufficient: the tool can exit
// cleanly while producing nothing, so the output model directory must be
// non-empty too.
func (r *Runner) Map(ctx context.Context, ws *workspace.Layout) model.StageResult {
	r.logger.Infof("[3/3] Mapping sparse reconstruction")
	res := r.run(ctx, model.StageMapping, []string{
		"mapper",
		"--database_path", ws.DatabasePath(),
		"--image_path", ws.ImagesDir(),
		"--output_path", ws.SparseDir(),
		"--Mapper.init_min_num_inliers", "30",
		"--Mapper.abs_pose_min_num_inliers", "15",
		"--Mapper.filter_max_reproj_error", "8",
		"--Mapper.tri_min_angle", "0.5",
	})
	if !res.Success {
		return res
	}

	if !dirHasEntries(r.sparseModelDir(ws)) {
		return model.StageResult{
			Stage: model.StageMapping,
			Error: "mapper exited cleanly but produced no reconstruction",
		}
	}

	return res
}

// sparseModelDir is the first reconstruction the mapper produces.
func (r *Runner) sparseModelDir(ws *workspace.Layout) string {
	return filepath.Join(ws.SparseDir(), "0")
}

// Undistort rectifies the images against the sparse model as the
// precondition for dense stereo.
func (r *Runner) Undistort(ctx context.Context, ws *workspace.Layout) model.StageResult {
	r.logger.Infof("[1/3] Undistorting images")
	return r.run(ctx, model.StageUndistortion, []string{
		"image_undistorter",
		"--image_path", ws.ImagesDir(),
		"--input_path", r.sparseModelDir(ws),
		"--output_path", ws.DenseDir(),
		"--output_type", "COLMAP",
	})
}

// DenseStereo runs patch-based multi-view stereo over the undistorted
// workspace.
func (r *Runner) DenseStereo(ctx context.Context, ws *workspace.Layout) model.StageResult {
	r.logger.Infof("[2/3] Running dense stereo")
	return r.run(ctx, model.StageDenseStereo, []string{
		"patch_match_stereo",
		"--workspace_path", ws.DenseDir(),
		"--workspace_format", "COLMAP",
		"--PatchMatchStereo.geom_consistency", "true",
		"--PatchMatchStereo.gpu_index", "0",
	})
}

// Fuse merges the depth maps into a dense point cloud. When a usable mask
// set exists the masks are copied to the location the tool expects and
// filtering is enabled so background pixels are excluded. The fused file
// must exist, exceed a minimum size AND parse to more than minFusedPoints
// points: a file can be valid by size yet geometrically empty.
func (r *Runner) Fuse(ctx context.Context, ws *workspace.Layout, useMasks bool) model.StageResult {
	r.logger.Infof("[3/3] Fusing depth maps")

	outPath := filepath.Join(ws.OutputDir(), conventions.FusedCloudFile)
	args := []string{
		"stereo_fusion",
		"--workspace_path", ws.DenseDir(),
		"--workspace_format", "COLMAP",
		"--input_type", "geometric",
		"--output_path", outPath,
	}

	if useMasks {
		maskPath, err := r.stageMasks(ws)
		if err != nil {
			return model.StageResult{Stage: model.StageFusion, Error: err.Error()}
		}
		args = append(args, "--StereoFusion.mask_path", maskPath)
	}

	res := r.run(ctx, model.StageFusion, args)
	if !res.Success {
		return res
	}
	res.UsedMasks = useMasks

	info, err := os.Stat(outPath)
	if err != nil {
		return model.StageResult{Stage: model.StageFusion, Error: fmt.Sprintf("fused cloud missing: %v", err)}
	}
	if info.Size() < minFusedBytes {
		return model.StageResult{Stage: model.StageFusion, Error: fmt.Sprintf("fused cloud too small (%d bytes)", info.Size())}
	}

	points, err := ply.Count(outPath)
	if err != nil {
		return model.StageResult{Stage: model.StageFusion, Error: fmt.Sprintf("could not parse fused cloud: %v", err)}
	}
	if points <= minFusedPoints {
		return model.StageResult{Stage: model.StageFusion, Error: fmt.Sprintf("empty point cloud: %d points", points)}
	}

	return res
}

// FusedCloud returns the fused cloud artifact description after a successful
// Fuse.
func (r *Runner) FusedCloud(ws *workspace.Layout) (*model.PointCloud, error) {
	path := filepath.Join(ws.OutputDir(), conventions.FusedCloudFile)
	points, err := ply.Count(path)
	if err != nil {
		return nil, fmt.Errorf("could not read fused cloud: %w", err)
	}
	return &model.PointCloud{Path: path, Origin: model.CloudDense, Points: points}, nil
}

// ExportSparse converts the mapper's model into a point-cloud file. This is
// the CPU-only capability substitution for the dense branch, not a failure
// fallback.
func (r *Runner) ExportSparse(ctx context.Context, ws *workspace.Layout) (model.StageResult, *model.PointCloud) {
	r.logger.Infof("Exporting sparse point cloud")

	outPath := filepath.Join(ws.OutputDir(), conventions.SparseCloudFile)
	res := r.run(ctx, model.StageSparseExport, []string{
		"model_converter",
		"--input_path", r.sparseModelDir(ws),
		"--output_path", outPath,
		"--output_type", "PLY",
	})
	if !res.Success {
		return res, nil
	}

	points, err := ply.Count(outPath)
	if err != nil {
		return model.StageResult{Stage: model.StageSparseExport, Error: fmt.Sprintf("could not parse sparse cloud: %v", err)}, nil
	}
	if points == 0 {
		return model.StageResult{Stage: model.StageSparseExport, Error: "empty point cloud: 0 points"}, nil
	}

	return res, &model.PointCloud{Path: outPath, Origin: model.CloudSparse, Points: points}
}

// stageMasks copies the binary masks to <dense>/masks named after the
// undistorted image files, which is where the fusion tool looks them up.
func (r *Runner) stageMasks(ws *workspace.Layout) (string, error) {
	maskDir := filepath.Join(ws.DenseDir(), conventions.MasksDir)
	if err := os.MkdirAll(maskDir, 0755); err != nil {
		return "", fmt.Errorf("could not create stereo mask dir: %w", err)
	}

	images, err := os.ReadDir(ws.ImagesDir())
	if err != nil {
		return "", fmt.Errorf("could not list images: %w", err)
	}

	staged := 0
	for _, img := range images {
		if img.IsDir() {
			continue
		}
		stem := img.Name()[:len(img.Name())-len(filepath.Ext(img.Name()))]
		src := filepath.Join(ws.MasksDir(), stem+".png")
		if _, err := os.Stat(src); err != nil {
			continue // Partial mask sets are tolerated.
		}

		// The tool resolves masks as <image filename>.png.
		dst := filepath.Join(maskDir, img.Name()+".png")
		if err := copyFile(src, dst); err != nil {
			return "", fmt.Errorf("could not stage mask for %s: %w", img.Name(), err)
		}
		staged++
	}

	if staged == 0 {
		return "", fmt.Errorf("no masks available to stage")
	}

	r.logger.Debugf("Staged %d mask(s) into %s", staged, maskDir)
	return maskDir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func dirHasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
