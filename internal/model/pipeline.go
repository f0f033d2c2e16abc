package model

import (
	"time"
)

// StageName identifies a discrete pipeline stage.
type StageName string

const (
	StageSaveImages        StageName = "save_images"
	StageMasking           StageName = "masking"
	StageFeatureExtraction StageName = "feature_extraction"
	StageFeatureMatching   StageName = "feature_matching"
	StageMapping           StageName = "mapping"
	StageUndistortion      StageName = "undistortion"
	StageDenseStereo       StageName = "dense_stereo"
	StageFusion            StageName = "fusion"
	StageSparseExport      StageName = "sparse_export"
	StageMeshGeneration    StageName = "mesh_generation"
)

// Branch selects the reconstruction path. The choice is a static capability
// flag (CPU-only vs GPU-enabled), never derived at runtime.
type Branch string

const (
	BranchSparse Branch = "sparse"
	BranchDense  Branch = "dense"
)

// Engine selects how geometry is recovered from the saved images.
type Engine string

const (
	// EnginePhotogrammetry runs the SfM/MVS toolchain and meshes the
	// resulting point cloud.
	EnginePhotogrammetry Engine = "photogrammetry"
	// EngineNeural runs the single-image reconstruction model end to end.
	EngineNeural Engine = "neural"
)

// CloudOrigin tags a point cloud with the stage that produced it. Mesh
// generation applies different validity thresholds and logs per origin.
type CloudOrigin string

const (
	CloudSparse CloudOrigin = "sparse"
	CloudDense  CloudOrigin = "dense"
)

// PointCloud describes a reconstructed point cloud artifact on disk.
type PointCloud struct {
	Path   string      `json:"path"`
	Origin CloudOrigin `json:"origin"`
	Points int         `json:"points"`
}

// MaskSource records where the mask set came from. Pre-supplied masks take
// priority over API generated ones, which take priority over none.
type MaskSource string

const (
	MaskSourceProvided MaskSource = "provided"
	MaskSourceAPI      MaskSource = "api"
	MaskSourceNone     MaskSource = "none"
)

// MaskChannels selects the background removal output: a binary alpha mask or
// a full RGBA cutout.
type MaskChannels string

const (
	MaskChannelsAlpha MaskChannels = "alpha"
	MaskChannelsRGBA  MaskChannels = "rgba"
)

// StageResult is the uniform outcome record every stage returns. The
// coordinator only inspects Success and Error, never stage internals.
type StageResult struct {
	Stage     StageName `json:"stage"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	UsedMasks bool      `json:"used_masks,omitempty"`
}

// MaskBatch is the aggregate outcome of masking a directory of images.
// Success is true iff at least one image was processed, so the pipeline can
// proceed with partial masks instead of failing all-or-nothing.
type MaskBatch struct {
	Success        bool   `json:"success"`
	PartialSuccess bool   `json:"partial_success,omitempty"`
	Processed      int    `json:"processed"`
	Failed         int    `json:"failed"`
	Total          int    `json:"total"`
	Error          string `json:"error,omitempty"`
}

// MeshResult is the outcome of mesh generation, on either path. Counts are
// surfaced for observability.
type MeshResult struct {
	Success      bool     `json:"success"`
	Error        string   `json:"error,omitempty"`
	MeshPath     string   `json:"mesh_path,omitempty"`
	SourcePoints int      `json:"source_points,omitempty"`
	Vertices     int      `json:"vertices,omitempty"`
	Triangles    int      `json:"triangles,omitempty"`
	Colored      bool     `json:"colored,omitempty"`
	Files        []string `json:"files,omitempty"`
}

// Report is the aggregate result of a full pipeline run. Immutable once
// returned.
type Report struct {
	ID          string       `json:"id"`
	Success     bool         `json:"success"`
	Stage       StageName    `json:"stage,omitempty"` // First failing stage, if any.
	Error       string       `json:"error,omitempty"`
	Engine      Engine       `json:"engine"`
	Branch      Branch       `json:"branch,omitempty"`
	WorkDir     string       `json:"work_dir"`
	ImagesSaved int          `json:"images_saved"`
	BinaryMasks int          `json:"binary_masks"`
	MaskSource  MaskSource   `json:"mask_source"`
	Masking     *MaskBatch   `json:"masking,omitempty"`
	Stages      []StageResult `json:"stages,omitempty"`
	PointCloud  *PointCloud  `json:"point_cloud,omitempty"`
	Mesh        *MeshResult  `json:"mesh,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	DurationMS  int64        `json:"duration_ms"`
}

// RunStatus represents the final state of a persisted pipeline run.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the persisted summary of a pipeline run.
type Run struct {
	ID             string
	Status         RunStatus
	Stage          StageName
	Error          string
	Engine         Engine
	Branch         Branch
	ImagesSaved    int
	BinaryMasks    int
	PointCloudPath string
	MeshPath       string
	WorkDir        string
	CreatedAt      time.Time
	DurationMS     int64
}

// RunFromReport maps a finished report to its persisted summary.
func RunFromReport(r Report) Run {
	status := RunStatusFailed
	if r.Success {
		status = RunStatusSucceeded
	}

	run := Run{
		ID:          r.ID,
		Status:      status,
		Stage:       r.Stage,
		Error:       r.Error,
		Engine:      r.Engine,
		Branch:      r.Branch,
		ImagesSaved: r.ImagesSaved,
		BinaryMasks: r.BinaryMasks,
		WorkDir:     r.WorkDir,
		CreatedAt:   r.CreatedAt,
		DurationMS:  r.DurationMS,
	}
	if r.PointCloud != nil {
		run.PointCloudPath = r.PointCloud.Path
	}
	if r.Mesh != nil {
		run.MeshPath = r.Mesh.MeshPath
	}

	return run
}
