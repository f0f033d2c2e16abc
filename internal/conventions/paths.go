package conventions

import (
	"fmt"
	"path/filepath"
)

const (
	// ImagesDir holds the saved input photographs.
	ImagesDir = "images"
	// MasksDir holds binary alpha masks, one per image, matched by stem.
	MasksDir = "masks"
	// MaskedDir holds RGBA cutouts used by the neural path.
	MaskedDir = "masked"
	// ColmapDir holds the SfM intermediate state (database + sparse model).
	ColmapDir = "colmap"
	// SparseDir is the sparse reconstruction output under ColmapDir.
	SparseDir = "sparse"
	// DenseDir holds the undistorted images and dense stereo workspace.
	DenseDir = "dense"
	// OutputDir holds the final artifacts (point cloud, mesh).
	OutputDir = "output"

	// DatabaseFile is the SfM feature database filename.
	DatabaseFile = "database.db"
	// FusedCloudFile is the fused dense point cloud filename.
	FusedCloudFile = "fused.ply"
	// SparseCloudFile is the exported sparse point cloud filename.
	SparseCloudFile = "sparse.ply"
	// MeshFile is the generated mesh filename.
	MeshFile = "mesh.ply"

	// MaxImages caps how many input images a single run accepts. Excess
	// images are truncated, not rejected.
	MaxImages = 5
)

// ImageFileName returns the canonical name for the i-th saved image.
func ImageFileName(i int, ext string) string {
	return fmt.Sprintf("image_%03d%s", i, ext)
}

// WorkspaceDir returns the workspace directory for a run.
func WorkspaceDir(root, runID string) string {
	return filepath.Join(root, runID)
}
