// Package mesh turns reconstruction products into a final surface: either a
// point cloud through the geometry library, or the saved images through the
// single-image neural model.
package mesh

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/unixpickle/model3d/model3d"

	"github.com/slok/photomesh/internal/conventions"
	"github.com/slok/photomesh/internal/log"
	"github.com/slok/photomesh/internal/model"
	"github.com/slok/photomesh/internal/ply"
)

const (
	// defaultMaxTriangles caps the decimated output size.
	defaultMaxTriangles = 100_000
	// defaultGridSize controls the surface extraction resolution relative
	// to the cloud's bounding box.
	defaultGridSize = 64
	// maxSurfacePoints bounds the nearest-neighbor structure; denser
	// clouds are subsampled with a uniform stride.
	maxSurfacePoints = 120_000

	// Minimum usable points per cloud origin. Sparse clouds from small
	// image sets are legitimately tiny; dense clouds this small mean the
	// stereo stage produced garbage.
	minSparsePoints = 20
	minDensePoints  = 100
)

// uniform vertex color when the source cloud carries none.
var gray = [3]uint8{128, 128, 128}

// BuilderConfig is the configuration for the point-cloud mesh builder.
type BuilderConfig struct {
	MaxTriangles int
	GridSize     int
	Logger       log.Logger
}

func (c *BuilderConfig) defaults() error {
	if c.MaxTriangles <= 0 {
		c.MaxTriangles = defaultMaxTriangles
	}
	if c.GridSize <= 0 {
		c.GridSize = defaultGridSize
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "mesh.Builder"})
	return nil
}

// Builder reconstructs a cleaned, colored, decimated surface from a point
// cloud through the geometry library.
type Builder struct {
	maxTriangles int
	gridSize     int
	logger       log.Logger
}

// NewBuilder creates a new mesh builder.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Builder{
		maxTriangles: cfg.MaxTriangles,
		gridSize:     cfg.GridSize,
		logger:       cfg.Logger,
	}, nil
}

// FromPointCloud meshes the cloud and writes the result into outDir. All
// failure modes are reported in the result record, not raised.
func (b *Builder) FromPointCloud(ctx context.Context, cloud model.PointCloud, outDir string) model.MeshResult {
	logger := b.logger.WithValues(log.Kv{"origin": cloud.Origin})

	minPoints := minDensePoints
	if cloud.Origin == model.CloudSparse {
		minPoints = minSparsePoints
	}

	pc, err := ply.Load(cloud.Path)
	if err != nil {
		return model.MeshResult{Error: fmt.Sprintf("could not load point cloud: %v", err)}
	}
	if len(pc.Points) < minPoints {
		return model.MeshResult{
			SourcePoints: len(pc.Points),
			Error:        fmt.Sprintf("%s cloud has %d points, need at least %d", cloud.Origin, len(pc.Points), minPoints),
		}
	}

	logger.Infof("Meshing %s cloud: %d points", cloud.Origin, len(pc.Points))

	points, colors := subsample(pc, maxSurfacePoints)

	coords := make([]model3d.Coord3D, len(points))
	colorOf := make(map[model3d.Coord3D][3]uint8, len(points))
	for i, p := range points {
		c := model3d.XYZ(p[0], p[1], p[2])
		coords[i] = c
		if len(colors) > 0 {
			colorOf[c] = colors[i]
		}
	}

	tree := model3d.NewCoordTree(coords)
	min, max := bounds(coords)
	radius := max.Sub(min).MaxCoord() / float64(b.gridSize)
	if radius <= 0 {
		return model.MeshResult{SourcePoints: len(pc.Points), Error: "degenerate point cloud bounds"}
	}

	pad := model3d.XYZ(2*radius, 2*radius, 2*radius)
	solid := model3d.CheckedFuncSolid(min.Sub(pad), max.Add(pad), func(c model3d.Coord3D) bool {
		return tree.SphereCollision(c, radius)
	})

	delta := radius / 2
	m := model3d.MarchingCubesSearch(solid, delta, 8)
	logger.Debugf("Extracted surface: %d triangles", len(m.TriangleSlice()))

	removed := b.trimNoise(m, tree, radius)
	if removed > 0 {
		logger.Debugf("Trimmed %d noise triangle(s)", removed)
	}

	m = b.decimate(m, solid, delta, radius)
	if len(m.TriangleSlice()) == 0 {
		return model.MeshResult{SourcePoints: len(pc.Points), Error: "surface reconstruction produced an empty mesh"}
	}

	colored := len(colors) > 0
	colorFn := func(c model3d.Coord3D) [3]uint8 {
		if !colored {
			return gray
		}
		return colorOf[tree.NearestNeighbor(c)]
	}

	outPath := filepath.Join(outDir, conventions.MeshFile)
	if err := os.WriteFile(outPath, m.EncodePLY(colorFn), 0644); err != nil {
		return model.MeshResult{SourcePoints: len(pc.Points), Error: fmt.Sprintf("could not write mesh: %v", err)}
	}

	result := model.MeshResult{
		Success:      true,
		MeshPath:     outPath,
		SourcePoints: len(pc.Points),
		Vertices:     len(m.VertexSlice()),
		Triangles:    len(m.TriangleSlice()),
		Colored:      colored,
	}

	logger.Infof("Mesh written: %d vertices, %d triangles, colored=%v", result.Vertices, result.Triangles, colored)
	return result
}

// FromImages is implemented by the neural path; the point-cloud builder has
// no use for raw images.
func (b *Builder) FromImages(ctx context.Context, imagePaths []string, outDir string) model.MeshResult {
	return model.MeshResult{Error: "point-cloud mesh builder cannot consume raw images"}
}

// trimNoise drops triangles whose centroid sits too far from the source
// cloud. Marching cubes can bridge isolated outlier points into floating
// shell fragments.
func (b *Builder) trimNoise(m *model3d.Mesh, tree *model3d.CoordTree, radius float64) int {
	removed := 0
	for _, t := range m.TriangleSlice() {
		centroid := t[0].Add(t[1]).Add(t[2]).Scale(1.0 / 3.0)
		if centroid.Dist(tree.NearestNeighbor(centroid)) > 2*radius {
			m.Remove(t)
			removed++
		}
	}
	return removed
}

// decimate reduces the mesh under the triangle cap. When plane-merge
// decimation stalls, the surface is re-extracted at a coarser resolution,
// which always terminates below the cap.
func (b *Builder) decimate(m *model3d.Mesh, solid model3d.Solid, delta, radius float64) *model3d.Mesh {
	eps := radius * 0.05
	tris := len(m.TriangleSlice())

	for tris > b.maxTriangles {
		dec := &model3d.Decimator{
			FeatureAngle:       0.03,
			PlaneDistance:      eps,
			BoundaryDistance:   eps,
			MinimumAspectRatio: 0.01,
		}
		next := dec.Decimate(m)
		if n := len(next.TriangleSlice()); n < tris {
			m, tris = next, n
			eps *= 2
			continue
		}

		delta *= 2
		m = model3d.MarchingCubesSearch(solid, delta, 8)
		tris = len(m.TriangleSlice())
		b.logger.Debugf("Decimation stalled, re-extracted at delta=%f: %d triangles", delta, tris)
	}

	return m
}

func subsample(pc *ply.Cloud, max int) ([][3]float64, [][3]uint8) {
	if len(pc.Points) <= max {
		if pc.HasColor() {
			return pc.Points, pc.Colors
		}
		return pc.Points, nil
	}

	stride := int(math.Ceil(float64(len(pc.Points)) / float64(max)))
	points := make([][3]float64, 0, max)
	var colors [][3]uint8
	if pc.HasColor() {
		colors = make([][3]uint8, 0, max)
	}
	for i := 0; i < len(pc.Points); i += stride {
		points = append(points, pc.Points[i])
		if colors != nil {
			colors = append(colors, pc.Colors[i])
		}
	}
	return points, colors
}

func bounds(coords []model3d.Coord3D) (min, max model3d.Coord3D) {
	min, max = coords[0], coords[0]
	for _, c := range coords[1:] {
		min.X = math.Min(min.X, c.X)
		min.Y = math.Min(min.Y, c.Y)
		min.Z = math.Min(min.Z, c.Z)
		max.X = math.Max(max.X, c.X)
		max.Y = math.Max(max.Y, c.Y)
		max.Z = math.Max(max.Z, c.Z)
	}
	return min, max
}
