package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/slok/photomesh/internal/conventions"
	"github.com/slok/photomesh/internal/log"
)

// Converter re-encodes an image file into a standard raster format. Used for
// payloads (HEIC) the downstream tools cannot read directly.
type Converter interface {
	Convert(ctx context.Context, src, dst string) error
}

// LayoutConfig is the configuration for a per-run workspace layout.
type LayoutConfig struct {
	// Root is the workspace directory for this run. Never reused across
	// runs.
	Root string
	// Converter is optional. Without it, unconvertible payloads are written
	// raw with the default extension.
	Converter Converter
	Logger    log.Logger
}

func (c *LayoutConfig) defaults() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "workspace.Layout"})
	return nil
}

// Layout owns the per-run directory tree. All subdirectories exist before
// any stage writes into them.
type Layout struct {
	root      string
	converter Converter
	logger    log.Logger
}

// NewLayout creates the workspace directory tree, idempotently.
func NewLayout(cfg LayoutConfig) (*Layout, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	subdirs := []string{
		conventions.ImagesDir,
		conventions.MasksDir,
		conventions.MaskedDir,
		conventions.ColmapDir,
		filepath.Join(conventions.ColmapDir, conventions.SparseDir),
		conventions.DenseDir,
		conventions.OutputDir,
	}
	for _, d := range subdirs {
		if err := os.MkdirAll(filepath.Join(cfg.Root, d), 0755); err != nil {
			return nil, fmt.Errorf("could not create workspace dir %s: %w", d, err)
		}
	}

	return &Layout{
		root:      cfg.Root,
		converter: cfg.Converter,
		logger:    cfg.Logger,
	}, nil
}

// Root returns the workspace root directory.
func (l *Layout) Root() string { return l.root }

// ImagesDir returns the saved-images directory.
func (l *Layout) ImagesDir() string { return filepath.Join(l.root, conventions.ImagesDir) }

// MasksDir returns the binary masks directory.
func (l *Layout) MasksDir() string { return filepath.Join(l.root, conventions.MasksDir) }

// MaskedDir returns the RGBA cutouts directory.
func (l *Layout) MaskedDir() string { return filepath.Join(l.root, conventions.MaskedDir) }

// ColmapDir returns the SfM intermediate directory.
func (l *Layout) ColmapDir() string { return filepath.Join(l.root, conventions.ColmapDir) }

// DatabasePath returns the SfM feature database path.
func (l *Layout) DatabasePath() string {
	return filepath.Join(l.ColmapDir(), conventions.DatabaseFile)
}

// SparseDir returns the sparse reconstruction output directory.
func (l *Layout) SparseDir() string {
	return filepath.Join(l.ColmapDir(), conventions.SparseDir)
}

// DenseDir returns the dense stereo workspace directory.
func (l *Layout) DenseDir() string { return filepath.Join(l.root, conventions.DenseDir) }

// OutputDir returns the final artifacts directory.
func (l *Layout) OutputDir() string { return filepath.Join(l.root, conventions.OutputDir) }

// SaveImages persists the raw image buffers as numbered files, preserving
// input order. Downstream stages correlate images with masks by stem, so the
// numbering is the contract. At most conventions.MaxImages buffers are
// persisted; the rest are silently truncated.
func (l *Layout) SaveImages(ctx context.Context, images [][]byte) ([]string, error) {
	if len(images) > conventions.MaxImages {
		l.logger.Warningf("Truncating input to %d images (%d received)", conventions.MaxImages, len(images))
		images = images[:conventions.MaxImages]
	}

	l.logger.Infof("Saving %d image(s)", len(images))

	saved := make([]string, 0, len(images))
	for i, data := range images {
		path, err := l.saveImage(ctx, i, data)
		if err != nil {
			return nil, err
		}
		saved = append(saved, path)
	}

	l.logger.Infof("Saved %d image(s) to %s", len(saved), l.ImagesDir())
	return saved, nil
}

func (l *Layout) saveImage(ctx context.Context, i int, data []byte) (string, error) {
	format := DetectFormat(data)

	if format == FormatHEIC && l.converter != nil {
		path, err := l.convertHEIC(ctx, i, data)
		if err == nil {
			return path, nil
		}
		l.logger.Warningf("HEIC conversion failed, writing raw payload: %v", err)
	}

	ext := format.Ext()
	if format == FormatHEIC || format == FormatUnknown {
		// Downstream tools cannot read HEIC; without a converter the raw
		// payload is persisted under the default extension.
		ext = DefaultExt
	}

	path := filepath.Join(l.ImagesDir(), conventions.ImageFileName(i, ext))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("could not write image %d: %w", i, err)
	}

	return path, nil
}

// convertHEIC decodes a HEIC payload and re-encodes it as PNG through the
// configured converter.
func (l *Layout) convertHEIC(ctx context.Context, i int, data []byte) (string, error) {
	tmp := filepath.Join(l.ImagesDir(), conventions.ImageFileName(i, ".heic.tmp"))
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("could not write temp HEIC file: %w", err)
	}
	defer os.Remove(tmp)

	dst := filepath.Join(l.ImagesDir(), conventions.ImageFileName(i, ".png"))
	if err := l.converter.Convert(ctx, tmp, dst); err != nil {
		return "", fmt.Errorf("could not convert HEIC image %d: %w", i, err)
	}

	l.logger.Debugf("Converted HEIC image %d to %s", i, dst)
	return dst, nil
}
