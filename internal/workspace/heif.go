package workspace

import (
	"context"
	"fmt"
	"time"

	"github.com/slok/photomesh/internal/execwrap"
	"github.com/slok/photomesh/internal/model"
)

// HeifCLIConfig is the configuration for the heif-convert based converter.
type HeifCLIConfig struct {
	Exec   *execwrap.Runner
	Binary string
}

func (c *HeifCLIConfig) defaults() error {
	if c.Exec == nil {
		return fmt.Errorf("exec runner is required")
	}
	if c.Binary == "" {
		c.Binary = "heif-convert"
	}
	return nil
}

// HeifCLI converts HEIC payloads through the libheif CLI tool.
type HeifCLI struct {
	exec   *execwrap.Runner
	binary string
}

// NewHeifCLI creates a new HEIC converter.
func NewHeifCLI(cfg HeifCLIConfig) (*HeifCLI, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &HeifCLI{exec: cfg.Exec, binary: cfg.Binary}, nil
}

// Check runs the preflight check for the converter tool.
func (h *HeifCLI) Check(ctx context.Context) []model.CheckResult {
	if path, err := execwrap.LookPath(h.binary); err == nil {
		return []model.CheckResult{{
			ID:      "heif_converter",
			Status:  model.CheckStatusOK,
			Message: path,
		}}
	}
	return []model.CheckResult{{
		ID:      "heif_converter",
		Status:  model.CheckStatusWarning,
		Message: fmt.Sprintf("%q not found, HEIC uploads will be stored unconverted", h.binary),
	}}
}

// Convert decodes src and re-encodes it at dst, with the output format
// inferred by the tool from the destination extension.
func (h *HeifCLI) Convert(ctx context.Context, src, dst string) error {
	res, err := h.exec.Run(ctx, execwrap.Spec{
		Binary:  h.binary,
		Args:    []string{src, dst},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("could not run %s: %w", h.binary, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited with %d: %s", h.binary, res.ExitCode, res.Stderr)
	}

	return nil
}
