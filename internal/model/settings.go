package model

import "fmt"

// PipelineSettings is the validated process-level configuration for the
// reconstruction pipeline. It is built from flags or a YAML config file and
// passed explicitly into the services, never read from ambient globals.
type PipelineSettings struct {
	// WorkDir is the root under which per-run workspaces are created.
	WorkDir string
	// Engine selects photogrammetry or neural reconstruction.
	Engine Engine
	// GPU enables the dense reconstruction branch and GPU toggles on the
	// SfM toolchain.
	GPU bool
	// ColmapBinary is the SfM/MVS toolchain binary.
	ColmapBinary string
	// PythonBinary runs the single-image model entrypoint.
	PythonBinary string
	// TripoSRDir is the root of the single-image model checkout.
	TripoSRDir string
	// PhotoroomURL is the background removal endpoint.
	PhotoroomURL string
	// PhotoroomAPIKey is the default API key. A per-request key takes
	// priority over it.
	PhotoroomAPIKey string
}

// Validate checks the settings are usable.
func (s PipelineSettings) Validate() error {
	if s.WorkDir == "" {
		return fmt.Errorf("work dir is required: %w", ErrNotValid)
	}

	switch s.Engine {
	case EnginePhotogrammetry, EngineNeural:
	default:
		return fmt.Errorf("unknown engine %q: %w", s.Engine, ErrNotValid)
	}

	return nil
}
