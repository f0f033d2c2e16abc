package io

import (
	"context"
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"

	"github.com/slok/photomesh/internal/model"
)

// SettingsYAMLRepository loads pipeline settings from YAML files.
type SettingsYAMLRepository struct {
	fs fs.FS
}

// NewSettingsYAMLRepository creates a new YAML settings repository.
func NewSettingsYAMLRepository(filesystem fs.FS) *SettingsYAMLRepository {
	return &SettingsYAMLRepository{fs: filesystem}
}

// GetSettings loads pipeline settings from a YAML file and returns a validated
// domain model.
func (r *SettingsYAMLRepository) GetSettings(ctx context.Context, path string) (model.PipelineSettings, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return model.PipelineSettings{}, fmt.Errorf("reading settings file: %w", err)
	}

	if ctx.Err() != nil {
		return model.PipelineSettings{}, ctx.Err()
	}

	var cfg PipelineSettings
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.PipelineSettings{}, fmt.Errorf("parsing YAML: %w", err)
	}

	settings := cfg.toModel()
	if err := settings.Validate(); err != nil {
		return model.PipelineSettings{}, fmt.Errorf("invalid settings: %w", err)
	}

	return settings, nil
}

// PipelineSettings represents the YAML structure for pipeline settings.
type PipelineSettings struct {
	WorkDir   string           `yaml:"work_dir"`
	Engine    string           `yaml:"engine"`
	GPU       bool             `yaml:"gpu"`
	Colmap    *ColmapConfig    `yaml:"colmap,omitempty"`
	TripoSR   *TripoSRConfig   `yaml:"triposr,omitempty"`
	Photoroom *PhotoroomConfig `yaml:"photoroom,omitempty"`
}

// ColmapConfig represents the YAML structure for the SfM/MVS toolchain.
type ColmapConfig struct {
	Binary string `yaml:"binary"`
}

// TripoSRConfig represents the YAML structure for the neural model.
type TripoSRConfig struct {
	Python    string `yaml:"python"`
	ScriptDir string `yaml:"script_dir"`
}

// PhotoroomConfig represents the YAML structure for the background removal API.
type PhotoroomConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

func (c PipelineSettings) toModel() model.PipelineSettings {
	settings := model.PipelineSettings{
		WorkDir: c.WorkDir,
		Engine:  model.Engine(c.Engine),
		GPU:     c.GPU,
	}
	if settings.Engine == "" {
		settings.Engine = model.EnginePhotogrammetry
	}

	if c.Colmap != nil {
		settings.ColmapBinary = c.Colmap.Binary
	}
	if c.TripoSR != nil {
		settings.PythonBinary = c.TripoSR.Python
		settings.TripoSRDir = c.TripoSR.ScriptDir
	}
	if c.Photoroom != nil {
		settings.PhotoroomURL = c.Photoroom.URL
		settings.PhotoroomAPIKey = c.Photoroom.APIKey
	}

	return settings
}
