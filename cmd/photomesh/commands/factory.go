package commands

import (
	"context"
	"fmt"

	"github.com/slok/photomesh/internal/colmap"
	"github.com/slok/photomesh/internal/execwrap"
	"github.com/slok/photomesh/internal/log"
	"github.com/slok/photomesh/internal/masker"
	"github.com/slok/photomesh/internal/mesh"
	"github.com/slok/photomesh/internal/model"
	"github.com/slok/photomesh/internal/pipeline"
	"github.com/slok/photomesh/internal/storage"
	"github.com/slok/photomesh/internal/workspace"
)

// newPipelineService wires the full pipeline from the resolved settings. The
// repository is optional.
func newPipelineService(settings model.PipelineSettings, repo storage.Repository, logger log.Logger) (*pipeline.Service, error) {
	exec, err := execwrap.NewRunner(execwrap.RunnerConfig{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create exec runner: %w", err)
	}

	stages, err := colmap.NewRunner(colmap.RunnerConfig{
		Binary: settings.ColmapBinary,
		GPU:    settings.GPU,
		Exec:   exec,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create stage runner: %w", err)
	}

	mesher, err := mesh.NewBuilder(mesh.BuilderConfig{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create mesh builder: %w", err)
	}

	neural, err := mesh.NewTripoSR(mesh.TripoSRConfig{
		Python:      settings.PythonBinary,
		ScriptDir:   settings.TripoSRDir,
		BakeTexture: settings.GPU,
		Exec:        exec,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create neural mesh builder: %w", err)
	}

	converter, err := workspace.NewHeifCLI(workspace.HeifCLIConfig{Exec: exec})
	if err != nil {
		return nil, fmt.Errorf("could not create image converter: %w", err)
	}

	newMasker := func(apiKey string, channels model.MaskChannels) (pipeline.Masker, error) {
		return masker.NewClient(masker.ClientConfig{
			APIKey:   apiKey,
			APIURL:   settings.PhotoroomURL,
			Channels: channels,
			Logger:   logger,
		})
	}

	svc, err := pipeline.NewService(pipeline.ServiceConfig{
		Settings:     settings,
		Stages:       stages,
		NewMasker:    newMasker,
		Mesher:       mesher,
		NeuralMesher: neural,
		Repository:   repo,
		Converter:    converter,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create pipeline service: %w", err)
	}

	return svc, nil
}

// newCheckers builds the preflight checkers for the doctor command.
func newCheckers(settings model.PipelineSettings, logger log.Logger) (map[string]func(context.Context) []model.CheckResult, error) {
	exec, err := execwrap.NewRunner(execwrap.RunnerConfig{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create exec runner: %w", err)
	}

	stages, err := colmap.NewRunner(colmap.RunnerConfig{
		Binary: settings.ColmapBinary,
		GPU:    settings.GPU,
		Exec:   exec,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create stage runner: %w", err)
	}

	neural, err := mesh.NewTripoSR(mesh.TripoSRConfig{
		Python:    settings.PythonBinary,
		ScriptDir: settings.TripoSRDir,
		Exec:      exec,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create neural mesh builder: %w", err)
	}

	converter, err := workspace.NewHeifCLI(workspace.HeifCLIConfig{Exec: exec})
	if err != nil {
		return nil, fmt.Errorf("could not create image converter: %w", err)
	}

	return map[string]func(context.Context) []model.CheckResult{
		"photogrammetry": stages.Check,
		"neural":         neural.Check,
		"images":         converter.Check,
	}, nil
}
