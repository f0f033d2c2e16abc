package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/photomesh/internal/pipeline"
	"github.com/slok/photomesh/internal/printer"
	"github.com/slok/photomesh/internal/storage/sqlite"
)

type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	images []string
	masks  []string
	apiKey string
	format string
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Reconstruct a mesh from a set of images.")
	c.Cmd.Arg("images", "Image files, in order.").Required().ExistingFilesVar(&c.images)
	c.Cmd.Flag("mask", "Pre-computed binary mask files, index-aligned with the images.").ExistingFilesVar(&c.masks)
	c.Cmd.Flag("api-key", "Background removal API key for this run.").Envar("PHOTOROOM_API_KEY").StringVar(&c.apiKey)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	settings, err := c.rootCmd.PipelineSettings(ctx)
	if err != nil {
		return fmt.Errorf("could not resolve settings: %w", err)
	}

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: c.rootCmd.DBPath,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}
	defer repo.Close()

	svc, err := newPipelineService(settings, repo, logger)
	if err != nil {
		return err
	}

	images, err := readFiles(c.images)
	if err != nil {
		return err
	}
	masks, err := readFiles(c.masks)
	if err != nil {
		return err
	}

	report := svc.Run(ctx, pipeline.RunRequest{
		Images: images,
		Masks:  masks,
		APIKey: c.apiKey,
	})

	var p printer.Printer
	switch c.format {
	case "json":
		p = printer.NewJSONPrinter(c.rootCmd.Stdout)
	default:
		p = printer.NewTablePrinter(c.rootCmd.Stdout)
	}
	if err := p.PrintReport(*report); err != nil {
		return fmt.Errorf("could not print report: %w", err)
	}

	if !report.Success {
		return fmt.Errorf("reconstruction failed at %s: %s", report.Stage, report.Error)
	}

	return nil
}

func readFiles(paths []string) ([][]byte, error) {
	payloads := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("could not read %s: %w", p, err)
		}
		payloads = append(payloads, data)
	}
	return payloads, nil
}
