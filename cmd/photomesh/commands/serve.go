package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/photomesh/internal/server"
	"github.com/slok/photomesh/internal/storage/sqlite"
)

type ServeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	addr string
}

// NewServeCommand returns the serve command.
func NewServeCommand(rootCmd *RootCommand, app *kingpin.Application) *ServeCommand {
	c := &ServeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("serve", "Run the reconstruction HTTP API server.")
	c.Cmd.Flag("addr", "Listen address.").Default(":8080").StringVar(&c.addr)

	return c
}

func (c ServeCommand) Name() string { return c.Cmd.FullCommand() }

func (c ServeCommand) Run(ctx context.Context) error {
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

	srv, err := server.New(server.Config{
		Addr:       c.addr,
		Pipeline:   svc,
		Repository: repo,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create server: %w", err)
	}

	return srv.Run(ctx)
}
