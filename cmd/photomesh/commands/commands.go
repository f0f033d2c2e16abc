package commands

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/photomesh/internal/log"
	"github.com/slok/photomesh/internal/model"
	storageio "github.com/slok/photomesh/internal/storage/io"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug      bool
	NoLog      bool
	NoColor    bool
	LoggerType string
	DBPath     string
	ConfigPath string

	// Pipeline flags. A config file, when given, takes priority over these.
	WorkDir      string
	Engine       string
	GPU          bool
	ColmapBinary string
	PythonBinary string
	TripoSRDir   string
	PhotoroomURL string

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger log.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)

	app.Flag("db-path", "Path to the SQLite database file.").Envar("PHOTOMESH_DB_PATH").Default(defaultDBPath()).StringVar(&c.DBPath)
	app.Flag("config", "Path to a YAML settings file, takes priority over the pipeline flags.").Envar("PHOTOMESH_CONFIG").StringVar(&c.ConfigPath)

	app.Flag("work-dir", "Root directory for per-run workspaces.").Envar("PHOTOMESH_WORK_DIR").Default(defaultWorkDir()).StringVar(&c.WorkDir)
	app.Flag("engine", "Reconstruction engine.").Default(string(model.EnginePhotogrammetry)).EnumVar(&c.Engine, string(model.EnginePhotogrammetry), string(model.EngineNeural))
	app.Flag("gpu", "Enable GPU execution and the dense reconstruction branch.").Envar("PHOTOMESH_GPU").BoolVar(&c.GPU)
	app.Flag("colmap-binary", "SfM/MVS toolchain binary.").Default("colmap").StringVar(&c.ColmapBinary)
	app.Flag("python-binary", "Python interpreter for the neural model.").Default("python").StringVar(&c.PythonBinary)
	app.Flag("triposr-dir", "Neural model checkout directory.").Default("/opt/TripoSR").StringVar(&c.TripoSRDir)
	app.Flag("photoroom-url", "Background removal API endpoint.").StringVar(&c.PhotoroomURL)

	return c
}

// PipelineSettings resolves the effective pipeline settings: the YAML config
// file when given, the flags otherwise. The background removal API key is
// never a flag; it arrives per request or through PHOTOROOM_API_KEY.
func (c *RootCommand) PipelineSettings(ctx context.Context) (model.PipelineSettings, error) {
	if c.ConfigPath != "" {
		repo := storageio.NewSettingsYAMLRepository(os.DirFS(filepath.Dir(c.ConfigPath)))
		return repo.GetSettings(ctx, filepath.Base(c.ConfigPath))
	}

	settings := model.PipelineSettings{
		WorkDir:         c.WorkDir,
		Engine:          model.Engine(c.Engine),
		GPU:             c.GPU,
		ColmapBinary:    c.ColmapBinary,
		PythonBinary:    c.PythonBinary,
		TripoSRDir:      c.TripoSRDir,
		PhotoroomURL:    c.PhotoroomURL,
		PhotoroomAPIKey: os.Getenv("PHOTOROOM_API_KEY"),
	}
	if err := settings.Validate(); err != nil {
		return model.PipelineSettings{}, err
	}

	return settings, nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".photomesh", "photomesh.db")
}

func defaultWorkDir() string {
	return filepath.Join(os.TempDir(), "photomesh")
}
