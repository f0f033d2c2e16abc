package mesh

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/slok/photomesh/internal/execwrap"
	"github.com/slok/photomesh/internal/log"
	"github.com/slok/photomesh/internal/model"
)

const (
	// xvfbStartupDelay gives the virtual display server time to create its
	// socket before the renderer connects.
	xvfbStartupDelay = 200 * time.Millisecond

	// Preferred textured container and the untextured fallback used when
	// texture baking hits the compute-device mismatch.
	saveFormatTextured   = "glb"
	saveFormatUntextured = "obj"
)

// TripoSRConfig is the configuration for the neural reconstruction path.
type TripoSRConfig struct {
	// Python is the interpreter used to run the model entrypoint.
	Python string
	// ScriptDir is the model checkout root; the entrypoint is searched
	// under it.
	ScriptDir string
	// Display is the virtual display the headless renderer binds to.
	Display string
	// BakeTexture requests texture baking on the first attempt.
	BakeTexture bool
	Exec        *execwrap.Runner
	Logger      log.Logger
}

func (c *TripoSRConfig) defaults() error {
	if c.Exec == nil {
		return fmt.Errorf("exec runner is required")
	}
	if c.Python == "" {
		c.Python = "python"
	}
	if c.ScriptDir == "" {
		c.ScriptDir = "/opt/TripoSR"
	}
	if c.Display == "" {
		c.Display = ":99"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "mesh.TripoSR"})
	return nil
}

// TripoSR runs the single-image neural reconstruction model as an
// alternative end-to-end path to a textured mesh.
type TripoSR struct {
	python      string
	scriptDir   string
	display     string
	bakeTexture bool
	exec        *execwrap.Runner
	logger      log.Logger
}

// NewTripoSR creates a new neural mesh builder.
func NewTripoSR(cfg TripoSRConfig) (*TripoSR, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &TripoSR{
		python:      cfg.Python,
		scriptDir:   cfg.ScriptDir,
		display:     cfg.Display,
		bakeTexture: cfg.BakeTexture,
		exec:        cfg.Exec,
		logger:      cfg.Logger,
	}, nil
}

// FromImages runs the model against the (possibly masked) input images and
// collects every file produced under outDir as the result payload.
func (t *TripoSR) FromImages(ctx context.Context, imagePaths []string, outDir string) model.MeshResult {
	if len(imagePaths) == 0 {
		return model.MeshResult{Error: "no input images provided"}
	}

	entry, err := t.findEntrypoint()
	if err != nil {
		return model.MeshResult{Error: err.Error()}
	}

	env, teardown, err := t.headlessEnv()
	if err != nil {
		return model.MeshResult{Error: err.Error()}
	}
	defer teardown()

	res, err := t.invoke(ctx, entry, imagePaths, outDir, env, t.bakeTexture, saveFormatTextured)
	if err != nil {
		return model.MeshResult{Error: err.Error()}
	}

	if res.ExitCode != 0 && t.bakeTexture && execwrap.ClassifyFailure(res) == execwrap.FailureDeviceMismatch {
		// Texture baking ran on a different compute device than the mesh;
		// retry once untextured.
		t.logger.Warningf("Texture baking hit a device mismatch, retrying without it")
		res, err = t.invoke(ctx, entry, imagePaths, outDir, env, false, saveFormatUntextured)
		if err != nil {
			return model.MeshResult{Error: err.Error()}
		}
	}

	if res.ExitCode != 0 {
		return model.MeshResult{Error: fmt.Sprintf("model exited with %d: %s", res.ExitCode, tail(res.Stderr, 2000))}
	}

	files, err := collectFiles(outDir)
	if err != nil {
		return model.MeshResult{Error: fmt.Sprintf("could not collect outputs: %v", err)}
	}
	if len(files) == 0 {
		return model.MeshResult{Error: "model exited cleanly but produced no files"}
	}

	result := model.MeshResult{
		Success:  true,
		Files:    files,
		MeshPath: pickMesh(files),
	}

	t.logger.Infof("Neural reconstruction produced %d file(s)", len(files))
	return result
}

// FromPointCloud is not supported on the neural path.
func (t *TripoSR) FromPointCloud(ctx context.Context, cloud model.PointCloud, outDir string) model.MeshResult {
	return model.MeshResult{Error: "neural mesh builder cannot consume point clouds"}
}

func (t *TripoSR) invoke(ctx context.Context, entry string, imagePaths []string, outDir string, env map[string]string, bake bool, format string) (*execwrap.Result, error) {
	args := make([]string, 0, len(imagePaths)+6)
	args = append(args, entry)
	args = append(args, imagePaths...)
	args = append(args, "--output-dir", outDir, "--model-save-format", format)
	if bake {
		args = append(args, "--bake-texture")
	}

	return t.exec.Run(ctx, execwrap.Spec{
		Binary: t.python,
		Args:   args,
		Dir:    t.scriptDir,
		Env:    env,
	})
}

// headlessEnv provides a rendering context for the model: a virtual display
// server when one is available, otherwise the EGL software backend. The
// returned teardown must run on every exit path.
func (t *TripoSR) headlessEnv() (map[string]string, func(), error) {
	if _, err := execwrap.LookPath("Xvfb"); err != nil {
		t.logger.Debugf("Xvfb unavailable, selecting EGL rendering backend")
		return map[string]string{"PYOPENGL_PLATFORM": "egl"}, func() {}, nil
	}

	xvfb, err := t.exec.Start(execwrap.Spec{
		Binary: "Xvfb",
		Args:   []string{t.display, "-screen", "0", "1024x768x24"},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("could not start virtual display: %w", err)
	}
	time.Sleep(xvfbStartupDelay)

	return map[string]string{"DISPLAY": t.display}, xvfb.Stop, nil
}

// findEntrypoint searches the known entrypoint locations inside the model
// checkout.
func (t *TripoSR) findEntrypoint() (string, error) {
	candidates := []string{
		filepath.Join(t.scriptDir, "run.py"),
		filepath.Join(t.scriptDir, "scripts", "run.py"),
		filepath.Join(t.scriptDir, "inference", "run.py"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("model entrypoint not found under %s", t.scriptDir)
}

func collectFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// pickMesh returns the most useful artifact among the produced files.
func pickMesh(files []string) string {
	byExt := map[string]string{}
	for _, f := range files {
		ext := filepath.Ext(f)
		if _, ok := byExt[ext]; !ok {
			byExt[ext] = f
		}
	}
	for _, ext := range []string{".glb", ".obj", ".ply", ".stl"} {
		if f, ok := byExt[ext]; ok {
			return f
		}
	}
	if len(files) > 0 {
		return files[0]
	}
	return ""
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
