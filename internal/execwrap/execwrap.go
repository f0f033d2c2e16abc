package execwrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/slok/photomesh/internal/log"
)

// RunnerConfig is the configuration for the subprocess runner.
type RunnerConfig struct {
	Logger log.Logger
}

func (c *RunnerConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "execwrap.Runner"})
	return nil
}

// Runner executes external stage binaries with a uniform capture, timeout and
// cleanup contract. Both the reconstruction toolchain and the neural model
// path go through it instead of shelling out per call site.
type Runner struct {
	logger log.Logger
}

// NewRunner creates a new subprocess runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Runner{logger: cfg.Logger}, nil
}

// Spec describes one external stage invocation.
type Spec struct {
	Binary string
	Args   []string
	Dir    string
	// Env entries are appended to the inherited environment.
	Env map[string]string
	// Timeout bounds the invocation. Zero means no client-side timeout:
	// the long-running reconstruction binaries run to completion or are
	// killed by the external orchestration layer.
	Timeout time.Duration
}

// Result is the captured outcome of a finished invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Run executes the spec and blocks until it finishes. A non-zero exit is not
// an error: it is reported through Result.ExitCode so callers can apply their
// stage-local success contracts. The returned error means the process could
// not be executed at all (missing binary, bad working dir) or the timeout
// expired.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Binary == "" {
		return nil, fmt.Errorf("binary is required")
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debugf("Running %s %s", spec.Binary, strings.Join(spec.Args, " "))
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if ctxErr := runCtx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%s timed out after %s: %w", spec.Binary, elapsed.Round(time.Millisecond), ctxErr)
			}
			return nil, fmt.Errorf("%s canceled after %s: %w", spec.Binary, elapsed.Round(time.Millisecond), ctxErr)
		}
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("could not execute %s: %w", spec.Binary, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	r.logger.Debugf("Finished %s: exit=%d, took=%s", spec.Binary, res.ExitCode, elapsed.Round(time.Millisecond))
	return res, nil
}

// Background is a helper process (e.g. a virtual display server) that runs
// for the duration of a stage and must be torn down on every exit path.
type Background struct {
	cmd    *exec.Cmd
	logger log.Logger
}

// Start spawns a helper process and returns once it is running. Callers must
// always call Stop, including on failure paths.
func (r *Runner) Start(spec Spec) (*Background, error) {
	if spec.Binary == "" {
		return nil, fmt.Errorf("binary is required")
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start %s: %w", spec.Binary, err)
	}

	r.logger.Debugf("Started background process %s: PID=%d", spec.Binary, cmd.Process.Pid)

	return &Background{cmd: cmd, logger: r.logger}, nil
}

// Stop terminates the background process and reaps it. Safe to call once on
// any exit path.
func (b *Background) Stop() {
	if b == nil || b.cmd == nil || b.cmd.Process == nil {
		return
	}

	_ = b.cmd.Process.Kill()
	_ = b.cmd.Wait()
	b.logger.Debugf("Stopped background process: PID=%d", b.cmd.Process.Pid)
}

// LookPath reports whether a binary is available on the PATH.
func LookPath(binary string) (string, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", binary, err)
	}
	return path, nil
}

func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil // nil means inherit.
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return env
}
