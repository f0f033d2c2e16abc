package execwrap_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/photomesh/internal/execwrap"
)

func newRunner(t *testing.T) *execwrap.Runner {
	t.Helper()
	r, err := execwrap.NewRunner(execwrap.RunnerConfig{})
	require.NoError(t, err)
	return r
}

func TestRunCapturesOutput(t *testing.T) {
	r := newRunner(t)

	res, err := r.Run(context.Background(), execwrap.Spec{
		Binary: "sh",
		Args:   []string{"-c", "echo out; echo err >&2"},
	})

	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	r := newRunner(t)

	res, err := r.Run(context.Background(), execwrap.Spec{
		Binary: "sh",
		Args:   []string{"-c", "exit 3"},
	})

	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunMissingBinaryIsAnError(t *testing.T) {
	r := newRunner(t)

	_, err := r.Run(context.Background(), execwrap.Spec{Binary: "definitely-not-a-binary-9f2c"})
	assert.Error(t, err)
}

func TestRunTimeout(t *testing.T) {
	r := newRunner(t)

	_, err := r.Run(context.Background(), execwrap.Spec{
		Binary:  "sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRunCanceledIsNotATimeout(t *testing.T) {
	r := newRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, execwrap.Spec{
		Binary: "sh",
		Args:   []string{"-c", "sleep 5"},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "canceled")
	assert.NotContains(t, err.Error(), "timed out")
}

func TestRunExtraEnv(t *testing.T) {
	r := newRunner(t)

	res, err := r.Run(context.Background(), execwrap.Spec{
		Binary: "sh",
		Args:   []string{"-c", "printf '%s' \"$STAGE_FLAG\""},
		Env:    map[string]string{"STAGE_FLAG": "enabled"},
	})

	require.NoError(t, err)
	assert.Equal(t, "enabled", res.Stdout)
}

func TestBackgroundStartStop(t *testing.T) {
	r := newRunner(t)

	bg, err := r.Start(execwrap.Spec{
		Binary: "sh",
		Args:   []string{"-c", "sleep 30"},
	})
	require.NoError(t, err)

	bg.Stop()
	// Stop on an already stopped process must be safe.
	bg.Stop()
}

func TestLookPath(t *testing.T) {
	_, err := execwrap.LookPath("sh")
	assert.NoError(t, err)

	_, err = execwrap.LookPath("definitely-not-a-binary-9f2c")
	assert.Error(t, err)
}
