package colmap

import (
	"context"
	"fmt"

	"github.com/slok/photomesh/internal/execwrap"
	"github.com/slok/photomesh/internal/model"
)

// Check runs the preflight checks for the photogrammetry toolchain.
func (r *Runner) Check(ctx context.Context) []model.CheckResult {
	var results []model.CheckResult

	path, err := execwrap.LookPath(r.binary)
	if err != nil {
		results = append(results, model.CheckResult{
			ID:      "colmap_binary",
			Status:  model.CheckStatusError,
			Message: fmt.Sprintf("%q not found in PATH", r.binary),
		})
		return results
	}
	results = append(results, model.CheckResult{
		ID:      "colmap_binary",
		Status:  model.CheckStatusOK,
		Message: path,
	})

	res, err := r.exec.Run(ctx, execwrap.Spec{Binary: r.binary, Args: []string{"help"}})
	if err != nil || res.ExitCode != 0 {
		results = append(results, model.CheckResult{
			ID:      "colmap_runnable",
			Status:  model.CheckStatusWarning,
			Message: "binary present but could not be executed",
		})
	} else {
		results = append(results, model.CheckResult{
			ID:      "colmap_runnable",
			Status:  model.CheckStatusOK,
			Message: "binary executes",
		})
	}

	if r.gpu {
		results = append(results, model.CheckResult{
			ID:      "dense_branch",
			Status:  model.CheckStatusOK,
			Message: "GPU enabled, dense reconstruction available",
		})
	} else {
		results = append(results, model.CheckResult{
			ID:      "dense_branch",
			Status:  model.CheckStatusWarning,
			Message: "no GPU configured, runs will export the sparse model only",
		})
	}

	return results
}
