package mesh

import (
	"context"
	"fmt"

	"github.com/slok/photomesh/internal/execwrap"
	"github.com/slok/photomesh/internal/model"
)

// Check runs the preflight checks for the neural reconstruction path.
func (t *TripoSR) Check(ctx context.Context) []model.CheckResult {
	var results []model.CheckResult

	if path, err := execwrap.LookPath(t.python); err != nil {
		results = append(results, model.CheckResult{
			ID:      "python_binary",
			Status:  model.CheckStatusError,
			Message: fmt.Sprintf("%q not found in PATH", t.python),
		})
	} else {
		results = append(results, model.CheckResult{
			ID:      "python_binary",
			Status:  model.CheckStatusOK,
			Message: path,
		})
	}

	if entry, err := t.findEntrypoint(); err != nil {
		results = append(results, model.CheckResult{
			ID:      "model_entrypoint",
			Status:  model.CheckStatusError,
			Message: err.Error(),
		})
	} else {
		results = append(results, model.CheckResult{
			ID:      "model_entrypoint",
			Status:  model.CheckStatusOK,
			Message: entry,
		})
	}

	if _, err := execwrap.LookPath("Xvfb"); err != nil {
		results = append(results, model.CheckResult{
			ID:      "virtual_display",
			Status:  model.CheckStatusWarning,
			Message: "Xvfb not found, rendering will use the EGL backend",
		})
	} else {
		results = append(results, model.CheckResult{
			ID:      "virtual_display",
			Status:  model.CheckStatusOK,
			Message: "Xvfb available",
		})
	}

	return results
}
