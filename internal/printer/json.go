package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/slok/photomesh/internal/model"
)

// JSONPrinter prints reconstruction information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// listItem represents a run in the list output (subset of fields).
type listItem struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Engine     string    `json:"engine"`
	Branch     string    `json:"branch,omitempty"`
	Images     int       `json:"images"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// runOutput represents the full run output.
type runOutput struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	Stage          string    `json:"stage,omitempty"`
	Error          string    `json:"error,omitempty"`
	Engine         string    `json:"engine"`
	Branch         string    `json:"branch,omitempty"`
	ImagesSaved    int       `json:"images_saved"`
	BinaryMasks    int       `json:"binary_masks"`
	PointCloudPath string    `json:"point_cloud_path,omitempty"`
	MeshPath       string    `json:"mesh_path,omitempty"`
	WorkDir        string    `json:"work_dir"`
	CreatedAt      time.Time `json:"created_at"`
	DurationMS     int64     `json:"duration_ms"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

// PrintRunList prints runs in JSON format with a subset of fields.
func (j *JSONPrinter) PrintRunList(runs []model.Run) error {
	items := make([]listItem, len(runs))
	for i, r := range runs {
		items[i] = listItem{
			ID:         r.ID,
			Status:     string(r.Status),
			Engine:     string(r.Engine),
			Branch:     string(r.Branch),
			Images:     r.ImagesSaved,
			DurationMS: r.DurationMS,
			CreatedAt:  r.CreatedAt.UTC(),
		}
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

// PrintRun prints detailed run information in JSON format.
func (j *JSONPrinter) PrintRun(run model.Run) error {
	output := runOutput{
		ID:             run.ID,
		Status:         string(run.Status),
		Stage:          string(run.Stage),
		Error:          run.Error,
		Engine:         string(run.Engine),
		Branch:         string(run.Branch),
		ImagesSaved:    run.ImagesSaved,
		BinaryMasks:    run.BinaryMasks,
		PointCloudPath: run.PointCloudPath,
		MeshPath:       run.MeshPath,
		WorkDir:        run.WorkDir,
		CreatedAt:      run.CreatedAt.UTC(),
		DurationMS:     run.DurationMS,
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

// PrintReport prints the full report in JSON format. The report is already a
// wire-shaped type, so it is encoded directly.
func (j *JSONPrinter) PrintReport(report model.Report) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(messageOutput{Message: msg})
}
