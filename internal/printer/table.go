package printer

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/slok/photomesh/internal/model"
)

// TablePrinter prints reconstruction information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintRunList prints runs in a table format.
func (t *TablePrinter) PrintRunList(runs []model.Run) error {
	if len(runs) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tSTATUS\tENGINE\tBRANCH\tIMAGES\tDURATION\tCREATED")

	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID,
			r.Status,
			r.Engine,
			orDash(string(r.Branch)),
			r.ImagesSaved,
			FormatDuration(r.DurationMS),
			TimeAgo(r.CreatedAt),
		)
	}

	return nil
}

// PrintRun prints detailed run information.
func (t *TablePrinter) PrintRun(run model.Run) error {
	fmt.Fprintf(t.writer, "ID:           %s\n", run.ID)
	fmt.Fprintf(t.writer, "Status:       %s\n", run.Status)
	fmt.Fprintf(t.writer, "Engine:       %s\n", run.Engine)
	if run.Branch != "" {
		fmt.Fprintf(t.writer, "Branch:       %s\n", run.Branch)
	}
	fmt.Fprintf(t.writer, "Images:       %d\n", run.ImagesSaved)
	fmt.Fprintf(t.writer, "Masks:        %d\n", run.BinaryMasks)
	if run.Status == model.RunStatusFailed {
		fmt.Fprintf(t.writer, "Failed at:    %s\n", run.Stage)
		fmt.Fprintf(t.writer, "Error:        %s\n", run.Error)
	}
	if run.PointCloudPath != "" {
		fmt.Fprintf(t.writer, "Point cloud:  %s\n", run.PointCloudPath)
	}
	if run.MeshPath != "" {
		fmt.Fprintf(t.writer, "Mesh:         %s\n", run.MeshPath)
	}
	fmt.Fprintf(t.writer, "Workspace:    %s\n", run.WorkDir)
	fmt.Fprintf(t.writer, "Duration:     %s\n", FormatDuration(run.DurationMS))
	fmt.Fprintf(t.writer, "Created:      %s\n", FormatTimestamp(run.CreatedAt))

	return nil
}

// PrintReport prints the full report of a finished run, including the stage
// trail.
func (t *TablePrinter) PrintReport(report model.Report) error {
	status := model.RunStatusSucceeded
	if !report.Success {
		status = model.RunStatusFailed
	}

	fmt.Fprintf(t.writer, "ID:           %s\n", report.ID)
	fmt.Fprintf(t.writer, "Status:       %s\n", status)
	fmt.Fprintf(t.writer, "Engine:       %s\n", report.Engine)
	if report.Branch != "" {
		fmt.Fprintf(t.writer, "Branch:       %s\n", report.Branch)
	}
	fmt.Fprintf(t.writer, "Images:       %d\n", report.ImagesSaved)
	fmt.Fprintf(t.writer, "Mask source:  %s\n", report.MaskSource)
	if !report.Success {
		fmt.Fprintf(t.writer, "Failed at:    %s\n", report.Stage)
		fmt.Fprintf(t.writer, "Error:        %s\n", report.Error)
	}
	if report.PointCloud != nil {
		fmt.Fprintf(t.writer, "Point cloud:  %s (%d points, %s)\n", report.PointCloud.Path, report.PointCloud.Points, report.PointCloud.Origin)
	}
	if report.Mesh != nil && report.Mesh.Success {
		fmt.Fprintf(t.writer, "Mesh:         %s", report.Mesh.MeshPath)
		if report.Mesh.Triangles > 0 {
			fmt.Fprintf(t.writer, " (%d vertices, %d triangles)", report.Mesh.Vertices, report.Mesh.Triangles)
		}
		fmt.Fprintln(t.writer)
	}
	fmt.Fprintf(t.writer, "Duration:     %s\n", FormatDuration(report.DurationMS))

	if len(report.Stages) > 0 {
		fmt.Fprintln(t.writer, "\nStages:")
		tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
		for _, s := range report.Stages {
			outcome := "ok"
			if !s.Success {
				outcome = "failed"
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", s.Stage, outcome, s.Error)
		}
		tw.Flush()
	}

	return nil
}

// PrintMessage prints a simple message.
func (t *TablePrinter) PrintMessage(msg string) error {
	_, err := fmt.Fprintln(t.writer, msg)
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
