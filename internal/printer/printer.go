package printer

import "github.com/slok/photomesh/internal/model"

// Printer knows how to print reconstruction information in different formats.
type Printer interface {
	PrintRunList(runs []model.Run) error
	PrintRun(run model.Run) error
	PrintReport(report model.Report) error
	PrintMessage(msg string) error
}
