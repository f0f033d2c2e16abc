package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/photomesh/internal/model"
)

type DoctorCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewDoctorCommand returns the doctor command.
func NewDoctorCommand(rootCmd *RootCommand, app *kingpin.Application) *DoctorCommand {
	c := &DoctorCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("doctor", "Run preflight checks for the reconstruction tools.")

	return c
}

func (c DoctorCommand) Name() string { return c.Cmd.FullCommand() }

func (c DoctorCommand) Run(ctx context.Context) error {
	out := c.rootCmd.Stdout

	settings, err := c.rootCmd.PipelineSettings(ctx)
	if err != nil {
		return fmt.Errorf("could not resolve settings: %w", err)
	}

	checkers, err := newCheckers(settings, c.rootCmd.Logger)
	if err != nil {
		return err
	}

	groups := make([]string, 0, len(checkers))
	for name := range checkers {
		groups = append(groups, name)
	}
	sort.Strings(groups)

	var allResults []model.CheckResult
	for _, name := range groups {
		results := checkers[name](ctx)
		allResults = append(allResults, results...)

		fmt.Fprintf(out, "\nChecking %s...\n", name)
		for _, r := range results {
			fmt.Fprintf(out, "  %s %-20s %s\n", statusIcon(r.Status), r.ID, r.Message)
		}
	}

	_, warnings, errors := model.CountByStatus(allResults)

	fmt.Fprintln(out)
	if errors == 0 && warnings == 0 {
		fmt.Fprintln(out, "All checks passed!")
	} else {
		var summary []string
		if errors > 0 {
			summary = append(summary, fmt.Sprintf("%d error(s)", errors))
		}
		if warnings > 0 {
			summary = append(summary, fmt.Sprintf("%d warning(s)", warnings))
		}
		fmt.Fprintln(out, strings.Join(summary, ", "))
	}

	if errors > 0 {
		return fmt.Errorf("preflight checks failed with %d error(s)", errors)
	}

	return nil
}

func statusIcon(status model.CheckStatus) string {
	switch status {
	case model.CheckStatusOK:
		return "OK"
	case model.CheckStatusWarning:
		return "!!"
	case model.CheckStatusError:
		return "XX"
	default:
		return "??"
	}
}
