package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pilsy/normstore/internal/scenario"
)

// RunResult summarizes a scenario run.
type RunResult struct {
	Scenario   string         `json:"scenario"`
	Events     int            `json:"events"`
	Entities   map[string]int `json:"entities"`
	Assertions int            `json:"assertions"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a scenario file",
		Long: `Run a scenario file against a fresh store and evaluate its assertions.

Exit codes:
  0 - scenario ran and every assertion held
  1 - a step failed or an assertion did not hold
  2 - command error (scenario or schema file unreadable)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runScenario(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	s, err := scenario.Load(path)
	if err != nil {
		_ = formatter.Error("E_SCENARIO", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	formatter.VerboseLog("Running scenario %q (%d setup, %d flow, %d assertions)",
		s.Name, len(s.Setup), len(s.Flow), len(s.Assertions))

	result, err := scenario.Run(s)
	if err != nil {
		_ = formatter.Error("E_RUN", err.Error(), nil)
		return WrapExitError(ExitFailure, fmt.Sprintf("scenario %q failed", s.Name), err)
	}

	summary := RunResult{
		Scenario:   s.Name,
		Events:     len(result.Events),
		Entities:   make(map[string]int),
		Assertions: len(s.Assertions),
	}
	for name, bucket := range result.FinalState {
		summary.Entities[name] = len(bucket)
	}

	if formatter.Format == "json" {
		return formatter.Success(summary)
	}

	fmt.Fprintf(formatter.Writer, "✓ scenario %q passed\n", s.Name)
	fmt.Fprintf(formatter.Writer, "  events: %d\n", summary.Events)
	names := make([]string, 0, len(summary.Entities))
	for name := range summary.Entities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(formatter.Writer, "  %s: %d record(s)\n", name, summary.Entities[name])
	}
	return nil
}
