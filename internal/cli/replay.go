package cli

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pilsy/normstore/internal/entity"
	"github.com/pilsy/normstore/internal/journal"
	"github.com/pilsy/normstore/internal/scenario"
	"github.com/pilsy/normstore/internal/update"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Schemas  []string
}

// ReplayResult holds the replay outcome.
type ReplayResult struct {
	Actions       int            `json:"actions"`
	Entities      map[string]int `json:"entities"`
	Deterministic bool           `json:"deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay an action journal and verify determinism",
		Long: `Replay a journal to rebuild the state its actions describe.

The journal folds twice and the two canonical serializations must match;
a mismatch means the update engine behaved non-deterministically.

Exit codes:
  0 - replay succeeded and is deterministic
  1 - determinism verification failed
  2 - command error (journal not found, schema load failure, etc.)

Examples:
  normstore replay --db ./actions.db --schemas schemas/blog.yaml
  normstore replay --db ./actions.db --schemas schemas/blog.yaml --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the journal database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringSliceVar(&opts.Schemas, "schemas", nil, "schema files to register (required)")
	_ = cmd.MarkFlagRequired("schemas")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	registry, err := scenario.BuildRegistry(opts.Schemas)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load schemas", err)
	}

	j, err := journal.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer j.Close()

	n, err := j.Len(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	formatter.VerboseLog("Replaying %d action(s) from %s", n, opts.Database)

	reducer := update.NewReducer(registry)

	first, err := journal.Replay(ctx, j, reducer)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}
	second, err := journal.Replay(ctx, j, reducer)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}

	deterministic, err := statesMatch(first, second)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compare replay results", err)
	}

	result := ReplayResult{
		Actions:       n,
		Entities:      make(map[string]int),
		Deterministic: deterministic,
	}
	for name, bucket := range first {
		result.Entities[name] = len(bucket)
	}

	if !deterministic {
		_ = formatter.Error("E_REPLAY", "replay produced differing states", result)
		return NewExitError(ExitFailure, "replay is not deterministic")
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ replayed %d action(s), deterministic\n", n)
	names := make([]string, 0, len(result.Entities))
	for name := range result.Entities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(formatter.Writer, "  %s: %d record(s)\n", name, result.Entities[name])
	}
	return nil
}

// statesMatch compares two states through their canonical serializations.
func statesMatch(a, b entity.State) (bool, error) {
	aj, err := entity.MarshalCanonical(a)
	if err != nil {
		return false, err
	}
	bj, err := entity.MarshalCanonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(aj, bj), nil
}
