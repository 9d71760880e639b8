package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pilsy/normstore/internal/schema"
)

// ValidationIssue is one problem found in a schema file set.
type ValidationIssue struct {
	File    string `json:"file,omitempty"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Entities []string          `json:"entities,omitempty"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schema-file>...",
		Short: "Validate schema files",
		Long: `Validate entity schema files (.yaml or .cue) without running anything.

All files are registered into one registry so cross-file relationships
resolve; a relationship naming an entity type no file declares fails
validation.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	registry := schema.NewRegistry()
	var issues []ValidationIssue

	for _, path := range paths {
		formatter.VerboseLog("Loading %s", path)

		var defs []schema.Definition
		var err error
		switch filepath.Ext(path) {
		case ".cue":
			defs, err = schema.CompileFile(path)
		default:
			defs, err = schema.LoadYAMLFile(path)
		}
		if err != nil {
			issues = append(issues, ValidationIssue{File: path, Message: err.Error()})
			continue
		}
		if err := registry.Register(defs...); err != nil {
			issues = append(issues, ValidationIssue{File: path, Message: err.Error()})
		}
	}

	if len(issues) == 0 {
		if err := registry.Finalize(); err != nil {
			issues = append(issues, ValidationIssue{Message: err.Error()})
		}
	}

	if len(issues) > 0 {
		return outputValidationErrors(formatter, issues)
	}
	return outputValidateSuccess(formatter, registry.Names())
}

func outputValidateSuccess(formatter *OutputFormatter, entities []string) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Entities: entities})
	}
	fmt.Fprintf(formatter.Writer, "✓ %d entity type(s) valid\n", len(entities))
	for _, name := range entities {
		fmt.Fprintf(formatter.Writer, "  %s\n", name)
	}
	return nil
}

func outputValidationErrors(formatter *OutputFormatter, issues []ValidationIssue) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: issues},
			Error: &CLIError{
				Code:    "E_SCHEMA",
				Message: issues[0].Message,
			},
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, issue := range issues {
		if issue.File != "" {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n", issue.File, issue.Message)
			continue
		}
		fmt.Fprintf(formatter.Writer, "  %s\n", issue.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
}
