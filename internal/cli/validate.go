package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/iapsync/internal/harness"
)

// FileValidation is the schema check of one scenario file.
type FileValidation struct {
	File   string                `json:"file"`
	Valid  bool                  `json:"valid"`
	Errors []harness.SchemaError `json:"errors,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario|dir>...",
		Short: "Check scenario files against the scenario schema",
		Long: `Check YAML scenario files against the embedded CUE scenario schema
without running them.

Reports every violation with its field path and line. Faster than
simulate for development feedback.`,
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
	formatter := opts.formatter(cmd)

	files, err := findScenarioFiles(paths, "")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	if len(files) == 0 {
		return NewExitError(ExitCommandError, "no scenario files found")
	}

	result := ValidationResult{Valid: true}
	for _, file := range files {
		formatter.VerboseLog("validating %s", file)
		errs, err := harness.ValidateScenarioFile(file)
		if err != nil {
			errs = []harness.SchemaError{{Message: err.Error()}}
		}
		fv := FileValidation{File: file, Valid: len(errs) == 0, Errors: errs}
		if !fv.Valid {
			result.Valid = false
		}
		result.Files = append(result.Files, fv)
	}

	if formatter.JSON() {
		if !result.Valid {
			if err := formatter.Failure(CodeSchema, "schema validation failed", result); err != nil {
				return err
			}
		} else if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		writeValidateText(cmd.OutOrStdout(), result)
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "schema validation failed")
	}
	return nil
}

func writeValidateText(w io.Writer, result ValidationResult) {
	for _, fv := range result.Files {
		if fv.Valid {
			fmt.Fprintf(w, "✓ %s\n", fv.File)
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", fv.File)
		for _, e := range fv.Errors {
			fmt.Fprintf(w, "  %s\n", e.Error())
		}
	}
	if result.Valid {
		fmt.Fprintln(w, "✓ All scenarios valid")
	}
}
