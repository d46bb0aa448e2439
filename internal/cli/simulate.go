package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/iapsync/internal/harness"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Filter string // scenario name glob
	Trace  bool   // include the full trace in the output
}

// ScenarioResult is the outcome of one simulated scenario.
type ScenarioResult struct {
	Name       string               `json:"name"`
	File       string               `json:"file"`
	Pass       bool                 `json:"pass"`
	Errors     []string             `json:"errors,omitempty"`
	Receipts   int                  `json:"receipts"`
	Connection string               `json:"connection,omitempty"`
	Trace      []harness.TraceEvent `json:"trace,omitempty"`

	text string
}

// SimulateResult is the outcome of a simulate run.
type SimulateResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario|dir>...",
		Short: "Replay scenarios against the in-memory store",
		Long: `Replay YAML scenarios against the in-memory billing store and check
their assertions.

Every scenario is checked against the scenario schema first. The run is
deterministic: the same scenario always produces the same trace.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing paths, bad filter)

Examples:
  iapsync simulate ./scenarios
  iapsync simulate ./scenarios --filter "reconnect_*"
  iapsync simulate purchase.yaml --trace
  iapsync simulate ./scenarios --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by file name glob")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print the full trace of each scenario")

	return cmd
}

func runSimulate(opts *SimulateOptions, paths []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	files, err := findScenarioFiles(paths, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	result := SimulateResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		formatter.VerboseLog("simulating %s", file)
		sr := simulateFile(opts, file, cmd)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, sr)
	}

	if formatter.JSON() {
		if result.Failed > 0 {
			if err := formatter.Failure(CodeScenarioFail, fmt.Sprintf("%d scenario(s) failed", result.Failed), result); err != nil {
				return err
			}
		} else if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		writeSimulateText(cmd.OutOrStdout(), result)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

func simulateFile(opts *SimulateOptions, file string, cmd *cobra.Command) ScenarioResult {
	sr := ScenarioResult{Name: strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)), File: file}

	schemaErrs, err := harness.ValidateScenarioFile(file)
	if err != nil {
		sr.Errors = []string{err.Error()}
		return sr
	}
	if len(schemaErrs) > 0 {
		for _, e := range schemaErrs {
			sr.Errors = append(sr.Errors, "schema: "+e.Error())
		}
		return sr
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		sr.Errors = []string{err.Error()}
		return sr
	}
	sr.Name = scenario.Name

	res, err := harness.Run(cmd.Context(), scenario, harness.WithLogger(opts.logger()))
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return sr
	}

	sr.Pass = res.Pass
	sr.Errors = res.Errors
	sr.Receipts = res.Receipts
	sr.Connection = res.Connection
	if opts.Trace {
		sr.Trace = res.Trace
		sr.text = res.Text()
	}
	return sr
}

func writeSimulateText(w io.Writer, result SimulateResult) {
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	for _, sr := range result.Scenarios {
		mark := "✓"
		if !sr.Pass {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s (receipts=%d, connection=%s)\n", mark, sr.Name, sr.Receipts, orDash(sr.Connection))
		for _, e := range sr.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		if sr.text != "" {
			fmt.Fprint(w, indent(sr.text, "    "))
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
}

// findScenarioFiles expands paths into YAML files. Directories are walked
// recursively; filter matches the file name without extension.
func findScenarioFiles(paths []string, filter string) ([]string, error) {
	if filter != "" {
		if _, err := filepath.Match(filter, ""); err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	var files []string
	keep := func(path string) {
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			if ok, _ := filepath.Match(filter, name); !ok {
				return
			}
		}
		files = append(files, path)
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			keep(root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				keep(path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func indent(s, prefix string) string {
	lines := strings.SplitAfter(s, "\n")
	var b strings.Builder
	for _, l := range lines {
		if l == "" {
			continue
		}
		b.WriteString(prefix)
		b.WriteString(l)
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
