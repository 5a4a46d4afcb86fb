package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomengine/loom/internal/lint"
)

// LintOptions holds flags for the lint command.
type LintOptions struct {
	*RootOptions
	Strict bool
}

// lintReport is the JSON payload of one linted workflow.
type lintReport struct {
	ProcessKey  string            `json:"process_key"`
	Diagnostics []lint.Diagnostic `json:"diagnostics"`
}

// NewLintCommand creates the lint command.
func NewLintCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LintOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "lint <workflows-dir>",
		Short: "Lint workflow graphs against the contract registry",
		Long: `Lint workflow graphs against the verb contract registry.

Errors (undeclared condition flags, undeclared error codes) block
compilation; warnings do not. --strict promotes missing contracts from
warning to error.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLint(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "treat missing contracts as errors")

	return cmd
}

func runLint(opts *LintOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	reg, err := loadRegistry(opts.RootOptions)
	if err != nil {
		return outputLoadError(formatter, err)
	}

	loadResult, loadErrors := LoadWorkflows(dir, LoadModeCollectAll)
	if loadResult == nil && len(loadErrors) > 0 {
		return outputLoadErrors(formatter, loadErrors)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, dir)
	if len(loadErrors) > 0 {
		return outputLoadErrors(formatter, loadErrors)
	}

	var (
		reports   []lintReport
		hasErrors bool
	)
	for _, w := range loadResult.Workflows {
		diags := lint.Run(&w, reg, lint.Options{Strict: opts.Strict})
		reports = append(reports, lintReport{ProcessKey: w.ProcessKey, Diagnostics: diags})
		if lint.HasErrors(diags) {
			hasErrors = true
		}
	}

	if formatter.Format == "json" {
		if err := formatter.Success(reports); err != nil {
			return err
		}
	} else {
		for _, r := range reports {
			if len(r.Diagnostics) == 0 {
				fmt.Fprintf(formatter.Writer, "✓ %s: clean\n", r.ProcessKey)
				continue
			}
			fmt.Fprintf(formatter.Writer, "%s:\n", r.ProcessKey)
			for _, d := range r.Diagnostics {
				fmt.Fprintf(formatter.Writer, "  %s\n", d.Error())
			}
		}
	}

	if hasErrors {
		return NewExitError(ExitFailure, "lint errors present")
	}
	return nil
}

// outputLoadError reports a single loader/registry error.
func outputLoadError(formatter *OutputFormatter, err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		_ = formatter.Error(ErrCodeNotFound, exitErr.Error(), nil)
		return exitErr
	}
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
		return NewExitError(ExitCommandError, loadErr.Error())
	}
	_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
	return NewExitError(ExitCommandError, err.Error())
}

// outputLoadErrors reports loader errors and returns a command error.
func outputLoadErrors(formatter *OutputFormatter, errs []error) error {
	for _, err := range errs {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
			continue
		}
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
	}
	return NewExitError(ExitCommandError, fmt.Sprintf("loading failed with %d error(s)", len(errs)))
}
