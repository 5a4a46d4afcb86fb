package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomengine/loom/internal/compiler"
	"github.com/loomengine/loom/internal/lint"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Strict bool
}

// compiledWorkflow is the JSON payload for one compiled workflow.
type compiledWorkflow struct {
	ProcessKey string            `json:"process_key"`
	Version    string            `json:"version"`
	Instrs     int               `json:"instructions"`
	Warnings   []lint.Diagnostic `json:"warnings,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <workflows-dir>",
		Short: "Compile workflow graphs to bytecode",
		Long: `Compile workflow graphs to content-addressed bytecode programs.

Each workflow is linted, lowered, stamped with its version hash and
stored. Compiling the same workflow against the same contracts always
produces the same version; re-compiling is a no-op.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompileCmd(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "treat missing contracts as errors")

	return cmd
}

func runCompileCmd(opts *CompileOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	reg, err := loadRegistry(opts.RootOptions)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	s, err := openStore(opts.RootOptions)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	defer s.Close()

	loadResult, loadErrors := LoadWorkflows(dir, LoadModeCollectAll)
	if loadResult == nil && len(loadErrors) > 0 {
		return outputLoadErrors(formatter, loadErrors)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, dir)
	if len(loadErrors) > 0 {
		return outputLoadErrors(formatter, loadErrors)
	}

	var compiled []compiledWorkflow
	for _, w := range loadResult.Workflows {
		formatter.VerboseLog("Compiling workflow: %s", w.ProcessKey)

		prog, diags, err := compiler.Compile(&w, reg, lint.Options{Strict: opts.Strict})
		if err != nil {
			var compileErr *compiler.CompileError
			if errors.As(err, &compileErr) {
				_ = formatter.Error(ErrCodeLint, compileErr.Message, compileErr.Diagnostics)
				return NewExitError(ExitFailure, compileErr.Error())
			}
			_ = formatter.Error(ErrCodeCompile, err.Error(), nil)
			return NewExitError(ExitFailure, err.Error())
		}

		if err := s.PutProgram(cmd.Context(), prog, time.Now().UnixMilli()); err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), nil)
			return NewExitError(ExitCommandError, err.Error())
		}

		compiled = append(compiled, compiledWorkflow{
			ProcessKey: prog.ProcessKey,
			Version:    prog.Version,
			Instrs:     len(prog.Instrs),
			Warnings:   warnings(diags),
		})
	}

	if formatter.Format == "json" {
		return formatter.Success(compiled)
	}

	fmt.Fprintf(formatter.Writer, "✓ Compiled %d workflow(s)\n\n", len(compiled))
	for _, c := range compiled {
		fmt.Fprintf(formatter.Writer, "  %s: %d instruction(s)\n    version %s\n", c.ProcessKey, c.Instrs, c.Version)
		for _, d := range c.Warnings {
			fmt.Fprintf(formatter.Writer, "    %s\n", d.Error())
		}
	}
	return nil
}

// warnings filters diagnostics down to warnings. Compile succeeded, so
// errors cannot be present.
func warnings(diags []lint.Diagnostic) []lint.Diagnostic {
	var out []lint.Diagnostic
	for _, d := range diags {
		if d.Severity == lint.SeverityWarning {
			out = append(out, d)
		}
	}
	return out
}

// NewDisasmCommand creates the disasm command.
func NewDisasmCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "disasm <version>",
		Short:         "Disassemble a stored bytecode program",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)

			s, err := openStore(rootOpts)
			if err != nil {
				return outputLoadError(formatter, err)
			}
			defer s.Close()

			prog, err := s.GetProgram(cmd.Context(), args[0])
			if err != nil {
				_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
				return NewExitError(ExitCommandError, err.Error())
			}

			if formatter.Format == "json" {
				return formatter.Success(prog)
			}
			fmt.Fprint(formatter.Writer, prog.Disassemble())
			return nil
		},
	}
	return cmd
}
