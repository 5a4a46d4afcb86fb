package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewTemplateCommand creates the template lifecycle command group.
//
// Templates move draft -> published -> retired. Published content is
// immutable and retirement is terminal; the schema's guard triggers
// enforce both, the commands only surface the errors.
func NewTemplateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Workflow template lifecycle",
	}

	create := &cobra.Command{
		Use:           "create <process-key> <version> <content-file>",
		Short:         "Create a draft template",
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			content, err := os.ReadFile(args[2])
			if err != nil {
				_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("reading content file: %v", err), nil)
				return NewExitError(ExitCommandError, err.Error())
			}
			return templateOp(rootOpts, cmd, "created", args[0], args[1], func() error {
				s, err := openStore(rootOpts)
				if err != nil {
					return err
				}
				defer s.Close()
				return s.CreateTemplate(cmd.Context(), args[0], args[1], content)
			})
		},
	}

	publish := &cobra.Command{
		Use:           "publish <process-key> <version>",
		Short:         "Publish a draft template",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return templateOp(rootOpts, cmd, "published", args[0], args[1], func() error {
				s, err := openStore(rootOpts)
				if err != nil {
					return err
				}
				defer s.Close()
				return s.PublishTemplate(cmd.Context(), args[0], args[1])
			})
		},
	}

	retire := &cobra.Command{
		Use:           "retire <process-key> <version>",
		Short:         "Retire a published template",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return templateOp(rootOpts, cmd, "retired", args[0], args[1], func() error {
				s, err := openStore(rootOpts)
				if err != nil {
					return err
				}
				defer s.Close()
				return s.RetireTemplate(cmd.Context(), args[0], args[1])
			})
		},
	}

	show := &cobra.Command{
		Use:           "show <process-key> <version>",
		Short:         "Show a template",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			s, err := openStore(rootOpts)
			if err != nil {
				return outputLoadError(formatter, err)
			}
			defer s.Close()

			t, err := s.GetTemplate(cmd.Context(), args[0], args[1])
			if err != nil {
				_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
				return NewExitError(ExitCommandError, err.Error())
			}
			if formatter.Format == "json" {
				return formatter.Success(t)
			}
			fmt.Fprintf(formatter.Writer, "template %s@%s (%s)\n%s\n", t.ProcessKey, t.Version, t.State, string(t.Content))
			return nil
		},
	}

	cmd.AddCommand(create, publish, retire, show)
	return cmd
}

// templateOp runs one lifecycle mutation and reports the result.
func templateOp(rootOpts *RootOptions, cmd *cobra.Command, verb, processKey, version string, fn func() error) error {
	formatter := newFormatter(rootOpts, cmd)
	if err := fn(); err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return NewExitError(ExitCommandError, err.Error())
	}
	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"process_key": processKey, "version": version, "state": verb})
	}
	fmt.Fprintf(formatter.Writer, "✓ Template %s@%s %s\n", processKey, version, verb)
	return nil
}
