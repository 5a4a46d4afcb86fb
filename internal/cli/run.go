package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	PayloadFile   string
	Payload       string
	CorrelationID string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <version>",
		Short: "Start a process instance pinned to a bytecode version",
		Long: `Start a process instance pinned to a compiled bytecode version.

The instance executes until every fiber suspends or retires. The version
pin is permanent; later compiles never migrate a running instance.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.PayloadFile, "payload-file", "", "read the domain payload from a file")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "inline domain payload")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation", "", "instance correlation id")

	return cmd
}

func runRun(opts *RunOptions, version string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	payload := []byte(opts.Payload)
	if opts.PayloadFile != "" {
		data, err := os.ReadFile(opts.PayloadFile)
		if err != nil {
			_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("reading payload file: %v", err), nil)
			return NewExitError(ExitCommandError, err.Error())
		}
		payload = data
	}

	eng, s, err := openEngine(opts.RootOptions)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	defer s.Close()

	instanceID, err := eng.StartInstance(cmd.Context(), version, payload, opts.CorrelationID)
	if err != nil {
		_ = formatter.Error(ErrCodeEngine, err.Error(), nil)
		return NewExitError(ExitCommandError, err.Error())
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"instance_id": instanceID, "version": version})
	}
	fmt.Fprintf(formatter.Writer, "✓ Started instance %s\n", instanceID)
	return nil
}
