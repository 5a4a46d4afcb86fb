package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// DeliverOptions holds flags for the deliver command.
type DeliverOptions struct {
	*RootOptions
	Payload string
}

// NewDeliverCommand creates the deliver command.
func NewDeliverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeliverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deliver <message-name> <corr-key>",
		Short: "Deliver an external message",
		Long: `Deliver an external message to the fiber awaiting it.

With no waiter the message parks in the dead letter queue until a fiber
reaches the matching wait or the TTL expires.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(opts.RootOptions, cmd)

			eng, s, err := openEngine(opts.RootOptions)
			if err != nil {
				return outputLoadError(formatter, err)
			}
			defer s.Close()

			if err := eng.DeliverMessage(cmd.Context(), args[0], args[1], []byte(opts.Payload)); err != nil {
				_ = formatter.Error(ErrCodeEngine, err.Error(), nil)
				return NewExitError(ExitCommandError, err.Error())
			}

			if formatter.Format == "json" {
				return formatter.Success(map[string]any{"name": args[0], "corr_key": args[1]})
			}
			fmt.Fprintf(formatter.Writer, "✓ Delivered %s/%s\n", args[0], args[1])
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "", "message payload")
	return cmd
}

// SignalOptions holds flags for the signal command.
type SignalOptions struct {
	*RootOptions
	Payload string
}

// NewSignalCommand creates the signal command.
func NewSignalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SignalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "signal <instance-id> <fiber-id>",
		Short: "Complete a human task",
		Long: `Complete the human task a fiber is waiting on.

The fiber is addressed directly; "instances <instance-id>" lists which
fibers await human tasks. A non-empty payload becomes the instance's
current payload.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(opts.RootOptions, cmd)

			fiberID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				_ = formatter.Error(ErrCodeGeneric, fmt.Sprintf("invalid fiber id %q", args[1]), nil)
				return NewExitError(ExitCommandError, "invalid fiber id")
			}

			eng, s, err := openEngine(opts.RootOptions)
			if err != nil {
				return outputLoadError(formatter, err)
			}
			defer s.Close()

			if err := eng.SignalHumanTask(cmd.Context(), args[0], fiberID, []byte(opts.Payload)); err != nil {
				_ = formatter.Error(ErrCodeEngine, err.Error(), nil)
				return NewExitError(ExitCommandError, err.Error())
			}

			if formatter.Format == "json" {
				return formatter.Success(map[string]any{"instance_id": args[0], "fiber_id": fiberID})
			}
			fmt.Fprintf(formatter.Writer, "✓ Signalled fiber %d on %s\n", fiberID, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "", "completion payload")
	return cmd
}
