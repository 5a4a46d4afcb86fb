package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomengine/loom/internal/store"
)

// InstancesOptions holds flags for the instances command.
type InstancesOptions struct {
	*RootOptions
	Status string
}

// NewInstancesCommand creates the instances command.
func NewInstancesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InstancesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "instances [instance-id]",
		Short:         "List instances or show one instance's snapshot",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runInstanceShow(opts, args[0], cmd)
			}
			return runInstanceList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (running|completed|incident|cancelled)")
	return cmd
}

func runInstanceList(opts *InstancesOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	s, err := openStore(opts.RootOptions)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	defer s.Close()

	instances, err := s.ListInstances(cmd.Context(), store.InstanceStatus(opts.Status))
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return NewExitError(ExitCommandError, err.Error())
	}

	if formatter.Format == "json" {
		return formatter.Success(instances)
	}
	if len(instances) == 0 {
		fmt.Fprintln(formatter.Writer, "no instances")
		return nil
	}
	for _, inst := range instances {
		fmt.Fprintf(formatter.Writer, "%s  %-10s  %s\n", inst.InstanceID, inst.Status, inst.ProcessKey)
	}
	return nil
}

func runInstanceShow(opts *InstancesOptions, instanceID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	eng, s, err := openEngine(opts.RootOptions)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	defer s.Close()

	snap, err := eng.Snapshot(cmd.Context(), instanceID)
	if err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return NewExitError(ExitCommandError, err.Error())
	}

	if formatter.Format == "json" {
		return formatter.Success(snap)
	}

	inst := snap.Instance
	fmt.Fprintf(formatter.Writer, "instance %s\n", inst.InstanceID)
	fmt.Fprintf(formatter.Writer, "  process:  %s\n", inst.ProcessKey)
	fmt.Fprintf(formatter.Writer, "  version:  %s\n", inst.BytecodeVersion)
	fmt.Fprintf(formatter.Writer, "  status:   %s\n", inst.Status)
	if len(inst.Flags) > 0 {
		fmt.Fprintf(formatter.Writer, "  flags:    %v\n", inst.Flags)
	}
	if len(inst.Counters) > 0 {
		fmt.Fprintf(formatter.Writer, "  counters: %v\n", inst.Counters)
	}
	fmt.Fprintln(formatter.Writer, "  fibers:")
	for _, f := range snap.Fibers {
		wait := string(f.WaitState)
		if f.WaitName != "" {
			wait += " " + f.WaitName
		}
		fmt.Fprintf(formatter.Writer, "    %d: pc=%04d epoch=%d %s (%s)\n",
			f.FiberID, f.PC, f.LoopEpoch, wait, f.Status)
	}
	return nil
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "events <instance-id>",
		Short:         "Show an instance's event log",
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

			events, err := s.ReadEvents(cmd.Context(), args[0])
			if err != nil {
				_ = formatter.Error(ErrCodeStore, err.Error(), nil)
				return NewExitError(ExitCommandError, err.Error())
			}

			if formatter.Format == "json" {
				return formatter.Success(events)
			}
			for _, e := range events {
				fiber := fmt.Sprintf("%d", e.FiberID)
				if e.FiberID < 0 {
					fiber = "-"
				}
				fmt.Fprintf(formatter.Writer, "%4d  fiber=%-3s %-24s %v\n", e.Seq, fiber, e.Type, e.Detail)
			}
			return nil
		},
	}
	return cmd
}
