package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomengine/loom/internal/engine"
)

// IncidentsOptions holds flags for the incidents command.
type IncidentsOptions struct {
	*RootOptions
	All bool
}

// NewIncidentsCommand creates the incidents command group.
func NewIncidentsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IncidentsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "incidents",
		Short:         "List and resolve incidents",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIncidentList(opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.All, "all", false, "include resolved incidents")

	resolve := &cobra.Command{
		Use:   "resolve <incident-id> <retry|cancel>",
		Short: "Resolve an open incident",
		Long: `Resolve an open incident with an operator decision.

retry requeues the failed job with a fresh budget and resumes the
instance; cancel abandons the instance.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIncidentResolve(opts, args[0], args[1], cmd)
		},
	}
	cmd.AddCommand(resolve)

	return cmd
}

func runIncidentList(opts *IncidentsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	s, err := openStore(opts.RootOptions)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	defer s.Close()

	incidents, err := s.ListIncidents(cmd.Context(), !opts.All)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return NewExitError(ExitCommandError, err.Error())
	}

	if formatter.Format == "json" {
		return formatter.Success(incidents)
	}
	if len(incidents) == 0 {
		fmt.Fprintln(formatter.Writer, "no incidents")
		return nil
	}
	for _, inc := range incidents {
		state := "open"
		if inc.ResolvedAt != 0 {
			state = "resolved:" + inc.Resolution
		}
		fmt.Fprintf(formatter.Writer, "%s  %-8s  %s fiber=%d %s: %s\n",
			inc.IncidentID, state, inc.InstanceID, inc.FiberID, inc.ErrorClass, inc.Message)
	}
	return nil
}

func runIncidentResolve(opts *IncidentsOptions, incidentID, resolution string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	eng, s, err := openEngine(opts.RootOptions)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	defer s.Close()

	if err := eng.ResolveIncident(cmd.Context(), incidentID, engine.Resolution(resolution)); err != nil {
		_ = formatter.Error(ErrCodeEngine, err.Error(), nil)
		return NewExitError(ExitCommandError, err.Error())
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"incident_id": incidentID, "resolution": resolution})
	}
	fmt.Fprintf(formatter.Writer, "✓ Resolved %s (%s)\n", incidentID, resolution)
	return nil
}
