package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Recover after a crash",
		Long: `Re-drive fibers that were mid-step when the process died, release
expired worker claims and purge expired dead letters.

Safe to run on every startup; with nothing to recover it is a no-op.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)

			eng, s, err := openEngine(rootOpts)
			if err != nil {
				return outputLoadError(formatter, err)
			}
			defer s.Close()

			report, err := eng.Recover(cmd.Context())
			if err != nil {
				_ = formatter.Error(ErrCodeEngine, err.Error(), nil)
				return NewExitError(ExitCommandError, err.Error())
			}
			expired, err := eng.SweepDeadLetters(cmd.Context())
			if err != nil {
				_ = formatter.Error(ErrCodeEngine, err.Error(), nil)
				return NewExitError(ExitCommandError, err.Error())
			}

			if formatter.Format == "json" {
				return formatter.Success(map[string]any{
					"fibers_resumed":      report.FibersResumed,
					"claims_released":     report.ClaimsReleased,
					"dead_letters_purged": len(expired),
				})
			}
			fmt.Fprintf(formatter.Writer, "✓ Resumed %d fiber(s), released %d claim(s), purged %d dead letter(s)\n",
				report.FibersResumed, report.ClaimsReleased, len(expired))
			return nil
		},
	}
	return cmd
}
