package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomengine/loom/internal/contract"
	"github.com/loomengine/loom/internal/engine"
	"github.com/loomengine/loom/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	DB        string // database path
	Contracts string // contracts directory
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the loom CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - durable workflow engine",
		Long:  "Compile workflow graphs to content-addressed bytecode and execute them durably.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "loom.db", "database path")
	cmd.PersistentFlags().StringVar(&opts.Contracts, "contracts", "contracts", "verb contracts directory")

	// Add subcommands
	cmd.AddCommand(NewLintCommand(opts))
	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewDisasmCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewWorkerCommand(opts))
	cmd.AddCommand(NewCompleteCommand(opts))
	cmd.AddCommand(NewDeliverCommand(opts))
	cmd.AddCommand(NewSignalCommand(opts))
	cmd.AddCommand(NewInstancesCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewIncidentsCommand(opts))
	cmd.AddCommand(NewTemplateCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// newFormatter builds the output formatter for a command invocation.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

// openStore opens the database at the configured path.
func openStore(opts *RootOptions) (*store.Store, error) {
	s, err := store.Open(opts.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("opening database %s", opts.DB), err)
	}
	return s, nil
}

// loadRegistry loads the verb contract registry from the configured
// directory.
func loadRegistry(opts *RootOptions) (*contract.Registry, error) {
	reg, err := contract.LoadDir(opts.Contracts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("loading contracts from %s", opts.Contracts), err)
	}
	return reg, nil
}

// openEngine opens the store and builds an engine over it. The caller
// closes the returned store.
func openEngine(opts *RootOptions) (*engine.Engine, *store.Store, error) {
	s, err := openStore(opts)
	if err != nil {
		return nil, nil, err
	}
	reg, err := loadRegistry(opts)
	if err != nil {
		s.Close()
		return nil, nil, err
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	eng := engine.New(s, reg, engine.UUIDv7Generator{}, engine.WithLogger(logger))
	return eng, s, nil
}
