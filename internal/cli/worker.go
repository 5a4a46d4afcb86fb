package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomengine/loom/internal/engine"
)

// WorkerOptions holds flags for the worker claim command.
type WorkerOptions struct {
	*RootOptions
	TaskTypes []string
	WorkerID  string
}

// NewWorkerCommand creates the worker command group.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker-side job operations",
	}

	claim := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next pending job",
		Long: `Claim the next pending job for this worker.

The claim is a lease: a worker that dies without reporting back loses
the claim after the lease TTL and the job requeues.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClaim(opts, cmd)
		},
	}
	claim.Flags().StringSliceVar(&opts.TaskTypes, "types", nil, "task types to claim (default: any)")
	claim.Flags().StringVar(&opts.WorkerID, "worker-id", defaultWorkerID(), "worker identity recorded on the claim")

	cmd.AddCommand(claim)
	return cmd
}

func runClaim(opts *WorkerOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	eng, s, err := openEngine(opts.RootOptions)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	defer s.Close()

	job, ok, err := eng.ClaimNextJob(cmd.Context(), opts.TaskTypes, opts.WorkerID)
	if err != nil {
		_ = formatter.Error(ErrCodeEngine, err.Error(), nil)
		return NewExitError(ExitCommandError, err.Error())
	}
	if !ok {
		if formatter.Format == "json" {
			return formatter.Success(nil)
		}
		fmt.Fprintln(formatter.Writer, "no pending jobs")
		return nil
	}

	if formatter.Format == "json" {
		return formatter.Success(job)
	}
	fmt.Fprintf(formatter.Writer, "claimed %s\n  task_type: %s\n  node: %s\n  payload: %s\n",
		job.JobKey, job.TaskType, job.NodeID, string(job.Payload))
	return nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return host
}

// CompleteOptions holds flags for the complete command.
type CompleteOptions struct {
	*RootOptions
	ErrorCode   string
	Flags       []string
	CorrKeys    []string
	Payload     string
	PayloadFile string
	Message     string
}

// NewCompleteCommand creates the complete command.
func NewCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "complete <job-key>",
		Short: "Submit a job completion",
		Long: `Submit a worker's result for a job key.

Completions are idempotent: resubmitting an applied key is absorbed.
An unknown key parks the result until the dispatch lands or the TTL
expires.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComplete(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ErrorCode, "error", "", "complete with this error code instead of success")
	cmd.Flags().StringSliceVar(&opts.Flags, "flag", nil, "flag write, name=true|false (repeatable)")
	cmd.Flags().StringSliceVar(&opts.CorrKeys, "corr", nil, "produced correlation key, name=value (repeatable)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "inline result payload")
	cmd.Flags().StringVar(&opts.PayloadFile, "payload-file", "", "read the result payload from a file")
	cmd.Flags().StringVar(&opts.Message, "message", "", "human-readable failure message")

	return cmd
}

func runComplete(opts *CompleteOptions, jobKey string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	res := engine.JobResult{ErrorCode: opts.ErrorCode, Message: opts.Message, Payload: []byte(opts.Payload)}
	if opts.PayloadFile != "" {
		data, err := os.ReadFile(opts.PayloadFile)
		if err != nil {
			_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("reading payload file: %v", err), nil)
			return NewExitError(ExitCommandError, err.Error())
		}
		res.Payload = data
	}

	for _, kv := range opts.Flags {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			_ = formatter.Error(ErrCodeGeneric, fmt.Sprintf("invalid --flag %q, expected name=true|false", kv), nil)
			return NewExitError(ExitCommandError, "invalid flag")
		}
		if res.Flags == nil {
			res.Flags = map[string]bool{}
		}
		res.Flags[name] = value == "true"
	}
	for _, kv := range opts.CorrKeys {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			_ = formatter.Error(ErrCodeGeneric, fmt.Sprintf("invalid --corr %q, expected name=value", kv), nil)
			return NewExitError(ExitCommandError, "invalid corr key")
		}
		if res.CorrKeys == nil {
			res.CorrKeys = map[string]string{}
		}
		res.CorrKeys[name] = value
	}

	eng, s, err := openEngine(opts.RootOptions)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	defer s.Close()

	if err := eng.SubmitJobCompletion(cmd.Context(), jobKey, res); err != nil {
		_ = formatter.Error(ErrCodeEngine, err.Error(), nil)
		return NewExitError(ExitCommandError, err.Error())
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"job_key": jobKey})
	}
	fmt.Fprintf(formatter.Writer, "✓ Completion applied for %s\n", jobKey)
	return nil
}
