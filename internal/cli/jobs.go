package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"ingestor/internal/job"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	File string
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue -f <manifest.yaml>",
		Short: "Enqueue files for processing",
		Long: `Enqueue one job per input listed in a YAML manifest.

Targets already materialized for an input are skipped by the coordinator; when
every target is skipped no job is created.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "manifest file (required)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func runEnqueue(ctx context.Context, opts *EnqueueOptions, cmd *cobra.Command) error {
	m, err := LoadManifest(opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "load manifest", err)
	}
	reqs, err := m.Requests()
	if err != nil {
		return WrapExitError(ExitCommandError, "prepare requests", err)
	}

	client := opts.client()
	results := make([]*EnqueueResponse, 0, len(reqs))
	for _, req := range reqs {
		opts.log().Debug("Enqueueing", "path", req.Input.Path, "sourceHash", req.Input.SourceHash)
		res, err := client.Enqueue(ctx, req)
		if err != nil {
			return requestFailed("enqueue "+req.Input.Path, err)
		}
		results = append(results, res)
	}

	return opts.formatter(cmd).Success(results, func(w io.Writer) {
		fmt.Fprintln(w, "INPUT\tJOB\tSTATE\tSKIPPED")
		for i, res := range results {
			id, state := "-", "skipped"
			if res.Job != nil {
				id, state = res.Job.ID, string(res.Job.State)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", reqs[i].Input.Path, id, state, len(res.Keys))
		}
	})
}

// JobsOptions holds flags for the jobs command.
type JobsOptions struct {
	*RootOptions
	States []string
	Limit  int
}

// NewJobsCommand creates the jobs command.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JobsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range opts.States {
				if !job.State(s).Valid() {
					return WrapExitError(ExitCommandError, "invalid --state", fmt.Errorf("unknown state %q", s))
				}
			}
			jobs, err := opts.client().Jobs(cmd.Context(), opts.States, opts.Limit)
			if err != nil {
				return requestFailed("list jobs", err)
			}
			return opts.formatter(cmd).Success(jobs, func(w io.Writer) {
				fmt.Fprintln(w, "ID\tSTATE\tCAPABILITY\tRETRIES\tWORKER\tINPUT\tERROR")
				for _, j := range jobs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
						j.ID, j.State, j.Capability, j.RetryCount, j.MaxRetries,
						dash(j.AssignedWorker), j.Input.Path, dash(j.ErrorCode))
				}
			})
		},
	}

	cmd.Flags().StringSliceVar(&opts.States, "state", nil, "filter by state (repeatable or comma separated)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of jobs")

	return cmd
}

// NewJobCommand creates the job command.
func NewJobCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show a job with its targets and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := opts.client().Job(cmd.Context(), args[0])
			if err != nil {
				return requestFailed("get job", err)
			}
			return opts.formatter(cmd).Success(d, func(w io.Writer) {
				fmt.Fprintf(w, "ID:\t%s\n", d.ID)
				fmt.Fprintf(w, "State:\t%s\n", d.State)
				fmt.Fprintf(w, "Input:\t%s (%s)\n", d.Input.Path, d.Input.SourceHash)
				fmt.Fprintf(w, "Artifact:\t%s\n", d.ArtifactHash)
				fmt.Fprintf(w, "Retries:\t%d/%d\n", d.RetryCount, d.MaxRetries)
				fmt.Fprintf(w, "Worker:\t%s\n", dash(d.AssignedWorker))
				if d.ErrorCode != "" {
					fmt.Fprintf(w, "Error:\t%s: %s\n", d.ErrorCode, d.ErrorMessage)
				}
				if d.AbortReason != "" {
					fmt.Fprintf(w, "Abort reason:\t%s\n", d.AbortReason)
				}
				fmt.Fprintln(w, "\nTARGET\tSINK\tTABLE\tMODE")
				for _, t := range d.Targets {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", short(t.Key()), t.Sink, t.Table, t.WriteMode)
				}
				fmt.Fprintln(w, "\nTIME\tFROM\tTO\tCODE\tMESSAGE")
				for _, e := range d.Events {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						e.CreatedAt.Format(time.RFC3339), dash(string(e.From)), e.To, dash(e.Code), e.Message)
				}
			})
		},
	}
}

// AbortOptions holds flags for the abort command.
type AbortOptions struct {
	*RootOptions
	Reason string
}

// NewAbortCommand creates the abort command.
func NewAbortCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AbortOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "abort <id>",
		Short: "Abort a job",
		Long: `Abort a job. A queued job is aborted immediately; a running job is
aborted once its worker confirms or the abort timeout elapses.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := opts.client().Abort(cmd.Context(), args[0], opts.Reason)
			if err != nil {
				return requestFailed("abort job", err)
			}
			return opts.formatter(cmd).Success(j, func(w io.Writer) {
				fmt.Fprintf(w, "%s\t%s\n", j.ID, j.State)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded with the abort")

	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
