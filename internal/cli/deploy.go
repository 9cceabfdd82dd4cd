package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// DeployOptions holds flags for the deploy command.
type DeployOptions struct {
	*RootOptions
	File string
}

// NewDeployCommand creates the deploy command.
func NewDeployCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeployOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deploy -f <artifact.yaml>",
		Short: "Register a transformation artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := LoadArtifact(opts.File)
			if err != nil {
				return WrapExitError(ExitCommandError, "load artifact", err)
			}
			if err := a.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "invalid artifact", err)
			}
			res, err := opts.client().Deploy(cmd.Context(), *a)
			if err != nil {
				return requestFailed("deploy artifact", err)
			}
			if res.Hash != a.Hash() {
				opts.log().Warn("Coordinator computed a different artifact hash", "local", a.Hash(), "remote", res.Hash)
			}
			return opts.formatter(cmd).Success(res, func(w io.Writer) {
				verb := "unchanged"
				if res.Created {
					verb = "deployed"
				}
				fmt.Fprintf(w, "%s %s@%s\t%s\n", verb, a.Name, a.Version, res.Hash)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "artifact file (required)")
	cmd.MarkFlagRequired("file")

	return cmd
}

// NewWorkersCommand creates the workers command.
func NewWorkersCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List connected workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, err := opts.client().Workers(cmd.Context())
			if err != nil {
				return requestFailed("list workers", err)
			}
			return opts.formatter(cmd).Success(workers, func(w io.Writer) {
				fmt.Fprintln(w, "ID\tCAPABILITIES\tACTIVE\tMAX\tLAST HEARTBEAT")
				for _, wk := range workers {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
						wk.ID, strings.Join(wk.Capabilities, ","), wk.ActiveJobs, wk.MaxConcurrent,
						wk.LastHeartbeat.Format(time.RFC3339))
				}
			})
		},
	}
}

// NewMaterializationsCommand creates the materializations command.
func NewMaterializationsCommand(opts *RootOptions) *cobra.Command {
	var sourceHash string
	cmd := &cobra.Command{
		Use:     "materializations",
		Aliases: []string{"mats"},
		Short:   "List materialized outputs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mats, err := opts.client().Materializations(cmd.Context(), sourceHash)
			if err != nil {
				return requestFailed("list materializations", err)
			}
			return opts.formatter(cmd).Success(mats, func(w io.Writer) {
				fmt.Fprintln(w, "KEY\tSOURCE\tJOB\tURI")
				for _, m := range mats {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", short(m.Key), short(m.SourceHash), m.JobID, dash(m.URI))
				}
			})
		},
	}
	cmd.Flags().StringVar(&sourceHash, "source-hash", "", "filter by input content hash")
	return cmd
}
