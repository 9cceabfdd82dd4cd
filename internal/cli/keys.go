package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"ingestor/internal/commit"
	"ingestor/internal/job"
)

// KeysOptions holds flags for the keys subcommands.
type KeysOptions struct {
	*RootOptions
	Location     string
	Table        string
	WriteMode    string
	Columns      []string // name:type
	SourceHash   string
	SourceFile   string
	ArtifactHash string
}

// NewKeysCommand creates the keys command. Keys are computed locally with the
// same functions the coordinator uses.
func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeysOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Compute idempotency keys locally",
	}

	target := &cobra.Command{
		Use:   "target",
		Short: "Compute an output target key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := opts.target()
			if err != nil {
				return err
			}
			key := t.Key()
			return opts.formatter(cmd).Success(map[string]string{
				"schemaHash": t.SchemaHash(),
				"targetKey":  key,
			}, func(w io.Writer) {
				fmt.Fprintf(w, "schema\t%s\n", t.SchemaHash())
				fmt.Fprintf(w, "target\t%s\n", key)
			})
		},
	}

	mat := &cobra.Command{
		Use:   "materialization",
		Short: "Compute a materialization key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := opts.target()
			if err != nil {
				return err
			}
			source := opts.SourceHash
			if source == "" && opts.SourceFile != "" {
				if source, err = HashFile(opts.SourceFile); err != nil {
					return WrapExitError(ExitCommandError, "hash source file", err)
				}
			}
			if source == "" || opts.ArtifactHash == "" {
				return WrapExitError(ExitCommandError, "missing flags", fmt.Errorf("--source-hash (or --source-file) and --artifact-hash are required"))
			}
			key := t.MaterializationKey(source, opts.ArtifactHash)
			return opts.formatter(cmd).Success(map[string]string{
				"targetKey":          t.Key(),
				"sourceHash":         source,
				"materializationKey": key,
			}, func(w io.Writer) {
				fmt.Fprintf(w, "target\t%s\n", t.Key())
				fmt.Fprintf(w, "source\t%s\n", source)
				fmt.Fprintf(w, "materialization\t%s\n", key)
			})
		},
	}
	mat.Flags().StringVar(&opts.SourceHash, "source-hash", "", "input content hash")
	mat.Flags().StringVar(&opts.SourceFile, "source-file", "", "hash this local file for the source hash")
	mat.Flags().StringVar(&opts.ArtifactHash, "artifact-hash", "", "artifact hash")

	for _, c := range []*cobra.Command{target, mat} {
		c.Flags().StringVar(&opts.Location, "location", "", "sink location")
		c.Flags().StringVar(&opts.Table, "table", "", "table name")
		c.Flags().StringVar(&opts.WriteMode, "write-mode", string(commit.WriteAppend), "append|replace")
		c.Flags().StringSliceVar(&opts.Columns, "column", nil, "column as name:type, in order (repeatable)")
		cmd.AddCommand(c)
	}

	return cmd
}

func (o *KeysOptions) target() (job.Target, error) {
	t := job.Target{
		Sink:      "local",
		Location:  o.Location,
		Table:     o.Table,
		WriteMode: commit.WriteMode(o.WriteMode),
	}
	for _, c := range o.Columns {
		name, typ, ok := strings.Cut(c, ":")
		if !ok || name == "" || typ == "" {
			return t, WrapExitError(ExitCommandError, "invalid --column", fmt.Errorf("%q is not name:type", c))
		}
		t.Columns = append(t.Columns, commit.Column{Name: name, Type: typ})
	}
	if err := t.Validate("target"); err != nil {
		return t, WrapExitError(ExitCommandError, "invalid target", err)
	}
	return t, nil
}
