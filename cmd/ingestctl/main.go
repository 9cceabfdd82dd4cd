// Command ingestctl is the operator CLI for the ingest coordinator.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"ingestor/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		format, _ := cmd.PersistentFlags().GetString("format")
		f := &cli.OutputFormatter{Format: format, Writer: os.Stdout, ErrWriter: os.Stderr}
		f.Error(err)
		stop()
		os.Exit(cli.GetExitCode(err))
	}
}
