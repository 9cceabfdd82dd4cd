package transform

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"ingestor/internal/apperrors"
	"ingestor/internal/ctxlog"
)

// ProcessExecutor runs process artifacts as subprocesses. The entrypoint is executed
// directly (no shell) with the input described in the environment:
//
//	INGEST_JOB_ID, INGEST_INPUT_PATH, INGEST_SOURCE_HASH, INGEST_ENV_DIR
//
// Output records are read as JSON from stdout. Cancelling the context kills the process.
type ProcessExecutor struct {
	// WaitDelay bounds how long to wait for I/O after the process is killed.
	WaitDelay time.Duration
	// Env is appended to the inherited environment.
	Env []string
}

func (p *ProcessExecutor) Transform(ctx context.Context, req Request) ([]Output, error) {
	if len(req.Artifact.Entrypoint) == 0 {
		return nil, apperrors.Fail(apperrors.CodeExecutionDeterministic, "artifact %s has no entrypoint", req.Artifact.Name)
	}
	logger := ctxlog.FromContext(ctx)

	cmd := exec.CommandContext(ctx, req.Artifact.Entrypoint[0], req.Artifact.Entrypoint[1:]...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Env = append(cmd.Env,
		formatEnv("INGEST_JOB_ID", req.JobID),
		formatEnv("INGEST_INPUT_PATH", req.Input.Path),
		formatEnv("INGEST_SOURCE_HASH", req.Input.SourceHash),
		formatEnv("INGEST_ENV_DIR", req.EnvDir),
	)
	if req.EnvDir != "" {
		cmd.Dir = req.EnvDir
	}
	cmd.Cancel = func() error {
		logger.Info("Killing transformation process", "pid", cmd.Process.Pid)
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeExecutionTransient, err, "stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, apperrors.Wrap(apperrors.CodeExecutionDeterministic, err, "start")
		}
		return nil, apperrors.Wrap(apperrors.CodeExecutionTransient, err, "start")
	}
	logger.Debug("Transformation process started", "pid", cmd.Process.Pid, "entrypoint", req.Artifact.Entrypoint[0])

	outs, failure := decodeStream(stdout)
	if failure != nil {
		// Drain so the process is not blocked writing to a full pipe.
		_, _ = drain(stdout)
	}
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, apperrors.Wrap(apperrors.CodeOf(ctx.Err()), ctx.Err(), "transformation interrupted")
	}
	if failure != nil {
		return nil, failure
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, exitFailure(exitErr.ExitCode(), stderr.String())
		}
		return nil, apperrors.Wrap(apperrors.CodeExecutionTransient, waitErr, "wait")
	}
	logger.Debug("Transformation process finished", "outputs", len(outs))
	return outs, nil
}
