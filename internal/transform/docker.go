package transform

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"ingestor/internal/apperrors"
	"ingestor/internal/config"
	"ingestor/internal/ctxlog"
	"ingestor/internal/job"
)

// DockerConfig configures container execution.
type DockerConfig struct {
	CPUs     float64 // 0 means unlimited
	MemoryMB int     // 0 means unlimited
	Network  string  // container network mode, default "none"
}

// LoadDockerConfigFromEnv reads DOCKER_MILLICPUS, DOCKER_MEMORY_MB and DOCKER_NETWORK.
func LoadDockerConfigFromEnv() DockerConfig {
	return DockerConfig{
		CPUs:     float64(config.GetIntEnv("DOCKER_MILLICPUS", 0)) / 1000,
		MemoryMB: config.GetIntEnv("DOCKER_MEMORY_MB", 0),
		Network:  config.GetEnv("DOCKER_NETWORK", "none"),
	}
}

const (
	containerInputDir = "/input"
	containerEnvDir   = "/env"
)

// Docker runs docker artifacts in containers and provisions their images.
// The input file is mounted read-only; output records are read from the container's stdout.
// Cancelling the context kills the container; containers are always removed.
type Docker struct {
	client *client.Client
	cfg    DockerConfig
	logger *slog.Logger

	mu     sync.Mutex
	pulled map[string]bool // env hashes whose image is present
}

// NewDocker connects to the Docker daemon configured by the environment.
func NewDocker(ctx context.Context, cfg DockerConfig) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("ping docker: %w", err)
	}
	if cfg.Network == "" {
		cfg.Network = "none"
	}
	return &Docker{
		client: cli,
		cfg:    cfg,
		logger: slog.With("component", "docker"),
		pulled: make(map[string]bool),
	}, nil
}

// Close closes the Docker client.
func (d *Docker) Close() error {
	return d.client.Close()
}

// Provision implements Provisioner by pulling the artifact's image if it is missing.
func (d *Docker) Provision(ctx context.Context, a job.Artifact) (Env, error) {
	if a.Image == "" {
		return Env{}, apperrors.Fail(apperrors.CodeProvisioning, "artifact %s has no image", a.Name)
	}
	if err := d.pullImageIfNeeded(ctx, a.Image); err != nil {
		if ctx.Err() != nil {
			return Env{}, apperrors.Wrap(apperrors.CodeOf(ctx.Err()), err, "pull "+a.Image)
		}
		return Env{}, apperrors.Wrap(apperrors.CodeProvisioning, err, "pull "+a.Image)
	}
	if a.EnvHash != "" {
		d.mu.Lock()
		d.pulled[a.EnvHash] = true
		d.mu.Unlock()
	}
	return Env{Hash: a.EnvHash}, nil
}

// Ready implements Provisioner.
func (d *Docker) Ready() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.pulled))
	for h := range d.pulled {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (d *Docker) pullImageIfNeeded(ctx context.Context, imageName string) error {
	if _, err := d.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}
	d.logger.Info("Pulling image", "image", imageName)
	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Transform implements Transformer.
func (d *Docker) Transform(ctx context.Context, req Request) ([]Output, error) {
	logger := ctxlog.FromContext(ctx).With("image", req.Artifact.Image)
	if err := d.pullImageIfNeeded(ctx, req.Artifact.Image); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeProvisioning, err, "pull "+req.Artifact.Image)
	}

	id, err := d.createContainer(ctx, req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeExecutionTransient, err, "create container")
	}
	detached := context.WithoutCancel(ctx)
	defer d.removeContainer(detached, id)

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeExecutionTransient, err, "start container")
	}
	stop := context.AfterFunc(ctx, func() {
		logger.Info("Killing transformation container", "container", id)
		if err := d.client.ContainerKill(detached, id, "SIGKILL"); err != nil {
			logger.Warn("Failed to kill container", "container", id, "error", err)
		}
	})
	defer stop()

	logs, err := d.client.ContainerLogs(detached, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeExecutionTransient, err, "attach logs")
	}
	defer logs.Close()

	stdout, stdoutW := io.Pipe()
	stderr := &tailBuffer{max: 4096}
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderr, logs)
		stdoutW.CloseWithError(err)
	}()

	outs, failure := decodeStream(stdout)
	if failure != nil {
		_, _ = drain(stdout)
	}
	exitCode, waitErr := d.waitForExit(detached, id)

	if ctx.Err() != nil {
		return nil, apperrors.Wrap(apperrors.CodeOf(ctx.Err()), ctx.Err(), "transformation interrupted")
	}
	if failure != nil {
		return nil, failure
	}
	if waitErr != nil {
		return nil, apperrors.Wrap(apperrors.CodeExecutionTransient, waitErr, "wait container")
	}
	if exitCode != 0 {
		return nil, exitFailure(exitCode, stderr.String())
	}
	return outs, nil
}

func (d *Docker) createContainer(ctx context.Context, req Request) (string, error) {
	inputPath := filepath.Join(containerInputDir, filepath.Base(req.Input.Path))
	env := []string{
		formatEnv("INGEST_JOB_ID", req.JobID),
		formatEnv("INGEST_INPUT_PATH", inputPath),
		formatEnv("INGEST_SOURCE_HASH", req.Input.SourceHash),
	}
	mounts := []mount.Mount{{
		Type:     mount.TypeBind,
		Source:   req.Input.Path,
		Target:   inputPath,
		ReadOnly: true,
	}}
	if req.EnvDir != "" {
		env = append(env, formatEnv("INGEST_ENV_DIR", containerEnvDir))
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   req.EnvDir,
			Target:   containerEnvDir,
			ReadOnly: true,
		})
	}

	containerConfig := &container.Config{
		Image: req.Artifact.Image,
		Cmd:   req.Artifact.Entrypoint,
		Env:   env,
		Labels: map[string]string{
			"ingest.job-id":   req.JobID,
			"ingest.artifact": req.Artifact.Hash(),
			"managed-by":      "ingest-worker",
		},
	}
	hostConfig := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(d.cfg.Network),
		Resources: container.Resources{
			NanoCPUs: int64(d.cfg.CPUs * 1e9),
			Memory:   int64(d.cfg.MemoryMB) * 1024 * 1024,
		},
	}

	name := fmt.Sprintf("ingest-%s-%d", unsafeChars.Replace(req.JobID), time.Now().UnixNano())
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *Docker) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (d *Docker) removeContainer(ctx context.Context, containerID string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		d.logger.Warn("Failed to remove container", "container", containerID, "error", err)
	}
}
