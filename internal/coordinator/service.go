package coordinator

import (
	"context"
	"fmt"

	"ingestor/internal/apperrors"
	"ingestor/internal/job"
	"ingestor/internal/jobstore"
	"ingestor/internal/protocol"
)

// JobDetail is a job together with its recorded transitions.
type JobDetail struct {
	*job.Job
	Events []job.Event `json:"events"`
}

// Enqueue validates req and adds a job, skipping targets that are already materialized.
func (c *Coordinator) Enqueue(ctx context.Context, req job.Request) (job.EnqueueResult, error) {
	res, err := c.store.Enqueue(ctx, req)
	if err != nil {
		return job.EnqueueResult{}, err
	}
	if c.metrics != nil && len(res.Skipped) > 0 {
		c.metrics.RecordJobSkipped(ctx, len(res.Skipped))
	}
	if !res.Created() {
		c.logger.Info("Enqueue skipped, all targets materialized", "sourceHash", req.Input.SourceHash, "targets", len(res.Skipped))
		return res, nil
	}

	c.logger.Info("Job enqueued", "jobId", res.Job.ID, "capability", res.Job.Capability, "targets", len(res.Job.Targets), "skipped", len(res.Skipped))
	if c.metrics != nil {
		c.metrics.RecordJobEnqueued(ctx, res.Job.Capability)
	}
	c.kick()
	return res, nil
}

// Abort requests cancellation of jobID. A Queued job, or one still waiting for its
// environment, is Aborted at once. A job running on a worker becomes Aborting and is
// declared Aborted only on the worker's confirmation or after the abort timeout.
func (c *Coordinator) Abort(ctx context.Context, jobID, reason string) (*job.Job, error) {
	if reason == "" {
		reason = "aborted by operator"
	}
	j, err := c.store.MarkAborting(ctx, jobID, reason)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With("jobId", j.ID)

	switch j.State {
	case job.StateAborted:
		logger.Info("Queued job aborted", "reason", reason)
		c.finished(ctx, j)
		return j, nil
	case job.StateAborting:
	default:
		return j, nil
	}

	if workerID, parked := c.registry.unparkJob(j.ID); parked {
		tr, err := c.store.MarkTerminal(ctx, j.ID, workerID, job.Outcome{
			State:   job.StateAborted,
			Code:    string(apperrors.CodeCancelled),
			Message: reason,
		})
		if err != nil {
			return nil, fmt.Errorf("abort parked job: %w", err)
		}
		logger.Info("Job aborted while waiting for environment", "workerId", workerID)
		c.applied(ctx, tr)
		c.kick()
		if tr.Job != nil {
			return tr.Job, nil
		}
		return j, nil
	}

	conn := c.registry.conn(j.AssignedWorker)
	if conn == nil {
		logger.Warn("Assigned worker not connected, abort waits for timeout", "workerId", j.AssignedWorker)
		return j, nil
	}
	if err := c.send(ctx, conn, protocol.New(j.WireID, &protocol.Abort{JobUUID: j.ID, Reason: reason})); err != nil {
		logger.Warn("Failed to send ABORT, abort waits for timeout", "workerId", j.AssignedWorker, "error", err)
		return j, nil
	}
	logger.Info("Abort sent", "workerId", j.AssignedWorker, "reason", reason)
	return j, nil
}

// Deploy registers an artifact and returns its hash.
func (c *Coordinator) Deploy(ctx context.Context, a job.Artifact) (string, bool, error) {
	hash, created, err := c.store.UpsertArtifact(ctx, a)
	if err != nil {
		return "", false, err
	}
	if created {
		c.logger.Info("Artifact deployed", "artifactHash", hash, "name", a.Name, "version", a.Version)
	}
	return hash, created, nil
}

// Get returns a job with its targets and history.
func (c *Coordinator) Get(ctx context.Context, jobID string) (*JobDetail, error) {
	j, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	events, err := c.store.Events(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobDetail{Job: j, Events: events}, nil
}

// List returns jobs matching f.
func (c *Coordinator) List(ctx context.Context, f jobstore.Filter) ([]*job.Job, error) {
	return c.store.List(ctx, f)
}

// Materializations lists recorded materializations.
func (c *Coordinator) Materializations(ctx context.Context, f jobstore.MaterializationFilter) ([]job.Materialization, error) {
	return c.store.Materializations(ctx, f)
}

// Artifacts lists deployed artifacts.
func (c *Coordinator) Artifacts(ctx context.Context) ([]job.Artifact, error) {
	return c.store.ListArtifacts(ctx)
}

// Workers lists worker registrations.
func (c *Coordinator) Workers(ctx context.Context) ([]job.Worker, error) {
	return c.store.ListWorkers(ctx)
}

// ConnectedWorkers counts workers with a live connection.
func (c *Coordinator) ConnectedWorkers() int {
	return c.registry.connected()
}
