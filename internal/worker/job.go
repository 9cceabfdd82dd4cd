package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ingestor/internal/apperrors"
	"ingestor/internal/commit"
	"ingestor/internal/ctxlog"
	"ingestor/internal/job"
	"ingestor/internal/protocol"
	"ingestor/internal/transform"
)

func (w *Worker) handleDispatch(wireID uint64, d *protocol.Dispatch) {
	logger := w.logger.With("jobId", d.JobUUID, "jobWireId", wireID, "attempt", d.Attempt)
	if w.active.buried(wireID, d.JobUUID, time.Now()) {
		logger.Info("Refusing dispatch for a job already confirmed aborted")
		w.sendReceipt(protocol.New(wireID, w.notRunning(d.JobUUID)))
		return
	}
	if err := w.active.reserve(wireID); err != nil {
		logger.Debug("Ignoring duplicate dispatch")
		return
	}
	ctx, cancel := context.WithCancel(w.jobsCtx)
	aj := &activeJob{uuid: d.JobUUID, cancel: cancel, barrier: commit.NewBarrier()}
	w.active.commit(wireID, aj)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		receipt := w.runJob(ctxlog.WithLogger(ctx, logger), d, aj)
		w.sendReceipt(protocol.New(wireID, receipt))
		w.active.release(wireID)
	}()
}

func (w *Worker) runJob(ctx context.Context, d *protocol.Dispatch, aj *activeJob) *protocol.Conclude {
	logger := ctxlog.FromContext(ctx)
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return w.conclude(d, aj, nil, err)
	}
	defer w.sem.Release(1)
	// Tell the coordinator the job is running without waiting for the next tick.
	if err := w.send(ctx, w.heartbeat()); err != nil {
		logger.Debug("Start heartbeat failed", "error", err)
	}

	start := time.Now()
	logger.Info("Job started", "artifact", d.Artifact.Name, "input", d.Input.Path)
	results, err := w.execute(ctx, d, aj)
	receipt := w.conclude(d, aj, results, err)
	if receipt.Error != nil {
		logger.Warn("Job concluded", "status", receipt.Status, "code", receipt.Error.Code,
			"error", receipt.Error.Message, "duration", time.Since(start))
	} else {
		logger.Info("Job concluded", "status", receipt.Status, "outputs", len(results), "duration", time.Since(start))
	}
	return receipt
}

func (w *Worker) execute(ctx context.Context, d *protocol.Dispatch, aj *activeJob) ([]commit.Result, error) {
	artifact := d.Artifact.Artifact()
	if h := artifact.Hash(); h != d.Artifact.Hash {
		return nil, apperrors.Fail(apperrors.CodeProtocol, "artifact hash %s does not match its fields (%s)", d.Artifact.Hash, h)
	}
	targets, sinks, err := w.resolveTargets(d.Targets)
	if err != nil {
		return nil, err
	}

	env, err := w.provision(ctx, artifact)
	if err != nil {
		return nil, err
	}
	if artifact.EnvHash != "" {
		_ = w.send(ctx, protocol.New(0, &protocol.EnvReady{EnvHash: artifact.EnvHash, OK: true}))
	}

	timeout := w.cfg.ExecutionTimeout
	if d.TimeoutMS > 0 {
		if t := time.Duration(d.TimeoutMS) * time.Millisecond; t < timeout {
			timeout = t
		}
	}
	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outs, err := w.deps.Transformer.Transform(ectx, transform.Request{
		JobID:    d.JobUUID,
		Input:    d.Input.InputFile(),
		Artifact: artifact,
		EnvDir:   env.Dir,
	})
	if err != nil {
		return nil, err
	}
	batches, err := transform.Assign(targets, outs)
	if err != nil {
		return nil, err
	}

	outputs := make([]commit.Output, len(targets))
	for i, t := range targets {
		outputs[i] = commit.Output{
			Sink: sinks[i],
			Request: commit.StageRequest{
				JobID:     d.JobUUID,
				TargetKey: d.Targets[i].TargetKey,
				Table:     t.Table,
				WriteMode: t.WriteMode,
				Columns:   t.Columns,
			},
			Batches: batches[i],
		}
	}
	return commit.Commit(ectx, outputs, aj.barrier)
}

// resolveTargets checks every target key against the target's fields and finds its sink.
func (w *Worker) resolveTargets(specs []protocol.TargetSpec) ([]job.Target, []commit.Sink, error) {
	targets := make([]job.Target, len(specs))
	sinks := make([]commit.Sink, len(specs))
	for i, spec := range specs {
		t := spec.Target()
		if key := t.Key(); key != spec.TargetKey {
			return nil, nil, apperrors.Fail(apperrors.CodeExecutionDeterministic,
				"targets[%d]: target key %s does not match its fields (%s)", i, spec.TargetKey, key)
		}
		s, err := w.deps.Sinks.Get(t.Sink)
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.CodeProvisioning, err, fmt.Sprintf("targets[%d]", i))
		}
		if s.Location() != t.Location {
			return nil, nil, apperrors.Fail(apperrors.CodeProvisioning,
				"targets[%d]: sink %q writes to %s, target expects %s", i, t.Sink, s.Location(), t.Location)
		}
		targets[i] = t
		sinks[i] = s
	}
	return targets, sinks, nil
}

func (w *Worker) provision(ctx context.Context, a job.Artifact) (transform.Env, error) {
	pctx, cancel := context.WithTimeout(ctx, w.cfg.ProvisionTimeout)
	defer cancel()
	env, err := w.deps.Provisioner.Provision(pctx, a)
	if err != nil {
		var f *apperrors.Failure
		if !errors.As(err, &f) {
			err = apperrors.Wrap(apperrors.CodeProvisioning, err, "provision")
		}
		return transform.Env{}, err
	}
	return env, nil
}

// conclude builds the receipt. An abort is reported as aborted only while none of the
// job's output is visible; once a promote left output behind, the receipt is whatever
// promote did.
func (w *Worker) conclude(d *protocol.Dispatch, aj *activeJob, results []commit.Result, err error) *protocol.Conclude {
	c := &protocol.Conclude{JobUUID: d.JobUUID}
	if err == nil {
		c.Status = protocol.StatusCompleted
		for _, r := range results {
			c.Sinks = append(c.Sinks, protocol.SinkReport{
				Sink:      r.Sink,
				TargetKey: r.TargetKey,
				URI:       r.Published.URI,
				Rows:      r.Published.Rows,
				Bytes:     r.Published.Bytes,
			})
			c.Materializations = append(c.Materializations, protocol.MaterializationReport{
				Key:          commit.MaterializationKey(r.TargetKey, d.Input.SourceHash, d.Artifact.Hash),
				TargetKey:    r.TargetKey,
				SourceHash:   d.Input.SourceHash,
				ArtifactHash: d.Artifact.Hash,
			})
		}
		return c
	}

	f := apperrors.AsFailure(err)
	switch {
	case aj.barrier.AbortRequested() && !aj.barrier.Visible():
		msg := aj.abortReason()
		if msg == "" {
			msg = "aborted"
		}
		c.Status = protocol.StatusAborted
		c.Error = &protocol.ErrorInfo{Code: string(apperrors.CodeCancelled), Message: msg}
	case w.jobsCtx.Err() != nil:
		c.Status = protocol.StatusFailed
		c.Error = &protocol.ErrorInfo{Code: string(apperrors.CodeWorkerLost), Message: "worker shutting down"}
	default:
		c.Status = protocol.StatusFailed
		c.Error = &protocol.ErrorInfo{Code: string(f.Code), Message: f.Message}
	}
	return c
}

func (w *Worker) handleAbort(wireID uint64, a *protocol.Abort) {
	logger := w.logger.With("jobWireId", wireID, "reason", a.Reason)
	aj, ok := w.active.get(wireID)
	if !ok || aj == nil {
		if w.resendPending(wireID) {
			logger.Info("Abort for finished job, resent its receipt")
			return
		}
		if a.JobUUID == "" {
			logger.Debug("Abort for unknown job ignored")
			return
		}
		logger.Info("Abort for job not running here, confirming")
		w.active.bury(wireID, a.JobUUID, time.Now())
		w.sendReceipt(protocol.New(wireID, w.notRunning(a.JobUUID)))
		return
	}

	aj.setAbortReason(a.Reason)
	switch res := aj.barrier.Abort(); res {
	case commit.AbortNow:
		logger.Info("Aborting job", "jobId", aj.uuid)
		aj.cancel()
	case commit.AbortDeferred:
		logger.Info("Abort deferred until promote finishes", "jobId", aj.uuid)
	case commit.AbortTooLate:
		logger.Info("Abort arrived after promote", "jobId", aj.uuid)
	}
}

// notRunning confirms an abort for a job this worker never ran.
func (w *Worker) notRunning(jobUUID string) *protocol.Conclude {
	return &protocol.Conclude{
		JobUUID: jobUUID,
		Status:  protocol.StatusAborted,
		Error:   &protocol.ErrorInfo{Code: string(apperrors.CodeCancelled), Message: "job not running on worker " + w.cfg.WorkerID},
	}
}

func (w *Worker) resendPending(wireID uint64) bool {
	w.connMu.Lock()
	m, ok := w.pending[wireID]
	if ok {
		delete(w.pending, wireID)
	}
	w.connMu.Unlock()
	if !ok {
		return false
	}
	w.sendReceipt(m)
	return true
}

func (w *Worker) handlePrepareEnv(p *protocol.PrepareEnv) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		a := p.Artifact.Artifact()
		if a.EnvHash == "" {
			a.EnvHash = p.EnvHash
		}
		logger := w.logger.With("envHash", p.EnvHash)
		reply := &protocol.EnvReady{EnvHash: p.EnvHash, OK: true}
		if _, err := w.provision(w.jobsCtx, a); err != nil {
			f := apperrors.AsFailure(err)
			logger.Warn("Environment provisioning failed", "code", f.Code, "error", f.Message)
			reply.OK = false
			reply.Error = &protocol.ErrorInfo{Code: string(f.Code), Message: f.Message}
		} else {
			logger.Info("Environment ready")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.send(ctx, protocol.New(0, reply)); err != nil {
			logger.Warn("Failed to report environment", "error", err)
		}
	}()
}
