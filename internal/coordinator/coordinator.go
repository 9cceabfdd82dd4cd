// Package coordinator implements the control authority: it owns the job store,
// tracks connected workers and drives jobs through dispatch, receipts and aborts.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ingestor/internal/apperrors"
	"ingestor/internal/job"
	"ingestor/internal/jobstore"
	"ingestor/internal/notify"
	"ingestor/internal/protocol"
	"ingestor/internal/transport"
	"ingestor/pkg/circuitbreaker"
)

// JobStore is the durable state the coordinator drives.
type JobStore interface {
	Enqueue(ctx context.Context, req job.Request) (job.EnqueueResult, error)
	ClaimNext(ctx context.Context, workerID string, capabilities []string) (*job.Job, error)
	MarkRunning(ctx context.Context, jobID, workerID string) (bool, error)
	Release(ctx context.Context, jobID, workerID string) (bool, error)
	Touch(ctx context.Context, workerID string, wireIDs []uint64) (int64, error)
	MarkAborting(ctx context.Context, jobID, reason string) (*job.Job, error)
	Complete(ctx context.Context, jobID, workerID string, mats []job.Materialization) (bool, error)
	MarkTerminal(ctx context.Context, jobID, workerID string, out job.Outcome) (jobstore.Transition, error)
	ReapStale(ctx context.Context, heartbeatTimeout, abortTimeout time.Duration) (jobstore.ReapResult, error)
	RequeueWorker(ctx context.Context, workerID string) (jobstore.ReapResult, error)

	Get(ctx context.Context, jobID string) (*job.Job, error)
	GetByWireID(ctx context.Context, wireID uint64) (*job.Job, error)
	List(ctx context.Context, f jobstore.Filter) ([]*job.Job, error)
	Events(ctx context.Context, jobID string) ([]job.Event, error)
	Materializations(ctx context.Context, f jobstore.MaterializationFilter) ([]job.Materialization, error)
	QueueLength(ctx context.Context) (int, error)

	UpsertArtifact(ctx context.Context, a job.Artifact) (string, bool, error)
	GetArtifact(ctx context.Context, hash string) (*job.Artifact, error)
	ListArtifacts(ctx context.Context) ([]job.Artifact, error)

	UpsertWorker(ctx context.Context, w job.Worker) error
	DeleteWorker(ctx context.Context, workerID string) error
	ResetWorkers(ctx context.Context) error
	ListWorkers(ctx context.Context) ([]job.Worker, error)
}

// MetricsRecorder is an optional interface for recording coordinator metrics.
type MetricsRecorder interface {
	RecordJobEnqueued(ctx context.Context, capability string)
	RecordJobSkipped(ctx context.Context, targets int)
	RecordJobDispatched(ctx context.Context, capability string)
	RecordJobFinished(ctx context.Context, state string, code string, durationSeconds float64)
	RecordJobRequeued(ctx context.Context, code string)
	RecordReceipt(ctx context.Context, applied bool)
	RecordProtocolError(ctx context.Context, opcode string)
	RecordWorkersConnected(ctx context.Context, n int64)
	RecordQueueLength(ctx context.Context, n int64)
}

// Coordinator is the single control authority.
type Coordinator struct {
	cfg      Config
	store    JobStore
	notifier notify.Notifier
	metrics  MetricsRecorder
	logger   *slog.Logger

	registry *registry
	breakers *circuitbreaker.Registry
	kickCh   chan struct{}
}

// New creates a coordinator. notifier and metrics may be nil.
func New(cfg Config, store JobStore, notifier notify.Notifier, metrics MetricsRecorder) *Coordinator {
	cfg = cfg.withDefaults()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   slog.With("component", "coordinator"),
		registry: newRegistry(time.Now),
		breakers: circuitbreaker.NewRegistry(cfg.Breaker),
		kickCh:   make(chan struct{}, 1),
	}
}

// Run drives the periodic loop until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.store.ResetWorkers(ctx); err != nil {
		return fmt.Errorf("reset workers: %w", err)
	}
	c.logger.Info("Coordinator started", "tick", c.cfg.TickInterval, "heartbeatTimeout", c.cfg.HeartbeatTimeout)

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Coordinator stopped")
			return nil
		case <-ticker.C:
			c.tick(ctx)
		case <-c.kickCh:
			c.dispatchAll(ctx)
		}
	}
}

// kick schedules a dispatch round without waiting for the next tick.
func (c *Coordinator) kick() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	c.pruneStale(ctx)
	c.reap(ctx)
	c.dispatchAll(ctx)

	if c.metrics != nil {
		c.metrics.RecordWorkersConnected(ctx, int64(c.registry.connected()))
		if n, err := c.store.QueueLength(ctx); err == nil {
			c.metrics.RecordQueueLength(ctx, int64(n))
		}
	}
}

// pruneStale drops workers silent past the heartbeat timeout and applies the
// worker-lost policy to their jobs.
func (c *Coordinator) pruneStale(ctx context.Context) {
	for _, id := range c.registry.stale(c.cfg.HeartbeatTimeout) {
		w, ok := c.registry.remove(id)
		if !ok {
			continue
		}
		if w.conn != nil {
			w.conn.Close()
		}
		c.releaseParked(ctx, w)
		c.breakers.Remove(id)

		res, err := c.store.RequeueWorker(ctx, id)
		if err != nil {
			c.logger.Error("Failed to requeue jobs of lost worker", "workerId", id, "error", err)
			continue
		}
		if err := c.store.DeleteWorker(ctx, id); err != nil {
			c.logger.Warn("Failed to delete worker record", "workerId", id, "error", err)
		}
		c.logger.Warn("Worker lost",
			"workerId", id,
			"requeued", len(res.Requeued),
			"failed", len(res.Failed),
			"aborted", len(res.Aborted),
		)
		c.afterReap(ctx, res)
	}
}

func (c *Coordinator) reap(ctx context.Context) {
	res, err := c.store.ReapStale(ctx, c.cfg.HeartbeatTimeout, c.cfg.AbortTimeout)
	if err != nil {
		c.logger.Error("Reap failed", "error", err)
		return
	}
	if res.Empty() {
		return
	}
	c.logger.Warn("Reaped stale jobs",
		"requeued", len(res.Requeued),
		"failed", len(res.Failed),
		"aborted", len(res.Aborted),
	)
	c.registry.forget(res.Requeued)
	c.registry.forget(res.Failed)
	c.registry.forget(res.Aborted)
	c.afterReap(ctx, res)
}

func (c *Coordinator) afterReap(ctx context.Context, res jobstore.ReapResult) {
	for range res.Requeued {
		c.recordRequeued(ctx, string(apperrors.CodeWorkerLost))
	}
	for _, ids := range [][]string{res.Failed, res.Aborted} {
		for _, id := range ids {
			j, err := c.store.Get(ctx, id)
			if err != nil {
				c.logger.Warn("Failed to load reaped job", "jobId", id, "error", err)
				continue
			}
			c.finished(ctx, j)
		}
	}
}

// releaseParked returns jobs still waiting for an environment on w to the queue.
func (c *Coordinator) releaseParked(ctx context.Context, w *workerConn) {
	for _, jobs := range w.parked {
		for _, j := range jobs {
			c.release(ctx, j, w.id)
		}
	}
}

func (c *Coordinator) release(ctx context.Context, j *job.Job, workerID string) {
	if _, err := c.store.Release(ctx, j.ID, workerID); err != nil {
		c.logger.Error("Failed to release job", "jobId", j.ID, "workerId", workerID, "error", err)
	}
}

// dispatchAll fills every live worker's free slots from the queue.
func (c *Coordinator) dispatchAll(ctx context.Context) {
	for _, s := range c.registry.slots(c.cfg.WorkerMaxInflight) {
		breaker := c.breakers.Get(s.id)
		if !breaker.Allow() {
			continue
		}
		free := s.free
		if breaker.State() == circuitbreaker.HalfOpen {
			free = 1
		}
		for range free {
			if !c.dispatchOne(ctx, s) {
				break
			}
		}
	}
}

// dispatchOne claims one job for s. It returns false when nothing more should be
// dispatched to s in this round.
func (c *Coordinator) dispatchOne(ctx context.Context, s slot) bool {
	j, err := c.store.ClaimNext(ctx, s.id, s.caps)
	if errors.Is(err, jobstore.ErrNoJob) {
		return false
	}
	if err != nil {
		c.logger.Error("Claim failed", "workerId", s.id, "error", err)
		return false
	}

	a, err := c.store.GetArtifact(ctx, j.ArtifactHash)
	if err != nil {
		// Enqueue resolves the artifact, so this only happens if it was removed underneath.
		c.logger.Error("Claimed job references unknown artifact", "jobId", j.ID, "artifactHash", j.ArtifactHash, "error", err)
		c.reject(ctx, j, s.id, apperrors.CodeValidation, fmt.Sprintf("artifact %s not deployed", j.ArtifactHash))
		return true
	}

	if a.EnvHash != "" && !c.registry.envReady(s.id, a.EnvHash) {
		return c.prepare(ctx, s, j, *a)
	}
	return c.sendDispatch(ctx, s.id, s.conn, j, *a)
}

// prepare parks j on s until the worker reports its environment ready.
func (c *Coordinator) prepare(ctx context.Context, s slot, j *job.Job, a job.Artifact) bool {
	first, ok := c.registry.park(s.id, s.conn, a.EnvHash, j)
	if !ok {
		c.release(ctx, j, s.id)
		return false
	}
	if !first {
		return true
	}

	c.logger.Info("Preparing environment", "workerId", s.id, "envHash", a.EnvHash, "jobId", j.ID)
	msg := protocol.New(0, &protocol.PrepareEnv{EnvHash: a.EnvHash, Artifact: protocol.ArtifactSpecOf(a)})
	if err := c.send(ctx, s.conn, msg); err != nil {
		c.logger.Warn("Failed to send PREPARE_ENV", "workerId", s.id, "error", err)
		for _, pj := range c.registry.unpark(s.id, a.EnvHash, false) {
			c.release(ctx, pj, s.id)
		}
		c.breakers.Get(s.id).RecordFailure()
		return false
	}
	return true
}

// sendDispatch delivers DISPATCH for a claimed job, releasing it when the worker is
// gone or the send fails.
func (c *Coordinator) sendDispatch(ctx context.Context, workerID string, conn transport.Conn, j *job.Job, a job.Artifact) bool {
	if !c.registry.assign(workerID, conn, j.WireID, j.ID) {
		c.logger.Info("Worker gone before dispatch, releasing job", "workerId", workerID, "jobId", j.ID)
		c.release(ctx, j, workerID)
		return false
	}

	if err := c.send(ctx, conn, protocol.NewDispatch(j, a, c.cfg.JobTimeout)); err != nil {
		c.logger.Warn("Dispatch not delivered, releasing job", "workerId", workerID, "jobId", j.ID, "error", err)
		c.registry.finish(workerID, j.WireID)
		c.release(ctx, j, workerID)
		c.breakers.Get(workerID).RecordFailure()
		return false
	}

	c.logger.Info("Job dispatched", "jobId", j.ID, "workerId", workerID, "attempt", j.RetryCount+1)
	if c.metrics != nil {
		c.metrics.RecordJobDispatched(ctx, j.Capability)
	}
	return true
}

func (c *Coordinator) send(ctx context.Context, conn transport.Conn, m *protocol.Message) error {
	if conn == nil {
		return transport.ErrClosed
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	return conn.Send(sctx, m)
}

// reject ends an in-flight job without retry.
func (c *Coordinator) reject(ctx context.Context, j *job.Job, workerID string, code apperrors.Code, msg string) {
	tr, err := c.store.MarkTerminal(ctx, j.ID, workerID, job.Outcome{
		State:   job.OutcomeState(code),
		Code:    string(code),
		Message: msg,
	})
	if err != nil {
		c.logger.Error("Failed to record outcome", "jobId", j.ID, "error", err)
		return
	}
	c.applied(ctx, tr)
}

// applied reacts to a store transition: metrics, notifications and another dispatch round.
func (c *Coordinator) applied(ctx context.Context, tr jobstore.Transition) {
	if !tr.Applied {
		return
	}
	if tr.Requeued {
		c.recordRequeued(ctx, tr.Job.ErrorCode)
		c.kick()
		return
	}
	if tr.Job != nil && tr.Job.State.Terminal() {
		c.finished(ctx, tr.Job)
	}
}

// finished reports a job that reached a terminal state.
func (c *Coordinator) finished(ctx context.Context, j *job.Job) {
	c.logger.Info("Job finished", "jobId", j.ID, "state", j.State, "code", j.ErrorCode)
	if c.metrics != nil {
		c.metrics.RecordJobFinished(ctx, string(j.State), j.ErrorCode, j.UpdatedAt.Sub(j.CreatedAt).Seconds())
	}
	c.notifier.JobFinished(j)
}

func (c *Coordinator) recordRequeued(ctx context.Context, code string) {
	if c.metrics != nil {
		c.metrics.RecordJobRequeued(ctx, code)
	}
}
