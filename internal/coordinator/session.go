package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"ingestor/internal/apperrors"
	"ingestor/internal/job"
	"ingestor/internal/protocol"
	"ingestor/internal/transport"
	"ingestor/pkg/circuitbreaker"
)

// ErrNotIdentified is returned by Serve when a connection does not open with IDENTIFY.
var ErrNotIdentified = errors.New("connection did not identify")

// session is one worker connection.
type session struct {
	workerID string
	conn     transport.Conn
	logger   *slog.Logger
}

// Serve speaks the protocol with one worker connection until it closes or ctx is
// cancelled. The first message must be IDENTIFY.
func (c *Coordinator) Serve(ctx context.Context, conn transport.Conn) error {
	defer conn.Close()

	ictx, cancel := context.WithTimeout(ctx, c.cfg.IdentifyTimeout)
	m, err := conn.Recv(ictx)
	cancel()
	if err != nil {
		return fmt.Errorf("await identify: %w", err)
	}
	id, ok := m.Payload.(*protocol.Identify)
	if !ok {
		c.protocolError(ctx, conn, m.JobID, m.Opcode(), "first message must be IDENTIFY")
		return ErrNotIdentified
	}

	s := c.identify(ctx, conn, id)
	defer func() {
		if c.registry.disconnect(s.workerID, conn) {
			s.logger.Info("Worker disconnected")
			c.mirrorWorker(context.WithoutCancel(ctx), s.workerID)
		}
	}()

	for {
		m, err := conn.Recv(ctx)
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) && !errors.Is(err, protocol.ErrPayloadTooLarge) {
				c.protocolError(ctx, conn, 0, 0, err.Error())
				continue
			}
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		c.registry.seen(s.workerID)
		c.handle(ctx, s, m)
	}
}

func (c *Coordinator) handle(ctx context.Context, s *session, m *protocol.Message) {
	switch p := m.Payload.(type) {
	case *protocol.Heartbeat:
		c.handleHeartbeat(ctx, s, p)
	case *protocol.Conclude:
		c.handleConclude(ctx, s, m.JobID, p)
	case *protocol.ErrorMsg:
		c.handleError(ctx, s, m.JobID, p)
	case *protocol.EnvReady:
		c.handleEnvReady(ctx, s, p)
	case *protocol.Deploy:
		c.handleDeploy(ctx, s, p)
	case *protocol.Ack:
		s.logger.Debug("Ack received", "ref", p.Ref, "ok", p.OK)
	case *protocol.Identify:
		c.protocolError(ctx, s.conn, m.JobID, m.Opcode(), "already identified")
	default:
		c.protocolError(ctx, s.conn, m.JobID, m.Opcode(), fmt.Sprintf("coordinator does not accept %s", m.Opcode()))
	}
}

// identify registers the worker behind conn, replacing any previous registration,
// and adopts the jobs it reports as still running.
func (c *Coordinator) identify(ctx context.Context, conn transport.Conn, p *protocol.Identify) *session {
	s := &session{
		workerID: p.WorkerID,
		conn:     conn,
		logger:   c.logger.With("workerId", p.WorkerID),
	}

	ready := make(map[string]bool, len(p.ReadyEnvs))
	for _, env := range p.ReadyEnvs {
		ready[env] = true
	}
	old := c.registry.register(&workerConn{
		id:            p.WorkerID,
		conn:          conn,
		remote:        conn.RemoteAddr(),
		caps:          slices.Clone(p.Capabilities),
		maxConcurrent: p.MaxConcurrent,
		readyEnvs:     ready,
	})
	if old != nil {
		if old.conn != nil && old.conn != conn {
			old.conn.Close()
		}
		c.releaseParked(ctx, old)
	}

	for _, wireID := range p.ActiveJobs {
		c.adopt(ctx, s, wireID)
	}
	c.mirrorWorker(ctx, s.workerID)

	s.logger.Info("Worker identified",
		"remote", conn.RemoteAddr(),
		"capabilities", p.Capabilities,
		"maxConcurrent", p.MaxConcurrent,
		"activeJobs", len(p.ActiveJobs),
		"reconnect", old != nil,
	)
	c.kick()
	return s
}

// adopt takes over a job the worker reports as running after a reconnect.
func (c *Coordinator) adopt(ctx context.Context, s *session, wireID uint64) {
	j, err := c.store.GetByWireID(ctx, wireID)
	if err != nil {
		s.logger.Warn("Worker reports unknown job", "jobWireId", wireID, "error", err)
		return
	}
	if !j.State.InFlight() || j.AssignedWorker != s.workerID {
		s.logger.Warn("Worker reports job it does not own, aborting it",
			"jobId", j.ID, "state", j.State, "assignedWorker", j.AssignedWorker)
		_ = c.send(ctx, s.conn, protocol.New(wireID, &protocol.Abort{JobUUID: j.ID, Reason: "job reassigned"}))
		return
	}
	c.registry.adopt(s.workerID, wireID, j.ID)
	if j.State == job.StateAborting {
		_ = c.send(ctx, s.conn, protocol.New(wireID, &protocol.Abort{JobUUID: j.ID, Reason: j.AbortReason}))
	}
}

func (c *Coordinator) handleHeartbeat(ctx context.Context, s *session, p *protocol.Heartbeat) {
	if p.WorkerID != s.workerID {
		c.protocolError(ctx, s.conn, 0, protocol.OpHeartbeat,
			fmt.Sprintf("heartbeat for %s on connection of %s", p.WorkerID, s.workerID))
		return
	}

	ids := append(slices.Clone(p.ActiveJobs), c.registry.parkedIDs(s.workerID)...)
	if _, err := c.store.Touch(ctx, s.workerID, ids); err != nil {
		s.logger.Error("Failed to touch jobs", "error", err)
	}
	for wireID, jobID := range c.registry.reported(s.workerID, p.ActiveJobs) {
		if _, err := c.store.MarkRunning(ctx, jobID, s.workerID); err != nil {
			s.logger.Warn("Failed to mark job running", "jobId", jobID, "jobWireId", wireID, "error", err)
		}
	}
	c.mirrorWorker(ctx, s.workerID)
}

// handleConclude applies a receipt. Receipts may be retransmitted; only the first
// one for an in-flight job changes anything.
func (c *Coordinator) handleConclude(ctx context.Context, s *session, wireID uint64, p *protocol.Conclude) {
	j, ok := c.receiptJob(ctx, s, wireID, p.JobUUID, protocol.OpConclude)
	if !ok {
		return
	}
	defer c.registry.finish(s.workerID, wireID)
	logger := s.logger.With("jobId", j.ID, "status", p.Status)

	switch p.Status {
	case protocol.StatusCompleted:
		mats := c.materializations(logger, j, p)
		applied, err := c.store.Complete(ctx, j.ID, s.workerID, mats)
		if err != nil {
			logger.Error("Failed to record completion", "error", err)
			return
		}
		c.recordReceipt(ctx, applied)
		if !applied {
			logger.Debug("Duplicate receipt ignored", "state", j.State)
			return
		}
		c.breakers.Get(s.workerID).RecordSuccess()
		if done, err := c.store.Get(ctx, j.ID); err == nil {
			c.finished(ctx, done)
		}
		c.kick()

	case protocol.StatusFailed, protocol.StatusAborted:
		code, _ := apperrors.ParseCode(p.Error.Code)
		state := job.OutcomeState(code)
		if p.Status == protocol.StatusAborted {
			state = job.StateAborted
		}
		tr, err := c.store.MarkTerminal(ctx, j.ID, s.workerID, job.Outcome{
			State:    state,
			Code:     p.Error.Code,
			Message:  p.Error.Message,
			Reported: true,
		})
		if err != nil {
			logger.Error("Failed to record outcome", "error", err)
			return
		}
		c.recordReceipt(ctx, tr.Applied)
		if !tr.Applied {
			logger.Debug("Duplicate receipt ignored", "state", tr.From)
			return
		}
		c.judgeWorker(s.workerID, code)
		logger.Info("Job failed on worker", "code", p.Error.Code, "message", p.Error.Message, "requeued", tr.Requeued)
		c.applied(ctx, tr)
		c.kick()
	}
}

// handleError treats an ERROR naming a job as that job's failure receipt.
func (c *Coordinator) handleError(ctx context.Context, s *session, wireID uint64, p *protocol.ErrorMsg) {
	if wireID == 0 {
		s.logger.Warn("Worker reported an error", "code", p.Code, "message", p.Message)
		if c.metrics != nil {
			c.metrics.RecordProtocolError(ctx, "worker")
		}
		return
	}
	j, ok := c.receiptJob(ctx, s, wireID, "", protocol.OpError)
	if !ok {
		return
	}
	defer c.registry.finish(s.workerID, wireID)

	code, _ := apperrors.ParseCode(p.Code)
	tr, err := c.store.MarkTerminal(ctx, j.ID, s.workerID, job.Outcome{
		State:    job.OutcomeState(code),
		Code:     p.Code,
		Message:  p.Message,
		Reported: true,
	})
	if err != nil {
		s.logger.Error("Failed to record outcome", "jobId", j.ID, "error", err)
		return
	}
	if tr.Applied {
		c.judgeWorker(s.workerID, code)
		s.logger.Warn("Job failed by worker error", "jobId", j.ID, "code", p.Code, "message", p.Message, "requeued", tr.Requeued)
	}
	c.applied(ctx, tr)
}

// receiptJob resolves the job a receipt refers to, answering ERROR when it cannot.
func (c *Coordinator) receiptJob(ctx context.Context, s *session, wireID uint64, uuid string, op protocol.Opcode) (*job.Job, bool) {
	j, err := c.store.GetByWireID(ctx, wireID)
	if errors.Is(err, apperrors.ErrNotFound) {
		c.protocolError(ctx, s.conn, wireID, op, fmt.Sprintf("unknown job #%d", wireID))
		return nil, false
	}
	if err != nil {
		s.logger.Error("Failed to load job for receipt", "jobWireId", wireID, "error", err)
		return nil, false
	}
	if uuid != "" && uuid != j.ID {
		c.protocolError(ctx, s.conn, wireID, op, fmt.Sprintf("job #%d is %s, not %s", wireID, j.ID, uuid))
		return nil, false
	}
	return j, true
}

// materializations derives the materialization records of a completed job from its
// own targets. Keys the worker reported are checked against them.
func (c *Coordinator) materializations(logger *slog.Logger, j *job.Job, p *protocol.Conclude) []job.Materialization {
	uris := make(map[string]string, len(p.Sinks))
	for _, sr := range p.Sinks {
		uris[sr.TargetKey] = sr.URI
	}
	reported := make(map[string]string, len(p.Materializations))
	for _, mr := range p.Materializations {
		reported[mr.TargetKey] = mr.Key
	}

	mats := make([]job.Materialization, 0, len(j.Targets))
	for _, t := range j.Targets {
		targetKey := t.Key()
		key := t.MaterializationKey(j.Input.SourceHash, j.ArtifactHash)
		if rk, ok := reported[targetKey]; ok && rk != key {
			logger.Warn("Worker reported a different materialization key", "targetKey", targetKey, "reported", rk, "expected", key)
		}
		mats = append(mats, job.Materialization{
			Key:          key,
			TargetKey:    targetKey,
			SourceHash:   j.Input.SourceHash,
			ArtifactHash: j.ArtifactHash,
			JobID:        j.ID,
			URI:          uris[targetKey],
		})
	}
	return mats
}

// judgeWorker feeds a job outcome into the worker's circuit breaker. Only failures
// that another attempt could fix count against the worker.
func (c *Coordinator) judgeWorker(workerID string, code apperrors.Code) {
	b := c.breakers.Get(workerID)
	if code.Retryable() {
		b.RecordFailure()
		if b.State() == circuitbreaker.Open {
			c.logger.Warn("Worker circuit opened", "workerId", workerID, "failures", b.Failures())
		}
		return
	}
	b.RecordSuccess()
}

func (c *Coordinator) handleEnvReady(ctx context.Context, s *session, p *protocol.EnvReady) {
	jobs := c.registry.unpark(s.workerID, p.EnvHash, p.OK)
	if p.OK {
		s.logger.Info("Environment ready", "envHash", p.EnvHash, "parked", len(jobs))
		for _, j := range jobs {
			a, err := c.store.GetArtifact(ctx, j.ArtifactHash)
			if err != nil {
				s.logger.Error("Failed to load artifact for parked job", "jobId", j.ID, "error", err)
				c.release(ctx, j, s.workerID)
				continue
			}
			c.sendDispatch(ctx, s.workerID, s.conn, j, *a)
		}
		return
	}

	code, _ := apperrors.ParseCode(p.Error.Code)
	s.logger.Warn("Environment preparation failed", "envHash", p.EnvHash, "code", p.Error.Code, "message", p.Error.Message)
	c.judgeWorker(s.workerID, code)
	state := job.OutcomeState(code)
	if state == job.StateAborted {
		// The jobs never started; only an abort request ends them Aborted.
		state = job.StateFailed
	}
	for _, j := range jobs {
		tr, err := c.store.MarkTerminal(ctx, j.ID, s.workerID, job.Outcome{
			State:   state,
			Code:    p.Error.Code,
			Message: p.Error.Message,
		})
		if err != nil {
			s.logger.Error("Failed to record outcome", "jobId", j.ID, "error", err)
			continue
		}
		c.applied(ctx, tr)
	}
}

func (c *Coordinator) handleDeploy(ctx context.Context, s *session, p *protocol.Deploy) {
	a := p.Artifact.Artifact()
	ack := &protocol.Ack{Ref: protocol.OpDeploy, OK: true}
	if p.Artifact.Hash != "" && p.Artifact.Hash != a.Hash() {
		ack.OK = false
		ack.Message = fmt.Sprintf("artifact hash %s does not match computed %s", p.Artifact.Hash, a.Hash())
	} else if hash, created, err := c.Deploy(ctx, a); err != nil {
		ack.OK = false
		ack.Message = err.Error()
	} else {
		ack.Message = hash
		s.logger.Info("Artifact deployed over worker connection", "artifactHash", hash, "created", created)
	}
	if err := c.send(ctx, s.conn, protocol.New(0, ack)); err != nil {
		s.logger.Warn("Failed to acknowledge deploy", "error", err)
	}
}

// protocolError answers a malformed or unexpected message with ERROR(PROTOCOL).
func (c *Coordinator) protocolError(ctx context.Context, conn transport.Conn, wireID uint64, op protocol.Opcode, msg string) {
	c.logger.Warn("Protocol error", "opcode", op, "jobWireId", wireID, "message", msg)
	if c.metrics != nil {
		c.metrics.RecordProtocolError(ctx, op.String())
	}
	_ = c.send(ctx, conn, protocol.New(wireID, &protocol.ErrorMsg{
		Code:    string(apperrors.CodeProtocol),
		Message: msg,
	}))
}

func (c *Coordinator) recordReceipt(ctx context.Context, applied bool) {
	if c.metrics != nil {
		c.metrics.RecordReceipt(ctx, applied)
	}
}

// mirrorWorker copies the registration into the store for observability.
func (c *Coordinator) mirrorWorker(ctx context.Context, workerID string) {
	info, ok := c.registry.info(workerID)
	if !ok {
		return
	}
	if err := c.store.UpsertWorker(ctx, info); err != nil {
		c.logger.Warn("Failed to mirror worker", "workerId", workerID, "error", err)
	}
}
