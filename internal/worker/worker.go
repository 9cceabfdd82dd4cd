// Package worker implements the execution node: it holds a connection to the
// coordinator, runs dispatched jobs through a transformer and commits their output.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"ingestor/internal/apperrors"
	"ingestor/internal/commit"
	"ingestor/internal/job"
	"ingestor/internal/protocol"
	"ingestor/internal/transform"
	"ingestor/internal/transport"
	"ingestor/pkg/backoff"
)

// SinkResolver resolves sink names to sinks.
type SinkResolver interface {
	Get(name string) (commit.Sink, error)
}

// Dialer opens a connection to the coordinator.
type Dialer func(ctx context.Context) (transport.Conn, error)

// Deps are the collaborators a worker executes jobs with.
type Deps struct {
	Transformer transform.Transformer
	Provisioner transform.Provisioner
	Sinks       SinkResolver
}

// Worker is one execution node.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	active *activeRepo
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	// jobs outlive connections; they stop only on Drain.
	jobsCtx  context.Context
	stopJobs context.CancelFunc

	connMu  sync.Mutex
	conn    transport.Conn
	pending map[uint64]*protocol.Message // receipts not yet delivered
}

// New creates a worker.
func New(cfg Config, deps Deps) *Worker {
	cfg = cfg.withDefaults()
	if deps.Provisioner == nil {
		deps.Provisioner = noProvisioning{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:      cfg,
		deps:     deps,
		logger:   slog.With("component", "worker", "workerId", cfg.WorkerID),
		active:   newActiveRepo(),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		jobsCtx:  ctx,
		stopJobs: cancel,
		pending:  make(map[uint64]*protocol.Message),
	}
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// Run keeps a connection to the coordinator open until ctx is cancelled,
// reconnecting with exponential backoff when it drops.
func (w *Worker) Run(ctx context.Context, dial Dialer) error {
	attempt := 0
	for {
		conn, err := dial(ctx)
		if err == nil {
			attempt = 0
			err = w.Serve(ctx, conn)
			conn.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		delay := backoff.Exponential(attempt, &w.cfg.Reconnect)
		w.logger.Warn("Coordinator connection lost, reconnecting", "error", err, "attempt", attempt, "delay", delay)
		if backoff.Sleep(ctx, delay) != nil {
			return nil
		}
	}
}

// Serve speaks the protocol over one connection until it closes or ctx is cancelled.
func (w *Worker) Serve(ctx context.Context, conn transport.Conn) error {
	if err := conn.Send(ctx, w.identify()); err != nil {
		return fmt.Errorf("identify: %w", err)
	}
	w.setConn(conn)
	defer w.setConn(nil)
	w.logger.Info("Connected to coordinator", "remote", conn.RemoteAddr(), "active", w.active.len())
	w.flushPending(ctx, conn)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.heartbeatLoop(sctx, conn)

	for {
		m, err := conn.Recv(sctx)
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) && !errors.Is(err, protocol.ErrPayloadTooLarge) {
				w.logger.Warn("Rejected malformed message", "error", err)
				_ = conn.Send(sctx, protocol.New(0, &protocol.ErrorMsg{Code: string(apperrors.CodeProtocol), Message: err.Error()}))
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		w.handle(sctx, m)
	}
}

func (w *Worker) identify() *protocol.Message {
	return protocol.New(0, &protocol.Identify{
		WorkerID:      w.cfg.WorkerID,
		Capabilities:  w.cfg.Capabilities,
		MaxConcurrent: w.cfg.MaxConcurrent,
		ReadyEnvs:     w.deps.Provisioner.Ready(),
		ActiveJobs:    w.active.ids(),
	})
}

func (w *Worker) handle(ctx context.Context, m *protocol.Message) {
	switch p := m.Payload.(type) {
	case *protocol.Dispatch:
		w.handleDispatch(m.JobID, p)
	case *protocol.Abort:
		w.handleAbort(m.JobID, p)
	case *protocol.PrepareEnv:
		w.handlePrepareEnv(p)
	case *protocol.Ack:
		w.logger.Debug("Ack received", "ref", p.Ref, "ok", p.OK)
	case *protocol.ErrorMsg:
		w.logger.Warn("Coordinator reported an error", "jobWireId", m.JobID, "code", p.Code, "message", p.Message)
	default:
		w.logger.Warn("Unexpected message", "opcode", m.Opcode())
		_ = w.send(ctx, protocol.New(m.JobID, &protocol.ErrorMsg{
			Code:    string(apperrors.CodeProtocol),
			Message: fmt.Sprintf("worker does not accept %s", m.Opcode()),
		}))
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, conn transport.Conn) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Send(ctx, w.heartbeat()); err != nil {
				w.logger.Debug("Heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (w *Worker) heartbeat() *protocol.Message {
	ids := w.active.ids()
	free := w.cfg.MaxConcurrent - len(ids)
	if free < 0 {
		free = 0
	}
	return protocol.New(0, &protocol.Heartbeat{WorkerID: w.cfg.WorkerID, ActiveJobs: ids, Free: free})
}

func (w *Worker) setConn(c transport.Conn) {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	w.conn = c
}

func (w *Worker) send(ctx context.Context, m *protocol.Message) error {
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()
	if conn == nil {
		return transport.ErrClosed
	}
	return conn.Send(ctx, m)
}

// sendReceipt delivers a CONCLUDE, keeping it for the next connection when delivery fails.
func (w *Worker) sendReceipt(m *protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.send(ctx, m); err != nil {
		w.logger.Warn("Receipt not delivered, will resend after reconnect", "jobWireId", m.JobID, "error", err)
		w.connMu.Lock()
		w.pending[m.JobID] = m
		w.connMu.Unlock()
	}
}

func (w *Worker) flushPending(ctx context.Context, conn transport.Conn) {
	w.connMu.Lock()
	pending := w.pending
	w.pending = make(map[uint64]*protocol.Message)
	w.connMu.Unlock()

	for id, m := range pending {
		if err := conn.Send(ctx, m); err != nil {
			w.connMu.Lock()
			w.pending[id] = m
			w.connMu.Unlock()
			continue
		}
		w.logger.Info("Resent receipt", "jobWireId", id)
	}
}

// Drain waits for running jobs to finish. When ctx expires first the remaining
// jobs are cancelled and their receipts still sent.
func (w *Worker) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.logger.Warn("Drain timed out, cancelling jobs", "active", w.active.len())
		w.stopJobs()
		<-done
		return ctx.Err()
	}
}

func formatWireID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

type noProvisioning struct{}

func (noProvisioning) Provision(_ context.Context, a job.Artifact) (transform.Env, error) {
	return transform.Env{Hash: a.EnvHash}, nil
}

func (noProvisioning) Ready() []string { return nil }
