package jobstore

import (
	"context"
	"fmt"
	"time"

	"ingestor/internal/apperrors"
	"ingestor/internal/job"
	"ingestor/pkg/backoff"
)

// ReapResult lists the job ids affected by a reap.
type ReapResult struct {
	Requeued []string
	Failed   []string
	Aborted  []string
}

// Empty reports whether the reap changed nothing.
func (r ReapResult) Empty() bool {
	return len(r.Requeued) == 0 && len(r.Failed) == 0 && len(r.Aborted) == 0
}

func (r *ReapResult) add(tr Transition) {
	switch {
	case tr.Requeued:
		r.Requeued = append(r.Requeued, tr.Job.ID)
	case tr.To == job.StateAborted:
		r.Aborted = append(r.Aborted, tr.Job.ID)
	default:
		r.Failed = append(r.Failed, tr.Job.ID)
	}
}

// ReapStale requeues (or fails, once retries are exhausted) Dispatched and Running jobs
// whose last heartbeat is older than heartbeatTimeout, and declares Aborting jobs Aborted
// once abortTimeout has passed without a confirming receipt.
func (s *Store) ReapStale(ctx context.Context, heartbeatTimeout, abortTimeout time.Duration) (ReapResult, error) {
	now := s.nowMillis()
	stale, err := queryJobs(ctx, s.db, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN (?, ?) AND (last_heartbeat IS NULL OR last_heartbeat < ?)
		ORDER BY wire_id
	`, string(job.StateDispatched), string(job.StateRunning), now-heartbeatTimeout.Milliseconds())
	if err != nil {
		return ReapResult{}, fmt.Errorf("reap stale: %w", err)
	}
	aborting, err := queryJobs(ctx, s.db, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ? AND aborting_at < ?
		ORDER BY wire_id
	`, string(job.StateAborting), now-abortTimeout.Milliseconds())
	if err != nil {
		return ReapResult{}, fmt.Errorf("reap stale: %w", err)
	}

	lost := job.Outcome{
		State:   job.StateFailed,
		Code:    string(apperrors.CodeWorkerLost),
		Message: fmt.Sprintf("no heartbeat within %s", heartbeatTimeout),
	}
	unconfirmed := job.Outcome{
		State:   job.StateAborted,
		Code:    string(apperrors.CodeCancelled),
		Message: fmt.Sprintf("abort not confirmed within %s", abortTimeout),
	}
	return s.reap(ctx, stale, aborting, lost, unconfirmed)
}

// RequeueWorker applies the worker-lost policy to every in-flight job assigned to workerID.
func (s *Store) RequeueWorker(ctx context.Context, workerID string) (ReapResult, error) {
	inflight, err := queryJobs(ctx, s.db, `
		SELECT `+jobColumns+` FROM jobs
		WHERE assigned_worker = ? AND state IN (?, ?)
		ORDER BY wire_id
	`, workerID, string(job.StateDispatched), string(job.StateRunning))
	if err != nil {
		return ReapResult{}, fmt.Errorf("requeue worker: %w", err)
	}
	aborting, err := queryJobs(ctx, s.db, `
		SELECT `+jobColumns+` FROM jobs
		WHERE assigned_worker = ? AND state = ?
		ORDER BY wire_id
	`, workerID, string(job.StateAborting))
	if err != nil {
		return ReapResult{}, fmt.Errorf("requeue worker: %w", err)
	}

	lost := job.Outcome{
		State:   job.StateFailed,
		Code:    string(apperrors.CodeWorkerLost),
		Message: fmt.Sprintf("worker %s disconnected", workerID),
	}
	gone := job.Outcome{
		State:   job.StateAborted,
		Code:    string(apperrors.CodeCancelled),
		Message: fmt.Sprintf("worker %s disconnected while aborting", workerID),
	}
	return s.reap(ctx, inflight, aborting, lost, gone)
}

func (s *Store) reap(ctx context.Context, failed, aborted []*job.Job, failOut, abortOut job.Outcome) (ReapResult, error) {
	var result ReapResult
	if len(failed) == 0 && len(aborted) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReapResult{}, fmt.Errorf("reap: begin tx: %w", err)
	}
	defer tx.Rollback()

	apply := func(candidates []*job.Job, out job.Outcome) error {
		for _, c := range candidates {
			// Re-read inside the transaction: a receipt may have landed since the scan.
			j, err := getJob(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			if j.State != c.State || j.AssignedWorker != c.AssignedWorker {
				continue
			}
			tr, err := s.applyOutcome(ctx, tx, j, out, "")
			if err != nil {
				return err
			}
			result.add(tr)
		}
		return nil
	}
	if err := apply(failed, failOut); err != nil {
		return ReapResult{}, fmt.Errorf("reap: %w", err)
	}
	if err := apply(aborted, abortOut); err != nil {
		return ReapResult{}, fmt.Errorf("reap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ReapResult{}, fmt.Errorf("reap: commit: %w", err)
	}
	return result, nil
}

func backoffDelay(attempt int, cfg Config) time.Duration {
	return backoff.Exponential(attempt, &cfg.RetryBackoff)
}
