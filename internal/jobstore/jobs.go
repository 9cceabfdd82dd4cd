package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"ingestor/internal/apperrors"
	"ingestor/internal/job"
)

// ErrNoJob is returned by ClaimNext when no eligible job is queued.
var ErrNoJob = errors.New("no eligible job")

// AnyCapability matches every job's required capability.
const AnyCapability = "*"

// Enqueue validates req and inserts a Queued job for every target not already materialized.
// If every target is materialized no job is created; the result lists the skipped target keys.
func (s *Store) Enqueue(ctx context.Context, req job.Request) (job.EnqueueResult, error) {
	if err := req.Validate(); err != nil {
		return job.EnqueueResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job.EnqueueResult{}, fmt.Errorf("enqueue: begin tx: %w", err)
	}
	defer tx.Rollback()

	var artifact *job.Artifact
	if req.Artifact != nil {
		artifact = req.Artifact
		if _, err := s.insertArtifact(ctx, tx, *artifact); err != nil {
			return job.EnqueueResult{}, fmt.Errorf("enqueue: %w", err)
		}
	} else {
		artifact, err = getArtifact(ctx, tx, req.ArtifactHash)
		if err != nil {
			return job.EnqueueResult{}, err
		}
	}
	artifactHash := artifact.Hash()

	var (
		result  job.EnqueueResult
		pending []job.Target
	)
	for _, t := range req.Targets {
		done, err := hasMaterialization(ctx, tx, t.MaterializationKey(req.Input.SourceHash, artifactHash))
		if err != nil {
			return job.EnqueueResult{}, fmt.Errorf("enqueue: %w", err)
		}
		if done {
			result.Skipped = append(result.Skipped, t.Key())
			continue
		}
		pending = append(pending, t)
	}

	if len(pending) == 0 {
		if err := tx.Commit(); err != nil {
			return job.EnqueueResult{}, fmt.Errorf("enqueue: commit: %w", err)
		}
		return result, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return job.EnqueueResult{}, fmt.Errorf("enqueue: generate id: %w", err)
	}
	jobID := id.String()
	maxRetries := s.cfg.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	now := s.nowMillis()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, state, max_retries, available_at, created_at, updated_at,
			source_path, source_hash, path_hash, artifact_hash, capability)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, jobID, string(job.StateQueued), maxRetries, now, now, now,
		req.Input.Path, req.Input.SourceHash, req.Input.PathHash, artifactHash, artifact.Capability())
	if err != nil {
		return job.EnqueueResult{}, fmt.Errorf("enqueue: insert job: %w", err)
	}

	for i, t := range pending {
		columns, err := json.Marshal(t.Columns)
		if err != nil {
			return job.EnqueueResult{}, fmt.Errorf("enqueue: encode columns: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_targets (job_id, position, sink, location, table_name, write_mode,
				columns, schema_hash, target_key, materialization_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, jobID, i, t.Sink, t.Location, t.Table, string(t.WriteMode),
			string(columns), t.SchemaHash(), t.Key(), t.MaterializationKey(req.Input.SourceHash, artifactHash))
		if err != nil {
			return job.EnqueueResult{}, fmt.Errorf("enqueue: insert target: %w", err)
		}
	}

	if err := s.recordEvent(ctx, tx, jobID, "", job.StateQueued, "", "", ""); err != nil {
		return job.EnqueueResult{}, fmt.Errorf("enqueue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return job.EnqueueResult{}, fmt.Errorf("enqueue: commit: %w", err)
	}

	result.Job, err = s.Get(ctx, jobID)
	if err != nil {
		return job.EnqueueResult{}, err
	}
	return result, nil
}

// ClaimNext atomically moves the oldest eligible Queued job to Dispatched and assigns it
// to workerID. A job is eligible when its available_at has passed and its capability is in
// capabilities (or capabilities contains AnyCapability). Returns ErrNoJob when nothing is eligible.
func (s *Store) ClaimNext(ctx context.Context, workerID string, capabilities []string) (*job.Job, error) {
	if len(capabilities) == 0 {
		return nil, ErrNoJob
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim next: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.nowMillis()
	args := []any{workerID, now, now, now, string(job.StateDispatched), string(job.StateQueued), now}
	capFilter := ""
	if !slices.Contains(capabilities, AnyCapability) {
		capFilter = " AND capability IN (" + placeholders(len(capabilities)) + ")"
		for _, c := range capabilities {
			args = append(args, c)
		}
	}
	args = append(args, string(job.StateQueued))

	row := tx.QueryRowContext(ctx, `
		UPDATE jobs
		SET assigned_worker = ?, claim_time = ?, last_heartbeat = ?, updated_at = ?, state = ?
		WHERE wire_id = (
			SELECT wire_id FROM jobs
			WHERE state = ? AND available_at <= ?`+capFilter+`
			ORDER BY wire_id LIMIT 1
		) AND state = ?
		RETURNING `+jobColumns, args...)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	if j.Targets, err = loadTargets(ctx, tx, j.ID); err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	if err := s.recordEvent(ctx, tx, j.ID, job.StateQueued, job.StateDispatched, "", "", workerID); err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim next: commit: %w", err)
	}
	return j, nil
}

// transition moves jobID from one of the states in from to state to, recording an event.
// It returns false without error when the job is not in an expected state or is assigned
// to another worker.
func (s *Store) transition(ctx context.Context, jobID, workerID string, from []job.State, to job.State, set string, setArgs ...any) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE job_id = ?`, jobID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperrors.NotFound("job", jobID)
	}
	if err != nil {
		return false, err
	}
	if !slices.Contains(from, job.State(current)) || !job.CanTransition(job.State(current), to) {
		return false, nil
	}

	query := `UPDATE jobs SET state = ?, updated_at = ?` + set + ` WHERE job_id = ? AND state = ?`
	args := append([]any{string(to), s.nowMillis()}, setArgs...)
	args = append(args, jobID, current)
	if workerID != "" {
		query += ` AND assigned_worker = ?`
		args = append(args, workerID)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := s.recordEvent(ctx, tx, jobID, job.State(current), to, "", "", workerID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// MarkRunning records that workerID started executing a Dispatched job.
func (s *Store) MarkRunning(ctx context.Context, jobID, workerID string) (bool, error) {
	ok, err := s.transition(ctx, jobID, workerID, []job.State{job.StateDispatched}, job.StateRunning,
		`, last_heartbeat = ?`, s.nowMillis())
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	return ok, nil
}

// Release returns a Dispatched job to the queue without consuming a retry, used when the
// dispatch could not be delivered.
func (s *Store) Release(ctx context.Context, jobID, workerID string) (bool, error) {
	ok, err := s.transition(ctx, jobID, workerID, []job.State{job.StateDispatched}, job.StateQueued,
		`, assigned_worker = NULL, claim_time = NULL, last_heartbeat = NULL`)
	if err != nil {
		return false, fmt.Errorf("release: %w", err)
	}
	return ok, nil
}

// Touch refreshes the heartbeat of workerID's in-flight jobs named by wire id.
func (s *Store) Touch(ctx context.Context, workerID string, wireIDs []uint64) (int64, error) {
	if len(wireIDs) == 0 {
		return 0, nil
	}
	args := []any{s.nowMillis(), workerID,
		string(job.StateDispatched), string(job.StateRunning), string(job.StateAborting)}
	for _, id := range wireIDs {
		args = append(args, int64(id))
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET last_heartbeat = ?
		WHERE assigned_worker = ? AND state IN (?, ?, ?)
		AND wire_id IN (`+placeholders(len(wireIDs))+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("touch: %w", err)
	}
	return res.RowsAffected()
}

// MarkAborting requests cancellation of a job. A Queued job becomes Aborted immediately;
// a Dispatched or Running job becomes Aborting until the worker confirms or the abort
// timeout elapses. Terminal jobs return a conflict.
func (s *Store) MarkAborting(ctx context.Context, jobID, reason string) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mark aborting: begin tx: %w", err)
	}
	defer tx.Rollback()

	j, err := getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	now := s.nowMillis()

	switch j.State {
	case job.StateQueued:
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET state = ?, abort_reason = ?, error_code = ?, error_message = ?, updated_at = ?
			WHERE job_id = ? AND state = ?
		`, string(job.StateAborted), reason, string(apperrors.CodeCancelled), "aborted before dispatch", now,
			jobID, string(job.StateQueued))
		if err == nil {
			err = s.recordEvent(ctx, tx, jobID, job.StateQueued, job.StateAborted, string(apperrors.CodeCancelled), reason, "")
		}
	case job.StateDispatched, job.StateRunning:
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET state = ?, abort_reason = ?, aborting_at = ?, updated_at = ?
			WHERE job_id = ? AND state = ?
		`, string(job.StateAborting), reason, now, now, jobID, string(j.State))
		if err == nil {
			err = s.recordEvent(ctx, tx, jobID, j.State, job.StateAborting, "", reason, j.AssignedWorker)
		}
	case job.StateAborting:
		return j, nil
	default:
		return nil, apperrors.Conflict("job", jobID, fmt.Sprintf("already %s", j.State))
	}
	if err != nil {
		return nil, fmt.Errorf("mark aborting: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mark aborting: commit: %w", err)
	}
	return s.Get(ctx, jobID)
}

// Complete records the job's materializations and marks it Completed in one transaction.
// Materialization inserts are idempotent. It returns false, changing nothing, when the job
// is no longer in flight, which makes retransmitted receipts harmless.
func (s *Store) Complete(ctx context.Context, jobID, workerID string, mats []job.Materialization) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("complete: begin tx: %w", err)
	}
	defer tx.Rollback()

	j, err := getJob(ctx, tx, jobID)
	if err != nil {
		return false, err
	}
	if !j.State.InFlight() {
		return false, nil
	}
	if err := s.markStarted(ctx, tx, j, workerID); err != nil {
		return false, fmt.Errorf("complete: %w", err)
	}

	now := s.nowMillis()
	for _, m := range mats {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO materializations (key, output_target_key, source_hash, artifact_hash, job_id, uri, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, m.Key, m.TargetKey, m.SourceHash, m.ArtifactHash, jobID, m.URI, now)
		if err != nil {
			return false, fmt.Errorf("complete: insert materialization: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, error_code = '', error_message = '', aborting_at = NULL, updated_at = ?
		WHERE job_id = ? AND state = ?
	`, string(job.StateCompleted), now, jobID, string(j.State))
	if err != nil {
		return false, fmt.Errorf("complete: %w", err)
	}
	if err := s.recordEvent(ctx, tx, jobID, j.State, job.StateCompleted, "", "", workerID); err != nil {
		return false, fmt.Errorf("complete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("complete: commit: %w", err)
	}
	return true, nil
}

// Transition reports the effect of MarkTerminal.
type Transition struct {
	Applied  bool
	From     job.State
	To       job.State
	Requeued bool
	Job      *job.Job
}

// MarkTerminal applies a non-success outcome to an in-flight job.
//
// A Failed outcome with a retryable code and retries remaining is requeued with
// retry_count+1 and a backoff delay instead of staying Failed. A job that was Aborting
// is never requeued. A Reported outcome for a job still Dispatched first records that
// the job ran. Outcomes for jobs that are no longer in flight, or that report
// from a worker other than the assigned one, are ignored.
func (s *Store) MarkTerminal(ctx context.Context, jobID, workerID string, out job.Outcome) (Transition, error) {
	switch out.State {
	case job.StateFailed, job.StateAborted, job.StateRejected:
	default:
		return Transition{}, fmt.Errorf("mark terminal: invalid outcome state %q", out.State)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Transition{}, fmt.Errorf("mark terminal: begin tx: %w", err)
	}
	defer tx.Rollback()

	j, err := getJob(ctx, tx, jobID)
	if err != nil {
		return Transition{}, err
	}
	if !j.State.InFlight() || (workerID != "" && j.AssignedWorker != workerID) {
		return Transition{From: j.State, To: j.State, Job: j}, nil
	}
	if out.Reported {
		if err := s.markStarted(ctx, tx, j, workerID); err != nil {
			return Transition{}, fmt.Errorf("mark terminal: %w", err)
		}
	}

	tr, err := s.applyOutcome(ctx, tx, j, out, workerID)
	if err != nil {
		return Transition{}, fmt.Errorf("mark terminal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Transition{}, fmt.Errorf("mark terminal: commit: %w", err)
	}
	return tr, nil
}

// markStarted moves a Dispatched job to Running inside tx, for a receipt that beat the
// job's first heartbeat.
func (s *Store) markStarted(ctx context.Context, tx *sql.Tx, j *job.Job, workerID string) error {
	if j.State != job.StateDispatched {
		return nil
	}
	now := s.nowMillis()
	_, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, last_heartbeat = ?, updated_at = ?
		WHERE job_id = ? AND state = ?
	`, string(job.StateRunning), now, now, j.ID, string(job.StateDispatched))
	if err != nil {
		return err
	}
	if err := s.recordEvent(ctx, tx, j.ID, job.StateDispatched, job.StateRunning, "", "", workerID); err != nil {
		return err
	}
	j.State = job.StateRunning
	return nil
}

func (s *Store) applyOutcome(ctx context.Context, tx *sql.Tx, j *job.Job, out job.Outcome, workerID string) (Transition, error) {
	if !job.CanTransition(j.State, out.State) {
		return Transition{}, fmt.Errorf("job %s: %s -> %s is not a valid transition", j.ID, j.State, out.State)
	}
	code, _ := apperrors.ParseCode(out.Code)
	now := s.nowMillis()
	tr := Transition{Applied: true, From: j.State, To: out.State}

	requeue := out.State == job.StateFailed &&
		j.State != job.StateAborting &&
		code.Retryable() &&
		j.RetryCount < j.MaxRetries

	if requeue {
		delay := backoffDelay(j.RetryCount+1, s.cfg)
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = ?, retry_count = retry_count + 1, assigned_worker = NULL,
				claim_time = NULL, last_heartbeat = NULL, aborting_at = NULL,
				available_at = ?, updated_at = ?, error_code = ?, error_message = ?
			WHERE job_id = ? AND state = ?
		`, string(job.StateQueued), now+delay.Milliseconds(), now, out.Code, out.Message, j.ID, string(j.State))
		if err != nil {
			return Transition{}, err
		}
		if err := s.recordEvent(ctx, tx, j.ID, j.State, job.StateFailed, out.Code, out.Message, workerID); err != nil {
			return Transition{}, err
		}
		if err := s.recordEvent(ctx, tx, j.ID, job.StateFailed, job.StateQueued, out.Code, "retry scheduled", ""); err != nil {
			return Transition{}, err
		}
		tr.To = job.StateQueued
		tr.Requeued = true
	} else {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = ?, aborting_at = NULL, updated_at = ?, error_code = ?, error_message = ?
			WHERE job_id = ? AND state = ?
		`, string(out.State), now, out.Code, out.Message, j.ID, string(j.State))
		if err != nil {
			return Transition{}, err
		}
		if err := s.recordEvent(ctx, tx, j.ID, j.State, out.State, out.Code, out.Message, workerID); err != nil {
			return Transition{}, err
		}
	}

	updated, err := getJob(ctx, tx, j.ID)
	if err != nil {
		return Transition{}, err
	}
	tr.Job = updated
	return tr, nil
}
