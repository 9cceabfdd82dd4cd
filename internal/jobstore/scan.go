package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ingestor/internal/commit"
	"ingestor/internal/job"
)

const jobColumns = `wire_id, job_id, state, retry_count, max_retries, assigned_worker,
	claim_time, last_heartbeat, available_at, created_at, updated_at,
	source_path, source_hash, path_hash, artifact_hash, capability,
	error_code, error_message, abort_reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*job.Job, error) {
	var (
		j                       job.Job
		state                   string
		worker                  sql.NullString
		claim, heartbeat        sql.NullInt64
		available, created, upd int64
	)
	err := sc.Scan(
		&j.WireID, &j.ID, &state, &j.RetryCount, &j.MaxRetries, &worker,
		&claim, &heartbeat, &available, &created, &upd,
		&j.Input.Path, &j.Input.SourceHash, &j.Input.PathHash, &j.ArtifactHash, &j.Capability,
		&j.ErrorCode, &j.ErrorMessage, &j.AbortReason,
	)
	if err != nil {
		return nil, err
	}
	j.State = job.State(state)
	j.AssignedWorker = worker.String
	j.ClaimTime = fromNullMillis(claim)
	j.LastHeartbeat = fromNullMillis(heartbeat)
	j.AvailableAt = fromMillis(available)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(upd)
	return &j, nil
}

func queryJobs(ctx context.Context, q execer, query string, args ...any) ([]*job.Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func loadTargets(ctx context.Context, q execer, jobID string) ([]job.Target, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT sink, location, table_name, write_mode, columns
		FROM job_targets WHERE job_id = ? ORDER BY position
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}
	defer rows.Close()

	var targets []job.Target
	for rows.Next() {
		var (
			t       job.Target
			mode    string
			columns string
		)
		if err := rows.Scan(&t.Sink, &t.Location, &t.Table, &mode, &columns); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		t.WriteMode = commit.WriteMode(mode)
		if err := json.Unmarshal([]byte(columns), &t.Columns); err != nil {
			return nil, fmt.Errorf("decode columns of %s.%s: %w", jobID, t.Table, err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, 2*n)
	for i := range n {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
