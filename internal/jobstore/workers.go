package jobstore

import (
	"context"
	"encoding/json"
	"fmt"

	"ingestor/internal/job"
)

// UpsertWorker mirrors a worker registration for observability. The coordinator's
// in-memory registry remains the source for dispatch decisions.
func (s *Store) UpsertWorker(ctx context.Context, w job.Worker) error {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, capabilities, max_concurrent, active_jobs, remote, connected_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			capabilities = excluded.capabilities,
			max_concurrent = excluded.max_concurrent,
			active_jobs = excluded.active_jobs,
			remote = excluded.remote,
			connected_at = excluded.connected_at,
			last_heartbeat = excluded.last_heartbeat
	`, w.ID, string(caps), w.MaxConcurrent, w.ActiveJobs, w.Remote,
		w.ConnectedAt.UnixMilli(), w.LastHeartbeat.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

// DeleteWorker removes a worker's row.
func (s *Store) DeleteWorker(ctx context.Context, workerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE worker_id = ?`, workerID); err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	return nil
}

// ResetWorkers clears the worker table. Registrations do not survive a coordinator restart.
func (s *Store) ResetWorkers(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workers`); err != nil {
		return fmt.Errorf("reset workers: %w", err)
	}
	return nil
}

// ListWorkers returns mirrored registrations ordered by id.
func (s *Store) ListWorkers(ctx context.Context) ([]job.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, capabilities, max_concurrent, active_jobs, remote, connected_at, last_heartbeat
		FROM workers ORDER BY worker_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []job.Worker
	for rows.Next() {
		var (
			w                    job.Worker
			caps                 string
			connected, heartbeat int64
		)
		if err := rows.Scan(&w.ID, &caps, &w.MaxConcurrent, &w.ActiveJobs, &w.Remote, &connected, &heartbeat); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities of %s: %w", w.ID, err)
		}
		w.ConnectedAt = fromMillis(connected)
		w.LastHeartbeat = fromMillis(heartbeat)
		out = append(out, w)
	}
	return out, rows.Err()
}
