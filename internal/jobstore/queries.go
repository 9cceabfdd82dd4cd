package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ingestor/internal/apperrors"
	"ingestor/internal/job"
)

func getJob(ctx context.Context, q execer, jobID string) (*job.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Get returns a job with its targets.
func (s *Store) Get(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := getJob(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	if j.Targets, err = loadTargets(ctx, s.db, jobID); err != nil {
		return nil, err
	}
	return j, nil
}

// GetByWireID returns the job carrying wireID in protocol headers.
func (s *Store) GetByWireID(ctx context.Context, wireID uint64) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE wire_id = ?`, int64(wireID))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", fmt.Sprintf("#%d", wireID))
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if j.Targets, err = loadTargets(ctx, s.db, j.ID); err != nil {
		return nil, err
	}
	return j, nil
}

// Filter selects jobs for List. Zero fields do not filter.
type Filter struct {
	States     []job.State
	Worker     string
	SourceHash string
	Limit      int
}

// List returns jobs matching f, oldest first, without targets.
func (s *Store) List(ctx context.Context, f Filter) ([]*job.Job, error) {
	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(f.States))+")")
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	if f.Worker != "" {
		where = append(where, "assigned_worker = ?")
		args = append(args, f.Worker)
	}
	if f.SourceHash != "" {
		where = append(where, "source_hash = ?")
		args = append(args, f.SourceHash)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY wire_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	jobs, err := queryJobs(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Targets returns a job's targets in enqueue order.
func (s *Store) Targets(ctx context.Context, jobID string) ([]job.Target, error) {
	return loadTargets(ctx, s.db, jobID)
}

// QueueLength counts Queued jobs.
func (s *Store) QueueLength(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE state = ?`, string(job.StateQueued)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// CountByState counts jobs per state.
func (s *Store) CountByState(ctx context.Context) (map[job.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[job.State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("count by state: %w", err)
		}
		counts[job.State(state)] = n
	}
	return counts, rows.Err()
}

func hasMaterialization(ctx context.Context, q execer, key string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM materializations WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup materialization: %w", err)
	}
	return true, nil
}

// HasMaterialization reports whether key has been produced.
func (s *Store) HasMaterialization(ctx context.Context, key string) (bool, error) {
	return hasMaterialization(ctx, s.db, key)
}

// MaterializationFilter selects materializations. Zero fields do not filter.
type MaterializationFilter struct {
	SourceHash string
	TargetKey  string
	JobID      string
	Limit      int
}

// Materializations lists recorded materializations, oldest first.
func (s *Store) Materializations(ctx context.Context, f MaterializationFilter) ([]job.Materialization, error) {
	var (
		where []string
		args  []any
	)
	if f.SourceHash != "" {
		where = append(where, "source_hash = ?")
		args = append(args, f.SourceHash)
	}
	if f.TargetKey != "" {
		where = append(where, "output_target_key = ?")
		args = append(args, f.TargetKey)
	}
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	query := `SELECT key, output_target_key, source_hash, artifact_hash, job_id, uri, created_at FROM materializations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, key"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list materializations: %w", err)
	}
	defer rows.Close()

	var out []job.Materialization
	for rows.Next() {
		var (
			m       job.Materialization
			created int64
		)
		if err := rows.Scan(&m.Key, &m.TargetKey, &m.SourceHash, &m.ArtifactHash, &m.JobID, &m.URI, &created); err != nil {
			return nil, fmt.Errorf("scan materialization: %w", err)
		}
		m.CreatedAt = fromMillis(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Events returns a job's recorded transitions in order.
func (s *Store) Events(ctx context.Context, jobID string) ([]job.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, from_state, to_state, code, message, worker, created_at
		FROM job_events WHERE job_id = ? ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []job.Event
	for rows.Next() {
		var (
			e        job.Event
			from, to string
			created  int64
		)
		if err := rows.Scan(&e.JobID, &from, &to, &e.Code, &e.Message, &e.Worker, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.From, e.To = job.State(from), job.State(to)
		e.CreatedAt = fromMillis(created)
		events = append(events, e)
	}
	return events, rows.Err()
}
