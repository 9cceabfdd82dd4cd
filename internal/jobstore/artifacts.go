package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ingestor/internal/apperrors"
	"ingestor/internal/job"
)

// UpsertArtifact records a deployed artifact. Artifacts are content addressed, so
// re-deploying an identical artifact is a no-op. Returns the hash and whether it was new.
func (s *Store) UpsertArtifact(ctx context.Context, a job.Artifact) (string, bool, error) {
	if err := a.Validate(); err != nil {
		return "", false, err
	}
	created, err := s.insertArtifact(ctx, s.db, a)
	if err != nil {
		return "", false, err
	}
	return a.Hash(), created, nil
}

func (s *Store) insertArtifact(ctx context.Context, q execer, a job.Artifact) (bool, error) {
	entrypoint, err := json.Marshal(a.Entrypoint)
	if err != nil {
		return false, fmt.Errorf("encode entrypoint: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO artifacts (hash, name, version, logic_hash, env_hash, runtime, entrypoint, image, bundle, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, a.Hash(), a.Name, a.Version, a.LogicHash, a.EnvHash, string(a.Runtime), string(entrypoint), a.Image, a.Bundle, s.nowMillis())
	if err != nil {
		return false, fmt.Errorf("insert artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert artifact: %w", err)
	}
	return n > 0, nil
}

const artifactColumns = `name, version, logic_hash, env_hash, runtime, entrypoint, image, bundle`

func scanArtifact(sc scanner) (*job.Artifact, error) {
	var (
		a          job.Artifact
		runtime    string
		entrypoint string
	)
	if err := sc.Scan(&a.Name, &a.Version, &a.LogicHash, &a.EnvHash, &runtime, &entrypoint, &a.Image, &a.Bundle); err != nil {
		return nil, err
	}
	a.Runtime = job.Runtime(runtime)
	if err := json.Unmarshal([]byte(entrypoint), &a.Entrypoint); err != nil {
		return nil, fmt.Errorf("decode entrypoint: %w", err)
	}
	return &a, nil
}

func getArtifact(ctx context.Context, q execer, hash string) (*job.Artifact, error) {
	row := q.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE hash = ?`, hash)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("artifact", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

// GetArtifact returns a deployed artifact by hash.
func (s *Store) GetArtifact(ctx context.Context, hash string) (*job.Artifact, error) {
	return getArtifact(ctx, s.db, hash)
}

// ListArtifacts returns deployed artifacts in deploy order.
func (s *Store) ListArtifacts(ctx context.Context) ([]job.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts ORDER BY created_at, hash`)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []job.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("list artifacts: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
