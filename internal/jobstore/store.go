// Package jobstore is the durable, transactional record of jobs and materializations.
// It is the only authoritative state in the system: every mutation is one SQLite
// transaction and in-memory caches elsewhere are rebuilt from it.
package jobstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ingestor/internal/config"
	"ingestor/internal/job"
	"ingestor/pkg/backoff"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions:
// 1 - initial schema
const currentSchemaVersion = 1

// Config controls retry policy and time. Zero values use defaults.
type Config struct {
	MaxRetries   int            // default: job.DefaultMaxRetries
	RetryBackoff backoff.Config // delay before a failed job becomes claimable again
	Now          func() time.Time
}

// LoadConfigFromEnv loads the retry policy from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		MaxRetries: config.GetIntEnv("MAX_RETRIES", job.DefaultMaxRetries),
		RetryBackoff: backoff.Config{
			Initial: config.GetDurationEnv("RETRY_BACKOFF_INITIAL", time.Second),
			Max:     config.GetDurationEnv("RETRY_BACKOFF_MAX", time.Minute),
			Jitter:  0.2,
		},
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = job.DefaultMaxRetries
	}
	if c.RetryBackoff.Initial == 0 {
		c.RetryBackoff.Initial = time.Second
	}
	if c.RetryBackoff.Max == 0 {
		c.RetryBackoff.Max = time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Store persists jobs in SQLite.
type Store struct {
	db  *sql.DB
	cfg Config
}

// Open creates or opens the database at path and applies the schema.
//
// The database runs in WAL mode with a single connection, so the coordinator is the
// single writer and concurrent callers are serialised by database/sql.
func Open(path string, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, cfg: cfg.withDefaults()}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ready pings the database.
func (s *Store) Ready(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// MaxRetries is the default retry limit applied to new jobs.
func (s *Store) MaxRetries() int {
	return s.cfg.MaxRetries
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *Store) nowMillis() int64 {
	return s.cfg.Now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) recordEvent(ctx context.Context, q execer, jobID string, from, to job.State, code, message, worker string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO job_events (job_id, from_state, to_state, code, message, worker, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, jobID, string(from), string(to), code, message, worker, s.nowMillis())
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}
