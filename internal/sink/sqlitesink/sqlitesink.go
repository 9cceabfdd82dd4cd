// Package sqlitesink is an embedded-database sink backed by SQLite.
//
// Output is staged in a per-job table named _stage_<final> and promoted by one
// transaction that copies it into the destination table, records the final name
// in _ingest_commits and drops the staging table. A replace promote keeps the rows
// it removed in _prior_<final> until the job's commit is finalized.
package sqlitesink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"ingestor/internal/commit"
)

const commitsDDL = `
CREATE TABLE IF NOT EXISTS _ingest_commits (
    final_name  TEXT PRIMARY KEY,
    table_name  TEXT NOT NULL,
    target_key  TEXT NOT NULL,
    job_id      TEXT NOT NULL,
    row_count   INTEGER NOT NULL,
    committed_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
)`

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Sink writes into tables of one SQLite database file.
type Sink struct {
	name string
	path string
	db   *sql.DB
}

// Open opens (or creates) the database at path.
func Open(name, path string) (*Sink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitesink: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitesink: connect: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000", commitsDDL} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitesink: init: %w", err)
		}
	}
	return &Sink{name: name, path: path, db: db}, nil
}

func (s *Sink) Name() string     { return s.name }
func (s *Sink) Location() string { return "sqlite://" + s.path }
func (s *Sink) Close() error     { return s.db.Close() }

// Stage creates the staging table.
func (s *Sink) Stage(ctx context.Context, req commit.StageRequest) (commit.Staged, error) {
	if !identifier.MatchString(req.Table) || strings.HasPrefix(req.Table, "_") {
		return nil, fmt.Errorf("sqlitesink: invalid table name %q", req.Table)
	}
	if len(req.Columns) == 0 {
		return nil, errors.New("sqlitesink: at least one column is required")
	}
	defs := make([]string, len(req.Columns))
	for i, c := range req.Columns {
		if !identifier.MatchString(c.Name) {
			return nil, fmt.Errorf("sqlitesink: invalid column name %q", c.Name)
		}
		defs[i] = quote(c.Name) + " " + sqlType(c.Type)
	}

	final := req.FinalName()
	stage := "_stage_" + strings.NewReplacer("-", "_").Replace(final)
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quote(stage))); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quote(stage), strings.Join(defs, ", "))); err != nil {
		return nil, fmt.Errorf("sqlitesink: create staging table: %w", err)
	}
	return &staged{sink: s, req: req, final: final, stage: stage, defs: defs}, nil
}

// List returns final names committed into table, oldest first.
func (s *Sink) List(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT final_name FROM _ingest_commits WHERE table_name = ? ORDER BY committed_at, final_name`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Count returns the number of rows in table.
func (s *Sink) Count(ctx context.Context, table string) (int64, error) {
	if !identifier.MatchString(table) {
		return 0, fmt.Errorf("sqlitesink: invalid table name %q", table)
	}
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quote(table)).Scan(&n)
	return n, err
}

type staged struct {
	sink  *Sink
	req   commit.StageRequest
	final string
	stage string
	defs  []string
	rows  int64
	done  bool

	published bool  // this promote inserted rows and a commit record
	lastRowID int64 // rowid of the last inserted row
}

func (st *staged) WriteBatch(ctx context.Context, b commit.Batch) error {
	if st.done {
		return errors.New("sqlitesink: write after close")
	}
	if len(b.Rows) == 0 {
		return nil
	}
	tx, err := st.sink.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(b.Columns)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quote(st.stage), placeholders))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, row := range b.Rows {
		if len(row) != len(st.req.Columns) {
			return fmt.Errorf("sqlitesink: row %d has %d values, want %d", i, len(row), len(st.req.Columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("sqlitesink: insert row %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	st.rows += int64(len(b.Rows))
	return nil
}

// Promote publishes the staged rows in one transaction.
func (st *staged) Promote(ctx context.Context) (commit.Published, error) {
	if st.done {
		return commit.Published{}, errors.New("sqlitesink: promote after close")
	}
	db := st.sink.db
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return commit.Published{}, err
	}
	defer tx.Rollback()

	pub := commit.Published{URI: st.sink.Location() + "/" + st.req.Table + "/" + st.final}
	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT row_count FROM _ingest_commits WHERE final_name = ?`, st.final).Scan(&existing)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(st.stage)); err != nil {
			return commit.Published{}, err
		}
		if err := tx.Commit(); err != nil {
			return commit.Published{}, err
		}
		st.done = true
		pub.Rows = existing
		return pub, nil
	case !errors.Is(err, sql.ErrNoRows):
		return commit.Published{}, err
	}

	table := quote(st.req.Table)
	steps := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(st.defs, ", ")),
	}
	if st.req.WriteMode == commit.WriteReplace {
		steps = append(steps,
			"DROP TABLE IF EXISTS "+quote(st.prior()),
			fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", quote(st.prior()), table),
			"DELETE FROM "+table,
		)
	}
	steps = append(steps,
		fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", table, quote(st.stage)),
		"DROP TABLE "+quote(st.stage),
	)
	for _, q := range steps {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return commit.Published{}, fmt.Errorf("sqlitesink: promote: %w", err)
		}
	}
	var lastRowID int64
	if err := tx.QueryRowContext(ctx, "SELECT last_insert_rowid()").Scan(&lastRowID); err != nil {
		return commit.Published{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO _ingest_commits (final_name, table_name, target_key, job_id, row_count) VALUES (?, ?, ?, ?, ?)`,
		st.final, st.req.Table, st.req.TargetKey, st.req.JobID, st.rows); err != nil {
		return commit.Published{}, err
	}
	if err := tx.Commit(); err != nil {
		return commit.Published{}, err
	}
	st.done = true
	st.published = true
	st.lastRowID = lastRowID
	pub.Rows = st.rows
	return pub, nil
}

// prior names the table holding the rows a replace promote removed.
func (st *staged) prior() string {
	return "_prior" + strings.TrimPrefix(st.stage, "_stage")
}

// Retract deletes the promoted rows and commit record in one transaction and, for a
// replace promote, puts the removed rows back.
func (st *staged) Retract(ctx context.Context) error {
	if !st.published {
		return nil
	}
	tx, err := st.sink.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	table := quote(st.req.Table)
	var steps []string
	if st.req.WriteMode == commit.WriteReplace {
		steps = []string{
			"DELETE FROM " + table,
			fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", table, quote(st.prior())),
			"DROP TABLE " + quote(st.prior()),
		}
	} else if st.rows > 0 {
		steps = []string{fmt.Sprintf("DELETE FROM %s WHERE rowid > %d AND rowid <= %d",
			table, st.lastRowID-st.rows, st.lastRowID)}
	}
	for _, q := range steps {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlitesink: retract: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _ingest_commits WHERE final_name = ?`, st.final); err != nil {
		return fmt.Errorf("sqlitesink: retract: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	st.published = false
	return nil
}

// Finalize drops the rows kept for retracting a replace promote.
func (st *staged) Finalize(ctx context.Context) error {
	if !st.published {
		return nil
	}
	st.published = false
	if st.req.WriteMode != commit.WriteReplace {
		return nil
	}
	_, err := st.sink.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(st.prior()))
	return err
}

func (st *staged) Discard(ctx context.Context) error {
	if st.done {
		return nil
	}
	st.done = true
	_, err := st.sink.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(st.stage))
	return err
}

func quote(id string) string {
	return `"` + id + `"`
}

func sqlType(t string) string {
	switch strings.ToLower(t) {
	case "int", "integer", "int64", "bigint", "bool", "boolean":
		return "INTEGER"
	case "float", "double", "real", "float64", "decimal":
		return "REAL"
	case "bytes", "blob", "binary":
		return "BLOB"
	default:
		return "TEXT"
	}
}

var _ commit.Sink = (*Sink)(nil)
