// Package fssink is a flat-file sink writing JSON Lines or CSV.
//
// Layout under the sink location:
//
//	.staging/<final>.<ext>.tmp.*           in-progress output, never listed
//	.superseded/<final>.<ext>/<old>.<ext>  artifacts a replace promote set aside until the job finishes
//	<table>/<final>.<ext>                  published output
//
// Staging and published files share a filesystem, so promote is a single link or rename.
package fssink

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"ingestor/internal/commit"
)

const (
	stagingDir    = ".staging"
	supersededDir = ".superseded"
)

// Format selects the file encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

var tableName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// Sink writes one file per job and target.
type Sink struct {
	name     string
	location string
	format   Format
}

// New creates a sink rooted at location. An empty format means JSON Lines.
func New(name, location string, format Format) (*Sink, error) {
	switch format {
	case "":
		format = FormatJSONL
	case FormatJSONL, FormatCSV:
	default:
		return nil, fmt.Errorf("fssink: unknown format %q", format)
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		return nil, fmt.Errorf("fssink: resolve location: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, stagingDir), 0o755); err != nil {
		return nil, fmt.Errorf("fssink: create staging dir: %w", err)
	}
	return &Sink{name: name, location: abs, format: format}, nil
}

func (s *Sink) Name() string     { return s.name }
func (s *Sink) Location() string { return s.location }
func (s *Sink) Close() error     { return nil }

// Stage opens a temp file under the staging directory.
func (s *Sink) Stage(_ context.Context, req commit.StageRequest) (commit.Staged, error) {
	if !tableName.MatchString(req.Table) {
		return nil, fmt.Errorf("fssink: invalid table name %q", req.Table)
	}
	final := req.FinalName() + "." + string(s.format)
	tmp, err := os.CreateTemp(filepath.Join(s.location, stagingDir), final+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("fssink: create staging file: %w", err)
	}
	st := &staged{
		sink:  s,
		req:   req,
		final: filepath.Join(s.location, req.Table, final),
		tmp:   tmp,
		buf:   bufio.NewWriter(tmp),
	}
	if s.format == FormatCSV {
		st.csv = csv.NewWriter(st.buf)
		header := make([]string, len(req.Columns))
		for i, c := range req.Columns {
			header[i] = c.Name
		}
		if err := st.csv.Write(header); err != nil {
			_ = st.Discard(context.Background())
			return nil, err
		}
	}
	return st, nil
}

// List returns published final names in table, without extensions.
func (s *Sink) List(_ context.Context, table string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.location, table))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, ".") {
			continue
		}
		names = append(names, strings.TrimSuffix(n, filepath.Ext(n)))
	}
	sort.Strings(names)
	return names, nil
}

type staged struct {
	sink  *Sink
	req   commit.StageRequest
	final string
	tmp   *os.File
	buf   *bufio.Writer
	csv   *csv.Writer
	rows  int64
	done  bool

	published  bool     // this promote created the final name
	superseded []string // artifacts moved aside by a replace promote
}

func (st *staged) WriteBatch(_ context.Context, b commit.Batch) error {
	if st.done {
		return errors.New("fssink: write after close")
	}
	for i, row := range b.Rows {
		if len(row) != len(b.Columns) {
			return fmt.Errorf("fssink: row %d has %d values, want %d", i, len(row), len(b.Columns))
		}
		var err error
		if st.csv != nil {
			err = st.csv.Write(csvRecord(row))
		} else {
			err = st.writeJSON(b.Columns, row)
		}
		if err != nil {
			return err
		}
		st.rows++
	}
	return nil
}

func (st *staged) writeJSON(cols []commit.Column, row []any) error {
	obj := make(map[string]any, len(cols))
	for i, c := range cols {
		obj[c.Name] = row[i]
	}
	line, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if _, err := st.buf.Write(line); err != nil {
		return err
	}
	return st.buf.WriteByte('\n')
}

func csvRecord(row []any) []string {
	out := make([]string, len(row))
	for i, v := range row {
		if v != nil {
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}

// Promote flushes and fsyncs the staging file, then links it to its final name.
// An existing final name is left untouched. Once the link exists the output is
// published; later directory syncs and superseded-file moves only log on failure.
func (st *staged) Promote(context.Context) (commit.Published, error) {
	if st.done {
		return commit.Published{}, errors.New("fssink: promote after close")
	}
	tmpName := st.tmp.Name()
	defer func() {
		st.done = true
		_ = st.tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if st.csv != nil {
		st.csv.Flush()
		if err := st.csv.Error(); err != nil {
			return commit.Published{}, err
		}
	}
	if err := st.buf.Flush(); err != nil {
		return commit.Published{}, err
	}
	if err := st.tmp.Chmod(0o644); err != nil {
		return commit.Published{}, err
	}
	if err := st.tmp.Sync(); err != nil {
		return commit.Published{}, err
	}
	info, err := st.tmp.Stat()
	if err != nil {
		return commit.Published{}, err
	}
	if err := st.tmp.Close(); err != nil {
		return commit.Published{}, err
	}

	dir := filepath.Dir(st.final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return commit.Published{}, err
	}
	if err := os.Link(tmpName, st.final); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return commit.Published{}, fmt.Errorf("fssink: publish: %w", err)
		}
		return st.existing()
	}
	st.published = true
	logger := st.logger()
	if err := fsyncDir(dir); err != nil {
		logger.Warn("Failed to sync table directory", "dir", dir, "error", err)
	}

	if st.req.WriteMode == commit.WriteReplace {
		if err := st.setAsideSuperseded(dir); err != nil {
			logger.Warn("Failed to set aside superseded output", "dir", dir, "error", err)
		}
	}
	return commit.Published{URI: "file://" + st.final, Rows: st.rows, Bytes: info.Size()}, nil
}

// existing describes a final name published by an earlier attempt.
func (st *staged) existing() (commit.Published, error) {
	f, err := os.Open(st.final)
	if err != nil {
		return commit.Published{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return commit.Published{}, err
	}
	rows, err := st.sink.countRows(f)
	if err != nil {
		return commit.Published{}, fmt.Errorf("fssink: count existing rows: %w", err)
	}
	return commit.Published{URI: "file://" + st.final, Rows: rows, Bytes: info.Size()}, nil
}

func (s *Sink) countRows(r io.Reader) (int64, error) {
	if s.format == FormatCSV {
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = -1
		var n int64
		for {
			_, err := cr.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return 0, err
			}
			n++
		}
		if n > 0 {
			n-- // header
		}
		return n, nil
	}
	var n int64
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64<<20)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	return n, sc.Err()
}

// setAsideSuperseded moves earlier artifacts of the same target out of the table
// into a hidden directory, from where Retract can restore them.
func (st *staged) setAsideSuperseded(dir string) error {
	prefix := strings.SplitN(filepath.Base(st.final), "-", 3)
	if len(prefix) < 3 {
		return nil
	}
	group := prefix[0] + "-" + prefix[1] + "-"
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	aside := filepath.Join(st.sink.location, supersededDir, filepath.Base(st.final))
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if path == st.final || e.IsDir() || !strings.HasPrefix(e.Name(), group) {
			continue
		}
		if err := os.MkdirAll(aside, 0o755); err != nil {
			return err
		}
		if err := os.Rename(path, filepath.Join(aside, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		st.superseded = append(st.superseded, e.Name())
	}
	if len(st.superseded) == 0 {
		return nil
	}
	return fsyncDir(dir)
}

// Retract removes the final name this promote created and moves superseded
// artifacts back into the table.
func (st *staged) Retract(context.Context) error {
	if !st.published {
		return nil
	}
	dir := filepath.Dir(st.final)
	aside := filepath.Join(st.sink.location, supersededDir, filepath.Base(st.final))
	for _, name := range st.superseded {
		if err := os.Rename(filepath.Join(aside, name), filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("fssink: restore %s: %w", name, err)
		}
	}
	if err := os.Remove(st.final); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fssink: retract: %w", err)
	}
	st.published, st.superseded = false, nil
	_ = os.Remove(aside)
	return fsyncDir(dir)
}

// Finalize deletes the superseded artifacts set aside by a replace promote.
func (st *staged) Finalize(context.Context) error {
	st.published = false
	if len(st.superseded) == 0 {
		return nil
	}
	st.superseded = nil
	return os.RemoveAll(filepath.Join(st.sink.location, supersededDir, filepath.Base(st.final)))
}

func (st *staged) logger() *slog.Logger {
	return slog.With("component", "fssink", "sink", st.sink.name, "table", st.req.Table)
}

func (st *staged) Discard(context.Context) error {
	if st.done {
		return nil
	}
	st.done = true
	_ = st.tmp.Close()
	if err := os.Remove(st.tmp.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

var _ commit.Sink = (*Sink)(nil)
