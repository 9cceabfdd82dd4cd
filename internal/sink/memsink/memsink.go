// Package memsink is an in-memory sink. It honours the staging/promote contract and
// is used for dry runs and tests.
package memsink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ingestor/internal/commit"
)

// Sink keeps published tables in memory.
type Sink struct {
	name string

	mu        sync.Mutex
	published map[string]map[string][][]any // table -> final name -> rows
	staging   int

	// BeforePromote, when set, runs inside Promote before anything becomes visible.
	// Returning an error fails the promote.
	BeforePromote func(ctx context.Context, req commit.StageRequest) error
	// BeforeRetract, when set, runs at the start of Retract. Returning an error fails it.
	BeforeRetract func(ctx context.Context, req commit.StageRequest) error
}

// New creates an empty sink.
func New(name string) *Sink {
	return &Sink{name: name, published: make(map[string]map[string][][]any)}
}

func (s *Sink) Name() string     { return s.name }
func (s *Sink) Location() string { return "memory://" + s.name }
func (s *Sink) Close() error     { return nil }

// Stage opens a staging buffer.
func (s *Sink) Stage(_ context.Context, req commit.StageRequest) (commit.Staged, error) {
	if req.Table == "" {
		return nil, errors.New("memsink: table is required")
	}
	s.mu.Lock()
	s.staging++
	s.mu.Unlock()
	return &staged{sink: s, req: req}, nil
}

// List returns published final names in table, sorted.
func (s *Sink) List(_ context.Context, table string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.published[table]))
	for n := range s.published[table] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Rows returns the published rows of one artifact.
func (s *Sink) Rows(table, finalName string) [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published[table][finalName]
}

// StagingOpen returns how many staged outputs are neither promoted nor discarded.
func (s *Sink) StagingOpen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staging
}

type staged struct {
	sink *Sink
	req  commit.StageRequest
	rows [][]any
	done bool

	published  bool               // this promote created the final name
	superseded map[string][][]any // artifacts a replace promote removed
}

func (st *staged) WriteBatch(_ context.Context, b commit.Batch) error {
	if st.done {
		return errors.New("memsink: write after close")
	}
	for i, r := range b.Rows {
		if len(r) != len(b.Columns) {
			return fmt.Errorf("memsink: row %d has %d values, want %d", i, len(r), len(b.Columns))
		}
	}
	st.rows = append(st.rows, b.Rows...)
	return nil
}

func (st *staged) Promote(ctx context.Context) (commit.Published, error) {
	if st.done {
		return commit.Published{}, errors.New("memsink: promote after close")
	}
	if hook := st.sink.BeforePromote; hook != nil {
		if err := hook(ctx, st.req); err != nil {
			return commit.Published{}, err
		}
	}
	s := st.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	st.done = true
	s.staging--

	final := st.req.FinalName()
	table := s.published[st.req.Table]
	if table == nil {
		table = make(map[string][][]any)
		s.published[st.req.Table] = table
	}
	if existing, ok := table[final]; ok {
		return commit.Published{URI: s.uri(st.req.Table, final), Rows: int64(len(existing))}, nil
	}
	if st.req.WriteMode == commit.WriteReplace {
		st.superseded = make(map[string][][]any, len(table))
		for n, rows := range table {
			st.superseded[n] = rows
			delete(table, n)
		}
	}
	table[final] = st.rows
	st.published = true
	return commit.Published{URI: s.uri(st.req.Table, final), Rows: int64(len(st.rows))}, nil
}

func (st *staged) Retract(ctx context.Context) error {
	if hook := st.sink.BeforeRetract; hook != nil {
		if err := hook(ctx, st.req); err != nil {
			return err
		}
	}
	if !st.published {
		return nil
	}
	s := st.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.published[st.req.Table]
	delete(table, st.req.FinalName())
	for n, rows := range st.superseded {
		table[n] = rows
	}
	st.published, st.superseded = false, nil
	return nil
}

func (st *staged) Finalize(context.Context) error {
	st.published, st.superseded = false, nil
	return nil
}

func (st *staged) Discard(context.Context) error {
	if st.done {
		return nil
	}
	st.done = true
	st.sink.mu.Lock()
	st.sink.staging--
	st.sink.mu.Unlock()
	return nil
}

func (s *Sink) uri(table, final string) string {
	return s.Location() + "/" + table + "/" + final
}

var _ commit.Sink = (*Sink)(nil)
