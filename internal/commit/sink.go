package commit

import "context"

// WriteMode controls how a promoted artifact relates to earlier ones in the same table.
type WriteMode string

const (
	WriteAppend  WriteMode = "append"
	WriteReplace WriteMode = "replace"
)

// Valid reports whether m is a known write mode.
func (m WriteMode) Valid() bool {
	return m == WriteAppend || m == WriteReplace
}

// Batch is a typed block of rows. Every row has len(Columns) values.
type Batch struct {
	Columns []Column `json:"columns" msgpack:"columns"`
	Rows    [][]any  `json:"rows" msgpack:"rows"`
}

// StageRequest describes the output a job is about to write into one target.
type StageRequest struct {
	JobID     string
	TargetKey string
	Table     string
	WriteMode WriteMode
	Columns   []Column
}

// FinalName is the name the staged output will be published under.
func (r StageRequest) FinalName() string {
	return FinalName(r.TargetKey, r.JobID)
}

// Published describes an artifact visible in a sink's finished namespace.
type Published struct {
	URI   string `json:"uri"`
	Rows  int64  `json:"rows"`
	Bytes int64  `json:"bytes"`
}

// Staged is output written to a location invisible to readers of finished output.
type Staged interface {
	WriteBatch(ctx context.Context, batch Batch) error
	// Promote publishes the staged output in a single atomic step.
	// Promoting a final name that already exists is a no-op that returns the existing artifact.
	Promote(ctx context.Context) (Published, error)
	// Retract withdraws what Promote published and restores what it superseded, leaving
	// the finished namespace as it was before Promote. A no-op promote retracts nothing.
	// Only valid until Finalize.
	Retract(ctx context.Context) error
	// Finalize drops the state kept for Retract once every output of the job is promoted.
	Finalize(ctx context.Context) error
	// Discard removes the staged output. Safe to call after Promote.
	Discard(ctx context.Context) error
}

// Sink is a storage backend. Every sink writes through Stage; there is no direct write path.
type Sink interface {
	Name() string
	Location() string
	Stage(ctx context.Context, req StageRequest) (Staged, error)
	// List returns the final names published into table.
	List(ctx context.Context, table string) ([]string, error)
	Close() error
}
