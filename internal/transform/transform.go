// Package transform runs transformation artifacts. A transformation is a black box that
// turns one input file into typed record batches addressed to sinks, or fails with a
// structured error code.
package transform

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ingestor/internal/apperrors"
	"ingestor/internal/commit"
	"ingestor/internal/job"
)

// Request is one invocation of a transformation.
type Request struct {
	JobID    string
	Input    job.InputFile
	Artifact job.Artifact
	EnvDir   string // provisioned environment, empty when the artifact needs none
}

// Output is one typed batch addressed to a sink. Table is only needed when a job
// has several targets on the same sink.
type Output struct {
	Sink  string
	Table string
	Batch commit.Batch
}

// Transformer executes an artifact. Errors are *apperrors.Failure.
type Transformer interface {
	Transform(ctx context.Context, req Request) ([]Output, error)
}

// Func adapts a function to Transformer.
type Func func(ctx context.Context, req Request) ([]Output, error)

func (f Func) Transform(ctx context.Context, req Request) ([]Output, error) {
	return f(ctx, req)
}

// Registry holds in-process transformers addressed by the first entrypoint element of
// builtin artifacts.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Transformer
}

// NewRegistry creates a registry with the bundled transformers.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Transformer)}
	r.Register("csv", Func(CSV))
	r.Register("jsonl", Func(JSONLines))
	return r
}

// Register adds or replaces a transformer.
func (r *Registry) Register(name string, t Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = t
}

// Names lists registered transformers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Transform(ctx context.Context, req Request) ([]Output, error) {
	if len(req.Artifact.Entrypoint) == 0 {
		return nil, apperrors.Fail(apperrors.CodeExecutionDeterministic, "builtin artifact %s has no entrypoint", req.Artifact.Name)
	}
	name := req.Artifact.Entrypoint[0]
	r.mu.RLock()
	t, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.Fail(apperrors.CodeExecutionDeterministic, "unknown builtin transformer %q", name)
	}
	return t.Transform(ctx, req)
}

// Router selects a Transformer by artifact runtime.
type Router struct {
	runtimes map[job.Runtime]Transformer
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{runtimes: make(map[job.Runtime]Transformer)}
}

// Handle routes artifacts of runtime rt to t.
func (r *Router) Handle(rt job.Runtime, t Transformer) *Router {
	r.runtimes[rt] = t
	return r
}

// Capabilities lists the runtimes the router can execute.
func (r *Router) Capabilities() []string {
	caps := make([]string, 0, len(r.runtimes))
	for rt := range r.runtimes {
		caps = append(caps, string(rt))
	}
	sort.Strings(caps)
	return caps
}

func (r *Router) Transform(ctx context.Context, req Request) ([]Output, error) {
	t, ok := r.runtimes[req.Artifact.Runtime]
	if !ok {
		return nil, apperrors.Fail(apperrors.CodeExecutionDeterministic, "runtime %q is not available on this worker", req.Artifact.Runtime)
	}
	outs, err := t.Transform(ctx, req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return outs, nil
}

// classify gives every error leaving a transformer a failure code. Context errors
// take precedence so a killed process reports CANCELLED rather than its exit status.
func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperrors.Wrap(apperrors.CodeOf(ctxErr), err, "")
	}
	return apperrors.AsFailure(err)
}

// Assign matches outputs to targets. Each output must match exactly one target by sink
// (and table, when given) and carry the target's columns in order. Targets with no
// output get an empty batch.
func Assign(targets []job.Target, outs []Output) ([][]commit.Batch, error) {
	batches := make([][]commit.Batch, len(targets))
	for _, o := range outs {
		idx := -1
		for i, t := range targets {
			if t.Sink != o.Sink || (o.Table != "" && o.Table != t.Table) {
				continue
			}
			if idx >= 0 {
				return nil, apperrors.Fail(apperrors.CodeValidation,
					"output for sink %q is ambiguous; set table", o.Sink)
			}
			idx = i
		}
		if idx < 0 {
			return nil, apperrors.Fail(apperrors.CodeValidation, "output for unknown sink %q table %q", o.Sink, o.Table)
		}
		if err := checkColumns(targets[idx], o.Batch); err != nil {
			return nil, err
		}
		batches[idx] = append(batches[idx], o.Batch)
	}
	return batches, nil
}

func checkColumns(t job.Target, b commit.Batch) error {
	if len(b.Columns) != len(t.Columns) {
		return apperrors.Fail(apperrors.CodeValidation, "%s.%s: got %d columns, want %d",
			t.Sink, t.Table, len(b.Columns), len(t.Columns))
	}
	for i, c := range b.Columns {
		if c.Name != t.Columns[i].Name {
			return apperrors.Fail(apperrors.CodeValidation, "%s.%s: column %d is %q, want %q",
				t.Sink, t.Table, i, c.Name, t.Columns[i].Name)
		}
	}
	for i, row := range b.Rows {
		if len(row) != len(t.Columns) {
			return apperrors.Fail(apperrors.CodeValidation, "%s.%s: row %d has %d values, want %d",
				t.Sink, t.Table, i, len(row), len(t.Columns))
		}
	}
	return nil
}

// errorRecord is the structured failure a transformation reports on its output stream.
type errorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *errorRecord) failure() *apperrors.Failure {
	code, _ := apperrors.ParseCode(e.Code)
	return &apperrors.Failure{Code: code, Message: e.Message}
}

// exitFailure classifies a non-zero exit without a structured error record.
// Exit status 75 (EX_TEMPFAIL) is transient; anything else is deterministic.
func exitFailure(code int, stderr string) *apperrors.Failure {
	c := apperrors.CodeExecutionDeterministic
	if code == 75 {
		c = apperrors.CodeExecutionTransient
	}
	msg := fmt.Sprintf("exit status %d", code)
	if stderr != "" {
		msg += ": " + stderr
	}
	return &apperrors.Failure{Code: c, Message: msg}
}
