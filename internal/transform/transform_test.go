package transform

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ingestor/internal/apperrors"
	"ingestor/internal/commit"
	"ingestor/internal/job"
)

func target(sink, table string, cols ...string) job.Target {
	t := job.Target{Sink: sink, Location: "/out", Table: table, WriteMode: commit.WriteAppend}
	for _, c := range cols {
		t.Columns = append(t.Columns, commit.Column{Name: c, Type: "text"})
	}
	return t
}

func batch(cols []string, rows ...[]any) commit.Batch {
	b := commit.Batch{Rows: rows}
	for _, c := range cols {
		b.Columns = append(b.Columns, commit.Column{Name: c, Type: "text"})
	}
	return b
}

func TestAssign(t *testing.T) {
	t.Parallel()
	targets := []job.Target{target("db", "events", "id", "body"), target("db", "errors", "id")}

	tests := []struct {
		name    string
		outs    []Output
		wantErr string
		counts  []int
	}{
		{
			name:   "by table",
			outs:   []Output{{Sink: "db", Table: "errors", Batch: batch([]string{"id"}, []any{"1"})}},
			counts: []int{0, 1},
		},
		{
			name:    "ambiguous sink",
			outs:    []Output{{Sink: "db", Batch: batch([]string{"id"})}},
			wantErr: "ambiguous",
		},
		{
			name:    "unknown sink",
			outs:    []Output{{Sink: "files", Batch: batch([]string{"id"})}},
			wantErr: "unknown sink",
		},
		{
			name:    "column mismatch",
			outs:    []Output{{Sink: "db", Table: "events", Batch: batch([]string{"body", "id"})}},
			wantErr: "column 0",
		},
		{
			name:    "short row",
			outs:    []Output{{Sink: "db", Table: "events", Batch: batch([]string{"id", "body"}, []any{"1"})}},
			wantErr: "row 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Assign(targets, tt.outs)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				if code := apperrors.CodeOf(err); code != apperrors.CodeValidation {
					t.Errorf("code = %s, want VALIDATION", code)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for i, want := range tt.counts {
				if len(got[i]) != want {
					t.Errorf("target %d got %d batches, want %d", i, len(got[i]), want)
				}
			}
		})
	}
}

func TestDecodeStream(t *testing.T) {
	t.Parallel()
	in := `{"sink":"db","columns":[{"name":"id","type":"integer"},{"name":"v","type":"real"}],"rows":[[1,2.5],[2,3]]}
{"sink":"db","table":"x","columns":[{"name":"id","type":"integer"}],"rows":[]}`

	outs, failure := decodeStream(strings.NewReader(in))
	if failure != nil {
		t.Fatalf("unexpected failure: %v", failure)
	}
	if len(outs) != 2 {
		t.Fatalf("got %d outputs, want 2", len(outs))
	}
	if v, ok := outs[0].Batch.Rows[0][0].(int64); !ok || v != 1 {
		t.Errorf("integer column decoded as %T %v", outs[0].Batch.Rows[0][0], outs[0].Batch.Rows[0][0])
	}
	if _, ok := outs[0].Batch.Rows[1][1].(float64); !ok {
		t.Errorf("real column decoded as %T", outs[0].Batch.Rows[1][1])
	}
	if outs[1].Table != "x" {
		t.Errorf("table = %q", outs[1].Table)
	}
}

func TestDecodeStream_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want apperrors.Code
	}{
		{"error record", `{"error":{"code":"VALIDATION","message":"bad row"}}`, apperrors.CodeValidation},
		{"transient record", `{"error":{"code":"EXECUTION_TRANSIENT","message":"db busy"}}`, apperrors.CodeExecutionTransient},
		{"unknown code", `{"error":{"code":"WHATEVER"}}`, apperrors.CodeExecutionDeterministic},
		{"malformed", `{"sink":`, apperrors.CodeExecutionDeterministic},
		{"no sink", `{"rows":[[1]]}`, apperrors.CodeExecutionDeterministic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, failure := decodeStream(strings.NewReader(tt.in))
			if failure == nil {
				t.Fatal("expected failure")
			}
			if failure.Code != tt.want {
				t.Errorf("code = %s, want %s", failure.Code, tt.want)
			}
		})
	}
}

func TestRouter(t *testing.T) {
	t.Parallel()
	r := NewRouter().
		Handle(job.RuntimeBuiltin, Func(func(ctx context.Context, req Request) ([]Output, error) {
			return nil, errors.New("boom")
		}))

	if caps := r.Capabilities(); len(caps) != 1 || caps[0] != "builtin" {
		t.Errorf("Capabilities() = %v", caps)
	}

	_, err := r.Transform(context.Background(), Request{Artifact: job.Artifact{Runtime: job.RuntimeDocker}})
	if apperrors.CodeOf(err) != apperrors.CodeExecutionDeterministic {
		t.Errorf("missing runtime: code = %s", apperrors.CodeOf(err))
	}

	_, err = r.Transform(context.Background(), Request{Artifact: job.Artifact{Runtime: job.RuntimeBuiltin}})
	if apperrors.CodeOf(err) != apperrors.CodeExecutionTransient {
		t.Errorf("plain error: code = %s", apperrors.CodeOf(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Transform(ctx, Request{Artifact: job.Artifact{Runtime: job.RuntimeBuiltin}})
	if apperrors.CodeOf(err) != apperrors.CodeCancelled {
		t.Errorf("cancelled: code = %s", apperrors.CodeOf(err))
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register("upper", Func(func(ctx context.Context, req Request) ([]Output, error) {
		return []Output{{Sink: "s", Batch: batch([]string{"v"}, []any{strings.ToUpper(req.Input.Path)})}}, nil
	}))

	names := r.Names()
	if strings.Join(names, ",") != "csv,jsonl,upper" {
		t.Errorf("Names() = %v", names)
	}

	outs, err := r.Transform(context.Background(), Request{
		Input:    job.InputFile{Path: "abc"},
		Artifact: job.Artifact{Runtime: job.RuntimeBuiltin, Entrypoint: []string{"upper"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outs[0].Batch.Rows[0][0] != "ABC" {
		t.Errorf("got %v", outs[0].Batch.Rows[0][0])
	}

	_, err = r.Transform(context.Background(), Request{
		Artifact: job.Artifact{Runtime: job.RuntimeBuiltin, Entrypoint: []string{"missing"}},
	})
	if apperrors.CodeOf(err) != apperrors.CodeExecutionDeterministic {
		t.Errorf("unknown builtin: code = %s", apperrors.CodeOf(err))
	}
}

func TestCSV(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "in.csv")
	if err := os.WriteFile(path, []byte("id,name\n1,ada\n2,grace\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	outs, err := CSV(context.Background(), Request{
		Input:    job.InputFile{Path: path},
		Artifact: job.Artifact{Entrypoint: []string{"csv", "warehouse", "people"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outs) != 1 {
		t.Fatalf("got %d outputs", len(outs))
	}
	o := outs[0]
	if o.Sink != "warehouse" || o.Table != "people" {
		t.Errorf("addressed to %s/%s", o.Sink, o.Table)
	}
	if len(o.Batch.Columns) != 2 || o.Batch.Columns[1].Name != "name" {
		t.Errorf("columns = %v", o.Batch.Columns)
	}
	if len(o.Batch.Rows) != 2 || o.Batch.Rows[1][1] != "grace" {
		t.Errorf("rows = %v", o.Batch.Rows)
	}
}

func TestCSV_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.csv")
	ragged := filepath.Join(dir, "ragged.csv")
	os.WriteFile(empty, nil, 0o644)
	os.WriteFile(ragged, []byte("a,b\n1\n"), 0o644)

	tests := []struct {
		name string
		path string
		want apperrors.Code
	}{
		{"missing file", filepath.Join(dir, "nope.csv"), apperrors.CodeExecutionDeterministic},
		{"no header", empty, apperrors.CodeValidation},
		{"ragged row", ragged, apperrors.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := CSV(context.Background(), Request{
				Input:    job.InputFile{Path: tt.path},
				Artifact: job.Artifact{Entrypoint: []string{"csv", "s"}},
			})
			if got := apperrors.CodeOf(err); got != tt.want {
				t.Errorf("code = %s, want %s (%v)", got, tt.want, err)
			}
		})
	}
}

func TestJSONLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "in.jsonl")
	data := `{"sink":"s","columns":[{"name":"id","type":"int"}],"rows":[[7]]}` + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	outs, err := JSONLines(context.Background(), Request{Input: job.InputFile{Path: path}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outs[0].Batch.Rows[0][0] != int64(7) {
		t.Errorf("got %v", outs[0].Batch.Rows[0][0])
	}
}
