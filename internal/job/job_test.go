package job

import (
	"errors"
	"testing"

	"ingestor/internal/apperrors"
	"ingestor/internal/commit"
)

func validRequest() Request {
	return Request{
		Input: InputFile{Path: "/data/in/events.csv", SourceHash: "src-1"},
		Artifact: &Artifact{
			Name: "events", Version: "1.0.0", LogicHash: "logic-1",
			Runtime: RuntimeProcess, Entrypoint: []string{"./parse"},
		},
		Targets: []Target{{
			Sink: "warehouse", Location: "/data/out", Table: "events",
			WriteMode: commit.WriteAppend,
			Columns:   []commit.Column{{Name: "id", Type: "int"}, {Name: "body", Type: "text"}},
		}},
	}
}

func TestRequestValidate(t *testing.T) {
	t.Parallel()
	neg := -1
	tests := []struct {
		name   string
		mutate func(r *Request)
		field  string
	}{
		{"valid", func(r *Request) {}, ""},
		{"missing path", func(r *Request) { r.Input.Path = "" }, "input.path"},
		{"missing source hash", func(r *Request) { r.Input.SourceHash = "" }, "input.sourceHash"},
		{"no artifact", func(r *Request) { r.Artifact = nil }, "artifact"},
		{"artifact by hash", func(r *Request) { r.Artifact = nil; r.ArtifactHash = "abc" }, ""},
		{"hash mismatch", func(r *Request) { r.ArtifactHash = "abc" }, "artifactHash"},
		{"unknown runtime", func(r *Request) { r.Artifact.Runtime = "wasm" }, "artifact.runtime"},
		{"docker without image", func(r *Request) { r.Artifact.Runtime = RuntimeDocker }, "artifact.image"},
		{"process without entrypoint", func(r *Request) { r.Artifact.Entrypoint = nil }, "artifact.entrypoint"},
		{"negative retries", func(r *Request) { r.MaxRetries = &neg }, "maxRetries"},
		{"no targets", func(r *Request) { r.Targets = nil }, "targets"},
		{"bad table", func(r *Request) { r.Targets[0].Table = "1events" }, "targets[0].table"},
		{"bad write mode", func(r *Request) { r.Targets[0].WriteMode = "upsert" }, "targets[0].writeMode"},
		{"no columns", func(r *Request) { r.Targets[0].Columns = nil }, "targets[0].columns"},
		{"duplicate column", func(r *Request) {
			r.Targets[0].Columns = append(r.Targets[0].Columns, commit.Column{Name: "id", Type: "text"})
		}, "targets[0].columns[2]"},
		{"duplicate target", func(r *Request) { r.Targets = append(r.Targets, r.Targets[0]) }, "targets[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := validRequest()
			tt.mutate(&r)
			err := r.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var appErr *apperrors.Error
			if !errors.As(err, &appErr) {
				t.Fatalf("expected *apperrors.Error, got %v", err)
			}
			if appErr.Field != tt.field {
				t.Errorf("field = %q, want %q (%v)", appErr.Field, tt.field, err)
			}
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Error("expected ErrValidation")
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateQueued, StateDispatched, true},
		{StateQueued, StateAborted, true},
		{StateQueued, StateRunning, false},
		{StateQueued, StateCompleted, false},
		{StateDispatched, StateRunning, true},
		{StateDispatched, StateQueued, true},
		{StateDispatched, StateCompleted, false},
		{StateDispatched, StateAborted, false},
		{StateDispatched, StateFailed, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateRejected, true},
		{StateRunning, StateAborting, true},
		{StateAborting, StateAborted, true},
		{StateAborting, StateCompleted, true},
		{StateAborting, StateQueued, false},
		{StateFailed, StateQueued, true},
		{StateCompleted, StateQueued, false},
		{StateAborted, StateQueued, false},
		{StateRejected, StateQueued, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSources(t *testing.T) {
	t.Parallel()
	got := Sources(StateRunning)
	if len(got) != 1 || got[0] != StateDispatched {
		t.Errorf("Sources(running) = %v, want [dispatched]", got)
	}
	for _, s := range Sources(StateCompleted) {
		if !s.InFlight() {
			t.Errorf("completed reachable from non in-flight state %s", s)
		}
	}
}

func TestOutcomeState(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code apperrors.Code
		want State
	}{
		{apperrors.CodeValidation, StateRejected},
		{apperrors.CodeCancelled, StateAborted},
		{apperrors.CodeCommit, StateFailed},
		{apperrors.CodeExecutionDeterministic, StateFailed},
		{apperrors.CodeWorkerLost, StateFailed},
	}
	for _, tt := range tests {
		if got := OutcomeState(tt.code); got != tt.want {
			t.Errorf("OutcomeState(%s) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestTargetKeysDependOnSchema(t *testing.T) {
	t.Parallel()
	a := validRequest().Targets[0]
	b := a
	b.Columns = []commit.Column{{Name: "id", Type: "INT"}, {Name: "body", Type: "TEXT"}}
	if a.Key() != b.Key() {
		t.Error("column type case must not change the target key")
	}
	b.Columns = []commit.Column{{Name: "body", Type: "text"}, {Name: "id", Type: "int"}}
	if a.Key() == b.Key() {
		t.Error("column order must change the target key")
	}
	if a.MaterializationKey("s1", "p1") == a.MaterializationKey("s2", "p1") {
		t.Error("source hash must change the materialization key")
	}
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []State{StateCompleted, StateFailed, StateAborted, StateRejected} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateQueued, StateDispatched, StateRunning, StateAborting} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if State("paused").Valid() {
		t.Error("unknown state reported valid")
	}
}
