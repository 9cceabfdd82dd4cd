package transform

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ingestor/internal/apperrors"
	"ingestor/internal/job"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "transform.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func processRequest(script string) Request {
	return Request{
		JobID:    "job-1",
		Input:    job.InputFile{Path: "/data/in.csv", SourceHash: "src"},
		Artifact: job.Artifact{Name: "t", Runtime: job.RuntimeProcess, Entrypoint: []string{script}},
	}
}

func TestProcessExecutor_Outputs(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `
echo '{"sink":"db","columns":[{"name":"path","type":"text"}],"rows":[["'"$INGEST_INPUT_PATH"'"]]}'
echo '{"sink":"db","columns":[{"name":"job","type":"text"}],"rows":[["'"$INGEST_JOB_ID"'"]]}'
`)
	p := &ProcessExecutor{}
	outs, err := p.Transform(context.Background(), processRequest(script))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("got %d outputs, want 2", len(outs))
	}
	if outs[0].Batch.Rows[0][0] != "/data/in.csv" {
		t.Errorf("input path not passed: %v", outs[0].Batch.Rows[0][0])
	}
	if outs[1].Batch.Rows[0][0] != "job-1" {
		t.Errorf("job id not passed: %v", outs[1].Batch.Rows[0][0])
	}
}

func TestProcessExecutor_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want apperrors.Code
		msg  string
	}{
		{"error record", `echo '{"error":{"code":"VALIDATION","message":"column x missing"}}'; exit 1`, apperrors.CodeValidation, "column x missing"},
		{"tempfail", `echo "database locked" >&2; exit 75`, apperrors.CodeExecutionTransient, "database locked"},
		{"crash", `exit 3`, apperrors.CodeExecutionDeterministic, "exit status 3"},
		{"garbage", `echo 'not json'`, apperrors.CodeExecutionDeterministic, "malformed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			script := writeScript(t, tt.body)
			_, err := (&ProcessExecutor{}).Transform(context.Background(), processRequest(script))
			f := apperrors.AsFailure(err)
			if f == nil {
				t.Fatal("expected failure")
			}
			if f.Code != tt.want {
				t.Errorf("code = %s, want %s (%v)", f.Code, tt.want, err)
			}
			if !strings.Contains(f.Error(), tt.msg) {
				t.Errorf("message %q does not contain %q", f.Error(), tt.msg)
			}
		})
	}
}

func TestProcessExecutor_MissingEntrypoint(t *testing.T) {
	t.Parallel()
	_, err := (&ProcessExecutor{}).Transform(context.Background(),
		processRequest(filepath.Join(t.TempDir(), "does-not-exist")))
	if code := apperrors.CodeOf(err); code != apperrors.CodeExecutionDeterministic {
		t.Errorf("code = %s, want EXECUTION_DETERMINISTIC", code)
	}
}

func TestProcessExecutor_CancelKills(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `exec sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := (&ProcessExecutor{WaitDelay: time.Second}).Transform(ctx, processRequest(script))
	if code := apperrors.CodeOf(err); code != apperrors.CodeCancelled {
		t.Errorf("code = %s, want CANCELLED", code)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("process not killed promptly: %s", elapsed)
	}
}

func TestProcessExecutor_Timeout(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `exec sleep 30`)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := (&ProcessExecutor{WaitDelay: time.Second}).Transform(ctx, processRequest(script))
	if code := apperrors.CodeOf(err); code != apperrors.CodeTimeout {
		t.Errorf("code = %s, want TIMEOUT", code)
	}
}
