package transform

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"ingestor/internal/apperrors"
	"ingestor/internal/job"
)

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func bundleServer(t *testing.T, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if body == nil {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDirProvisioner_NoEnv(t *testing.T) {
	t.Parallel()
	p := NewDirProvisioner(t.TempDir(), nil)
	env, err := p.Provision(context.Background(), job.Artifact{Name: "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Dir != "" {
		t.Errorf("expected no env dir, got %q", env.Dir)
	}
}

func TestDirProvisioner_Bundle(t *testing.T) {
	t.Parallel()
	srv, hits := bundleServer(t, tarGz(t, map[string]string{"lib/parser.py": "print('hi')"}))
	root := t.TempDir()
	p := NewDirProvisioner(root, srv.Client())
	a := job.Artifact{Name: "a", EnvHash: "env-1", Bundle: srv.URL + "/env.tar.gz"}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Provision(context.Background(), a); err != nil {
				t.Errorf("Provision() error: %v", err)
			}
		}()
	}
	wg.Wait()

	env, err := p.Provision(context.Background(), a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(env.Dir, "lib", "parser.py"))
	if err != nil || string(data) != "print('hi')" {
		t.Errorf("bundle not extracted: %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(env.Dir, ".bundle.tar.gz")); !os.IsNotExist(err) {
		t.Error("bundle archive should be removed after extraction")
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("bundle downloaded %d times, want 1", n)
	}

	ready := p.Ready()
	if len(ready) != 1 || ready[0] != "env-1" {
		t.Errorf("Ready() = %v", ready)
	}

	// A fresh provisioner over the same root sees the environment as ready.
	again := NewDirProvisioner(root, srv.Client())
	if got := again.Ready(); len(got) != 1 {
		t.Errorf("Ready() after restart = %v", got)
	}
}

func TestDirProvisioner_Failures(t *testing.T) {
	t.Parallel()
	missing, _ := bundleServer(t, nil)
	evil, _ := bundleServer(t, tarGz(t, map[string]string{"../escape.txt": "x"}))

	tests := []struct {
		name string
		url  string
	}{
		{"download status", missing.URL},
		{"path traversal", evil.URL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			root := t.TempDir()
			p := NewDirProvisioner(root, nil)
			_, err := p.Provision(context.Background(), job.Artifact{Name: "a", EnvHash: "env-x", Bundle: tt.url})
			if code := apperrors.CodeOf(err); code != apperrors.CodeProvisioning {
				t.Errorf("code = %s, want PROVISIONING (%v)", code, err)
			}
			if len(p.Ready()) != 0 {
				t.Error("failed environment must not be reported ready")
			}
			if _, err := os.Stat(filepath.Join(root, "escape.txt")); err == nil {
				t.Error("archive escaped its directory")
			}
		})
	}
}

type stubProvisioner struct {
	calls atomic.Int32
	ready []string
}

func (s *stubProvisioner) Provision(ctx context.Context, a job.Artifact) (Env, error) {
	s.calls.Add(1)
	return Env{Hash: a.EnvHash}, nil
}

func (s *stubProvisioner) Ready() []string { return s.ready }

func TestProvisioners_RouteByRuntime(t *testing.T) {
	t.Parallel()
	def := &stubProvisioner{ready: []string{"a"}}
	dock := &stubProvisioner{ready: []string{"b"}}
	p := &Provisioners{Default: def, ByRuntime: map[job.Runtime]Provisioner{job.RuntimeDocker: dock}}

	ctx := context.Background()
	p.Provision(ctx, job.Artifact{Runtime: job.RuntimeDocker, EnvHash: "c"})
	p.Provision(ctx, job.Artifact{Runtime: job.RuntimeProcess, EnvHash: "d"})

	if dock.calls.Load() != 1 || def.calls.Load() != 1 {
		t.Errorf("calls: docker=%d default=%d", dock.calls.Load(), def.calls.Load())
	}
	got := p.Ready()
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("Ready() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Ready()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
