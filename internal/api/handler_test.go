package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ingestor/internal/apperrors"
	"ingestor/internal/coordinator"
	"ingestor/internal/health"
	"ingestor/internal/job"
	"ingestor/internal/jobstore"
	"ingestor/internal/protocol"
	"ingestor/internal/testutil"
	"ingestor/internal/transport"
)

// fakeService implements Service with overridable functions.
type fakeService struct {
	enqueue func(job.Request) (job.EnqueueResult, error)
	get     func(string) (*coordinator.JobDetail, error)
	list    func(jobstore.Filter) ([]*job.Job, error)
	abort   func(id, reason string) (*job.Job, error)
	deploy  func(job.Artifact) (string, bool, error)
	mats    func(jobstore.MaterializationFilter) ([]job.Materialization, error)
}

func (f *fakeService) Enqueue(_ context.Context, req job.Request) (job.EnqueueResult, error) {
	return f.enqueue(req)
}

func (f *fakeService) Get(_ context.Context, id string) (*coordinator.JobDetail, error) {
	return f.get(id)
}

func (f *fakeService) List(_ context.Context, flt jobstore.Filter) ([]*job.Job, error) {
	return f.list(flt)
}

func (f *fakeService) Abort(_ context.Context, id, reason string) (*job.Job, error) {
	return f.abort(id, reason)
}

func (f *fakeService) Deploy(_ context.Context, a job.Artifact) (string, bool, error) {
	return f.deploy(a)
}

func (f *fakeService) Artifacts(context.Context) ([]job.Artifact, error) { return nil, nil }

func (f *fakeService) Workers(context.Context) ([]job.Worker, error) { return nil, nil }

func (f *fakeService) Materializations(_ context.Context, flt jobstore.MaterializationFilter) ([]job.Materialization, error) {
	return f.mats(flt)
}

func (f *fakeService) Serve(context.Context, transport.Conn) error { return nil }

type readyStore struct{}

func (readyStore) Ready(context.Context) error { return nil }

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(nil, nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_NoStore(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(nil, nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusUnhealthy {
		t.Errorf("Expected status unhealthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_Degraded(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(readyStore{}, noWorkers{}),
	}

	w := httptest.NewRecorder()
	handler.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
}

type noWorkers struct{}

func (noWorkers) ConnectedWorkers() int { return 0 }

func TestHandler_CreateJob_InvalidJSON(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString("invalid json"))
	w := httptest.NewRecorder()

	handler.CreateJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandler_CreateJob_EmptyBody(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(""))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.CreateJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandler_CreateJob(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		result     job.EnqueueResult
		err        error
		wantStatus int
		wantSkip   bool
	}{
		{"created", job.EnqueueResult{Job: &job.Job{ID: "job-1", State: job.StateQueued}}, nil, http.StatusCreated, false},
		{"partially skipped", job.EnqueueResult{Job: &job.Job{ID: "job-1"}, Skipped: []string{"k1"}}, nil, http.StatusCreated, false},
		{"all skipped", job.EnqueueResult{Skipped: []string{"k1", "k2"}}, nil, http.StatusOK, true},
		{"invalid request", job.EnqueueResult{}, apperrors.Validation("targets", "at least one target is required"), http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			handler := &Handler{svc: &fakeService{
				enqueue: func(job.Request) (job.EnqueueResult, error) { return tt.result, tt.err },
			}}

			body := `{"input":{"path":"/in/a.csv","sourceHash":"h"},"artifactHash":"a","targets":[]}`
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(body))
			w := httptest.NewRecorder()

			handler.CreateJob(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.err != nil {
				return
			}
			var resp EnqueueResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Skipped != tt.wantSkip {
				t.Errorf("Skipped = %v, want %v", resp.Skipped, tt.wantSkip)
			}
			if len(resp.Keys) != len(tt.result.Skipped) {
				t.Errorf("skippedTargets = %v, want %v", resp.Keys, tt.result.Skipped)
			}
		})
	}
}

func TestHandler_ListJobs_StateFilter(t *testing.T) {
	t.Parallel()
	var got jobstore.Filter
	handler := &Handler{svc: &fakeService{
		list: func(f jobstore.Filter) ([]*job.Job, error) {
			got = f
			return nil, nil
		},
	}}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs?state=queued,Running&limit=10", nil)
	w := httptest.NewRecorder()
	handler.ListJobs(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if len(got.States) != 2 || got.States[0] != job.StateQueued || got.States[1] != job.StateRunning {
		t.Errorf("States = %v", got.States)
	}
	if got.Limit != 10 {
		t.Errorf("Limit = %d, want 10", got.Limit)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %q, want empty array", w.Body.String())
	}
}

func TestHandler_ListJobs_BadInput(t *testing.T) {
	t.Parallel()
	handler := &Handler{svc: &fakeService{}}

	for _, target := range []string{"/v1/jobs?state=sleeping", "/v1/jobs?limit=-1", "/v1/jobs?limit=x"} {
		w := httptest.NewRecorder()
		handler.ListJobs(w, httptest.NewRequest(http.MethodGet, target, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want %d", target, w.Code, http.StatusBadRequest)
		}
	}
}

func TestHandler_GetJob_EmptyID(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/", nil)
	w := httptest.NewRecorder()

	handler.GetJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandler_GetJob_NotFound(t *testing.T) {
	t.Parallel()
	handler := &Handler{svc: &fakeService{
		get: func(id string) (*coordinator.JobDetail, error) { return nil, apperrors.NotFound("job", id) },
	}}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	req.SetPathValue("jobId", "missing")
	w := httptest.NewRecorder()

	handler.GetJob(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestHandler_AbortJob(t *testing.T) {
	t.Parallel()
	var gotID, gotReason string
	handler := &Handler{svc: &fakeService{
		abort: func(id, reason string) (*job.Job, error) {
			gotID, gotReason = id, reason
			return &job.Job{ID: id, State: job.StateAborting}, nil
		},
	}}

	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/job-1", bytes.NewBufferString(`{"reason":"bad input"}`))
	req.SetPathValue("jobId", "job-1")
	w := httptest.NewRecorder()

	handler.AbortJob(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, w.Code)
	}
	if gotID != "job-1" || gotReason != "bad input" {
		t.Errorf("Abort(%q, %q)", gotID, gotReason)
	}
}

func TestHandler_AbortJob_Conflict(t *testing.T) {
	t.Parallel()
	handler := &Handler{svc: &fakeService{
		abort: func(id, reason string) (*job.Job, error) {
			return nil, apperrors.Conflict("job", id, "already completed")
		},
	}}

	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/job-1", nil)
	req.SetPathValue("jobId", "job-1")
	w := httptest.NewRecorder()

	handler.AbortJob(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("Expected status %d, got %d", http.StatusConflict, w.Code)
	}
}

func TestHandler_AbortJob_EmptyID(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/", nil)
	w := httptest.NewRecorder()

	handler.AbortJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandler_DeployArtifact(t *testing.T) {
	t.Parallel()
	for _, created := range []bool{true, false} {
		handler := &Handler{svc: &fakeService{
			deploy: func(a job.Artifact) (string, bool, error) { return "hash-" + a.Name, created, nil },
		}}

		body := `{"name":"events","version":"1","logicHash":"l","runtime":"process","entrypoint":["./run"]}`
		w := httptest.NewRecorder()
		handler.DeployArtifact(w, httptest.NewRequest(http.MethodPost, "/v1/artifacts", bytes.NewBufferString(body)))

		want := http.StatusOK
		if created {
			want = http.StatusCreated
		}
		if w.Code != want {
			t.Errorf("created=%v: status %d, want %d", created, w.Code, want)
		}
		var resp DeployResponse
		json.NewDecoder(w.Body).Decode(&resp)
		if resp.Hash != "hash-events" || resp.Created != created {
			t.Errorf("response = %+v", resp)
		}
	}
}

func TestHandler_ListMaterializations(t *testing.T) {
	t.Parallel()
	var got jobstore.MaterializationFilter
	handler := &Handler{svc: &fakeService{
		mats: func(f jobstore.MaterializationFilter) ([]job.Materialization, error) {
			got = f
			return []job.Materialization{{Key: "m1", SourceHash: f.SourceHash}}, nil
		},
	}}

	w := httptest.NewRecorder()
	handler.ListMaterializations(w, httptest.NewRequest(http.MethodGet, "/v1/materializations?source_hash=abc", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if got.SourceHash != "abc" {
		t.Errorf("SourceHash = %q", got.SourceHash)
	}
	var mats []job.Materialization
	json.NewDecoder(w.Body).Decode(&mats)
	if len(mats) != 1 || mats[0].Key != "m1" {
		t.Errorf("materializations = %+v", mats)
	}
}

func TestRouter_AuthRequired(t *testing.T) {
	t.Parallel()
	router := NewRouter(RouterConfig{
		Service:       &fakeService{list: func(jobstore.Filter) ([]*job.Job, error) { return nil, nil }},
		HealthChecker: health.NewChecker(readyStore{}, nil),
		APIKey:        "secret",
	})

	tests := []struct {
		name   string
		path   string
		auth   string
		status int
	}{
		{"probe is open", "/livez", "", http.StatusOK},
		{"missing header", "/v1/jobs", "", http.StatusUnauthorized},
		{"wrong scheme", "/v1/jobs", "Basic secret", http.StatusUnauthorized},
		{"wrong key", "/v1/jobs", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "/v1/jobs", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("status %d, want %d", w.Code, tt.status)
			}
		})
	}
}

// TestRouter_WorkerConnect drives a real coordinator through the websocket endpoint.
func TestRouter_WorkerConnect(t *testing.T) {
	t.Parallel()
	store, err := jobstore.Open(filepath.Join(t.TempDir(), "jobs.db"), jobstore.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	c := coordinator.New(coordinator.Config{TickInterval: 10 * time.Millisecond}, store, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Service:       c,
		HealthChecker: health.NewChecker(store, c),
		APIKey:        "secret",
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/workers/connect"
	conn, err := transport.Dial(ctx, wsURL, http.Header{"Authorization": {"Bearer secret"}}, 0)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.Send(ctx, protocol.New(0, &protocol.Identify{
		WorkerID: "w-1", Capabilities: []string{"process"}, MaxConcurrent: 2,
	})); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return c.ConnectedWorkers() == 1
	}, testutil.WithTimeout(5*time.Second))

	// Heartbeats refresh the worker row in case the store was reset after IDENTIFY.
	var workers []job.Worker
	testutil.MustWaitFor(t, func() bool {
		conn.Send(ctx, protocol.New(0, &protocol.Heartbeat{WorkerID: "w-1"}))
		workers = listWorkers(t, srv.URL)
		return len(workers) == 1
	}, testutil.WithTimeout(5*time.Second))
	if workers[0].ID != "w-1" || workers[0].MaxConcurrent != 2 {
		t.Errorf("workers = %+v", workers)
	}

	ready, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	ready.Body.Close()
	if ready.StatusCode != http.StatusOK {
		t.Errorf("readyz status %d", ready.StatusCode)
	}
}

func listWorkers(t *testing.T, base string) []job.Worker {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, base+"/v1/workers", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var workers []job.Worker
	if err := json.NewDecoder(resp.Body).Decode(&workers); err != nil {
		t.Fatal(err)
	}
	return workers
}

func TestRouter_WorkerConnect_Unauthorized(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(NewRouter(RouterConfig{
		Service:       &fakeService{},
		HealthChecker: health.NewChecker(readyStore{}, nil),
		APIKey:        "secret",
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/workers/connect"
	if _, err := transport.Dial(context.Background(), wsURL, nil, 0); err == nil {
		t.Fatal("Dial() without credentials succeeded")
	}
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := LoggingMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	handler := ContentTypeMiddleware()(inner)

	// Test with wrong content type
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
	}

	// Test with correct content type
	called = false
	req = httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORSMiddleware()(inner)

	// Test OPTIONS preflight
	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestMiddleware_ContentType_EmptyBodyAllowed(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := ContentTypeMiddleware()(inner)

	// GET requests don't need content-type
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler should be called for GET requests")
	}
}
