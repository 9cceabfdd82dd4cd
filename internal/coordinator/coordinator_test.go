package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"ingestor/internal/apperrors"
	"ingestor/internal/commit"
	"ingestor/internal/job"
	"ingestor/internal/jobstore"
	"ingestor/internal/protocol"
	"ingestor/internal/testutil"
	"ingestor/internal/transport"
	"ingestor/pkg/backoff"
	"ingestor/pkg/circuitbreaker"
)

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []*job.Job
}

func (n *recordingNotifier) JobFinished(j *job.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, j)
}

func (n *recordingNotifier) Close(context.Context) error { return nil }

func (n *recordingNotifier) finished(jobID string) []job.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []job.State
	for _, j := range n.jobs {
		if j.ID == jobID {
			out = append(out, j.State)
		}
	}
	return out
}

type fixture struct {
	t     *testing.T
	store *jobstore.Store
	c     *Coordinator
	notes *recordingNotifier
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	store, err := jobstore.Open(filepath.Join(t.TempDir(), "jobs.db"), jobstore.Config{
		MaxRetries:   2,
		RetryBackoff: backoff.Config{Initial: time.Millisecond, Max: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	cfg := Config{
		TickInterval:     10 * time.Millisecond,
		HeartbeatTimeout: time.Hour,
		AbortTimeout:     time.Hour,
		SendTimeout:      time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	notes := &recordingNotifier{}
	c := New(cfg, store, notes, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		store.Close()
	})
	return &fixture{t: t, store: store, c: c, notes: notes}
}

func testArtifact() job.Artifact {
	return job.Artifact{Name: "events", Version: "1", LogicHash: "logic-1", Runtime: job.RuntimeProcess, Entrypoint: []string{"parse"}}
}

func testRequest(source string) job.Request {
	a := testArtifact()
	return job.Request{
		Input:    job.InputFile{Path: "/in/" + source + ".csv", SourceHash: source},
		Artifact: &a,
		Targets: []job.Target{{
			Sink: "events", Location: "/out", Table: "events", WriteMode: commit.WriteAppend,
			Columns: []commit.Column{{Name: "id", Type: "integer"}},
		}},
	}
}

func (f *fixture) enqueue(req job.Request) *job.Job {
	f.t.Helper()
	res, err := f.c.Enqueue(context.Background(), req)
	if err != nil {
		f.t.Fatalf("Enqueue() error: %v", err)
	}
	if !res.Created() {
		f.t.Fatalf("Enqueue() skipped %v", res.Skipped)
	}
	return res.Job
}

func (f *fixture) job(id string) *job.Job {
	f.t.Helper()
	j, err := f.store.Get(context.Background(), id)
	if err != nil {
		f.t.Fatalf("Get(%s) error: %v", id, err)
	}
	return j
}

func (f *fixture) waitState(id string, want job.State) *job.Job {
	f.t.Helper()
	var last *job.Job
	ok := testutil.WaitFor(f.t, func() bool {
		last = f.job(id)
		return last.State == want
	}, testutil.WithTimeout(5*time.Second))
	if !ok {
		f.t.Fatalf("job %s is %s, want %s", id, last.State, want)
	}
	return last
}

type fakeWorker struct {
	t    *testing.T
	id   string
	conn transport.Conn
	done chan error
	once sync.Once
}

func (f *fixture) connect(id string, caps []string, maxConcurrent int, mods ...func(*protocol.Identify)) *fakeWorker {
	f.t.Helper()
	coordEnd, workerEnd := transport.Pipe()
	done := make(chan error, 1)
	go func() { done <- f.c.Serve(context.Background(), coordEnd) }()

	ident := &protocol.Identify{WorkerID: id, Capabilities: caps, MaxConcurrent: maxConcurrent}
	for _, mod := range mods {
		mod(ident)
	}
	w := &fakeWorker{t: f.t, id: id, conn: workerEnd, done: done}
	w.send(0, ident)
	f.t.Cleanup(w.close)
	return w
}

func (w *fakeWorker) close() {
	w.once.Do(func() {
		w.conn.Close()
		select {
		case <-w.done:
		case <-time.After(5 * time.Second):
			w.t.Error("Serve did not return after close")
		}
	})
}

func (w *fakeWorker) send(wireID uint64, p protocol.Payload) {
	w.t.Helper()
	if err := w.conn.Send(context.Background(), protocol.New(wireID, p)); err != nil {
		w.t.Fatalf("Send(%s) error: %v", p.Opcode(), err)
	}
}

func (w *fakeWorker) recv(op protocol.Opcode) *protocol.Message {
	w.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := w.conn.Recv(ctx)
	if err != nil {
		w.t.Fatalf("waiting for %s: %v", op, err)
	}
	if m.Opcode() != op {
		w.t.Fatalf("expected %s, got %s", op, m)
	}
	return m
}

func (w *fakeWorker) dispatch() (*protocol.Dispatch, uint64) {
	w.t.Helper()
	m := w.recv(protocol.OpDispatch)
	return m.Payload.(*protocol.Dispatch), m.JobID
}

func (w *fakeWorker) expectNothing(d time.Duration) {
	w.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if m, err := w.conn.Recv(ctx); err == nil {
		w.t.Fatalf("unexpected message %s", m)
	}
}

// sync round-trips a DEPLOY so every message sent before it has been handled.
func (w *fakeWorker) sync() {
	w.t.Helper()
	w.send(0, &protocol.Deploy{Artifact: protocol.ArtifactSpecOf(testArtifact())})
	w.recv(protocol.OpAck)
}

func (w *fakeWorker) heartbeat(active ...uint64) {
	w.t.Helper()
	w.send(0, &protocol.Heartbeat{WorkerID: w.id, ActiveJobs: active})
}

// keepAlive heartbeats until the test ends.
func (w *fakeWorker) keepAlive(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	w.t.Cleanup(cancel)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if w.conn.Send(ctx, protocol.New(0, &protocol.Heartbeat{WorkerID: w.id})) != nil {
					return
				}
			}
		}
	}()
}

func (w *fakeWorker) complete(wireID uint64, d *protocol.Dispatch) {
	w.t.Helper()
	var mats []protocol.MaterializationReport
	var sinks []protocol.SinkReport
	for _, t := range d.Targets {
		mats = append(mats, protocol.MaterializationReport{
			Key:          commit.MaterializationKey(t.TargetKey, d.Input.SourceHash, d.Artifact.Hash),
			TargetKey:    t.TargetKey,
			SourceHash:   d.Input.SourceHash,
			ArtifactHash: d.Artifact.Hash,
		})
		sinks = append(sinks, protocol.SinkReport{Sink: t.Sink, TargetKey: t.TargetKey, URI: "file:///out/" + t.Table, Rows: 2})
	}
	w.send(wireID, &protocol.Conclude{JobUUID: d.JobUUID, Status: protocol.StatusCompleted, Sinks: sinks, Materializations: mats})
}

func (w *fakeWorker) fail(wireID uint64, jobUUID string, code apperrors.Code) {
	w.t.Helper()
	w.send(wireID, &protocol.Conclude{
		JobUUID: jobUUID,
		Status:  protocol.StatusFailed,
		Error:   &protocol.ErrorInfo{Code: string(code), Message: "boom"},
	})
}

func TestCoordinator_ReceiptBeforeHeartbeatRecordsRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	w := f.connect("w-1", []string{"process"}, 2)

	j := f.enqueue(testRequest("src-1"))
	d, wireID := w.dispatch()
	w.fail(wireID, d.JobUUID, apperrors.CodeExecutionDeterministic)
	f.waitState(j.ID, job.StateFailed)

	events, err := f.store.Events(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	var path []job.State
	for i, e := range events {
		if i > 0 && !job.CanTransition(e.From, e.To) {
			t.Errorf("recorded %s -> %s", e.From, e.To)
		}
		path = append(path, e.To)
	}
	want := []job.State{job.StateQueued, job.StateDispatched, job.StateRunning, job.StateFailed}
	if !slices.Equal(path, want) {
		t.Errorf("path = %v, want %v", path, want)
	}
}

func TestCoordinator_DispatchAndComplete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	w := f.connect("w-1", []string{"process"}, 2)

	j := f.enqueue(testRequest("src-1"))
	d, wireID := w.dispatch()
	if wireID != j.WireID || d.JobUUID != j.ID {
		t.Fatalf("dispatch = #%d %s, want #%d %s", wireID, d.JobUUID, j.WireID, j.ID)
	}
	if d.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", d.Attempt)
	}
	if d.Targets[0].TargetKey != j.Targets[0].Key() {
		t.Errorf("TargetKey = %s, want %s", d.Targets[0].TargetKey, j.Targets[0].Key())
	}
	if got := f.job(j.ID); got.State != job.StateDispatched || got.AssignedWorker != "w-1" {
		t.Fatalf("job = %s on %q, want dispatched on w-1", got.State, got.AssignedWorker)
	}

	w.heartbeat(wireID)
	f.waitState(j.ID, job.StateRunning)

	w.complete(wireID, d)
	f.waitState(j.ID, job.StateCompleted)

	key := j.Targets[0].MaterializationKey(j.Input.SourceHash, j.ArtifactHash)
	mats, err := f.store.Materializations(ctx, jobstore.MaterializationFilter{JobID: j.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(mats) != 1 || mats[0].Key != key || mats[0].URI != "file:///out/events" {
		t.Fatalf("materializations = %+v", mats)
	}

	// A retransmitted receipt changes nothing.
	events, _ := f.store.Events(ctx, j.ID)
	w.complete(wireID, d)
	w.sync()
	if n := len(f.notes.finished(j.ID)); n != 1 {
		t.Errorf("job notified %d times, want 1", n)
	}
	again, _ := f.store.Events(ctx, j.ID)
	if len(again) != len(events) {
		t.Errorf("duplicate receipt recorded events: %d -> %d", len(events), len(again))
	}

	res, err := f.c.Enqueue(ctx, testRequest("src-1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Created() || len(res.Skipped) != 1 {
		t.Errorf("re-enqueue = %+v, want skipped", res)
	}
}

func TestCoordinator_CapabilityMatching(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	docker := f.connect("w-docker", []string{"docker"}, 4)

	j := f.enqueue(testRequest("src-1"))
	docker.expectNothing(100 * time.Millisecond)

	proc := f.connect("w-proc", []string{"process"}, 4)
	d, _ := proc.dispatch()
	if d.JobUUID != j.ID {
		t.Errorf("dispatched %s, want %s", d.JobUUID, j.ID)
	}
}

func TestCoordinator_RespectsCapacity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.connect("w-1", []string{"process"}, 1)

	f.enqueue(testRequest("src-1"))
	f.enqueue(testRequest("src-2"))

	first, firstID := w.dispatch()
	w.expectNothing(100 * time.Millisecond)

	w.complete(firstID, first)
	second, _ := w.dispatch()
	if second.JobUUID == first.JobUUID {
		t.Error("same job dispatched twice")
	}
}

func TestCoordinator_WorkerMaxInflightCap(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) { c.WorkerMaxInflight = 1 })
	w := f.connect("w-1", []string{"process"}, 8)

	f.enqueue(testRequest("src-1"))
	f.enqueue(testRequest("src-2"))

	w.dispatch()
	w.expectNothing(100 * time.Millisecond)
}

func TestCoordinator_TransientFailureRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.connect("w-1", []string{"process"}, 1)

	j := f.enqueue(testRequest("src-1"))
	d, wireID := w.dispatch()
	w.fail(wireID, d.JobUUID, apperrors.CodeExecutionTransient)

	retry, retryID := w.dispatch()
	if retryID != wireID || retry.JobUUID != j.ID {
		t.Fatalf("retry = #%d %s, want #%d %s", retryID, retry.JobUUID, wireID, j.ID)
	}
	if retry.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", retry.Attempt)
	}
	if got := f.job(j.ID).RetryCount; got != 1 {
		t.Errorf("RetryCount = %d, want 1", got)
	}
	if n := len(f.notes.finished(j.ID)); n != 0 {
		t.Errorf("requeued job notified %d times", n)
	}
}

func TestCoordinator_TerminalFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		code apperrors.Code
		want job.State
	}{
		{"validation rejects", apperrors.CodeValidation, job.StateRejected},
		{"deterministic fails", apperrors.CodeExecutionDeterministic, job.StateFailed},
		{"protocol fails", apperrors.CodeProtocol, job.StateFailed},
		{"unknown code fails", apperrors.Code("SOMETHING_NEW"), job.StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			w := f.connect("w-1", []string{"process"}, 1)

			j := f.enqueue(testRequest("src-1"))
			d, wireID := w.dispatch()
			w.fail(wireID, d.JobUUID, tt.code)

			got := f.waitState(j.ID, tt.want)
			if got.ErrorCode != string(tt.code) {
				t.Errorf("ErrorCode = %q, want %q", got.ErrorCode, tt.code)
			}
			testutil.MustWaitFor(t, func() bool { return len(f.notes.finished(j.ID)) == 1 })
			w.expectNothing(50 * time.Millisecond)
		})
	}
}

func TestCoordinator_AbortQueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	j := f.enqueue(testRequest("src-1"))

	got, err := f.c.Abort(context.Background(), j.ID, "operator")
	if err != nil {
		t.Fatalf("Abort() error: %v", err)
	}
	if got.State != job.StateAborted {
		t.Errorf("state = %s, want aborted", got.State)
	}
	if states := f.notes.finished(j.ID); len(states) != 1 || states[0] != job.StateAborted {
		t.Errorf("notifications = %v", states)
	}

	_, err = f.c.Abort(context.Background(), j.ID, "again")
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("second Abort() error = %v, want conflict", err)
	}
}

func TestCoordinator_AbortRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.connect("w-1", []string{"process"}, 1)

	j := f.enqueue(testRequest("src-1"))
	d, wireID := w.dispatch()

	got, err := f.c.Abort(context.Background(), j.ID, "operator")
	if err != nil {
		t.Fatalf("Abort() error: %v", err)
	}
	if got.State != job.StateAborting {
		t.Fatalf("state = %s, want aborting", got.State)
	}
	m := w.recv(protocol.OpAbort)
	if a := m.Payload.(*protocol.Abort); m.JobID != wireID || a.JobUUID != j.ID || a.Reason != "operator" {
		t.Fatalf("abort = #%d %+v", m.JobID, a)
	}

	w.send(wireID, &protocol.Conclude{
		JobUUID: d.JobUUID,
		Status:  protocol.StatusAborted,
		Error:   &protocol.ErrorInfo{Code: string(apperrors.CodeCancelled), Message: "operator"},
	})
	f.waitState(j.ID, job.StateAborted)
}

func TestCoordinator_AbortRaceCompletes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.connect("w-1", []string{"process"}, 1)

	j := f.enqueue(testRequest("src-1"))
	d, wireID := w.dispatch()
	if _, err := f.c.Abort(context.Background(), j.ID, "operator"); err != nil {
		t.Fatal(err)
	}
	w.recv(protocol.OpAbort)

	// The promote had already happened: the worker reports the truth.
	w.complete(wireID, d)
	f.waitState(j.ID, job.StateCompleted)
	ok, err := f.store.HasMaterialization(context.Background(), j.Targets[0].MaterializationKey(j.Input.SourceHash, j.ArtifactHash))
	if err != nil || !ok {
		t.Errorf("HasMaterialization() = %v, %v", ok, err)
	}
}

func TestCoordinator_AbortTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) { c.AbortTimeout = 50 * time.Millisecond })
	w := f.connect("w-1", []string{"process"}, 1)

	j := f.enqueue(testRequest("src-1"))
	w.dispatch()
	if _, err := f.c.Abort(context.Background(), j.ID, "operator"); err != nil {
		t.Fatal(err)
	}
	w.recv(protocol.OpAbort)
	w.keepAlive(10 * time.Millisecond)

	got := f.waitState(j.ID, job.StateAborted)
	if got.ErrorCode != string(apperrors.CodeCancelled) {
		t.Errorf("ErrorCode = %q", got.ErrorCode)
	}
}

func TestCoordinator_WorkerLostRequeues(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) { c.HeartbeatTimeout = 100 * time.Millisecond })
	silent := f.connect("w-silent", []string{"process"}, 1)

	j := f.enqueue(testRequest("src-1"))
	silent.dispatch()

	alive := f.connect("w-alive", []string{"process"}, 1)
	alive.keepAlive(20 * time.Millisecond)

	d, _ := alive.dispatch()
	if d.JobUUID != j.ID || d.Attempt != 2 {
		t.Fatalf("redispatch = %s attempt %d, want %s attempt 2", d.JobUUID, d.Attempt, j.ID)
	}
	if got := f.job(j.ID); got.AssignedWorker != "w-alive" || got.ErrorCode != string(apperrors.CodeWorkerLost) {
		t.Errorf("job assigned to %q with code %q", got.AssignedWorker, got.ErrorCode)
	}
}

func TestCoordinator_PrepareEnvParksJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.connect("w-1", []string{"process"}, 4)

	req1, req2 := testRequest("src-1"), testRequest("src-2")
	req1.Artifact.EnvHash = "env-1"
	req2.Artifact.EnvHash = "env-1"
	j1 := f.enqueue(req1)
	j2 := f.enqueue(req2)

	m := w.recv(protocol.OpPrepareEnv)
	p := m.Payload.(*protocol.PrepareEnv)
	if p.EnvHash != "env-1" || p.Artifact.Hash != req1.Artifact.Hash() {
		t.Fatalf("prepare = %+v", p)
	}
	w.expectNothing(100 * time.Millisecond)

	w.send(0, &protocol.EnvReady{EnvHash: "env-1", OK: true})
	got := map[string]bool{}
	for range 2 {
		d, _ := w.dispatch()
		got[d.JobUUID] = true
	}
	if !got[j1.ID] || !got[j2.ID] {
		t.Errorf("dispatched %v, want both jobs", got)
	}

	// The env is now known ready; later jobs go straight out.
	req3 := testRequest("src-3")
	req3.Artifact.EnvHash = "env-1"
	j3 := f.enqueue(req3)
	if d, _ := w.dispatch(); d.JobUUID != j3.ID {
		t.Errorf("dispatched %s, want %s", d.JobUUID, j3.ID)
	}
}

func TestCoordinator_ReadyEnvSkipsPrepare(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.connect("w-1", []string{"process"}, 1, func(p *protocol.Identify) { p.ReadyEnvs = []string{"env-1"} })

	req := testRequest("src-1")
	req.Artifact.EnvHash = "env-1"
	j := f.enqueue(req)
	if d, _ := w.dispatch(); d.JobUUID != j.ID {
		t.Errorf("dispatched %s, want %s", d.JobUUID, j.ID)
	}
}

func TestCoordinator_EnvFailureRequeues(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.connect("w-1", []string{"process"}, 1)

	req := testRequest("src-1")
	req.Artifact.EnvHash = "env-1"
	j := f.enqueue(req)

	w.recv(protocol.OpPrepareEnv)
	w.send(0, &protocol.EnvReady{
		EnvHash: "env-1",
		Error:   &protocol.ErrorInfo{Code: string(apperrors.CodeProvisioning), Message: "bundle unavailable"},
	})

	w.recv(protocol.OpPrepareEnv)
	if got := f.job(j.ID); got.RetryCount != 1 || got.ErrorCode != string(apperrors.CodeProvisioning) {
		t.Errorf("job retry=%d code=%q, want 1 PROVISIONING", got.RetryCount, got.ErrorCode)
	}
}

func TestCoordinator_AbortParkedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.connect("w-1", []string{"process"}, 1)

	req := testRequest("src-1")
	req.Artifact.EnvHash = "env-1"
	j := f.enqueue(req)
	w.recv(protocol.OpPrepareEnv)

	got, err := f.c.Abort(context.Background(), j.ID, "operator")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateAborted {
		t.Errorf("state = %s, want aborted", got.State)
	}

	// A late ENV_READY dispatches nothing.
	w.send(0, &protocol.EnvReady{EnvHash: "env-1", OK: true})
	w.expectNothing(100 * time.Millisecond)
}

func TestCoordinator_CircuitBreakerPausesWorker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) {
		c.Breaker = circuitbreaker.Config{Threshold: 1, Cooldown: time.Hour}
	})
	flaky := f.connect("w-flaky", []string{"process"}, 1)

	j := f.enqueue(testRequest("src-1"))
	d, wireID := flaky.dispatch()
	flaky.fail(wireID, d.JobUUID, apperrors.CodeExecutionTransient)
	flaky.expectNothing(100 * time.Millisecond)

	healthy := f.connect("w-healthy", []string{"process"}, 1)
	if retry, _ := healthy.dispatch(); retry.JobUUID != j.ID {
		t.Errorf("dispatched %s, want %s", retry.JobUUID, j.ID)
	}
}

func TestCoordinator_ReconnectAdoptsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	first := f.connect("w-1", []string{"process"}, 1)

	j := f.enqueue(testRequest("src-1"))
	d, wireID := first.dispatch()
	first.close()

	second := f.connect("w-1", []string{"process"}, 1, func(p *protocol.Identify) { p.ActiveJobs = []uint64{wireID} })
	second.heartbeat(wireID)
	f.waitState(j.ID, job.StateRunning)
	second.expectNothing(50 * time.Millisecond)

	second.complete(wireID, d)
	f.waitState(j.ID, job.StateCompleted)
}

func TestCoordinator_ReconnectResendsAbort(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	first := f.connect("w-1", []string{"process"}, 1)

	j := f.enqueue(testRequest("src-1"))
	_, wireID := first.dispatch()
	first.close()

	if _, err := f.c.Abort(context.Background(), j.ID, "operator"); err != nil {
		t.Fatal(err)
	}
	second := f.connect("w-1", []string{"process"}, 1, func(p *protocol.Identify) { p.ActiveJobs = []uint64{wireID} })
	m := second.recv(protocol.OpAbort)
	if m.JobID != wireID || m.Payload.(*protocol.Abort).Reason != "operator" {
		t.Errorf("abort = %s", m)
	}
}

func TestCoordinator_RequiresIdentify(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	coordEnd, workerEnd := transport.Pipe()
	defer workerEnd.Close()
	done := make(chan error, 1)
	go func() { done <- f.c.Serve(context.Background(), coordEnd) }()

	if err := workerEnd.Send(context.Background(), protocol.New(0, &protocol.Heartbeat{WorkerID: "w-1"})); err != nil {
		t.Fatal(err)
	}
	w := &fakeWorker{t: t, conn: workerEnd}
	m := w.recv(protocol.OpError)
	if p := m.Payload.(*protocol.ErrorMsg); p.Code != string(apperrors.CodeProtocol) {
		t.Errorf("code = %s", p.Code)
	}
	if err := testutil.MustReceive[error](t, done); !errors.Is(err, ErrNotIdentified) {
		t.Errorf("Serve() error = %v, want ErrNotIdentified", err)
	}
}

func TestCoordinator_ReceiptValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.connect("w-1", []string{"process"}, 1)

	w.send(999, &protocol.Conclude{JobUUID: "nope", Status: protocol.StatusCompleted})
	m := w.recv(protocol.OpError)
	if m.JobID != 999 {
		t.Errorf("error for #%d, want #999", m.JobID)
	}

	j := f.enqueue(testRequest("src-1"))
	_, wireID := w.dispatch()
	w.send(wireID, &protocol.Conclude{JobUUID: "someone-else", Status: protocol.StatusCompleted})
	w.recv(protocol.OpError)
	if got := f.job(j.ID); got.State != job.StateDispatched {
		t.Errorf("state = %s, want dispatched", got.State)
	}
}

func TestCoordinator_ErrorMessageFailsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.connect("w-1", []string{"process"}, 1)

	j := f.enqueue(testRequest("src-1"))
	_, wireID := w.dispatch()
	w.send(wireID, &protocol.ErrorMsg{Code: string(apperrors.CodeProtocol), Message: "cannot decode dispatch"})

	got := f.waitState(j.ID, job.StateFailed)
	if got.ErrorCode != string(apperrors.CodeProtocol) {
		t.Errorf("ErrorCode = %q", got.ErrorCode)
	}
}

func TestCoordinator_DeployOverConnection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.connect("w-1", []string{"process"}, 1)

	a := testArtifact()
	w.send(0, &protocol.Deploy{Artifact: protocol.ArtifactSpecOf(a)})
	ack := w.recv(protocol.OpAck).Payload.(*protocol.Ack)
	if !ack.OK || ack.Ref != protocol.OpDeploy || ack.Message != a.Hash() {
		t.Fatalf("ack = %+v", ack)
	}
	if _, err := f.store.GetArtifact(context.Background(), a.Hash()); err != nil {
		t.Errorf("GetArtifact() error: %v", err)
	}

	spec := protocol.ArtifactSpecOf(a)
	spec.Hash = "forged"
	w.send(0, &protocol.Deploy{Artifact: spec})
	if ack := w.recv(protocol.OpAck).Payload.(*protocol.Ack); ack.OK {
		t.Error("forged hash accepted")
	}
}

func TestCoordinator_WorkersMirrored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.connect("w-1", []string{"process", "docker"}, 3)

	var workers []job.Worker
	testutil.MustWaitFor(t, func() bool {
		w.heartbeat()
		workers, _ = f.c.Workers(context.Background())
		return len(workers) == 1
	})
	if workers[0].ID != "w-1" || workers[0].MaxConcurrent != 3 || len(workers[0].Capabilities) != 2 {
		t.Errorf("workers = %+v", workers)
	}
}
