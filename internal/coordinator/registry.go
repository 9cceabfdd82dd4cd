package coordinator

import (
	"slices"
	"sort"
	"sync"
	"time"

	"ingestor/internal/job"
	"ingestor/internal/transport"
)

// workerConn is the coordinator's view of one worker. It is a cache rebuilt from
// IDENTIFY and HEARTBEAT, never the source of truth for job state.
type workerConn struct {
	id            string
	conn          transport.Conn // nil while disconnected
	remote        string
	caps          []string
	maxConcurrent int
	readyEnvs     map[string]bool
	inflight      map[uint64]string     // wire id -> job id
	running       map[uint64]bool       // reported by the worker at least once
	parked        map[string][]*job.Job // env hash -> claimed jobs awaiting ENV_READY
	connectedAt   time.Time
	lastSeen      time.Time
}

func (w *workerConn) parkedCount() int {
	n := 0
	for _, jobs := range w.parked {
		n += len(jobs)
	}
	return n
}

// slot is a snapshot of a worker's dispatch capacity.
type slot struct {
	id   string
	conn transport.Conn
	caps []string
	free int
}

// registry holds connected and recently disconnected workers.
type registry struct {
	mu      sync.Mutex
	workers map[string]*workerConn
	now     func() time.Time
}

func newRegistry(now func() time.Time) *registry {
	return &registry{
		workers: make(map[string]*workerConn),
		now:     now,
	}
}

// register installs a fresh registration for w.id and returns the one it replaced.
func (r *registry) register(w *workerConn) *workerConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w.connectedAt = now
	w.lastSeen = now
	if w.readyEnvs == nil {
		w.readyEnvs = make(map[string]bool)
	}
	if w.inflight == nil {
		w.inflight = make(map[uint64]string)
	}
	w.running = make(map[uint64]bool)
	w.parked = make(map[string][]*job.Job)

	old := r.workers[w.id]
	r.workers[w.id] = w
	return old
}

// disconnect clears the connection of workerID if it is still conn. The registration
// stays until the heartbeat timeout prunes it, so a quick reconnect keeps its jobs.
func (r *registry) disconnect(workerID string, conn transport.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok || w.conn != conn {
		return false
	}
	w.conn = nil
	return true
}

func (r *registry) seen(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.lastSeen = r.now()
	}
}

// conn returns the live connection of workerID, if any.
func (r *registry) conn(workerID string) transport.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		return w.conn
	}
	return nil
}

// stale returns the ids of workers silent for longer than timeout.
func (r *registry) stale(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-timeout)
	var ids []string
	for id, w := range r.workers {
		if w.lastSeen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// remove drops workerID and returns its registration.
func (r *registry) remove(workerID string) (*workerConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if ok {
		delete(r.workers, workerID)
	}
	return w, ok
}

// slots lists connected workers with free capacity, in id order.
func (r *registry) slots(maxInflight int) []slot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []slot
	for _, w := range r.workers {
		if w.conn == nil {
			continue
		}
		capacity := min(w.maxConcurrent, maxInflight)
		free := capacity - len(w.inflight) - w.parkedCount()
		if free <= 0 {
			continue
		}
		out = append(out, slot{id: w.id, conn: w.conn, caps: slices.Clone(w.caps), free: free})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// assign records that wireID is being dispatched on conn. It fails when the worker
// re-registered or disconnected since the slot was taken.
func (r *registry) assign(workerID string, conn transport.Conn, wireID uint64, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok || w.conn == nil || w.conn != conn {
		return false
	}
	w.inflight[wireID] = jobID
	return true
}

// finish forgets wireID on workerID.
func (r *registry) finish(workerID string, wireID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		delete(w.inflight, wireID)
		delete(w.running, wireID)
	}
}

// forget drops the given jobs from every worker's in-flight set.
func (r *registry) forget(jobIDs []string) {
	if len(jobIDs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		for wireID, jobID := range w.inflight {
			if slices.Contains(jobIDs, jobID) {
				delete(w.inflight, wireID)
				delete(w.running, wireID)
			}
		}
	}
}

// envReady reports whether workerID has the environment envHash provisioned.
func (r *registry) envReady(workerID, envHash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	return ok && w.readyEnvs[envHash]
}

// park holds a claimed job until workerID reports envHash ready. first is true when
// no other job was waiting for the same environment, meaning PREPARE_ENV must be sent.
func (r *registry) park(workerID string, conn transport.Conn, envHash string, j *job.Job) (first, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, found := r.workers[workerID]
	if !found || w.conn == nil || w.conn != conn {
		return false, false
	}
	first = len(w.parked[envHash]) == 0
	w.parked[envHash] = append(w.parked[envHash], j)
	return first, true
}

// unpark removes and returns the jobs waiting for envHash on workerID, marking the
// environment ready when ok is set.
func (r *registry) unpark(workerID, envHash string, ready bool) []*job.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, found := r.workers[workerID]
	if !found {
		return nil
	}
	if ready {
		w.readyEnvs[envHash] = true
	}
	jobs := w.parked[envHash]
	delete(w.parked, envHash)
	return jobs
}

// unparkJob removes jobID from whichever worker holds it parked.
func (r *registry) unparkJob(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.workers {
		for env, jobs := range w.parked {
			for i, j := range jobs {
				if j.ID != jobID {
					continue
				}
				w.parked[env] = slices.Delete(jobs, i, i+1)
				if len(w.parked[env]) == 0 {
					delete(w.parked, env)
				}
				return w.id, true
			}
		}
	}
	return "", false
}

// parkedIDs returns the wire ids of workerID's parked jobs.
func (r *registry) parkedIDs(workerID string) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return nil
	}
	var ids []uint64
	for _, jobs := range w.parked {
		for _, j := range jobs {
			ids = append(ids, j.WireID)
		}
	}
	return ids
}

// reported records the jobs a worker says it is running and returns those not seen
// before together with the job ids they map to.
func (r *registry) reported(workerID string, wireIDs []uint64) map[uint64]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return nil
	}
	fresh := make(map[uint64]string)
	for _, id := range wireIDs {
		jobID, tracked := w.inflight[id]
		if !tracked || w.running[id] {
			continue
		}
		w.running[id] = true
		fresh[id] = jobID
	}
	return fresh
}

// adopt records a job the worker reported as active on (re)connect.
func (r *registry) adopt(workerID string, wireID uint64, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.inflight[wireID] = jobID
	}
}

// info returns the observational record of workerID.
func (r *registry) info(workerID string) (job.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return job.Worker{}, false
	}
	return job.Worker{
		ID:            w.id,
		Capabilities:  slices.Clone(w.caps),
		MaxConcurrent: w.maxConcurrent,
		ActiveJobs:    len(w.inflight),
		Remote:        w.remote,
		ConnectedAt:   w.connectedAt,
		LastHeartbeat: w.lastSeen,
	}, true
}

// connected counts workers with a live connection.
func (r *registry) connected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.workers {
		if w.conn != nil {
			n++
		}
	}
	return n
}
