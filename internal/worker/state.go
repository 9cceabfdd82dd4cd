package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"ingestor/internal/apperrors"
	"ingestor/internal/commit"
)

// activeJob holds the runtime state for a single dispatched job.
type activeJob struct {
	uuid    string
	cancel  context.CancelFunc
	barrier *commit.Barrier

	mu     sync.Mutex
	reason string
}

func (a *activeJob) setAbortReason(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reason == "" {
		a.reason = reason
	}
}

func (a *activeJob) abortReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

// abortedTTL is how long a job confirmed aborted before its DISPATCH arrived stays
// refused. It outlasts any send timeout on the coordinator side.
const abortedTTL = 10 * time.Minute

// activeRepo tracks the jobs a worker is executing, keyed by wire id, and the jobs it
// confirmed aborted without ever having seen them.
type activeRepo struct {
	mu      sync.RWMutex
	jobs    map[uint64]*activeJob
	aborted map[uint64]tombstone
}

type tombstone struct {
	uuid    string
	expires time.Time
}

func newActiveRepo() *activeRepo {
	return &activeRepo{jobs: make(map[uint64]*activeJob), aborted: make(map[uint64]tombstone)}
}

// bury records that job uuid was confirmed aborted while unknown here, so a DISPATCH
// that was overtaken by its ABORT is refused. Expired entries are dropped on the way.
func (r *activeRepo) bury(id uint64, uuid string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.aborted {
		if now.After(t.expires) {
			delete(r.aborted, k)
		}
	}
	r.aborted[id] = tombstone{uuid: uuid, expires: now.Add(abortedTTL)}
}

// buried reports whether job uuid under id was confirmed aborted and must not run.
func (r *activeRepo) buried(id uint64, uuid string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.aborted[id]
	return ok && t.uuid == uuid && !now.After(t.expires)
}

// reserve claims the slot for a job id. A second dispatch for the same id fails with a conflict.
// The slot holds nil until commit is called.
func (r *activeRepo) reserve(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[id]; exists {
		return apperrors.Conflict("job", formatWireID(id), "already active")
	}
	r.jobs[id] = nil
	return nil
}

// commit fills in a reserved slot.
func (r *activeRepo) commit(id uint64, a *activeJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = a
}

// release removes a job. It returns the state if it existed.
func (r *activeRepo) release(id uint64) (*activeJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.jobs[id]
	if exists {
		delete(r.jobs, id)
	}
	return a, exists
}

// get returns a job's state. (nil, true) means reserved but not yet committed.
func (r *activeRepo) get(id uint64) (*activeJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.jobs[id]
	return a, exists
}

// ids returns the active wire ids in ascending order.
func (r *activeRepo) ids() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint64, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *activeRepo) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
