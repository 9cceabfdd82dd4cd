package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"ingestor/internal/commit"
)

func TestActiveRepo_Reserve(t *testing.T) {
	t.Parallel()
	repo := newActiveRepo()

	if err := repo.reserve(1); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	a, exists := repo.get(1)
	if !exists {
		t.Error("Expected job to exist after reserve")
	}
	if a != nil {
		t.Error("Expected nil state for reserved job")
	}
	if err := repo.reserve(1); err == nil {
		t.Error("Expected error for duplicate reserve")
	}
}

func TestActiveRepo_CommitRelease(t *testing.T) {
	t.Parallel()
	repo := newActiveRepo()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := repo.reserve(7); err != nil {
		t.Fatal(err)
	}
	repo.commit(7, &activeJob{uuid: "job-7", cancel: cancel, barrier: commit.NewBarrier()})

	a, exists := repo.get(7)
	if !exists || a == nil || a.uuid != "job-7" {
		t.Fatalf("Expected committed state, got %v %v", a, exists)
	}

	released, ok := repo.release(7)
	if !ok || released.uuid != "job-7" {
		t.Errorf("Expected release to return the state")
	}
	if _, ok := repo.release(7); ok {
		t.Error("Expected second release to report missing job")
	}
	if err := repo.reserve(7); err != nil {
		t.Errorf("Expected reserve after release to succeed, got %v", err)
	}
}

func TestActiveRepo_IDsSorted(t *testing.T) {
	t.Parallel()
	repo := newActiveRepo()
	for _, id := range []uint64{9, 3, 5} {
		if err := repo.reserve(id); err != nil {
			t.Fatal(err)
		}
	}
	ids := repo.ids()
	want := []uint64{3, 5, 9}
	if len(ids) != len(want) {
		t.Fatalf("Expected %d ids, got %v", len(want), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %d, want %d", i, ids[i], want[i])
		}
	}
	if repo.len() != 3 {
		t.Errorf("Expected len 3, got %d", repo.len())
	}
}

func TestActiveRepo_ConcurrentReserve(t *testing.T) {
	t.Parallel()
	repo := newActiveRepo()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if repo.reserve(42) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("Expected exactly one reserve to win, got %d", wins)
	}
}

func TestActiveJob_AbortReasonKeepsFirst(t *testing.T) {
	t.Parallel()
	a := &activeJob{}
	a.setAbortReason("user request")
	a.setAbortReason("second")
	if got := a.abortReason(); got != "user request" {
		t.Errorf("abortReason() = %q", got)
	}
}

func TestActiveRepo_Buried(t *testing.T) {
	t.Parallel()
	repo := newActiveRepo()
	now := time.Now()
	repo.bury(9, "job-9", now)

	if !repo.buried(9, "job-9", now.Add(time.Minute)) {
		t.Error("Expected aborted job to stay refused")
	}
	if repo.buried(9, "job-other", now) {
		t.Error("Expected a different job under the same wire id to run")
	}
	if repo.buried(9, "job-9", now.Add(abortedTTL+time.Second)) {
		t.Error("Expected the entry to expire")
	}

	repo.bury(10, "job-10", now.Add(abortedTTL+time.Second))
	repo.mu.RLock()
	_, kept := repo.aborted[9]
	repo.mu.RUnlock()
	if kept {
		t.Error("Expected expired entries to be dropped")
	}
}
