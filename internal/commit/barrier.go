package commit

import "sync"

// AbortResult says what an abort request did to a job's commit.
type AbortResult int

const (
	// AbortNow means no promote has started; the caller should cancel execution.
	AbortNow AbortResult = iota
	// AbortDeferred means promote is in progress; the outcome is reported once it finishes.
	AbortDeferred
	// AbortTooLate means output was already promoted and the job completed.
	AbortTooLate
)

func (r AbortResult) String() string {
	switch r {
	case AbortNow:
		return "now"
	case AbortDeferred:
		return "deferred"
	case AbortTooLate:
		return "too-late"
	default:
		return "unknown"
	}
}

type barrierPhase int

const (
	phaseOpen barrierPhase = iota
	phaseCommitting
	phasePromoted
	phasePartial
	phaseFailed
	phaseAborted
)

// Barrier is the exclusive section around promote. An abort observed before Enter
// wins and no output becomes visible; an abort observed while the section is held
// is deferred until Exit reports whether promote happened.
type Barrier struct {
	mu             sync.Mutex
	phase          barrierPhase
	abortRequested bool
}

// NewBarrier returns an open barrier.
func NewBarrier() *Barrier {
	return &Barrier{}
}

// Enter claims the commit section. It returns false when an abort was already observed.
func (b *Barrier) Enter() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != phaseOpen {
		return false
	}
	b.phase = phaseCommitting
	return true
}

// Exit leaves the commit section, recording whether every output was promoted.
func (b *Barrier) Exit(promoted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != phaseCommitting {
		return
	}
	if promoted {
		b.phase = phasePromoted
	} else {
		b.phase = phaseFailed
	}
}

// ExitPartial leaves the commit section after some outputs were promoted and could
// not be withdrawn. The job's output is visible but incomplete.
func (b *Barrier) ExitPartial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == phaseCommitting {
		b.phase = phasePartial
	}
}

// Abort records an abort request.
func (b *Barrier) Abort() AbortResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abortRequested = true
	switch b.phase {
	case phaseOpen:
		b.phase = phaseAborted
		return AbortNow
	case phaseCommitting:
		return AbortDeferred
	case phasePromoted, phasePartial:
		return AbortTooLate
	default:
		return AbortNow
	}
}

// Promoted reports whether the job's output was promoted.
func (b *Barrier) Promoted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase == phasePromoted
}

// Visible reports whether any of the job's output reached the finished namespace.
func (b *Barrier) Visible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase == phasePromoted || b.phase == phasePartial
}

// AbortRequested reports whether Abort was ever called.
func (b *Barrier) AbortRequested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.abortRequested
}
