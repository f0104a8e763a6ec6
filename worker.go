package jobsystem

import (
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand/v2"
	"runtime"

	"github.com/Swind/go-jobsystem/deque"
	"github.com/Swind/go-jobsystem/platform"
)

// Worker is either a goroutine spawned by New or an externally
// owned goroutine that has called Scheduler.Adopt. It owns one
// work-stealing deque and is the explicit handle a Func receives in
// place of the thread-local current_worker()/current_scheduler()
// lookup a non-GC'd host would use -- Go has no safe, portable
// per-goroutine TLS, so every operation that needs "the calling
// worker" takes one as an explicit receiver instead. See DESIGN.md for
// this redesign decision.
type Worker struct {
	scheduler *Scheduler
	index     int
	deque     *deque.Deque[*Job]
	rng       *mathrand.ChaCha8

	adopted bool
}

// Scheduler returns the scheduler this worker belongs to.
func (w *Worker) Scheduler() *Scheduler { return w.scheduler }

// Index returns the worker's slot index in the scheduler's worker
// table, stable for the worker's lifetime. Useful for metrics labels
// and debugging; carries no ordering guarantee.
func (w *Worker) Index() int { return w.index }

// Adopted reports whether this handle came from Scheduler.Adopt rather
// than being one of the scheduler's own spawned workers.
func (w *Worker) Adopted() bool { return w.adopted }

func newWorker(s *Scheduler, index int, capacity int) *Worker {
	return &Worker{
		scheduler: s,
		index:     index,
		deque:     deque.New[*Job](capacity),
		rng:       mathrand.NewChaCha8(seedBytes()),
	}
}

func seedBytes() [32]byte {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the OS entropy source is broken;
		// fall back to a fixed-but-distinct seed rather than a job
		// function that can never schedule.
		binary.LittleEndian.PutUint64(b[:8], 0x9E3779B97F4A7C15)
	}
	return b
}

// RunFlag modifies Run/RunAndRetain behavior.
type RunFlag uint8

const (
	// DontSignal suppresses the sleeping-worker wakeup Run would
	// otherwise attempt. Useful when a caller is about to submit many
	// jobs in a row and wants to signal once at the end instead of
	// once per job.
	DontSignal RunFlag = 1 << iota
)

func hasFlag(flags []RunFlag, f RunFlag) bool {
	for _, fl := range flags {
		if fl&f != 0 {
			return true
		}
	}
	return false
}

// Create allocates a new job parented on parent (or the scheduler's
// master job if parent is nil), with fn as its function and name as
// its display name (resolved from fn's runtime name if empty). The
// returned job is not yet scheduled; pass it to Run, RunAndRetain, or
// RunAndWait.
//
// Panics with a *Violation if the pool is exhausted or parent has
// already completed (running count already at 0) -- both are caller
// bugs per the design's error-handling policy.
func (w *Worker) Create(parent *Job, name string, fn Func) *Job {
	s := w.scheduler
	if parent == nil {
		parent = s.masterJob
	}

	j := s.pool.allocate()
	if j == nil {
		violate(ViolationPoolExhausted, "no free slot for %d max jobs", len(s.pool.slab))
	}

	isMaster := parent == s.masterJob
	newParentCount := parent.runningCount.Add(1)

	// The master job is a scheduler-owned sentinel that keeps the
	// running count of 1 New gives it, and nothing ever ref-decs it away
	// (see Scheduler.complete), so it is exempt from this check. Any
	// other parent's count reaching 0 before we observe it here really
	// does mean a use-after-complete bug.
	if !isMaster && newParentCount <= 1 {
		// It was <= 0 before our increment: the parent had already
		// completed. Undo the increment and release the slot we just
		// took before panicking, so the violation doesn't also leak a
		// pool entry.
		parent.runningCount.Add(-1)
		j.refCount.Store(0)
		s.pool.release(j)
		violate(ViolationParentTerminated, "parent %q already complete", parent.Name())
	}

	j.name = name
	j.fn = fn
	j.parentIndex = parent.poolIndex
	j.runningCount.Store(1)
	j.refCount.Store(1)
	return j
}

// Run submits job for execution: pushes it onto the worker's local
// deque and, if other work was already live and DontSignal is not set,
// wakes one sleeping worker. Run consumes the caller's logical
// ownership of job -- do not Run the same job twice.
func (w *Worker) Run(job *Job, flags ...RunFlag) {
	w.scheduler.submit(w, job, flags)
}

// RunAndRetain is Run plus an extra reference held on job's behalf, so
// the caller can later Wait on it. Pair every RunAndRetain with
// exactly one Wait.
func (w *Worker) RunAndRetain(job *Job, flags ...RunFlag) *Job {
	w.scheduler.refInc(job)
	w.scheduler.submit(w, job, flags)
	return job
}

// Wait blocks the calling worker until job's running count reaches 0,
// helping execute other queued work in the meantime rather than
// idling -- the standard fork/join "help-drain" discipline described
// in the design this module implements. Releases the reference Wait
// was given (normally from RunAndRetain).
//
// Wait performs no runtime check of the calling goroutine: the only
// guard is that it is a method on a *Worker, which comes from New's
// spawned pool or from Adopt. It must be called only by the goroutine
// that owns w, since it pops from w's local deque.
func (w *Worker) Wait(job *Job) {
	s := w.scheduler
	for job.runningCount.Load() > 0 && !s.exitRequested.Load() {
		if !s.executeOne(w) {
			runtime.Gosched()
		}
	}
	s.refDec(job)
}

// RunAndWait composes RunAndRetain and Wait for the common case of
// submitting one job and blocking until it finishes, mirroring the
// teacher runtime's WaitIdle convenience over its own barrier
// primitive.
func (w *Worker) RunAndWait(job *Job) {
	w.RunAndRetain(job)
	w.Wait(job)
}

// pickVictim returns a uniformly random worker (including w itself,
// and including not-yet-adopted adoption slots, which simply yield no
// work) to steal from. Matches spec's acceptance of modulus bias when
// the worker count isn't a power of two.
func (w *Worker) pickVictim() *Worker {
	workers := w.scheduler.workers
	n := len(workers)
	if n == 0 {
		return nil
	}
	idx := int(w.rng.Uint64() % uint64(n))
	return workers[idx]
}

func (w *Worker) applyPlatform(p platform.Platform, name string) {
	p.SetName(name)
	p.SetPriority(platform.PriorityNormal)
}
