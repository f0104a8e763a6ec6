package jobsystem

import (
	"sync/atomic"

	"github.com/Swind/go-jobsystem/trace"
)

// noParent is the sentinel parent index meaning "no parent" (spec
// §3's 0x7FFF): a job pool never holds more than 0x7FFF slots, so the
// value can't collide with a real index. The free list uses its own
// terminator, freeListEmpty.
const noParent uint32 = 0x7FFF

// maxPoolCapacity is the largest pool size a 16-bit parent index can
// address, reserving noParent as the sentinel.
const maxPoolCapacity = int(noParent)

// Func is the code a Job runs. w is the worker (or adopted thread)
// that picked the job up; self is the job itself, so the function can
// read its own Payload or fork children parented on self.
//
// Go closures already capture state on the heap, so Func taking no
// separate "opaque storage" parameter is the idiomatic equivalent of
// the inline storage buffer described for a non-GC'd host language;
// Payload exists for callers who want an explicit, typed value instead
// of (or alongside) closure captures -- see SetPayload/Payload.
type Func func(w *Worker, self *Job)

// Job is a single unit of scheduled work: a function, an optional
// payload, and the two atomic counters that drive the completion
// protocol (§4.6 of the design this module implements).
//
// A *Job's address is stable for the scheduler's lifetime: it lives in
// a fixed-capacity slab allocated once at construction, never resized,
// so a 32-bit pool index can stand in for a parent pointer without
// risking it dangling after a realloc.
type Job struct {
	name string
	fn   Func

	payload any

	parentIndex uint32 // index into pool.slab, or noParent
	poolIndex   uint32 // this job's own index, fixed for its slab slot's lifetime

	// runningCount is this job's own 1 plus one for every live child;
	// reaches 0 exactly once, when the job and all its descendants
	// have finished executing.
	runningCount atomic.Int32
	// refCount is the number of live handles to this job: the one
	// reference Create gives it, released by the completion walk, plus
	// one for each retained handle from RunAndRetain, released by Wait.
	// Reaches 0 exactly once, when the slot is returned to the pool.
	refCount atomic.Int32
}

// Name returns the job's display name, used in logs, metrics labels,
// and trace.Event. If none was set explicitly at creation, it is
// resolved from fn's runtime.FuncForPC name, exactly as the teacher's
// resolveTaskName falls back to a function's resolved name.
func (j *Job) Name() string {
	return trace.ResolveJobName(j.fn, j.name)
}

// SetPayload stores v as the job's payload. Must be called before the
// job is run; the scheduler does not synchronize writes to Payload
// against the function reading it -- the happens-before edge is
// provided by Run itself (the calling goroutine that configures the
// job happens-before the goroutine that executes it).
func SetPayload[T any](j *Job, v T) {
	j.payload = v
}

// Payload retrieves the job's payload as T. Returns the zero value and
// false if no payload was set or it was set with a different type.
func Payload[T any](j *Job) (T, bool) {
	v, ok := j.payload.(T)
	return v, ok
}

// pool is a bounded, fixed-capacity slab of Job records addressed by a
// stable 32-bit index, with a lock-free, ABA-safe free list threading
// unused slots together. Grounded on spec §4.1's "lock-free free-list"
// requirement; there is no corpus file implementing this exact scheme,
// so the tagged-head Treiber stack below is written directly from that
// requirement (see DESIGN.md).
type pool struct {
	slab []Job
	next []atomic.Uint32 // next[i] is the free-list successor of slot i

	// head packs a monotonic tag in the high 32 bits and a slab index
	// (or freeListEmpty) in the low 32 bits, so a concurrent
	// allocate/release pair can never be mistaken for a no-op by an
	// in-flight CompareAndSwap (the ABA problem for free lists).
	head atomic.Uint64
}

const freeListEmpty uint32 = 0xFFFFFFFF

func newPool(capacity int) *pool {
	if capacity <= 0 || capacity > maxPoolCapacity {
		panic("jobsystem: pool capacity out of range")
	}
	p := &pool{
		slab: make([]Job, capacity),
		next: make([]atomic.Uint32, capacity),
	}
	for i := range capacity {
		if i == capacity-1 {
			p.next[i].Store(freeListEmpty)
			continue
		}
		p.next[i].Store(uint32(i + 1))
	}
	for i := range p.slab {
		p.slab[i].poolIndex = uint32(i)
	}
	p.head.Store(packHead(0, 0))
	return p
}

func packHead(tag, idx uint32) uint64 {
	return uint64(tag)<<32 | uint64(idx)
}

func unpackHead(h uint64) (tag, idx uint32) {
	return uint32(h >> 32), uint32(h)
}

// allocate takes a slot off the free list and returns it zeroed except
// for poolIndex (kept) and parentIndex (set to noParent), or nil if the
// pool is exhausted.
func (p *pool) allocate() *Job {
	for {
		h := p.head.Load()
		tag, idx := unpackHead(h)
		if idx == freeListEmpty {
			return nil
		}
		next := p.next[idx].Load()
		if p.head.CompareAndSwap(h, packHead(tag+1, next)) {
			j := &p.slab[idx]
			j.name = ""
			j.fn = nil
			j.payload = nil
			j.parentIndex = noParent
			j.runningCount.Store(0)
			j.refCount.Store(0)
			return j
		}
	}
}

// release returns j's slot to the free list. Callers must ensure no
// other goroutine still holds a reference to j (refCount reached 0).
func (p *pool) release(j *Job) {
	idx := j.poolIndex
	for {
		h := p.head.Load()
		tag, headIdx := unpackHead(h)
		p.next[idx].Store(headIdx)
		if p.head.CompareAndSwap(h, packHead(tag+1, idx)) {
			return
		}
	}
}

func (p *pool) at(idx uint32) *Job {
	return &p.slab[idx]
}
