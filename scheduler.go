package jobsystem

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Swind/go-jobsystem/logging"
	"github.com/Swind/go-jobsystem/metrics"
	"github.com/Swind/go-jobsystem/platform"
	"github.com/Swind/go-jobsystem/trace"
)

// Scheduler owns a fixed-capacity job pool, a worker table, and the
// sleep/wake protocol that keeps idle workers off the CPU without
// losing wakeups. The zero value is not usable; construct with New.
type Scheduler struct {
	id   string
	name string

	pool      *pool
	masterJob *Job

	workers        []*Worker
	workerCount    int
	adoptableCount int
	adoptedCount   atomic.Int32

	activeJobs      atomic.Int32
	sleepingWorkers atomic.Int32
	exitRequested   atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond
	wg   sync.WaitGroup

	logger   logging.Logger
	metrics  metrics.Metrics
	trace    trace.Hook
	platform platform.Platform

	shutdownOnce sync.Once
}

// New constructs a Scheduler and spawns its worker goroutines. Returns
// a *ConfigError if the resulting configuration is invalid (negative
// counts, a max-jobs value too small to hold every worker and
// adoptable slot, or no workers and no adoptable slots at all) --
// construction happens before any worker exists, so a caller can
// recover from bad configuration instead of crashing.
func New(opts ...Option) (*Scheduler, error) {
	c, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}

	total := c.workerCount + c.adoptableCount
	s := &Scheduler{
		id:             uuid.NewString(),
		pool:           newPool(c.maxJobs),
		workerCount:    c.workerCount,
		adoptableCount: c.adoptableCount,
		logger:         c.logger,
		metrics:        c.metrics,
		trace:          c.trace,
		platform:       c.platform,
	}
	s.name = "jobsystem-" + s.id[:8]
	s.cond = sync.NewCond(&s.mu)

	s.masterJob = s.pool.allocate()
	if s.masterJob == nil {
		return nil, &ConfigError{Message: "max jobs too small to hold the master job"}
	}
	s.masterJob.name = "master"
	s.masterJob.parentIndex = noParent
	s.masterJob.runningCount.Store(1)
	s.masterJob.refCount.Store(1)

	s.workers = make([]*Worker, total)
	dequeCap := c.maxJobs
	for i := range total {
		s.workers[i] = newWorker(s, i, dequeCap)
	}

	s.wg.Add(c.workerCount)
	for i := range c.workerCount {
		w := s.workers[i]
		go s.workerLoop(w)
	}

	s.logger.Info("scheduler started",
		logging.F("scheduler", s.id),
		logging.F("workers", c.workerCount),
		logging.F("adoptable", c.adoptableCount),
		logging.F("max_jobs", c.maxJobs))

	return s, nil
}

// ID returns the scheduler's unique instance identifier, stamped onto
// trace events and metrics labels so multiple schedulers in one
// process (or one process's logs shipped alongside others) can be
// told apart.
func (s *Scheduler) ID() string { return s.id }

// Shutdown signals every worker to exit after its current job
// completes, wakes any sleeping workers, and waits for all spawned
// (not adopted) workers to return. Idempotent: calling it more than
// once is safe and the later calls simply block until the first
// call's join completes.
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.exitRequested.Store(true)
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
		s.wg.Wait()
		s.logger.Info("scheduler stopped", logging.F("scheduler", s.id))
	})
}

// Stats is a point-in-time snapshot of scheduler activity, grounded on
// the teacher runtime's RunnerStats/PoolStats observability surface,
// retargeted at per-worker deque depth instead of per-runner queue
// depth.
type Stats struct {
	ActiveJobs      int
	SleepingWorkers int
	WorkerDepths    []int
	AdoptedCount    int
}

// Stats returns a snapshot of current scheduler activity.
func (s *Scheduler) Stats() Stats {
	depths := make([]int, len(s.workers))
	for i, w := range s.workers {
		depths[i] = w.deque.Len()
	}
	return Stats{
		ActiveJobs:      int(s.activeJobs.Load()),
		SleepingWorkers: int(s.sleepingWorkers.Load()),
		WorkerDepths:    depths,
		AdoptedCount:    int(s.adoptedCount.Load()),
	}
}

// Adopt attaches the calling goroutine to the scheduler as a worker,
// claiming the next free adoption slot reserved by WithAdoptableCount.
// The returned *Worker may Create, Run, and Wait jobs, and becomes a
// valid steal target for every other worker. Adoption slots are never
// reused once claimed, even after Emancipate -- matching the design's
// "the slot remains allocated; it is not reused" rule.
//
// Returns an *AdoptError, rather than panicking, if every adoptable
// slot is already claimed: adoption is a voluntary call made by
// arbitrary embedding code that does not own the scheduler, so it can
// reasonably want to recover instead of crashing its own process.
func (s *Scheduler) Adopt() (*Worker, error) {
	for {
		cur := s.adoptedCount.Load()
		if int(cur) >= s.adoptableCount {
			return nil, &AdoptError{Message: "no adoptable slots remaining"}
		}
		if s.adoptedCount.CompareAndSwap(cur, cur+1) {
			w := s.workers[s.workerCount+int(cur)]
			w.adopted = true
			s.logger.Debug("thread adopted", logging.F("scheduler", s.id), logging.F("worker", w.index))
			return w, nil
		}
	}
}

// Emancipate detaches w from active participation: it stops being
// offered as a steal victim's *owner* thread (it simply never calls
// Run/Wait again), but per the design's adoption rule its slot is not
// recycled for a future Adopt call.
func (w *Worker) Emancipate() {
	if !w.adopted {
		violate(ViolationNotAWorker, "emancipate called on a non-adopted worker")
	}
	w.scheduler.logger.Debug("thread emancipated",
		logging.F("scheduler", w.scheduler.id), logging.F("worker", w.index))
	w.adopted = false
}

// submit pushes job onto w's local deque, bumps the active-jobs hint,
// and signals a sleeping worker if other work was already live and the
// caller didn't suppress it with DontSignal.
func (s *Scheduler) submit(w *Worker, job *Job, flags []RunFlag) {
	if !job.dequeEligible() {
		violate(ViolationDequeFull, "job already run or already complete")
	}
	if !w.deque.Push(job) {
		violate(ViolationDequeFull, "worker %d local deque is full", w.index)
	}

	prev := s.activeJobs.Add(1) - 1
	if !hasFlag(flags, DontSignal) && prev > 0 {
		s.mu.Lock()
		s.cond.Signal()
		s.mu.Unlock()
	}
	s.metrics.RecordActiveJobs(s.name, int(s.activeJobs.Load()))
}

// dequeEligible is a best-effort sanity check that a job hasn't
// already run to completion before being (re-)submitted; it is not a
// substitute for caller discipline, since a job handle can only be
// legally run once per Create.
func (j *Job) dequeEligible() bool {
	return j.runningCount.Load() > 0
}

func (s *Scheduler) workerLoop(w *Worker) {
	defer s.wg.Done()

	w.applyPlatform(s.platform, s.name+"-worker-"+strconv.Itoa(w.index))

	for !s.exitRequested.Load() {
		if s.executeOne(w) {
			continue
		}
		s.parkIfIdle()
	}
}

func (s *Scheduler) parkIfIdle() {
	s.mu.Lock()
	for !s.exitRequested.Load() && s.activeJobs.Load() == 0 {
		s.sleepingWorkers.Add(1)
		s.metrics.RecordSleepingWorkers(s.name, int(s.sleepingWorkers.Load()))
		s.cond.Wait()
		s.sleepingWorkers.Add(-1)
		s.metrics.RecordSleepingWorkers(s.name, int(s.sleepingWorkers.Load()))
	}
	s.mu.Unlock()
}

// executeOne implements the execute-one step: local pop, else steal
// from a random victim, else report nothing to do.
func (s *Scheduler) executeOne(w *Worker) bool {
	job, ok := w.deque.Pop()
	if !ok {
		victim := w.pickVictim()
		if victim != nil && victim != w {
			job, ok = victim.deque.Steal()
			s.metrics.RecordSteal(s.name, victim.index, ok)
		}
	}
	if !ok {
		return false
	}

	if prev := s.activeJobs.Add(-1); prev < 0 {
		violate(ViolationSchedulerStopped, "active job count went negative")
	}
	s.metrics.RecordActiveJobs(s.name, int(s.activeJobs.Load()))

	s.runJobFunc(w, job)
	s.complete(job)
	return true
}

func (s *Scheduler) runJobFunc(w *Worker, job *Job) {
	if job.fn == nil {
		return
	}

	ev := trace.Event{
		SchedulerID: s.id,
		JobName:     job.Name(),
		WorkerIndex: w.index,
		StartedAt:   time.Now(),
	}
	s.trace.OnJobStart(ev)

	defer func() {
		ev.FinishedAt = time.Now()
		ev.Duration = ev.FinishedAt.Sub(ev.StartedAt)
		s.metrics.RecordJobDuration(s.name, job.Name(), ev.Duration)

		if r := recover(); r != nil {
			ev.Panicked = true
			ev.PanicValue = r
			s.metrics.RecordJobPanic(s.name, job.Name(), r)
			s.logger.Error("job panicked",
				logging.F("scheduler", s.id),
				logging.F("job", job.Name()),
				logging.F("panic", r))
		}
		s.trace.OnJobComplete(ev)
	}()

	job.fn(w, job)
}

// complete runs the completion protocol: decrement j's running count;
// if that decrement drove it to 0, release the reference this walk
// step holds and, unless j has no parent, repeat on the parent.
//
// Go's atomic package is sequentially consistent, a strictly stronger
// guarantee than the release-store-plus-acquire-fence pairing the
// design calls for, so that exact ordering contract is satisfied
// automatically by ordinary atomic.Int32 operations here -- no
// explicit fence is needed or available in Go.
func (s *Scheduler) complete(j *Job) {
	for {
		newVal := j.runningCount.Add(-1)
		s.trace.OnCounterChange(trace.CounterEvent{
			SchedulerID: s.id,
			JobName:     j.Name(),
			Kind:        trace.RunningCount,
			NewValue:    newVal,
		})
		if newVal < 0 {
			violate(ViolationSchedulerStopped, "running count of %q went negative", j.Name())
		}
		if newVal != 0 {
			return
		}

		if j == s.masterJob {
			// The master job is a scheduler-owned sentinel, not a job
			// any caller holds a handle to. New gives it a running count
			// of 1 that nothing ever releases, and every top-level
			// Create(nil, ...) adds one that the child's completion walk
			// takes back, so its count does not reach 0 through top-level
			// work. Should it ever reach 0, it is still not ref-counted
			// away: its slot is never returned to the pool.
			return
		}

		// Capture before refDec: refDec may recycle j's slot, and a
		// concurrent allocate() could immediately hand that same slot
		// to an unrelated new job, clobbering parentIndex.
		parentIdx := j.parentIndex
		s.refDec(j)

		if parentIdx == noParent {
			return
		}
		j = s.pool.at(parentIdx)
	}
}

// refInc adds a reference to j. Uses ordinary atomic add; no side
// effect depends on ordering here (mirrors the design's RELAXED
// ref_inc).
func (s *Scheduler) refInc(j *Job) {
	j.refCount.Add(1)
}

// refDec releases a reference to j, returning its slot to the pool if
// it was the last one.
func (s *Scheduler) refDec(j *Job) {
	newVal := j.refCount.Add(-1)
	s.trace.OnCounterChange(trace.CounterEvent{
		SchedulerID: s.id,
		JobName:     j.Name(),
		Kind:        trace.RefCount,
		NewValue:    newVal,
	})
	if newVal < 0 {
		violate(ViolationSchedulerStopped, "ref count of %q went negative", j.Name())
	}
	if newVal == 0 {
		s.pool.release(j)
	}
}

