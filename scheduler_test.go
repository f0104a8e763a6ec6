package jobsystem_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobsystem "github.com/Swind/go-jobsystem"
)

func newTestScheduler(t *testing.T, workers int, opts ...jobsystem.Option) (*jobsystem.Scheduler, *jobsystem.Worker) {
	t.Helper()
	opts = append([]jobsystem.Option{jobsystem.WithWorkerCount(workers), jobsystem.WithAdoptableCount(1)}, opts...)
	s, err := jobsystem.New(opts...)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)

	w, err := s.Adopt()
	require.NoError(t, err)
	t.Cleanup(w.Emancipate)
	return s, w
}

// S1: 4 workers, root with 1000 leaf children incrementing a shared
// atomic; RunAndWait(root) must observe exactly 1000 increments and
// every effect of every leaf visible to the waiter.
func TestRunAndWaitDrainsAllChildren(t *testing.T) {
	_, w := newTestScheduler(t, 4)

	var total atomic.Int64
	root := w.Create(nil, "root", func(w *jobsystem.Worker, self *jobsystem.Job) {
		for range 1000 {
			child := w.Create(self, "leaf", func(*jobsystem.Worker, *jobsystem.Job) {
				total.Add(1)
			})
			w.Run(child)
		}
	})
	w.RunAndWait(root)

	assert.Equal(t, int64(1000), total.Load())
}

// S2: 2 workers, root with 2 children, each spawning 2 grandchildren:
// wait(root) must return only after every node in the tree (root + 2
// children + 4 grandchildren = 7) has run exactly once.
func TestCompletionWalkCoversWholeTree(t *testing.T) {
	_, w := newTestScheduler(t, 2)

	var invocations atomic.Int64
	root := w.Create(nil, "root", func(w *jobsystem.Worker, self *jobsystem.Job) {
		invocations.Add(1)
		for range 2 {
			child := w.Create(self, "child", func(w *jobsystem.Worker, self *jobsystem.Job) {
				invocations.Add(1)
				for range 2 {
					gc := w.Create(self, "grandchild", func(*jobsystem.Worker, *jobsystem.Job) {
						invocations.Add(1)
					})
					w.Run(gc)
				}
			})
			w.Run(child)
		}
	})
	w.RunAndWait(root)

	assert.Equal(t, int64(7), invocations.Load())
}

// S3: 8 workers, 10,000 trivial jobs; active job count must return to
// 0. The pool is sized so every job can be live at once (plus the root
// and the master job).
func TestActiveJobsDrainsToZero(t *testing.T) {
	const n = 10000
	s, w := newTestScheduler(t, 8, jobsystem.WithMaxJobs(n+2))

	root := w.Create(nil, "root", func(w *jobsystem.Worker, self *jobsystem.Job) {
		for range n {
			j := w.Create(self, "trivial", func(*jobsystem.Worker, *jobsystem.Job) {})
			w.Run(j)
		}
	})
	w.RunAndWait(root)

	require.Eventually(t, func() bool {
		return s.Stats().ActiveJobs == 0
	}, time.Second, time.Millisecond)
}

// S4: 4 workers, 2 adoption slots; two external goroutines adopt, each
// submits 100 jobs and waits, then emancipates. All 200 jobs run.
func TestAdoptedThreadsParticipate(t *testing.T) {
	s, err := jobsystem.New(jobsystem.WithWorkerCount(4), jobsystem.WithAdoptableCount(2))
	require.NoError(t, err)
	defer s.Shutdown()

	var total atomic.Int64
	done := make(chan struct{}, 2)

	adoptAndRun := func() {
		w, err := s.Adopt()
		require.NoError(t, err)
		root := w.Create(nil, "batch", func(w *jobsystem.Worker, self *jobsystem.Job) {
			for range 100 {
				j := w.Create(self, "unit", func(*jobsystem.Worker, *jobsystem.Job) {
					total.Add(1)
				})
				w.Run(j)
			}
		})
		w.RunAndWait(root)
		w.Emancipate()
		done <- struct{}{}
	}

	go adoptAndRun()
	go adoptAndRun()
	<-done
	<-done

	assert.Equal(t, int64(200), total.Load())
}

// S6: 2 workers; a job's function spawns a child and waits on it.
// Must return without deadlock via help-executing.
func TestNestedWaitDoesNotDeadlock(t *testing.T) {
	_, w := newTestScheduler(t, 2)

	var ran atomic.Bool
	root := w.Create(nil, "outer", func(w *jobsystem.Worker, self *jobsystem.Job) {
		child := w.Create(self, "inner", func(*jobsystem.Worker, *jobsystem.Job) {
			ran.Store(true)
		})
		w.RunAndWait(child)
	})
	w.RunAndWait(root)

	assert.True(t, ran.Load())
}

// Boundary: zero spawned workers, one adopted thread. The adopted
// thread alone must execute everything via its own help-execute loop.
func TestZeroWorkersOneAdoptedThread(t *testing.T) {
	s, err := jobsystem.New(jobsystem.WithWorkerCount(0), jobsystem.WithAdoptableCount(1))
	require.NoError(t, err)
	defer s.Shutdown()

	w, err := s.Adopt()
	require.NoError(t, err)
	defer w.Emancipate()

	var ran atomic.Bool
	root := w.Create(nil, "solo", func(w *jobsystem.Worker, self *jobsystem.Job) {
		child := w.Create(self, "leaf", func(*jobsystem.Worker, *jobsystem.Job) {
			ran.Store(true)
		})
		w.Run(child)
	})
	w.RunAndWait(root)

	assert.True(t, ran.Load())
}

// Boundary: a depth-64 parent/child chain must complete exactly at the
// deepest job's completion.
func TestDeepChainCompletesAtDepth(t *testing.T) {
	_, w := newTestScheduler(t, 4)

	const depth = 64
	var deepestAt atomic.Int64
	var counter atomic.Int64

	// build is called from inside a running job, so it must use the
	// *current* job's worker handle (the one passed into its Func) to
	// Create/Run the next link -- reusing a different goroutine's
	// Worker would violate the single-owner push discipline of that
	// goroutine's deque.
	var build func(w *jobsystem.Worker, parent *jobsystem.Job, remaining int)
	build = func(w *jobsystem.Worker, parent *jobsystem.Job, remaining int) {
		job := w.Create(parent, "chain", func(w *jobsystem.Worker, self *jobsystem.Job) {
			n := counter.Add(1)
			if remaining == 1 {
				deepestAt.Store(n)
				return
			}
			build(w, self, remaining-1)
		})
		w.Run(job)
	}

	root := w.Create(nil, "chain-root", func(w *jobsystem.Worker, self *jobsystem.Job) {
		build(w, self, depth)
	})
	w.RunAndWait(root)

	assert.Equal(t, int64(depth), counter.Load())
	assert.Equal(t, counter.Load(), deepestAt.Load())
}

// Invariant: a job's function is invoked exactly once -- never
// duplicated, never dropped -- even under contention from many workers
// stealing from each other. The pool is sized so all n children can be
// live at once (plus the root and the master job).
func TestStealSafetyExactlyOnceInvocation(t *testing.T) {
	const n = 5000
	_, w := newTestScheduler(t, 8, jobsystem.WithMaxJobs(n+2))

	var counter atomic.Int64

	root := w.Create(nil, "root", func(w *jobsystem.Worker, self *jobsystem.Job) {
		for range n {
			j := w.Create(self, "incr", func(*jobsystem.Worker, *jobsystem.Job) {
				counter.Add(1)
			})
			w.Run(j)
		}
	})
	w.RunAndWait(root)

	assert.Equal(t, int64(n), counter.Load())
}

// Idempotent shutdown: calling Shutdown twice must not panic or hang.
func TestShutdownIsIdempotent(t *testing.T) {
	s, err := jobsystem.New(jobsystem.WithWorkerCount(2))
	require.NoError(t, err)

	s.Shutdown()
	assert.NotPanics(t, func() { s.Shutdown() })
}

// A panicking job function must not take down its worker: the
// scheduler recovers, logs, and still runs the completion protocol so
// siblings and the parent observe normal completion.
func TestPanicInJobIsRecoveredAndStillCompletes(t *testing.T) {
	_, w := newTestScheduler(t, 2)

	var siblingRan atomic.Bool
	root := w.Create(nil, "root", func(w *jobsystem.Worker, self *jobsystem.Job) {
		bad := w.Create(self, "panics", func(*jobsystem.Worker, *jobsystem.Job) {
			panic("boom")
		})
		w.Run(bad)

		good := w.Create(self, "sibling", func(*jobsystem.Worker, *jobsystem.Job) {
			siblingRan.Store(true)
		})
		w.Run(good)
	})
	w.RunAndWait(root)

	assert.True(t, siblingRan.Load())
}

// Creating a child on an already-complete parent is a caller bug and
// must panic with a *jobsystem.Violation.
func TestCreateOnCompletedParentPanics(t *testing.T) {
	_, w := newTestScheduler(t, 2)

	root := w.Create(nil, "root", func(*jobsystem.Worker, *jobsystem.Job) {})
	w.RunAndWait(root)

	assert.Panics(t, func() {
		w.Create(root, "too-late", func(*jobsystem.Worker, *jobsystem.Job) {})
	})
}

// New rejects an invalid configuration with an ordinary error rather
// than a panic, since it happens before any worker thread exists.
func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := jobsystem.New(jobsystem.WithWorkerCount(-1))
	require.Error(t, err)

	_, err = jobsystem.New(jobsystem.WithWorkerCount(0), jobsystem.WithAdoptableCount(0))
	require.Error(t, err)
}

// Adopt returns an error, not a panic, once every adoptable slot is
// claimed.
func TestAdoptErrorsWhenExhausted(t *testing.T) {
	s, err := jobsystem.New(jobsystem.WithWorkerCount(1), jobsystem.WithAdoptableCount(1))
	require.NoError(t, err)
	defer s.Shutdown()

	_, err = s.Adopt()
	require.NoError(t, err)

	_, err = s.Adopt()
	assert.Error(t, err)
}
