// Package jobsystem provides a fork/join job scheduling architecture
// for Go.
//
// This library implements a threading model where developers create
// and submit jobs (short-lived compute functions, optionally parented
// on other jobs) to a pool of worker goroutines, each owning a
// work-stealing deque. Idle workers steal from randomly chosen peers
// instead of blocking on a shared queue, and a job tree's completion
// is tracked purely through atomic counters -- no child list, no
// per-job lock.
//
// # Quick Start
//
// Start a scheduler and adopt the calling goroutine as a worker so it
// can create and submit jobs:
//
//	s, err := jobsystem.New(jobsystem.WithWorkerCount(4), jobsystem.WithAdoptableCount(1))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer s.Shutdown()
//
//	w, err := s.Adopt()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer w.Emancipate()
//
//	root := w.Create(nil, "root", func(w *jobsystem.Worker, self *jobsystem.Job) {
//		// Your code here -- fork children with w.Create/w.Run.
//	})
//	w.RunAndWait(root)
//
// # Key Concepts
//
// Worker: the explicit handle a job function receives instead of an
// ambient thread-local lookup -- Go goroutines have no safe per-thread
// storage, so every operation that needs "the calling worker" takes
// one as a parameter or receiver.
//
// Job: a unit of deferred work with a running count (its own execution
// plus every live descendant) and a reference count (live handles to
// its slot). A job is complete when its running count reaches 0;
// completing the last child of a parent recursively completes the
// parent.
//
// Adoption: lets a goroutine that isn't one of the scheduler's own
// spawned workers -- typically the caller's own main goroutine --
// temporarily participate as a steal target and submit/wait on jobs.
//
// # Thread Safety
//
// Scheduler methods are safe to call concurrently from multiple
// goroutines. A *Worker is not: its Run variants and Wait push onto
// and pop from that worker's own deque, so they must be called only by
// the goroutine that owns the handle -- the job function it was passed
// to, or the goroutine that called Adopt. Each job must be run exactly
// once.
//
// # Example
//
//	import (
//		"fmt"
//		"sync/atomic"
//
//		jobsystem "github.com/Swind/go-jobsystem"
//	)
//
//	func main() {
//		s, _ := jobsystem.New(jobsystem.WithWorkerCount(4), jobsystem.WithAdoptableCount(1))
//		defer s.Shutdown()
//		w, _ := s.Adopt()
//		defer w.Emancipate()
//
//		var total atomic.Int64
//		root := w.Create(nil, "root", func(w *jobsystem.Worker, self *jobsystem.Job) {
//			for range 1000 {
//				child := w.Create(self, "leaf", func(*jobsystem.Worker, *jobsystem.Job) {
//					total.Add(1)
//				})
//				w.Run(child)
//			}
//		})
//		w.RunAndWait(root)
//		fmt.Println(total.Load()) // 1000
//	}
package jobsystem
