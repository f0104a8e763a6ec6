// Package platform defines the thin OS-thread shims for naming the
// thread (for profilers and debuggers), setting its scheduling
// priority, and pinning it to a CPU. When a spawned worker starts, the
// scheduler calls SetName and SetPriority; it never calls SetAffinity.
//
// None of this is implemented with real OS bindings here -- per the
// job system's scope, these are "thin wrappers over OS primitives"
// that a host embedding the scheduler may supply via WithPlatform; the
// default Noop implementation is a correct no-op on every platform.
package platform

// Priority is a coarse, platform-independent scheduling priority hint.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityAboveNormal
	PriorityBelowNormal
)

// Platform is the set of OS-thread shims. A spawned worker calls
// SetName and SetPriority once, right after its goroutine starts,
// before entering its run loop; SetAffinity is not called by the
// scheduler.
type Platform interface {
	// SetName gives the calling OS thread a debugger-visible name.
	SetName(name string)
	// SetPriority hints the OS scheduler about this thread's priority.
	SetPriority(p Priority)
	// SetAffinity pins the calling OS thread to the given CPU index,
	// or clears any pin if cpu is negative.
	SetAffinity(cpu int)
}

// Noop implements Platform as a no-op on every call. It is the default
// when no Platform is configured.
type Noop struct{}

func (Noop) SetName(name string)    {}
func (Noop) SetPriority(p Priority) {}
func (Noop) SetAffinity(cpu int)    {}
