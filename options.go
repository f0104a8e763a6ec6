package jobsystem

import (
	"runtime"

	"github.com/Swind/go-jobsystem/logging"
	"github.com/Swind/go-jobsystem/metrics"
	"github.com/Swind/go-jobsystem/platform"
	"github.com/Swind/go-jobsystem/trace"
)

// DefaultMaxJobs is MAX_JOB_COUNT's default value.
const DefaultMaxJobs = 4096

// config collects every New option, mirroring the defaulted-handlers
// shape of the teacher's TaskSchedulerConfig: every field has a usable
// zero-cost default, populated by the With* options below.
type config struct {
	workerCount     int
	workerCountSet  bool
	adoptableCount  int
	maxJobs         int
	hyperthreading  bool
	logger          logging.Logger
	metrics         metrics.Metrics
	trace           trace.Hook
	platform        platform.Platform
}

func defaultConfig() *config {
	return &config{
		maxJobs:  DefaultMaxJobs,
		logger:   logging.NewNoOp(),
		metrics:  metrics.Nil{},
		trace:    trace.NoopHook{},
		platform: platform.Noop{},
	}
}

func defaultWorkerCount(hyperthreading bool) int {
	n := runtime.NumCPU()
	if hyperthreading {
		n /= 2
	}
	n--
	if n < 0 {
		n = 0
	}
	if n > 32 {
		n = 32
	}
	return n
}

// Option configures a Scheduler constructed by New.
type Option func(*config)

// WithWorkerCount sets the number of worker goroutines the scheduler
// spawns. The default is runtime.NumCPU() (halved if
// WithHyperthreading is set) minus one, clamped to [0, 32].
func WithWorkerCount(n int) Option {
	return func(c *config) {
		c.workerCount = n
		c.workerCountSet = true
	}
}

// WithAdoptableCount reserves n worker-table slots for Adopt, beyond
// the spawned workers. Default 0.
func WithAdoptableCount(n int) Option {
	return func(c *config) { c.adoptableCount = n }
}

// WithMaxJobs sets the job pool's fixed capacity (MAX_JOB_COUNT).
// Default DefaultMaxJobs.
func WithMaxJobs(n int) Option {
	return func(c *config) { c.maxJobs = n }
}

// WithHyperthreading tells the default worker-count calculation to
// halve runtime.NumCPU() first, on the assumption that logical CPUs
// come in SMT pairs sharing execution resources. Has no effect if
// WithWorkerCount is also given.
func WithHyperthreading(enabled bool) Option {
	return func(c *config) { c.hyperthreading = enabled }
}

// WithLogger sets the Logger the scheduler and its workers log
// through. Default logging.NoOp.
func WithLogger(l logging.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the Metrics sink the scheduler reports through.
// Default metrics.Nil.
func WithMetrics(m metrics.Metrics) Option {
	return func(c *config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTraceHook sets the trace.Hook invoked on job start/finish and
// counter changes. Default trace.NoopHook.
func WithTraceHook(h trace.Hook) Option {
	return func(c *config) {
		if h != nil {
			c.trace = h
		}
	}
}

// WithPlatform sets the OS-thread shim invoked once per worker at
// startup. Default platform.Noop.
func WithPlatform(p platform.Platform) Option {
	return func(c *config) {
		if p != nil {
			c.platform = p
		}
	}
}

func buildConfig(opts []Option) (*config, error) {
	c := defaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	if !c.workerCountSet {
		c.workerCount = defaultWorkerCount(c.hyperthreading)
	}
	if c.workerCount < 0 {
		return nil, &ConfigError{Message: "worker count must be >= 0"}
	}
	if c.adoptableCount < 0 {
		return nil, &ConfigError{Message: "adoptable count must be >= 0"}
	}
	if c.maxJobs <= 0 || c.maxJobs > maxPoolCapacity {
		return nil, &ConfigError{Message: "max jobs must be in (0, 0x7FFF]"}
	}
	if c.workerCount+c.adoptableCount > c.maxJobs {
		return nil, &ConfigError{Message: "worker count + adoptable count exceeds max jobs"}
	}
	if c.workerCount == 0 && c.adoptableCount == 0 {
		return nil, &ConfigError{Message: "scheduler needs at least one worker or adoptable slot"}
	}
	return c, nil
}
