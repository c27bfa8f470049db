package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	ierrors "github.com/vnykmshr/httpinstr/pkg/common/errors"
	"github.com/vnykmshr/httpinstr/pkg/common/validation"
)

// Default pool sizing.
const (
	DefaultMinWorkers  = 8
	DefaultMaxWorkers  = 200
	DefaultIdleTimeout = 60 * time.Second
	DefaultQueueSize   = 1024
)

// Task represents a unit of work that can be executed by a worker.
type Task interface {
	// Execute runs the task with the given context.
	// It should respect context cancellation and return any error encountered.
	Execute(ctx context.Context) error
}

// TaskFunc is a function type that implements the Task interface.
type TaskFunc func(ctx context.Context) error

// Execute implements the Task interface for TaskFunc.
func (f TaskFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// Result represents the result of a task execution.
type Result struct {
	// Task is the original task that was executed
	Task Task

	// Error is any error that occurred during task execution
	Error error

	// Duration is how long the task took to execute
	Duration time.Duration

	// WorkerID identifies which worker executed the task
	WorkerID int
}

// Pool is an elastic worker pool: it keeps at least MinThreads workers,
// grows to MaxThreads under load and retires idle workers above the minimum.
type Pool interface {
	// Start launches the minimum number of workers. Tasks cannot be
	// submitted before Start.
	Start() error

	// Submit queues a task without blocking.
	// Returns ErrCapacityExceeded if the queue is full and ErrClosed if the
	// pool is not running.
	Submit(task Task) error

	// SubmitWithTimeout waits up to timeout for queue space.
	SubmitWithTimeout(task Task, timeout time.Duration) error

	// SubmitWithContext waits for queue space until ctx is done.
	// The context is also passed to the task's Execute method.
	SubmitWithContext(ctx context.Context, task Task) error

	// Shutdown initiates a graceful shutdown of the pool.
	// No new tasks will be accepted, but queued tasks will be completed.
	// Returns a channel that closes when shutdown is complete.
	Shutdown() <-chan struct{}

	// ShutdownWithTimeout shuts down the pool with a timeout.
	// If shutdown doesn't complete within the timeout, running tasks are canceled.
	ShutdownWithTimeout(timeout time.Duration) <-chan struct{}

	// Threads returns the number of live workers.
	Threads() int

	// IdleThreads returns the number of workers waiting for a task.
	IdleThreads() int

	// MinThreads returns the configured minimum number of workers.
	MinThreads() int

	// MaxThreads returns the configured maximum number of workers.
	MaxThreads() int

	// QueueSize returns the current number of queued tasks waiting for execution.
	QueueSize() int

	// TotalSubmitted returns the total number of tasks submitted to the pool.
	TotalSubmitted() int64

	// TotalCompleted returns the total number of tasks completed by the pool.
	TotalCompleted() int64
}

// Config holds configuration options for creating a worker pool.
type Config struct {
	// MinWorkers is the number of workers kept alive when idle.
	MinWorkers int

	// MaxWorkers caps the number of workers. Must be greater than 0.
	MaxWorkers int

	// IdleTimeout is how long a worker above MinWorkers waits for a task
	// before retiring. Zero means workers never retire.
	IdleTimeout time.Duration

	// QueueSize is the maximum number of tasks waiting for a worker.
	// Must be greater than 0.
	QueueSize int

	// TaskTimeout is the default timeout for individual task execution.
	// Zero means no timeout.
	TaskTimeout time.Duration

	// PanicHandler is called when a worker panics during task execution.
	PanicHandler func(task Task, recovered interface{})

	// OnWorkerStart is called when a worker starts.
	OnWorkerStart func(workerID int)

	// OnWorkerStop is called when a worker stops.
	OnWorkerStop func(workerID int)

	// OnTaskStart is called before a task begins execution.
	OnTaskStart func(workerID int, task Task)

	// OnTaskComplete is called after a task completes (success or failure).
	OnTaskComplete func(workerID int, result Result)
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MinWorkers:  DefaultMinWorkers,
		MaxWorkers:  DefaultMaxWorkers,
		IdleTimeout: DefaultIdleTimeout,
		QueueSize:   DefaultQueueSize,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validation.ValidatePositive("workerpool", "max_workers", c.MaxWorkers); err != nil {
		return err
	}
	if err := validation.ValidateNonNegative("workerpool", "min_workers", c.MinWorkers); err != nil {
		return err
	}
	if c.MinWorkers > c.MaxWorkers {
		return ierrors.NewValidationError("workerpool", "min_workers", c.MinWorkers, "cannot exceed max_workers").
			WithHint("lower min_workers or raise max_workers")
	}
	if err := validation.ValidatePositive("workerpool", "queue_size", c.QueueSize); err != nil {
		return err
	}
	if err := validation.ValidateNonNegativeDuration("workerpool", "idle_timeout", c.IdleTimeout); err != nil {
		return err
	}
	return validation.ValidateNonNegativeDuration("workerpool", "task_timeout", c.TaskTimeout)
}

type poolState int32

const (
	stateNew poolState = iota
	stateRunning
	stateStopped
)

type queuedTask struct {
	task Task
	ctx  context.Context
}

// workerPool implements the Pool interface.
type workerPool struct {
	config Config

	taskQueue chan queuedTask

	// shutdownCh releases submitters blocked on a full queue; drainCh tells
	// workers no further task can be enqueued.
	shutdownCh   chan struct{}
	drainCh      chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	// base is canceled to abort running tasks on forced shutdown.
	base       context.Context
	cancelBase context.CancelFunc

	// mu is held shared while enqueueing and exclusively on state changes.
	mu    sync.RWMutex
	state poolState

	threads        atomic.Int32
	idle           atomic.Int32
	nextID         atomic.Int64
	totalSubmitted atomic.Int64
	totalCompleted atomic.Int64

	workerWg sync.WaitGroup
}

// New creates a pool with the given worker bounds and the default idle
// timeout and queue size. The pool must be started before use.
func New(minWorkers, maxWorkers int) (Pool, error) {
	cfg := DefaultConfig()
	cfg.MinWorkers = minWorkers
	cfg.MaxWorkers = maxWorkers
	return NewWithConfig(cfg)
}

// NewWithConfig creates a pool with the specified configuration.
func NewWithConfig(config Config) (Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	base, cancel := context.WithCancel(context.Background())
	return &workerPool{
		config:     config,
		taskQueue:  make(chan queuedTask, config.QueueSize),
		shutdownCh: make(chan struct{}),
		drainCh:    make(chan struct{}),
		done:       make(chan struct{}),
		base:       base,
		cancelBase: cancel,
	}, nil
}
