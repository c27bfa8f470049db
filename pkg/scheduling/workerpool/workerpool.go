package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	ictx "github.com/vnykmshr/httpinstr/pkg/common/context"
	ierrors "github.com/vnykmshr/httpinstr/pkg/common/errors"
)

// Start launches MinWorkers workers.
func (p *workerPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case stateRunning:
		return nil
	case stateStopped:
		return ierrors.NewOperationError("workerpool", "Start", ierrors.ErrClosed)
	}

	p.state = stateRunning
	for i := 0; i < p.config.MinWorkers; i++ {
		p.threads.Add(1)
		p.spawnLocked()
	}
	return nil
}

// Submit queues a task without waiting for queue space.
func (p *workerPool) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != stateRunning {
		return ierrors.NewOperationError("workerpool", "Submit", ierrors.ErrClosed)
	}

	select {
	case p.taskQueue <- queuedTask{task: task, ctx: context.Background()}:
	default:
		return ierrors.NewOperationError("workerpool", "Submit", ierrors.ErrCapacityExceeded).
			WithContext(fmt.Sprintf("queue size %d", p.config.QueueSize))
	}
	p.enqueued()
	return nil
}

// SubmitWithTimeout waits up to timeout for queue space.
func (p *workerPool) SubmitWithTimeout(task Task, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.submit(ctx, context.Background(), task)
}

// SubmitWithContext waits for queue space until ctx is done. The context
// is passed to the task's Execute method, enabling cancellation
// propagation. If the pool has a TaskTimeout configured, the effective
// timeout is the minimum of the context deadline and TaskTimeout.
func (p *workerPool) SubmitWithContext(ctx context.Context, task Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.submit(ctx, ctx, task)
}

func (p *workerPool) submit(waitCtx, taskCtx context.Context, task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	// Check if context is already canceled before attempting to queue
	// This ensures deterministic behavior for pre-canceled contexts
	if ictx.IsCanceled(waitCtx) {
		return p.waitError(waitCtx)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != stateRunning {
		return ierrors.NewOperationError("workerpool", "Submit", ierrors.ErrClosed)
	}

	select {
	case p.taskQueue <- queuedTask{task: task, ctx: taskCtx}:
	case <-p.shutdownCh:
		return ierrors.NewOperationError("workerpool", "Submit", ierrors.ErrClosed)
	case <-waitCtx.Done():
		return p.waitError(waitCtx)
	}
	p.enqueued()
	return nil
}

func (p *workerPool) waitError(ctx context.Context) error {
	if ictx.IsTimedOut(ctx) {
		return ierrors.NewOperationError("workerpool", "Submit", ierrors.ErrTimeout)
	}
	return ierrors.NewOperationError("workerpool", "Submit", ctx.Err())
}

// enqueued updates counters and grows the pool when queued tasks outnumber
// idle workers. Callers hold p.mu shared.
func (p *workerPool) enqueued() {
	p.totalSubmitted.Add(1)
	if int(p.idle.Load()) < len(p.taskQueue) && p.grow() {
		p.spawnLocked()
	}
}

// grow reserves a worker slot if the pool is below MaxWorkers.
func (p *workerPool) grow() bool {
	for {
		n := p.threads.Load()
		if int(n) >= p.config.MaxWorkers {
			return false
		}
		if p.threads.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// retire releases a worker slot if the pool is above MinWorkers.
func (p *workerPool) retire() bool {
	for {
		n := p.threads.Load()
		if int(n) <= p.config.MinWorkers {
			return false
		}
		if p.threads.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// spawnLocked starts a worker for an already reserved slot. Callers hold p.mu.
// spawnLocked starts a worker for a reserved slot. The worker counts as
// idle from here, before its goroutine is scheduled.
func (p *workerPool) spawnLocked() {
	w := &worker{id: int(p.nextID.Add(1)), pool: p}
	p.idle.Add(1)
	p.workerWg.Add(1)
	go w.run()
}

// Shutdown initiates a graceful shutdown of the pool.
func (p *workerPool) Shutdown() <-chan struct{} {
	p.shutdownOnce.Do(func() {
		close(p.shutdownCh)

		p.mu.Lock()
		wasRunning := p.state == stateRunning
		p.state = stateStopped
		p.mu.Unlock()

		if !wasRunning {
			p.cancelBase()
			close(p.done)
			return
		}

		close(p.drainCh)
		go func() {
			p.workerWg.Wait()
			p.cancelBase()
			close(p.done)
		}()
	})
	return p.done
}

// ShutdownWithTimeout shuts down the pool, canceling running tasks if
// they have not finished within timeout.
func (p *workerPool) ShutdownWithTimeout(timeout time.Duration) <-chan struct{} {
	done := p.Shutdown()
	go func() {
		select {
		case <-done:
		case <-time.After(timeout):
			p.cancelBase()
		}
	}()
	return done
}

func (p *workerPool) Threads() int          { return int(p.threads.Load()) }
func (p *workerPool) IdleThreads() int      { return int(p.idle.Load()) }
func (p *workerPool) MinThreads() int       { return p.config.MinWorkers }
func (p *workerPool) MaxThreads() int       { return p.config.MaxWorkers }
func (p *workerPool) QueueSize() int        { return len(p.taskQueue) }
func (p *workerPool) TotalSubmitted() int64 { return p.totalSubmitted.Load() }
func (p *workerPool) TotalCompleted() int64 { return p.totalCompleted.Load() }

// worker represents a single worker in the pool.
type worker struct {
	id   int
	pool *workerPool
}

// run is the main loop for a worker.
func (w *worker) run() {
	p := w.pool
	defer p.workerWg.Done()

	if p.config.OnWorkerStart != nil {
		p.config.OnWorkerStart(w.id)
	}
	if p.config.OnWorkerStop != nil {
		defer p.config.OnWorkerStop(w.id)
	}

	var idleC <-chan time.Time
	var timer *time.Timer
	if p.config.IdleTimeout > 0 {
		timer = time.NewTimer(p.config.IdleTimeout)
		defer timer.Stop()
		idleC = timer.C
	}

	// the worker is counted idle on entry to every select
	for {
		select {
		case qt := <-p.taskQueue:
			p.idle.Add(-1)
			w.executeTask(qt)
			p.idle.Add(1)
			if timer != nil {
				timer.Reset(p.config.IdleTimeout)
			}
		case <-p.drainCh:
			p.idle.Add(-1)
			w.drain()
			p.threads.Add(-1)
			return
		case <-idleC:
			p.idle.Add(-1)
			if p.retire() {
				// a submit may have counted on this worker being idle
				if len(p.taskQueue) > 0 && p.grow() {
					p.idle.Add(1)
					timer.Reset(p.config.IdleTimeout)
					continue
				}
				return
			}
			p.idle.Add(1)
			timer.Reset(p.config.IdleTimeout)
		}
	}
}

// drain executes whatever is left in the queue after shutdown.
func (w *worker) drain() {
	for {
		select {
		case qt := <-w.pool.taskQueue:
			w.executeTask(qt)
		default:
			return
		}
	}
}

// executeTask executes a single task with the provided context.
func (w *worker) executeTask(qt queuedTask) {
	p := w.pool
	start := time.Now()
	var err error

	ctx, cancel := ictx.Merge(qt.ctx, p.base)
	defer cancel()

	// Apply TaskTimeout if configured
	// The effective timeout is the minimum of the context deadline and TaskTimeout
	if p.config.TaskTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancelTimeout()
	}

	// Handle panics during task execution
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\nStack trace:\n%s", r, debug.Stack())
			if p.config.PanicHandler != nil {
				p.config.PanicHandler(qt.task, r)
			}
		}

		p.totalCompleted.Add(1)
		if p.config.OnTaskComplete != nil {
			p.config.OnTaskComplete(w.id, Result{
				Task:     qt.task,
				Error:    err,
				Duration: time.Since(start),
				WorkerID: w.id,
			})
		}
	}()

	if p.config.OnTaskStart != nil {
		p.config.OnTaskStart(w.id, qt.task)
	}
	err = qt.task.Execute(ctx)
}
