/*
Package workerpool provides the elastic worker pool that runs request
dispatches, and an instrumented wrapper that exposes its utilization.

A pool keeps at least MinWorkers goroutines alive, grows up to MaxWorkers
while queued tasks outnumber idle workers, and retires workers above the
minimum after IdleTimeout without work. The task queue is bounded; Submit
never blocks and fails fast with ErrCapacityExceeded when it is full.

Basic usage:

	pool, err := workerpool.New(8, 200)
	if err != nil {
		return err
	}
	if err := pool.Start(); err != nil {
		return err
	}
	defer func() { <-pool.Shutdown() }()

	task := workerpool.TaskFunc(func(ctx context.Context) error {
		// Do work
		return nil
	})

	if err := pool.Submit(task); err != nil {
		log.Printf("Failed to submit: %v", err)
	}

Submission:

  - Submit queues without waiting and returns ErrCapacityExceeded on a full queue
  - SubmitWithTimeout waits up to a timeout for queue space (ErrTimeout)
  - SubmitWithContext waits until the context is done and hands the context to the task

All three return ErrClosed before Start and after Shutdown.

Shutdown:

Shutdown stops accepting tasks, lets workers drain the queue and closes the
returned channel once every worker has exited. ShutdownWithTimeout also
cancels the context of running tasks if they outlive the timeout.

Introspection:

Threads, IdleThreads, MinThreads, MaxThreads and QueueSize read atomics only
and are safe to call from metric gauges at any rate.

Instrumentation:

InstrumentedPool forwards every call to the wrapped pool and, on Start,
registers four gauges in a metrics.Registry:

	pool := workerpool.NewInstrumented(base, registry, "http", "api")
	pool.Start() // registers http.threads.api.{utilization,utilization-max,size,jobs}

utilization is (threads-idle)/threads and utilization-max is
(threads-idle)/max; both read 0 when the pool has no threads.

Lifecycle hooks:

Config carries OnWorkerStart, OnWorkerStop, OnTaskStart and OnTaskComplete
callbacks. A panicking task is recovered, reported to PanicHandler and
completed with an error; the worker keeps running.
*/
package workerpool
