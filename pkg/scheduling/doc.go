/*
Package scheduling groups task execution primitives.

  - workerpool: elastic worker pool between a minimum and maximum size

Worker Pool:

	pool, _ := workerpool.New(4, 64) // 4 to 64 workers
	_ = pool.Start()
	defer func() { <-pool.Shutdown() }()

	_ = pool.Submit(workerpool.TaskFunc(func(ctx context.Context) error {
		// Do work
		return nil
	}))

Wrap the pool with workerpool.NewInstrumented to publish its utilization.
*/
package scheduling
