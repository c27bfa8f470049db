package workerpool

import (
	"context"
	"errors"
	"time"

	"github.com/vnykmshr/httpinstr/pkg/metrics"
)

// InstrumentedPool wraps a Pool and, on Start, registers gauges computed
// from the live pool state on every read:
//
//	{prefix}.threads.{name}.utilization      (threads-idle)/threads
//	{prefix}.threads.{name}.utilization-max  (threads-idle)/max
//	{prefix}.threads.{name}.size             threads
//	{prefix}.threads.{name}.jobs             queued tasks
type InstrumentedPool struct {
	pool     Pool
	registry *metrics.Registry
	namer    metrics.Namer
}

// NewInstrumented wraps pool with gauges named under prefix and name.
func NewInstrumented(pool Pool, registry *metrics.Registry, prefix, name string) *InstrumentedPool {
	return &InstrumentedPool{
		pool:     pool,
		registry: registry,
		namer:    metrics.NewNamer(prefix, metrics.CategoryThreads, name),
	}
}

// Start registers the pool gauges and starts the wrapped pool. The pool is
// not started if any gauge name is already taken.
func (ip *InstrumentedPool) Start() error {
	regs := []error{
		ip.registry.RatioGauge(ip.namer.Name("utilization"), ip.Utilization),
		ip.registry.RatioGauge(ip.namer.Name("utilization-max"), ip.UtilizationMax),
		ip.registry.IntGauge(ip.namer.Name("size"), func() int64 { return int64(ip.pool.Threads()) }),
		ip.registry.IntGauge(ip.namer.Name("jobs"), func() int64 { return int64(ip.pool.QueueSize()) }),
	}
	if err := errors.Join(regs...); err != nil {
		return err
	}
	return ip.pool.Start()
}

// Utilization is the share of live workers that are busy.
func (ip *InstrumentedPool) Utilization() metrics.Ratio {
	total := ip.pool.Threads()
	return metrics.RatioOf(float64(busy(total, ip.pool.IdleThreads())), float64(total))
}

// UtilizationMax is the share of the maximum pool size that is busy.
func (ip *InstrumentedPool) UtilizationMax() metrics.Ratio {
	return metrics.RatioOf(float64(busy(ip.pool.Threads(), ip.pool.IdleThreads())), float64(ip.pool.MaxThreads()))
}

// threads and idle are read separately and may be momentarily inconsistent.
func busy(threads, idle int) int {
	if b := threads - idle; b > 0 {
		return b
	}
	return 0
}

// Unwrap returns the wrapped pool.
func (ip *InstrumentedPool) Unwrap() Pool {
	return ip.pool
}

// Submit forwards to the wrapped pool.
func (ip *InstrumentedPool) Submit(task Task) error {
	return ip.pool.Submit(task)
}

// SubmitWithTimeout forwards to the wrapped pool.
func (ip *InstrumentedPool) SubmitWithTimeout(task Task, timeout time.Duration) error {
	return ip.pool.SubmitWithTimeout(task, timeout)
}

// SubmitWithContext forwards to the wrapped pool.
func (ip *InstrumentedPool) SubmitWithContext(ctx context.Context, task Task) error {
	return ip.pool.SubmitWithContext(ctx, task)
}

// Shutdown forwards to the wrapped pool.
func (ip *InstrumentedPool) Shutdown() <-chan struct{} {
	return ip.pool.Shutdown()
}

// ShutdownWithTimeout forwards to the wrapped pool.
func (ip *InstrumentedPool) ShutdownWithTimeout(timeout time.Duration) <-chan struct{} {
	return ip.pool.ShutdownWithTimeout(timeout)
}

func (ip *InstrumentedPool) Threads() int          { return ip.pool.Threads() }
func (ip *InstrumentedPool) IdleThreads() int      { return ip.pool.IdleThreads() }
func (ip *InstrumentedPool) MinThreads() int       { return ip.pool.MinThreads() }
func (ip *InstrumentedPool) MaxThreads() int       { return ip.pool.MaxThreads() }
func (ip *InstrumentedPool) QueueSize() int        { return ip.pool.QueueSize() }
func (ip *InstrumentedPool) TotalSubmitted() int64 { return ip.pool.TotalSubmitted() }
func (ip *InstrumentedPool) TotalCompleted() int64 { return ip.pool.TotalCompleted() }
