package logging

import (
	"log/slog"
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Limited drops log lines once a token bucket is exhausted.
// It is used for warnings that a misbehaving peer could trigger on every request.
type Limited struct {
	logger  *slog.Logger
	bucket  *ratelimit.Bucket
	dropped atomic.Int64
}

// NewLimited allows rate lines per second with the given burst.
func NewLimited(logger *slog.Logger, rate float64, burst int64) *Limited {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{
		logger: OrDefault(logger),
		bucket: ratelimit.NewBucketWithRate(rate, burst),
	}
}

// Warn logs at warn level if a token is available.
func (l *Limited) Warn(msg string, args ...any) {
	if l.bucket.TakeAvailable(1) == 0 {
		l.dropped.Add(1)
		return
	}
	if n := l.dropped.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	l.logger.Warn(msg, args...)
}

// Dropped returns the number of lines dropped since the last emitted line.
func (l *Limited) Dropped() int64 {
	return l.dropped.Load()
}
