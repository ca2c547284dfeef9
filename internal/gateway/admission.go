package gateway

import (
	"sync/atomic"

	"github.com/padlabs/gateway/internal/metrics"
)

// Limiter is the process-wide admission cap on in-flight forwarded
// requests. The counter never exceeds max at any observable moment.
type Limiter struct {
	max      int64
	inflight atomic.Int64
	metrics  *metrics.Metrics
}

// NewLimiter creates a Limiter admitting at most max concurrent requests.
func NewLimiter(max int, m *metrics.Metrics) *Limiter {
	return &Limiter{max: int64(max), metrics: m}
}

// Acquire claims an admission slot. Returns false when the gateway is at
// capacity. Every successful Acquire must be paired with exactly one
// Release, on every exit path.
func (l *Limiter) Acquire() bool {
	for {
		n := l.inflight.Load()
		if n >= l.max {
			return false
		}
		if l.inflight.CompareAndSwap(n, n+1) {
			l.metrics.SetActiveConnections(int(n + 1))
			return true
		}
	}
}

// Release returns an admission slot.
func (l *Limiter) Release() {
	n := l.inflight.Add(-1)
	l.metrics.SetActiveConnections(int(n))
}

// InFlight returns the current number of admitted requests.
func (l *Limiter) InFlight() int {
	return int(l.inflight.Load())
}
