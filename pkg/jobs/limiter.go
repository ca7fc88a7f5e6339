package jobs

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
)

var permitsInUse = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "queryfleet_permits_in_use",
	Help: "Jobs currently holding a concurrency permit",
})

// DefaultConcurrencyLimit caps simultaneously in-flight jobs.
const DefaultConcurrencyLimit = 15

// Limiter is a counting permit pool. A job task must hold a permit
// across its entire attempt sequence, retries and pagination included,
// so no more than the configured number of jobs have in-flight network
// calls at any instant.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int64
}

// NewLimiter creates a permit pool. capacity <= 0 uses the default.
func NewLimiter(capacity int64) *Limiter {
	if capacity <= 0 {
		capacity = DefaultConcurrencyLimit
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(capacity),
		capacity: capacity,
	}
}

// Capacity returns the configured permit count.
func (l *Limiter) Capacity() int64 {
	return l.capacity
}

// Acquire blocks until a permit is available or the context ends.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	permitsInUse.Inc()
	return nil
}

// Release returns a permit. Callers must release exactly once per
// successful acquire, on every exit path.
func (l *Limiter) Release() {
	permitsInUse.Dec()
	l.sem.Release(1)
}
