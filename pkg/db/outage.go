package db

import (
	"errors"
	"sync"
	"time"
)

// Outage tracks continuous database unavailability. Callers feed it the
// result of each database call; once ErrUnavailable has persisted for the
// whole window with no intervening success, Observe reports true and the
// caller escalates. Transient failures reset on the first healthy call.
type Outage struct {
	window time.Duration

	mu    sync.Mutex
	since time.Time
}

// NewOutage creates a tracker. A non-positive window never trips.
func NewOutage(window time.Duration) *Outage {
	return &Outage{window: window}
}

// Observe records one call result and reports whether the unavailability
// window has elapsed. Any result other than ErrUnavailable, including
// nil, resets the tracker.
func (o *Outage) Observe(err error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !errors.Is(err, ErrUnavailable) {
		o.since = time.Time{}
		return false
	}
	now := time.Now()
	if o.since.IsZero() {
		o.since = now
		return false
	}
	return o.window > 0 && now.Sub(o.since) >= o.window
}
