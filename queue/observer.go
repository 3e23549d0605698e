package queue

import "time"

// Lease transitions reported to observers.
const (
	LeaseClaimed  = "claimed"
	LeaseLost     = "lost"
	LeaseReleased = "released"
)

// Observer receives coordinator events. Calls are synchronous and may come
// from the tick goroutine or from whichever goroutine calls done, so
// implementations must be safe for concurrent use and must not block.
type Observer interface {
	// LeaseChanged reports a lease transition for the coordinator id.
	// owner is the context now holding the lease, if known.
	LeaseChanged(id, event, owner string)

	// BatchStarted reports a batch handed to the process function.
	BatchStarted(id string, size, remaining int)

	// BatchFinished reports a batch outcome. err is nil on success.
	BatchFinished(id string, size int, elapsed time.Duration, err error)

	// BackoffArmed reports a backoff window starting now and lasting d.
	BackoffArmed(id string, errorCount int, d time.Duration)
}

// WithObserver adds observers. Each event goes to every observer in order.
func WithObserver(obs ...Observer) Option {
	return func(c *Coordinator) {
		for _, o := range obs {
			if o != nil {
				c.observers = append(c.observers, o)
			}
		}
	}
}

func (c *Coordinator) notify(fn func(Observer)) {
	if len(c.observers) == 0 {
		return
	}
	c.callouts.Add(1)
	defer c.callouts.Add(-1)
	for _, o := range c.observers {
		fn(o)
	}
}
