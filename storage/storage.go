// Package storage defines the persisted state a queue coordinator works
// against and implements it over any state.StateStore.
//
// Four fields are kept per namespace: the FIFO item list, the consecutive
// error count, the current backoff duration and the active-owner record.
package storage

import (
	"time"
)

// DefaultNamespace prefixes every persisted key when none is configured.
const DefaultNamespace = "sharedqueue"

// Item is one persisted queue entry.
type Item struct {
	// ID is assigned at enqueue and identifies the entry for removal.
	ID string `json:"id"`

	// Payload is the caller's task, opaque to the queue.
	Payload []byte `json:"payload"`

	// EnqueuedAt is when the item was appended.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ActiveOwner is the lease record naming the context allowed to process.
type ActiveOwner struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Expired reports whether the record is stale at now.
func (o *ActiveOwner) Expired(now time.Time, expiry time.Duration) bool {
	if o == nil {
		return true
	}
	return now.Sub(o.Timestamp) >= expiry
}

// Storage is the adapter a coordinator reads and writes its shared state
// through. Missing fields read as zero values.
type Storage interface {
	// Queue returns the persisted items, oldest first.
	Queue() ([]Item, error)

	// SetQueue replaces the persisted items.
	SetQueue(items []Item) error

	// UpdateQueue atomically applies fn to the current items and stores
	// the result. Returns the stored items.
	UpdateQueue(fn func([]Item) []Item) ([]Item, error)

	// ErrorCount returns the number of consecutive failed batches.
	ErrorCount() (int, error)

	// SetErrorCount stores the consecutive failure count.
	SetErrorCount(n int) error

	// BackoffTime returns the current backoff duration.
	BackoffTime() (time.Duration, error)

	// SetBackoffTime stores the current backoff duration.
	SetBackoffTime(d time.Duration) error

	// SetFailureState stores the error count and backoff together.
	SetFailureState(count int, backoff time.Duration) error

	// ActiveQueue returns the owner record, or nil when absent.
	ActiveQueue() (*ActiveOwner, error)

	// SetActiveQueue stores the owner record unconditionally.
	SetActiveQueue(id string, at time.Time) error

	// UpdateActiveQueue atomically applies fn to the current owner record
	// (nil when absent). When fn returns nil the record is left untouched.
	// Returns the record as stored afterwards.
	UpdateActiveQueue(fn func(*ActiveOwner) *ActiveOwner) (*ActiveOwner, error)

	// ClearActiveQueue removes the owner record if it still names id.
	ClearActiveQueue(id string) error
}
