// Package lease implements the advisory timed lease that decides which
// context may process the shared queue.
//
// The lease is a single owner record {id, timestamp} in storage. A context
// claims it when the record is absent or older than the expiry, and renews
// it while it holds it. Nothing stops a context that ignores the record;
// on backends with compare-and-swap two contexts cannot both claim the same
// expired record.
package lease

import (
	"time"

	"github.com/vinayprograms/sharedqueue/storage"
)

// DefaultExpiry is how long an unrenewed record stays valid.
const DefaultExpiry = 5 * time.Second

// Status is the outcome of a lease check.
type Status int

const (
	// StatusHeld means another live context owns the lease.
	StatusHeld Status = iota
	// StatusClaimed means this context took an absent or expired lease.
	StatusClaimed
	// StatusRenewed means this context already owned the lease and refreshed it.
	StatusRenewed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusHeld:
		return "held"
	case StatusClaimed:
		return "claimed"
	case StatusRenewed:
		return "renewed"
	default:
		return "unknown"
	}
}

// Owned reports whether the status grants processing rights.
func (s Status) Owned() bool {
	return s == StatusClaimed || s == StatusRenewed
}

// Coordinator checks and maintains the lease for one context.
type Coordinator struct {
	storage storage.Storage
	id      string
	expiry  time.Duration
	owner   *storage.ActiveOwner
}

// New creates a lease coordinator for context id.
func New(s storage.Storage, id string, expiry time.Duration) *Coordinator {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Coordinator{storage: s, id: id, expiry: expiry}
}

// ID returns the context id this coordinator claims with.
func (c *Coordinator) ID() string {
	return c.id
}

// Expiry returns the lease expiry.
func (c *Coordinator) Expiry() time.Duration {
	return c.expiry
}

// Check claims, renews or observes the lease at now.
// Not safe for concurrent use; callers serialize checks.
func (c *Coordinator) Check(now time.Time) (Status, error) {
	status := StatusHeld

	owner, err := c.storage.UpdateActiveQueue(func(cur *storage.ActiveOwner) *storage.ActiveOwner {
		switch {
		case cur == nil || cur.Expired(now, c.expiry):
			status = StatusClaimed
		case cur.ID == c.id:
			status = StatusRenewed
		default:
			status = StatusHeld
			return nil
		}
		return &storage.ActiveOwner{ID: c.id, Timestamp: now}
	})
	if err != nil {
		return StatusHeld, err
	}

	c.owner = owner
	return status, nil
}

// Owner returns the record observed by the last Check, or nil.
func (c *Coordinator) Owner() *storage.ActiveOwner {
	return c.owner
}

// Release removes the owner record if this context still holds it, so a
// successor can claim without waiting for expiry.
func (c *Coordinator) Release() error {
	c.owner = nil
	return c.storage.ClearActiveQueue(c.id)
}
