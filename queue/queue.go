package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	qerrors "github.com/vinayprograms/sharedqueue/errors"
	"github.com/vinayprograms/sharedqueue/lease"
	"github.com/vinayprograms/sharedqueue/logging"
	"github.com/vinayprograms/sharedqueue/storage"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithID sets the context id used for the lease. Default is a random UUID.
func WithID(id string) Option {
	return func(c *Coordinator) {
		if id != "" {
			c.id = id
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the time source.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithReleaseOnDestroy makes Destroy give up the lease immediately
// instead of letting it expire.
func WithReleaseOnDestroy() Option {
	return func(c *Coordinator) {
		c.releaseOnDestroy = true
	}
}

// Stats is a snapshot of a coordinator's counters.
type Stats struct {
	Ticks        uint64
	Batches      uint64
	Successes    uint64
	Failures     uint64
	Active       bool
	Processing   bool
	BackoffUntil time.Time
}

// Coordinator drains the shared queue while it holds the lease.
type Coordinator struct {
	cfg              Config
	id               string
	storage          storage.Storage
	lease            *lease.Coordinator
	logger           *logging.Logger
	clock            Clock
	releaseOnDestroy bool
	observers        []Observer

	// tickMu serializes ticks and the destroy handshake.
	tickMu    sync.Mutex
	destroyed atomic.Bool
	status    lease.Status

	// callouts counts process and observer calls in flight. A Destroy made
	// from one of them while a tick runs leaves teardown to that tick.
	callouts        atomic.Int32
	teardownPending atomic.Bool

	// mu guards state shared with done callbacks.
	mu           sync.Mutex
	processing   bool
	backoffUntil time.Time
	// armedCount is the persisted error count backoffUntil was set for.
	armedCount int
	stats      Stats

	destroyOnce sync.Once
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New validates cfg, runs the first tick and starts ticking every
// PollInterval until Destroy.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	c, err := newCoordinator(cfg, opts...)
	if err != nil {
		return nil, err
	}

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	c.tick()
	go c.run()

	return c, nil
}

// newCoordinator builds a coordinator without starting the ticker.
func newCoordinator(cfg Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	c := &Coordinator{
		cfg:     cfg,
		id:      uuid.NewString(),
		storage: cfg.Storage,
		logger:  logging.New(),
		clock:   systemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.WithComponent("queue").WithContextID(c.id)
	c.lease = lease.New(c.storage, c.id, cfg.LeaseExpiry)
	return c, nil
}

// run is the tick loop.
func (c *Coordinator) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick checks the lease and, when owned, attempts one processing pass.
func (c *Coordinator) tick() {
	c.tickMu.Lock()
	c.tickLocked()
	owned := c.status.Owned()
	c.tickMu.Unlock()

	if c.teardownPending.CompareAndSwap(true, false) {
		c.teardown(owned)
	}
}

func (c *Coordinator) tickLocked() {
	if c.destroyed.Load() {
		return
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.stats.Ticks++
	c.mu.Unlock()

	status, err := c.lease.Check(now)
	if err != nil {
		c.logger.Error("lease check failed", map[string]interface{}{"error": err.Error()})
		return
	}
	c.observe(status)

	if !status.Owned() {
		return
	}
	c.attempt(now)
}

// observe logs lease transitions.
func (c *Coordinator) observe(status lease.Status) {
	prev := c.status
	c.status = status

	c.mu.Lock()
	c.stats.Active = status.Owned()
	c.mu.Unlock()

	switch {
	case status == lease.StatusClaimed:
		c.logger.LeaseChanged(LeaseClaimed, c.id)
		c.notify(func(o Observer) { o.LeaseChanged(c.id, LeaseClaimed, c.id) })
	case status == lease.StatusHeld && prev.Owned():
		owner := ""
		if o := c.lease.Owner(); o != nil {
			owner = o.ID
		}
		c.logger.LeaseChanged(LeaseLost, owner)
		c.notify(func(o Observer) { o.LeaseChanged(c.id, LeaseLost, owner) })
	}
}

// attempt runs one processing pass at now.
func (c *Coordinator) attempt(now time.Time) {
	c.mu.Lock()
	if c.processing || (!c.backoffUntil.IsZero() && now.Before(c.backoffUntil)) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	items, err := c.storage.Queue()
	if err != nil {
		c.logger.Error("read queue failed", map[string]interface{}{"error": err.Error()})
		return
	}
	backoff, err := c.storage.BackoffTime()
	if err != nil {
		c.logger.Error("read backoff failed", map[string]interface{}{"error": err.Error()})
		return
	}
	var count int
	if backoff > 0 {
		if count, err = c.storage.ErrorCount(); err != nil {
			c.logger.Error("read error count failed", map[string]interface{}{"error": err.Error()})
			return
		}
	}

	c.mu.Lock()
	if backoff > 0 && (c.backoffUntil.IsZero() || count != c.armedCount) {
		// Persisted by a failure this instance has not waited out yet,
		// possibly from another instance.
		c.backoffUntil = now.Add(backoff)
		c.armedCount = count
		until := c.backoffUntil
		c.mu.Unlock()
		c.logger.BackoffArmed(backoff, until)
		c.notify(func(o Observer) { o.BackoffArmed(c.id, count, backoff) })
		return
	}
	if len(items) == 0 {
		c.mu.Unlock()
		return
	}

	n := len(items)
	if c.cfg.BatchSize != Unbounded && n > c.cfg.BatchSize {
		n = c.cfg.BatchSize
	}
	batch := items[:n]
	c.processing = true
	c.stats.Batches++
	c.mu.Unlock()

	remaining := len(items) - n
	c.logger.BatchStart(len(batch), remaining)
	c.notify(func(o Observer) { o.BatchStarted(c.id, len(batch), remaining) })
	c.invoke(batch)
}

// invoke hands the batch to the process function.
func (c *Coordinator) invoke(batch []storage.Item) {
	payloads := make([][]byte, len(batch))
	for i, item := range batch {
		payloads[i] = item.Payload
	}

	started := c.clock.Now()
	var once sync.Once
	done := func(err error) {
		fired := false
		once.Do(func() {
			fired = true
			c.complete(batch, started, err)
		})
		if !fired {
			c.logger.Warn("done called more than once", map[string]interface{}{"size": len(batch)})
		}
	}

	c.callouts.Add(1)
	defer c.callouts.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			done(qerrors.RecoverPanic(r))
		}
	}()
	c.cfg.Process(payloads, done)
}

// complete applies a batch outcome to storage and local state.
func (c *Coordinator) complete(batch []storage.Item, started time.Time, err error) {
	if err == nil {
		c.succeed(batch, started)
		return
	}
	c.fail(batch, started, err)
}

func (c *Coordinator) succeed(batch []storage.Item, started time.Time) {
	ids := make(map[string]struct{}, len(batch))
	for _, item := range batch {
		ids[item.ID] = struct{}{}
	}

	_, err := c.storage.UpdateQueue(func(items []storage.Item) []storage.Item {
		kept := make([]storage.Item, 0, len(items))
		for _, item := range items {
			if _, ok := ids[item.ID]; !ok {
				kept = append(kept, item)
			}
		}
		return kept
	})
	if err != nil {
		c.logger.Error("remove batch failed", map[string]interface{}{
			"size":  len(batch),
			"error": err.Error(),
		})
	}
	if err := c.storage.SetFailureState(0, 0); err != nil {
		c.logger.Error("reset error state failed", map[string]interface{}{"error": err.Error()})
	}

	c.mu.Lock()
	c.processing = false
	c.backoffUntil = time.Time{}
	c.armedCount = 0
	c.stats.Successes++
	c.mu.Unlock()

	elapsed := c.clock.Now().Sub(started)
	c.logger.BatchComplete(len(batch), elapsed)
	c.notify(func(o Observer) { o.BatchFinished(c.id, len(batch), elapsed, nil) })
}

func (c *Coordinator) fail(batch []storage.Item, started time.Time, cause error) {
	count, err := c.storage.ErrorCount()
	persist := err == nil
	if !persist {
		// Storing a guessed count would shorten the streak; back off
		// locally from the last count this instance knew.
		c.logger.Error("read error count failed, error state not persisted", map[string]interface{}{"error": err.Error()})
		c.mu.Lock()
		count = c.armedCount
		c.mu.Unlock()
	}
	count++
	backoff := backoffFor(count, c.cfg.InitialBackoff, c.cfg.MaxBackoff)

	if persist {
		if err := c.storage.SetFailureState(count, backoff); err != nil {
			c.logger.Error("persist error state failed", map[string]interface{}{"error": err.Error()})
		}
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.processing = false
	c.backoffUntil = now.Add(backoff)
	if persist {
		c.armedCount = count
	}
	c.stats.Failures++
	c.mu.Unlock()

	perr := qerrors.Processing(cause, qerrors.WithContextID(c.id))
	c.logger.BatchFailed(len(batch), count, backoff, perr)
	c.notify(func(o Observer) {
		o.BatchFinished(c.id, len(batch), now.Sub(started), perr)
		o.BackoffArmed(c.id, count, backoff)
	})
}

// Enqueue appends a task to the shared queue. It works regardless of lease
// or backoff state, and after Destroy.
func (c *Coordinator) Enqueue(task []byte) error {
	return Append(c.storage, c.clock.Now(), task)
}

// Append adds tasks to the end of the queue in s in one atomic update.
// Producers that never process use it directly.
func Append(s storage.Storage, now time.Time, tasks ...[]byte) error {
	if len(tasks) == 0 {
		return nil
	}

	added := make([]storage.Item, len(tasks))
	for i, task := range tasks {
		payload := make([]byte, len(task))
		copy(payload, task)
		added[i] = storage.Item{
			ID:         uuid.NewString(),
			Payload:    payload,
			EnqueuedAt: now,
		}
	}

	_, err := s.UpdateQueue(func(items []storage.Item) []storage.Item {
		return append(items, added...)
	})
	return err
}

// Destroy stops ticking and waits for a running tick to return. It does
// not wait for a batch already handed to the process function; that
// batch's done still records its outcome. Safe to call more than once.
//
// When called from the process function or an observer while a tick is
// running, Destroy returns at once and the tick finishes the teardown
// as it returns.
func (c *Coordinator) Destroy() {
	c.destroyOnce.Do(func() {
		c.destroyed.Store(true)
		if c.stopCh != nil {
			close(c.stopCh)
		}

		if c.callouts.Load() > 0 {
			if !c.tickMu.TryLock() {
				c.teardownPending.Store(true)
				// The tick may have returned before the flag was set.
				if !c.tickMu.TryLock() {
					return
				}
				if !c.teardownPending.CompareAndSwap(true, false) {
					c.tickMu.Unlock()
					return
				}
			}
		} else {
			if c.doneCh != nil {
				<-c.doneCh
			}
			// Wait out a tick that began before the flag was set.
			c.tickMu.Lock()
		}
		owned := c.status.Owned()
		c.tickMu.Unlock()

		c.teardown(owned)
	})
}

// teardown releases the lease when configured and marks the coordinator
// inactive.
func (c *Coordinator) teardown(owned bool) {
	if c.releaseOnDestroy && owned {
		if err := c.lease.Release(); err != nil {
			c.logger.Warn("release lease failed", map[string]interface{}{"error": err.Error()})
		} else {
			c.logger.LeaseChanged(LeaseReleased, c.id)
			c.notify(func(o Observer) { o.LeaseChanged(c.id, LeaseReleased, "") })
		}
	}

	c.mu.Lock()
	c.stats.Active = false
	c.mu.Unlock()
}

// ID returns the context id.
func (c *Coordinator) ID() string {
	return c.id
}

// IsActive reports whether the last tick found this coordinator owning
// the lease.
func (c *Coordinator) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.Active
}

// Stats returns a snapshot of the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Processing = c.processing
	s.BackoffUntil = c.backoffUntil
	return s
}
