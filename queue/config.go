package queue

import (
	"strconv"
	"time"

	qerrors "github.com/vinayprograms/sharedqueue/errors"
	"github.com/vinayprograms/sharedqueue/lease"
	"github.com/vinayprograms/sharedqueue/storage"
)

// Unbounded makes every batch take the whole queue.
const Unbounded = -1

// Policy defaults.
const (
	DefaultBatchSize      = 20
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultLeaseExpiry    = lease.DefaultExpiry
	DefaultInitialBackoff = time.Second
)

// DoneFunc reports the outcome of a batch. nil means success.
type DoneFunc func(err error)

// ProcessFunc handles one batch of task payloads, oldest first.
// It must eventually call done exactly once, from any goroutine.
type ProcessFunc func(batch [][]byte, done DoneFunc)

// Config configures a Coordinator.
type Config struct {
	// Process handles batches. Required.
	Process ProcessFunc

	// Storage holds the shared queue, lease and backoff state. Required.
	Storage storage.Storage

	// BatchSize caps items per batch. 0 uses DefaultBatchSize,
	// Unbounded takes the whole queue.
	BatchSize int

	// PollInterval is the tick cadence.
	PollInterval time.Duration

	// LeaseExpiry is how long an unrenewed lease stays valid.
	LeaseExpiry time.Duration

	// InitialBackoff is multiplied by 2^ErrorCount after a failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff. 0 means no cap.
	MaxBackoff time.Duration
}

// DefaultConfig returns the default policy without Process or Storage.
func DefaultConfig() Config {
	return Config{
		BatchSize:      DefaultBatchSize,
		PollInterval:   DefaultPollInterval,
		LeaseExpiry:    DefaultLeaseExpiry,
		InitialBackoff: DefaultInitialBackoff,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Process == nil {
		return qerrors.Configuration("process function is required")
	}
	if c.Storage == nil {
		return qerrors.Configuration("storage is required")
	}
	if c.BatchSize < Unbounded {
		return qerrors.Configuration("batch size must be positive or Unbounded",
			qerrors.WithMetadata("batch_size", strconv.Itoa(c.BatchSize)))
	}
	if c.PollInterval < 0 || c.LeaseExpiry < 0 || c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return qerrors.Configuration("durations must not be negative")
	}
	return nil
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LeaseExpiry == 0 {
		c.LeaseExpiry = d.LeaseExpiry
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	return c
}
