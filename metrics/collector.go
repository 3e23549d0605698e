package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vinayprograms/sharedqueue/storage"
)

// StateCollector reads the shared queue state at scrape time.
type StateCollector struct {
	storage storage.Storage
	self    string
	expiry  time.Duration
	now     func() time.Time

	queueLength *prometheus.Desc
	oldestAge   *prometheus.Desc
	errorCount  *prometheus.Desc
	backoff     *prometheus.Desc
	leaseHeld   *prometheus.Desc
	leaseAge    *prometheus.Desc
	scrapeError *prometheus.Desc
}

// NewStateCollector returns a collector for the queue in s. self is the
// local context id, used to report whether this process holds the lease.
func NewStateCollector(s storage.Storage, self string, expiry time.Duration) *StateCollector {
	return &StateCollector{
		storage: s,
		self:    self,
		expiry:  expiry,
		now:     time.Now,
		queueLength: prometheus.NewDesc(namespace+"_queue_length",
			"Items waiting in the shared queue.", nil, nil),
		oldestAge: prometheus.NewDesc(namespace+"_queue_oldest_age_seconds",
			"Age of the item at the head of the queue.", nil, nil),
		errorCount: prometheus.NewDesc(namespace+"_error_count",
			"Consecutive failed batches.", nil, nil),
		backoff: prometheus.NewDesc(namespace+"_backoff_seconds",
			"Persisted backoff duration.", nil, nil),
		leaseHeld: prometheus.NewDesc(namespace+"_lease_held",
			"1 when the live lease belongs to this context.", nil, nil),
		leaseAge: prometheus.NewDesc(namespace+"_lease_age_seconds",
			"Time since the lease owner last renewed.", []string{"owner"}, nil),
		scrapeError: prometheus.NewDesc(namespace+"_state_scrape_error",
			"1 when reading shared state failed during this scrape.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueLength
	ch <- c.oldestAge
	ch <- c.errorCount
	ch <- c.backoff
	ch <- c.leaseHeld
	ch <- c.leaseAge
	ch <- c.scrapeError
}

// Collect implements prometheus.Collector.
func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	now := c.now()
	failed := 0.0

	if items, err := c.storage.Queue(); err != nil {
		failed = 1
	} else {
		ch <- prometheus.MustNewConstMetric(c.queueLength, prometheus.GaugeValue, float64(len(items)))
		age := 0.0
		if len(items) > 0 {
			age = now.Sub(items[0].EnqueuedAt).Seconds()
		}
		ch <- prometheus.MustNewConstMetric(c.oldestAge, prometheus.GaugeValue, age)
	}

	if n, err := c.storage.ErrorCount(); err != nil {
		failed = 1
	} else {
		ch <- prometheus.MustNewConstMetric(c.errorCount, prometheus.GaugeValue, float64(n))
	}

	if d, err := c.storage.BackoffTime(); err != nil {
		failed = 1
	} else {
		ch <- prometheus.MustNewConstMetric(c.backoff, prometheus.GaugeValue, d.Seconds())
	}

	if owner, err := c.storage.ActiveQueue(); err != nil {
		failed = 1
	} else {
		held := 0.0
		if owner != nil && owner.ID == c.self && !owner.Expired(now, c.expiry) {
			held = 1
		}
		ch <- prometheus.MustNewConstMetric(c.leaseHeld, prometheus.GaugeValue, held)
		if owner != nil {
			ch <- prometheus.MustNewConstMetric(c.leaseAge, prometheus.GaugeValue,
				now.Sub(owner.Timestamp).Seconds(), owner.ID)
		}
	}

	ch <- prometheus.MustNewConstMetric(c.scrapeError, prometheus.GaugeValue, failed)
}
