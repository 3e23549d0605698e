// Package metrics exposes queue coordinator activity and shared queue
// state as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	qerrors "github.com/vinayprograms/sharedqueue/errors"
	"github.com/vinayprograms/sharedqueue/queue"
)

const namespace = "sharedqueue"

// Metrics records coordinator events. It implements queue.Observer.
type Metrics struct {
	leaseTransitions *prometheus.CounterVec
	batches          *prometheus.CounterVec
	batchSize        prometheus.Histogram
	batchDuration    *prometheus.HistogramVec
	backoffs         prometheus.Counter
	backoffSeconds   prometheus.Gauge
}

var _ queue.Observer = (*Metrics)(nil)

// New registers coordinator metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		leaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_transitions_total",
			Help:      "Lease transitions seen by this process.",
		}, []string{"event"}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches handed to the process function, by outcome.",
		}, []string{"result"}),
		batchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Tasks per batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		batchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time from handing a batch over to its done call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		backoffs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backoffs_total",
			Help:      "Backoff windows armed.",
		}),
		backoffSeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_window_seconds",
			Help:      "Length of the most recently armed backoff window.",
		}),
	}
}

// LeaseChanged implements queue.Observer.
func (m *Metrics) LeaseChanged(id, event, owner string) {
	m.leaseTransitions.WithLabelValues(event).Inc()
}

// BatchStarted implements queue.Observer.
func (m *Metrics) BatchStarted(id string, size, remaining int) {
	m.batches.WithLabelValues("started").Inc()
	m.batchSize.Observe(float64(size))
}

// BatchFinished implements queue.Observer.
func (m *Metrics) BatchFinished(id string, size int, elapsed time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
		if qerrors.Is(err, qerrors.ErrCodePanic) || qerrors.Is(errors.Unwrap(err), qerrors.ErrCodePanic) {
			result = "panic"
		}
	}
	m.batches.WithLabelValues(result).Inc()
	m.batchDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// BackoffArmed implements queue.Observer.
func (m *Metrics) BackoffArmed(id string, errorCount int, d time.Duration) {
	m.backoffs.Inc()
	m.backoffSeconds.Set(d.Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
