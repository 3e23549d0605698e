package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/sharedqueue/queue"
)

// Span names.
const (
	SpanBatch   = "sharedqueue.batch"
	SpanLease   = "sharedqueue.lease"
	SpanBackoff = "sharedqueue.backoff"
)

// Tracer records a span per batch, from hand-off to done, plus short
// spans for lease transitions and backoff windows. It implements
// queue.Observer.
type Tracer struct {
	tracer trace.Tracer

	mu       sync.Mutex
	inflight map[string]trace.Span // by context id
}

var _ queue.Observer = (*Tracer)(nil)

// NewTracer wraps t.
func NewTracer(t trace.Tracer) *Tracer {
	return &Tracer{tracer: t, inflight: make(map[string]trace.Span)}
}

// LeaseChanged implements queue.Observer.
func (t *Tracer) LeaseChanged(id, event, owner string) {
	_, span := t.tracer.Start(context.Background(), SpanLease, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("queue.context_id", id),
		attribute.String("lease.event", event),
	)
	if owner != "" {
		span.SetAttributes(attribute.String("lease.owner", owner))
	}
	span.End()
}

// BatchStarted implements queue.Observer.
func (t *Tracer) BatchStarted(id string, size, remaining int) {
	_, span := t.tracer.Start(context.Background(), SpanBatch, trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("queue.context_id", id),
		attribute.Int("batch.size", size),
		attribute.Int("batch.remaining", remaining),
	)

	t.mu.Lock()
	// One batch per coordinator at a time; a leftover span is stale.
	if prev, ok := t.inflight[id]; ok {
		prev.SetStatus(codes.Error, "superseded")
		prev.End()
	}
	t.inflight[id] = span
	t.mu.Unlock()
}

// BatchFinished implements queue.Observer.
func (t *Tracer) BatchFinished(id string, size int, elapsed time.Duration, err error) {
	t.mu.Lock()
	span, ok := t.inflight[id]
	delete(t.inflight, id)
	t.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.Int64("batch.elapsed_ms", elapsed.Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// BackoffArmed implements queue.Observer.
func (t *Tracer) BackoffArmed(id string, errorCount int, d time.Duration) {
	_, span := t.tracer.Start(context.Background(), SpanBackoff, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("queue.context_id", id),
		attribute.Int("backoff.error_count", errorCount),
		attribute.Int64("backoff.duration_ms", d.Milliseconds()),
	)
	span.End()
}

// Inflight returns how many batch spans are open.
func (t *Tracer) Inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}
