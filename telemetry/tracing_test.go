package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vinayprograms/sharedqueue/queue"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	return NewTracer(tp.Tracer("test")), rec
}

func attr(s sdktrace.ReadOnlySpan, key string) string {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestTracer_BatchSpan(t *testing.T) {
	tr, rec := newRecordingTracer(t)

	tr.BatchStarted("ctx-1", 20, 7)
	if tr.Inflight() != 1 {
		t.Fatalf("expected one open span, got %d", tr.Inflight())
	}
	if len(rec.Ended()) != 0 {
		t.Fatal("span ended before done")
	}

	tr.BatchFinished("ctx-1", 20, 2*time.Second, errors.New("boom"))
	if tr.Inflight() != 0 {
		t.Errorf("span still open")
	}

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(ended))
	}
	span := ended[0]
	if span.Name() != SpanBatch {
		t.Errorf("name = %s", span.Name())
	}
	if span.Status().Code != codes.Error {
		t.Errorf("status = %v", span.Status())
	}
	if attr(span, "batch.size") != "20" || attr(span, "batch.remaining") != "7" || attr(span, "batch.elapsed_ms") != "2000" {
		t.Errorf("attributes = %v", span.Attributes())
	}
}

func TestTracer_SuccessAndUnknownFinish(t *testing.T) {
	tr, rec := newRecordingTracer(t)

	// done without a matching start is ignored
	tr.BatchFinished("ghost", 1, time.Millisecond, nil)

	tr.BatchStarted("ctx-1", 1, 0)
	tr.BatchFinished("ctx-1", 1, time.Millisecond, nil)

	ended := rec.Ended()
	if len(ended) != 1 || ended[0].Status().Code != codes.Ok {
		t.Errorf("expected one ok span, got %d", len(ended))
	}
}

func TestTracer_LeaseAndBackoffSpans(t *testing.T) {
	tr, rec := newRecordingTracer(t)

	tr.LeaseChanged("ctx-1", queue.LeaseLost, "ctx-2")
	tr.BackoffArmed("ctx-1", 3, 8*time.Second)

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}
	if ended[0].Name() != SpanLease || attr(ended[0], "lease.owner") != "ctx-2" {
		t.Errorf("lease span = %s %v", ended[0].Name(), ended[0].Attributes())
	}
	if ended[1].Name() != SpanBackoff || attr(ended[1], "backoff.duration_ms") != "8000" {
		t.Errorf("backoff span = %s %v", ended[1].Name(), ended[1].Attributes())
	}
}

func TestInitProvider_RequiresEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := InitProvider(t.Context(), ProviderConfig{}); err == nil {
		t.Error("expected error without endpoint")
	}
}

func TestInitProvider_UnknownProtocol(t *testing.T) {
	if _, err := InitProvider(t.Context(), ProviderConfig{Endpoint: "localhost:4317", Protocol: "udp"}); err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestSampler(t *testing.T) {
	if got := sampler(0).Description(); got != sdktrace.AlwaysSample().Description() {
		t.Errorf("sampler(0) = %s", got)
	}
	if got := sampler(0.5).Description(); got == sdktrace.AlwaysSample().Description() {
		t.Errorf("sampler(0.5) should not always sample")
	}
}
