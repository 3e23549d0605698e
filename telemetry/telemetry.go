package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/vinayprograms/sharedqueue/queue"
)

// Event names.
const (
	EventLease         = "lease"
	EventBatchStarted  = "batch_started"
	EventBatchFinished = "batch_finished"
	EventBackoff       = "backoff"
)

// Event is one exported coordinator event.
type Event struct {
	Name      string                 `json:"name"`
	ContextID string                 `json:"context_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Exporter ships events somewhere.
type Exporter interface {
	Export(e Event)
	Flush() error
	Close() error
}

// NewExporter creates an exporter for protocol: "http" posts JSON arrays
// to endpoint, "file" appends JSON lines to the file at endpoint, "noop"
// or "" discards.
func NewExporter(protocol, endpoint string) (Exporter, error) {
	switch protocol {
	case "http":
		return NewHTTPExporter(endpoint), nil
	case "file":
		return NewFileExporter(endpoint)
	case "noop", "":
		return NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unknown telemetry protocol: %s", protocol)
	}
}

// Events turns coordinator callbacks into exported events. It implements
// queue.Observer.
type Events struct {
	exp Exporter
	now func() time.Time
}

var _ queue.Observer = (*Events)(nil)

// NewEvents sends coordinator events to exp.
func NewEvents(exp Exporter) *Events {
	return &Events{exp: exp, now: time.Now}
}

func (e *Events) export(name, id string, data map[string]interface{}) {
	e.exp.Export(Event{Name: name, ContextID: id, Timestamp: e.now(), Data: data})
}

// LeaseChanged implements queue.Observer.
func (e *Events) LeaseChanged(id, event, owner string) {
	e.export(EventLease, id, map[string]interface{}{"event": event, "owner": owner})
}

// BatchStarted implements queue.Observer.
func (e *Events) BatchStarted(id string, size, remaining int) {
	e.export(EventBatchStarted, id, map[string]interface{}{"size": size, "remaining": remaining})
}

// BatchFinished implements queue.Observer.
func (e *Events) BatchFinished(id string, size int, elapsed time.Duration, err error) {
	data := map[string]interface{}{
		"size":       size,
		"elapsed_ms": elapsed.Milliseconds(),
		"success":    err == nil,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	e.export(EventBatchFinished, id, data)
}

// BackoffArmed implements queue.Observer.
func (e *Events) BackoffArmed(id string, errorCount int, d time.Duration) {
	e.export(EventBackoff, id, map[string]interface{}{
		"error_count": errorCount,
		"backoff_ms":  d.Milliseconds(),
	})
}

// --- HTTP Exporter ---

const httpBatchSize = 100

// HTTPExporter buffers events and posts them as a JSON array.
type HTTPExporter struct {
	endpoint string
	client   *http.Client
	buffer   []Event
	mu       sync.Mutex
}

// NewHTTPExporter creates a new HTTP exporter.
func NewHTTPExporter(endpoint string) *HTTPExporter {
	return &HTTPExporter{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		buffer: make([]Event, 0, httpBatchSize),
	}
}

// Export buffers e, posting when the buffer is full. Post failures keep
// the buffer for the next attempt.
func (e *HTTPExporter) Export(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = append(e.buffer, ev)
	if len(e.buffer) >= httpBatchSize {
		e.flush()
	}
}

func (e *HTTPExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flush()
}

func (e *HTTPExporter) flush() error {
	if len(e.buffer) == 0 {
		return nil
	}

	data, err := json.Marshal(e.buffer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("telemetry endpoint returned %d", resp.StatusCode)
	}

	e.buffer = e.buffer[:0]
	return nil
}

func (e *HTTPExporter) Close() error {
	return e.Flush()
}

// --- File Exporter ---

// FileExporter appends events to a file as JSON lines.
type FileExporter struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileExporter opens path for appending.
func NewFileExporter(path string) (*FileExporter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry file: %w", err)
	}
	return &FileExporter{file: file}, nil
}

func (e *FileExporter) Export(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.file.Write(append(data, '\n'))
}

func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Sync()
}

func (e *FileExporter) Close() error {
	e.Flush()
	return e.file.Close()
}

// --- Noop Exporter ---

// NoopExporter discards all events.
type NoopExporter struct{}

// NewNoopExporter creates a new noop exporter.
func NewNoopExporter() *NoopExporter {
	return &NoopExporter{}
}

func (e *NoopExporter) Export(Event) {}
func (e *NoopExporter) Flush() error { return nil }
func (e *NoopExporter) Close() error { return nil }
