package telemetry

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/sharedqueue/queue"
)

func TestNoopExporter(t *testing.T) {
	exp := NewNoopExporter()

	// Should not panic
	exp.Export(Event{Name: "test"})

	if err := exp.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	exp, err := NewFileExporter(path)
	if err != nil {
		t.Fatalf("NewFileExporter() error = %v", err)
	}

	ev := NewEvents(exp)
	ev.BatchStarted("ctx-1", 20, 3)
	ev.BatchFinished("ctx-1", 20, 1500*time.Millisecond, errors.New("boom"))
	if err := exp.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		events = append(events, e)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Name != EventBatchStarted || events[0].ContextID != "ctx-1" {
		t.Errorf("first event = %+v", events[0])
	}
	finished := events[1]
	if finished.Name != EventBatchFinished || finished.Data["success"] != false || finished.Data["error"] != "boom" {
		t.Errorf("second event = %+v", finished)
	}
	if finished.Data["elapsed_ms"] != float64(1500) {
		t.Errorf("elapsed_ms = %v", finished.Data["elapsed_ms"])
	}
}

func TestHTTPExporter(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch []Event
		if err := json.Unmarshal(body, &batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, batch...)
		mu.Unlock()
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	ev := NewEvents(exp)
	ev.LeaseChanged("ctx-1", queue.LeaseClaimed, "ctx-1")
	ev.BackoffArmed("ctx-1", 2, 4*time.Second)

	if err := exp.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 events, got %d", len(received))
	}
	if received[1].Name != EventBackoff || received[1].Data["backoff_ms"] != float64(4000) {
		t.Errorf("backoff event = %+v", received[1])
	}
}

func TestHTTPExporter_ErrorKeepsBuffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	exp.Export(Event{Name: "x"})
	if err := exp.Flush(); err == nil {
		t.Fatal("expected error from 503")
	}
	if len(exp.buffer) != 1 {
		t.Errorf("buffer should be kept, has %d events", len(exp.buffer))
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		protocol string
		wantErr  bool
	}{
		{"noop", false},
		{"", false},
		{"http", false},
		{"unknown", true},
	}

	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			exp, err := NewExporter(tt.protocol, "")
			if (err != nil) != tt.wantErr {
				t.Errorf("NewExporter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if exp != nil && tt.protocol != "http" {
				exp.Close()
			}
		})
	}
}
