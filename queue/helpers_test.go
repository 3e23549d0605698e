package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/sharedqueue/logging"
	"github.com/vinayprograms/sharedqueue/storage"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock is advanced by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingStorage records how often each Storage method is called.
type countingStorage struct {
	storage.Storage

	mu    sync.Mutex
	calls map[string]int
}

func newCountingStorage(s storage.Storage) *countingStorage {
	return &countingStorage{Storage: s, calls: make(map[string]int)}
}

func (s *countingStorage) count(name string) {
	s.mu.Lock()
	s.calls[name]++
	s.mu.Unlock()
}

func (s *countingStorage) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *countingStorage) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

func (s *countingStorage) Queue() ([]storage.Item, error) {
	s.count("Queue")
	return s.Storage.Queue()
}

func (s *countingStorage) SetQueue(items []storage.Item) error {
	s.count("SetQueue")
	return s.Storage.SetQueue(items)
}

func (s *countingStorage) UpdateQueue(fn func([]storage.Item) []storage.Item) ([]storage.Item, error) {
	s.count("UpdateQueue")
	return s.Storage.UpdateQueue(fn)
}

func (s *countingStorage) ErrorCount() (int, error) {
	s.count("ErrorCount")
	return s.Storage.ErrorCount()
}

func (s *countingStorage) SetErrorCount(n int) error {
	s.count("SetErrorCount")
	return s.Storage.SetErrorCount(n)
}

func (s *countingStorage) BackoffTime() (time.Duration, error) {
	s.count("BackoffTime")
	return s.Storage.BackoffTime()
}

func (s *countingStorage) SetBackoffTime(d time.Duration) error {
	s.count("SetBackoffTime")
	return s.Storage.SetBackoffTime(d)
}

func (s *countingStorage) SetFailureState(count int, backoff time.Duration) error {
	s.count("SetFailureState")
	return s.Storage.SetFailureState(count, backoff)
}

func (s *countingStorage) ActiveQueue() (*storage.ActiveOwner, error) {
	s.count("ActiveQueue")
	return s.Storage.ActiveQueue()
}

func (s *countingStorage) SetActiveQueue(id string, at time.Time) error {
	s.count("SetActiveQueue")
	return s.Storage.SetActiveQueue(id, at)
}

func (s *countingStorage) UpdateActiveQueue(fn func(*storage.ActiveOwner) *storage.ActiveOwner) (*storage.ActiveOwner, error) {
	s.count("UpdateActiveQueue")
	return s.Storage.UpdateActiveQueue(fn)
}

func (s *countingStorage) ClearActiveQueue(id string) error {
	s.count("ClearActiveQueue")
	return s.Storage.ClearActiveQueue(id)
}

// recorder is a process function that records batches. When hold is set
// it keeps done for the test to call; otherwise it reports result.
type recorder struct {
	mu      sync.Mutex
	batches [][]string
	pending []DoneFunc
	hold    bool
	result  error
}

func (r *recorder) Process(batch [][]byte, done DoneFunc) {
	r.mu.Lock()
	names := make([]string, len(batch))
	for i, b := range batch {
		names[i] = string(b)
	}
	r.batches = append(r.batches, names)
	hold, result := r.hold, r.result
	if hold {
		r.pending = append(r.pending, done)
	}
	r.mu.Unlock()

	if !hold {
		done(result)
	}
}

func (r *recorder) Batches() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.batches))
	copy(out, r.batches)
	return out
}

func (r *recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

// Release calls the oldest held done.
func (r *recorder) Release(err error) {
	r.mu.Lock()
	done := r.pending[0]
	r.pending = r.pending[1:]
	r.mu.Unlock()
	done(err)
}

func (r *recorder) SetResult(err error) {
	r.mu.Lock()
	r.result = err
	r.mu.Unlock()
}

// newTestCoordinator builds a coordinator driven by manual ticks.
func newTestCoordinator(t *testing.T, cfg Config, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	c, err := newCoordinator(cfg, opts...)
	if err != nil {
		t.Fatalf("newCoordinator failed: %v", err)
	}
	t.Cleanup(c.Destroy)
	return c
}

func seedQueue(t *testing.T, s storage.Storage, n int) {
	t.Helper()
	items := make([]storage.Item, n)
	for i := range items {
		items[i] = storage.Item{
			ID:         fmt.Sprintf("seed-%d", i),
			Payload:    []byte(fmt.Sprintf("task-%d", i)),
			EnqueuedAt: epoch,
		}
	}
	if err := s.SetQueue(items); err != nil {
		t.Fatalf("SetQueue failed: %v", err)
	}
}

func batchSizes(batches [][]string) []int {
	sizes := make([]int, len(batches))
	for i, b := range batches {
		sizes[i] = len(b)
	}
	return sizes
}
