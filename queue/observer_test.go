package queue

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	qerrors "github.com/vinayprograms/sharedqueue/errors"
	"github.com/vinayprograms/sharedqueue/storage"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) LeaseChanged(id, event, owner string) {
	l.add("lease %s %s", event, owner)
}

func (l *eventLog) BatchStarted(id string, size, remaining int) {
	l.add("start %d/%d", size, remaining)
}

func (l *eventLog) BatchFinished(id string, size int, elapsed time.Duration, err error) {
	if err != nil {
		l.add("fail %d %v %s", size, elapsed, qerrors.Code(err))
		return
	}
	l.add("ok %d %v", size, elapsed)
}

func (l *eventLog) BackoffArmed(id string, errorCount int, d time.Duration) {
	l.add("backoff %d %v", errorCount, d)
}

func TestObserver_Events(t *testing.T) {
	s := storage.NewMemory()
	clock := newFakeClock()
	seedQueue(t, s, 3)

	rec := &recorder{hold: true}
	obs := &eventLog{}
	c := newTestCoordinator(t, Config{Process: rec.Process, Storage: s, BatchSize: 2},
		WithID("a"), WithClock(clock), WithObserver(obs, nil), WithReleaseOnDestroy())

	c.tick()
	clock.Advance(300 * time.Millisecond)
	rec.Release(errors.New("boom"))

	clock.Advance(2 * time.Second)
	c.tick()
	clock.Advance(100 * time.Millisecond)
	rec.Release(nil)
	c.Destroy()

	want := []string{
		"lease claimed a",
		"start 2/1",
		"fail 2 300ms PROCESSING",
		"backoff 1 2s",
		"start 2/1",
		"ok 2 100ms",
		"lease released ",
	}
	if got := obs.Events(); !reflect.DeepEqual(got, want) {
		t.Errorf("events =\n%q\nwant\n%q", got, want)
	}
}

func TestObserver_PersistedBackoff(t *testing.T) {
	s := storage.NewMemory()
	seedQueue(t, s, 1)
	s.SetFailureState(2, 4*time.Second)

	obs := &eventLog{}
	c := newTestCoordinator(t, Config{Process: (&recorder{}).Process, Storage: s},
		WithID("b"), WithClock(newFakeClock()), WithObserver(obs))
	c.tick()

	want := []string{"lease claimed b", "backoff 2 4s"}
	if got := obs.Events(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %q, want %q", got, want)
	}
}

func TestObserver_LeaseLost(t *testing.T) {
	s := storage.NewMemory()
	clock := newFakeClock()

	obs := &eventLog{}
	c := newTestCoordinator(t, Config{Process: (&recorder{}).Process, Storage: s, LeaseExpiry: time.Second},
		WithID("a"), WithClock(clock), WithObserver(obs))
	c.tick()

	// Another context takes over a record that looks live to us
	s.SetActiveQueue("b", clock.Now().Add(time.Second))
	clock.Advance(500 * time.Millisecond)
	c.tick()

	want := []string{"lease claimed a", "lease lost b"}
	if got := obs.Events(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %q, want %q", got, want)
	}
}

// destroyOnClaim destroys its coordinator when the lease is claimed.
type destroyOnClaim struct {
	*eventLog
	c *Coordinator
}

func (d *destroyOnClaim) LeaseChanged(id, event, owner string) {
	d.eventLog.LeaseChanged(id, event, owner)
	if event == LeaseClaimed {
		d.c.Destroy()
	}
}

func TestObserver_DestroyDuringTick(t *testing.T) {
	s := storage.NewMemory()
	obs := &destroyOnClaim{eventLog: &eventLog{}}
	c := newTestCoordinator(t, Config{Process: (&recorder{}).Process, Storage: s},
		WithID("a"), WithClock(newFakeClock()), WithReleaseOnDestroy(), WithObserver(obs))
	obs.c = c

	ticked := make(chan struct{})
	go func() {
		c.tick()
		close(ticked)
	}()
	select {
	case <-ticked:
	case <-time.After(2 * time.Second):
		t.Fatal("tick deadlocked on Destroy from an observer")
	}

	if owner, _ := s.ActiveQueue(); owner != nil {
		t.Errorf("expected lease released, got %+v", owner)
	}
	if c.IsActive() {
		t.Error("expected inactive after destroy")
	}
	want := []string{"lease claimed a", "lease released "}
	if got := obs.Events(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %q, want %q", got, want)
	}

	c.tick()
	if st := c.Stats(); st.Ticks != 1 {
		t.Errorf("ticked after destroy: %+v", st)
	}
}
