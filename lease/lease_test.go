package lease

import (
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/sharedqueue/state"
	"github.com/vinayprograms/sharedqueue/storage"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestStatus(t *testing.T) {
	tests := []struct {
		status Status
		name   string
		owned  bool
	}{
		{StatusHeld, "held", false},
		{StatusClaimed, "claimed", true},
		{StatusRenewed, "renewed", true},
		{Status(42), "unknown", false},
	}
	for _, tt := range tests {
		if tt.status.String() != tt.name {
			t.Errorf("String() = %s, want %s", tt.status.String(), tt.name)
		}
		if tt.status.Owned() != tt.owned {
			t.Errorf("%s: Owned() = %v, want %v", tt.name, tt.status.Owned(), tt.owned)
		}
	}
}

func TestNew_DefaultExpiry(t *testing.T) {
	c := New(storage.NewMemory(), "a", 0)
	if c.Expiry() != DefaultExpiry {
		t.Errorf("expected default expiry, got %v", c.Expiry())
	}
	if c.ID() != "a" {
		t.Errorf("expected id a, got %s", c.ID())
	}
}

func TestCheck_ClaimsAbsentRecord(t *testing.T) {
	s := storage.NewMemory()
	c := New(s, "a", 5*time.Second)

	status, err := c.Check(epoch)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if status != StatusClaimed {
		t.Errorf("expected claimed, got %s", status)
	}

	owner, _ := s.ActiveQueue()
	if owner == nil || owner.ID != "a" || !owner.Timestamp.Equal(epoch) {
		t.Errorf("unexpected record: %+v", owner)
	}
}

func TestCheck_ClaimsExpiredRecord(t *testing.T) {
	s := storage.NewMemory()
	s.SetActiveQueue("old", epoch.Add(-10*time.Second))

	c := New(s, "a", 5*time.Second)
	status, _ := c.Check(epoch)
	if status != StatusClaimed {
		t.Errorf("expected claimed, got %s", status)
	}
	if c.Owner().ID != "a" {
		t.Errorf("expected owner a, got %s", c.Owner().ID)
	}
}

func TestCheck_LeavesLiveRecordUntouched(t *testing.T) {
	s := storage.NewMemory()
	s.SetActiveQueue("other", epoch.Add(-time.Second))

	c := New(s, "a", 5*time.Second)
	status, _ := c.Check(epoch)
	if status != StatusHeld {
		t.Errorf("expected held, got %s", status)
	}

	owner, _ := s.ActiveQueue()
	if owner.ID != "other" || !owner.Timestamp.Equal(epoch.Add(-time.Second)) {
		t.Errorf("record modified: %+v", owner)
	}
}

func TestCheck_RenewsOwnRecord(t *testing.T) {
	s := storage.NewMemory()
	c := New(s, "a", 5*time.Second)

	c.Check(epoch)
	for i := 1; i <= 3; i++ {
		now := epoch.Add(time.Duration(i) * 100 * time.Millisecond)
		status, _ := c.Check(now)
		if status != StatusRenewed {
			t.Fatalf("tick %d: expected renewed, got %s", i, status)
		}
		owner, _ := s.ActiveQueue()
		if !owner.Timestamp.Equal(now) {
			t.Errorf("tick %d: timestamp not refreshed", i)
		}
	}
}

func TestCheck_OwnExpiredRecordIsReclaimed(t *testing.T) {
	s := storage.NewMemory()
	c := New(s, "a", 5*time.Second)

	c.Check(epoch)
	status, _ := c.Check(epoch.Add(6 * time.Second))
	if status != StatusClaimed {
		t.Errorf("expected claimed after own expiry, got %s", status)
	}
}

func TestCheck_Handoff(t *testing.T) {
	s := storage.NewMemory()
	a := New(s, "a", 5*time.Second)
	b := New(s, "b", 5*time.Second)

	if st, _ := a.Check(epoch); st != StatusClaimed {
		t.Fatalf("a: expected claimed, got %s", st)
	}
	if st, _ := b.Check(epoch.Add(4 * time.Second)); st != StatusHeld {
		t.Fatalf("b: expected held, got %s", st)
	}
	// a stops renewing
	if st, _ := b.Check(epoch.Add(5 * time.Second)); st != StatusClaimed {
		t.Fatalf("b: expected claimed at expiry, got %s", st)
	}
	if st, _ := a.Check(epoch.Add(5*time.Second + time.Millisecond)); st != StatusHeld {
		t.Fatalf("a: expected held after takeover, got %s", st)
	}
}

func TestCheck_ConcurrentClaimSingleWinner(t *testing.T) {
	s := storage.New(state.NewMemoryStore(), storage.WithMaxRetries(100), storage.WithRetryWait(0))

	const n = 8
	var wg sync.WaitGroup
	results := make([]Status, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := New(s, string(rune('a'+i)), 5*time.Second)
			st, err := c.Check(epoch)
			if err != nil {
				t.Errorf("Check failed: %v", err)
			}
			results[i] = st
		}(i)
	}
	wg.Wait()

	claimed := 0
	for _, st := range results {
		if st == StatusClaimed {
			claimed++
		}
	}
	if claimed != 1 {
		t.Errorf("expected exactly one claim, got %d", claimed)
	}
}

func TestRelease(t *testing.T) {
	s := storage.NewMemory()
	a := New(s, "a", 5*time.Second)
	b := New(s, "b", 5*time.Second)

	a.Check(epoch)
	if err := b.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if owner, _ := s.ActiveQueue(); owner == nil {
		t.Fatal("b released a's lease")
	}

	if err := a.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if st, _ := b.Check(epoch.Add(time.Second)); st != StatusClaimed {
		t.Errorf("expected b to claim immediately after release, got %s", st)
	}
}
