package state

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestMemoryStore_Conformance(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	testStoreConformance(t, s, "mem")
}

func TestMemoryStore_Closed(t *testing.T) {
	testStoreClosed(t, NewMemoryStore())
}

func TestMemoryStore_ValueIsCopied(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	value := []byte("abc")
	if _, err := s.Put("key", value); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	value[0] = 'X'

	got, _ := s.Get("key")
	got[1] = 'Y'

	again, _ := s.Get("key")
	if string(again) != "abc" {
		t.Errorf("expected stored value to be isolated, got %s", again)
	}
}

func TestMemoryStore_RevisionsIncrease(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	r1, _ := s.Put("a", []byte("1"))
	r2, _ := s.Put("b", []byte("2"))
	r3, _ := s.Put("a", []byte("3"))
	if !(r1 < r2 && r2 < r3) {
		t.Errorf("expected increasing revisions, got %d %d %d", r1, r2, r3)
	}

	kv, _ := s.GetKeyValue("a")
	if kv.Created.After(kv.Modified) {
		t.Error("created should not be after modified")
	}
}

func TestMemoryStore_InvalidKey(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	if _, err := s.Put("", nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := s.Create("bad key", nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestMemoryStore_WatchClosedOnClose(t *testing.T) {
	s := NewMemoryStore()
	ch, err := s.Watch("*")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	s.Close()

	if _, ok := <-ch; ok {
		t.Error("expected watch channel to be closed")
	}
}

func TestMemoryStore_WatchDelete(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	s.Put("k", []byte("v"))
	ch, _ := s.Watch("k")
	s.Delete("k")

	kv := <-ch
	if kv.Operation != OpDelete {
		t.Errorf("expected OpDelete, got %v", kv.Operation)
	}
}

func TestMemoryStore_WritesRacingClose(t *testing.T) {
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			for j := 0; j < 200; j++ {
				if _, err := s.Put(key, []byte("v")); err != nil && !errors.Is(err, ErrClosed) {
					t.Errorf("Put: unexpected error %v", err)
					return
				}
				if err := s.Delete(key); err != nil && !errors.Is(err, ErrClosed) {
					t.Errorf("Delete: unexpected error %v", err)
					return
				}
			}
		}(i)
	}
	s.Close()
	wg.Wait()

	if _, err := s.Put("after", []byte("v")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}
