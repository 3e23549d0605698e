package state

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// testStoreConformance exercises the StateStore contract against any backend.
// Keys are prefixed so integration runs against shared servers do not collide.
func testStoreConformance(t *testing.T, s StateStore, prefix string) {
	t.Helper()

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := s.Get(prefix + ".missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PutGet", func(t *testing.T) {
		key := prefix + ".putget"
		rev, err := s.Put(key, []byte("v1"))
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if rev == 0 {
			t.Error("expected non-zero revision")
		}
		kv, err := s.GetKeyValue(key)
		if err != nil {
			t.Fatalf("GetKeyValue failed: %v", err)
		}
		if string(kv.Value) != "v1" {
			t.Errorf("expected v1, got %s", kv.Value)
		}
		if kv.Revision != rev {
			t.Errorf("expected revision %d, got %d", rev, kv.Revision)
		}
	})

	t.Run("CreateOnce", func(t *testing.T) {
		key := prefix + ".create"
		if _, err := s.Create(key, []byte("first")); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		_, err := s.Create(key, []byte("second"))
		if !errors.Is(err, ErrRevisionMismatch) {
			t.Errorf("expected ErrRevisionMismatch, got %v", err)
		}
		got, _ := s.Get(key)
		if string(got) != "first" {
			t.Errorf("expected first, got %s", got)
		}
	})

	t.Run("UpdateCompareAndSwap", func(t *testing.T) {
		key := prefix + ".cas"
		rev, err := s.Put(key, []byte("a"))
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		rev2, err := s.Update(key, []byte("b"), rev)
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if rev2 <= rev {
			t.Errorf("expected revision to grow, %d -> %d", rev, rev2)
		}
		// Stale revision loses
		_, err = s.Update(key, []byte("c"), rev)
		if !errors.Is(err, ErrRevisionMismatch) {
			t.Errorf("expected ErrRevisionMismatch, got %v", err)
		}
		got, _ := s.Get(key)
		if string(got) != "b" {
			t.Errorf("expected b, got %s", got)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		_, err := s.Update(prefix+".nope", []byte("x"), 1)
		if err == nil {
			t.Error("expected error updating missing key")
		}
	})

	t.Run("DeleteThenCreate", func(t *testing.T) {
		key := prefix + ".delete"
		if _, err := s.Put(key, []byte("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := s.Delete(key); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get(key); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete(key); err != nil {
			t.Errorf("second Delete should not error: %v", err)
		}
		if _, err := s.Create(key, []byte("y")); err != nil {
			t.Errorf("Create after delete failed: %v", err)
		}
	})

	t.Run("Keys", func(t *testing.T) {
		for _, k := range []string{".keys.a", ".keys.b"} {
			if _, err := s.Put(prefix+k, []byte("x")); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		keys, err := s.Keys(prefix + ".keys.*")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		sort.Strings(keys)
		if len(keys) != 2 || keys[0] != prefix+".keys.a" || keys[1] != prefix+".keys.b" {
			t.Errorf("unexpected keys %v", keys)
		}
	})

	t.Run("ConcurrentIncrements", func(t *testing.T) {
		// Every writer retries on mismatch; no increment may be lost.
		key := prefix + ".counter"
		if _, err := s.Put(key, []byte{0}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		const writers, perWriter = 4, 10
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for n := 0; n < perWriter; n++ {
					for {
						kv, err := s.GetKeyValue(key)
						if err != nil {
							t.Errorf("GetKeyValue failed: %v", err)
							return
						}
						_, err = s.Update(key, []byte{kv.Value[0] + 1}, kv.Revision)
						if err == nil {
							break
						}
						if !errors.Is(err, ErrRevisionMismatch) {
							t.Errorf("Update failed: %v", err)
							return
						}
					}
				}
			}()
		}
		wg.Wait()

		got, _ := s.Get(key)
		if int(got[0]) != writers*perWriter {
			t.Errorf("expected %d, got %d", writers*perWriter, got[0])
		}
	})

	t.Run("Watch", func(t *testing.T) {
		ch, err := s.Watch(prefix + ".watch.*")
		if err != nil {
			t.Fatalf("Watch failed: %v", err)
		}
		// Give subscription-based backends a moment to attach.
		time.Sleep(50 * time.Millisecond)

		if _, err := s.Put(prefix+".other", []byte("ignored")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if _, err := s.Put(prefix+".watch.k", []byte("seen")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		select {
		case kv := <-ch:
			if kv.Key != prefix+".watch.k" || string(kv.Value) != "seen" {
				t.Errorf("unexpected event %s=%s", kv.Key, kv.Value)
			}
			if kv.Operation != OpPut {
				t.Errorf("expected OpPut, got %v", kv.Operation)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for watch event")
		}
	})
}

// testStoreClosed checks that a closed store rejects operations.
func testStoreClosed(t *testing.T, s StateStore) {
	t.Helper()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
	if _, err := s.Get("k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get: expected ErrClosed, got %v", err)
	}
	if _, err := s.Put("k", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Put: expected ErrClosed, got %v", err)
	}
	if _, err := s.Update("k", nil, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Update: expected ErrClosed, got %v", err)
	}
	if _, err := s.Keys("*"); !errors.Is(err, ErrClosed) {
		t.Errorf("Keys: expected ErrClosed, got %v", err)
	}
}
