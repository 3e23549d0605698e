package state

import (
	"testing"
)

func TestPebbleStore_Conformance(t *testing.T) {
	s, err := NewPebbleStore(PebbleStoreConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewPebbleStore failed: %v", err)
	}
	defer s.Close()

	testStoreConformance(t, s, "pebble")
}

func TestPebbleStore_Closed(t *testing.T) {
	s, err := NewPebbleStore(PebbleStoreConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewPebbleStore failed: %v", err)
	}
	testStoreClosed(t, s)
}

func TestPebbleStore_RequiresDir(t *testing.T) {
	if _, err := NewPebbleStore(PebbleStoreConfig{}); err == nil {
		t.Error("expected error without directory")
	}
}

func TestPebbleStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewPebbleStore(PebbleStoreConfig{Dir: dir, Sync: true})
	if err != nil {
		t.Fatalf("NewPebbleStore failed: %v", err)
	}
	rev, err := s.Put("sharedqueue.errors", []byte("3"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = NewPebbleStore(PebbleStoreConfig{Dir: dir})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	kv, err := s.GetKeyValue("sharedqueue.errors")
	if err != nil {
		t.Fatalf("GetKeyValue failed: %v", err)
	}
	if string(kv.Value) != "3" || kv.Revision != rev {
		t.Errorf("got %s@%d, want 3@%d", kv.Value, kv.Revision, rev)
	}

	// Revisions continue from the persisted counter
	rev2, err := s.Put("other", []byte("x"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if rev2 <= rev {
		t.Errorf("expected revision > %d after reopen, got %d", rev, rev2)
	}
}
