package state

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

func TestDefaultNATSStoreConfig(t *testing.T) {
	cfg := DefaultNATSStoreConfig()

	if cfg.Bucket != "sharedqueue" {
		t.Errorf("expected bucket 'sharedqueue', got %s", cfg.Bucket)
	}
	if cfg.History != 1 {
		t.Errorf("expected history 1, got %d", cfg.History)
	}
	if cfg.MaxValueSize != 8*1024*1024 {
		t.Errorf("expected max value size 8MB, got %d", cfg.MaxValueSize)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", cfg.Timeout)
	}
}

func TestNewNATSStore_NilConn(t *testing.T) {
	_, err := NewNATSStore(NATSStoreConfig{Bucket: "test"})
	if err == nil {
		t.Error("expected error for nil connection")
	}
}

func TestOpFromNATS(t *testing.T) {
	tests := []struct {
		name string
		op   jetstream.KeyValueOp
		want Operation
	}{
		{"put", jetstream.KeyValuePut, OpPut},
		{"delete", jetstream.KeyValueDelete, OpDelete},
		{"purge", jetstream.KeyValuePurge, OpDelete},
		{"unknown defaults to put", jetstream.KeyValueOp(99), OpPut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := opFromNATS(tt.op); got != tt.want {
				t.Errorf("opFromNATS(%v) = %v, want %v", tt.op, got, tt.want)
			}
		})
	}
}

func TestNATSPattern(t *testing.T) {
	tests := []struct{ in, want string }{
		{"*", ">"},
		{"sharedqueue.*", "sharedqueue.>"},
		{"sharedqueue.queue", "sharedqueue.queue"},
	}
	for _, tt := range tests {
		if got := natsPattern(tt.in); got != tt.want {
			t.Errorf("natsPattern(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Validation paths that don't need a real connection.
func TestNATSStore_Validation(t *testing.T) {
	store := &NATSStore{}
	store.closed.Store(true)

	if _, err := store.Get("key"); err != ErrClosed {
		t.Errorf("Get: expected ErrClosed, got %v", err)
	}
	if _, err := store.Create("key", nil); err != ErrClosed {
		t.Errorf("Create: expected ErrClosed, got %v", err)
	}
	if _, err := store.Update("key", nil, 1); err != ErrClosed {
		t.Errorf("Update: expected ErrClosed, got %v", err)
	}
	if _, err := store.Watch("*"); err != ErrClosed {
		t.Errorf("Watch: expected ErrClosed, got %v", err)
	}

	open := &NATSStore{}
	if _, err := open.Get(""); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := open.Put(".bad", nil); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}
