package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	badgerDataPrefix = []byte("kv/")
	badgerRevKey     = []byte("meta/rev")
)

// badgerMaxConflicts bounds retries of a transaction that lost a race.
const badgerMaxConflicts = 256

// BadgerStore implements StateStore on a local Badger database.
// Every write runs in a serializable transaction that also bumps the
// revision counter, so concurrent writers conflict and retry rather than
// interleave.
type BadgerStore struct {
	db       *badger.DB
	closed   atomic.Bool
	watchers watchers
}

// BadgerStoreConfig holds Badger store configuration.
type BadgerStoreConfig struct {
	// Dir is the database directory. Required unless InMemory.
	Dir string

	// InMemory keeps everything in memory. Nothing survives Close.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool
}

type badgerRecord struct {
	Value    []byte `json:"v"`
	Revision uint64 `json:"rev"`
	Created  int64  `json:"created"`
	Modified int64  `json:"mod"`
}

// NewBadgerStore opens (or creates) a Badger-backed store.
func NewBadgerStore(cfg BadgerStoreConfig) (*BadgerStore, error) {
	if cfg.Dir == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger: directory required")
	}

	opts := badger.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(key string) []byte {
	return append(append([]byte(nil), badgerDataPrefix...), key...)
}

// loadTxn reads a record inside txn; nil when absent.
func loadTxn(txn *badger.Txn, key string) (*badgerRecord, error) {
	item, err := txn.Get(badgerKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}

	var rec badgerRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("badger decode %s: %w", key, err)
	}
	return &rec, nil
}

// nextRevision reads and increments the counter inside txn.
func nextRevision(txn *badger.Txn) (uint64, error) {
	var rev uint64
	item, err := txn.Get(badgerRevKey)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return 0, fmt.Errorf("badger get revision: %w", err)
	default:
		if err := item.Value(func(val []byte) error {
			if len(val) == 8 {
				rev = binary.BigEndian.Uint64(val)
			}
			return nil
		}); err != nil {
			return 0, err
		}
	}

	rev++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], rev)
	if err := txn.Set(badgerRevKey, buf[:]); err != nil {
		return 0, err
	}
	return rev, nil
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerMaxConflicts; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Get retrieves a value by key.
func (s *BadgerStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *BadgerStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var rec *badgerRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = loadTxn(txn, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return &KeyValue{
		Key:       key,
		Value:     rec.Value,
		Revision:  rec.Revision,
		Operation: OpPut,
		Created:   time.Unix(0, rec.Created),
		Modified:  time.Unix(0, rec.Modified),
	}, nil
}

// Put stores a value unconditionally.
func (s *BadgerStore) Put(key string, value []byte) (uint64, error) {
	return s.write(key, value, func(*badgerRecord) bool { return true })
}

// Create stores a value only if the key is absent.
func (s *BadgerStore) Create(key string, value []byte) (uint64, error) {
	return s.write(key, value, func(rec *badgerRecord) bool { return rec == nil })
}

// Update stores a value only if the stored revision equals lastRevision.
func (s *BadgerStore) Update(key string, value []byte, lastRevision uint64) (uint64, error) {
	return s.write(key, value, func(rec *badgerRecord) bool {
		return rec != nil && rec.Revision == lastRevision
	})
}

func (s *BadgerStore) write(key string, value []byte, allow func(*badgerRecord) bool) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	var rev uint64
	err := s.update(func(txn *badger.Txn) error {
		existing, err := loadTxn(txn, key)
		if err != nil {
			return err
		}
		if !allow(existing) {
			return ErrRevisionMismatch
		}

		rev, err = nextRevision(txn)
		if err != nil {
			return err
		}
		now := time.Now().UnixNano()
		rec := badgerRecord{Value: value, Revision: rev, Created: now, Modified: now}
		if existing != nil {
			rec.Created = existing.Created
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return txn.Set(badgerKey(key), data)
	})
	if err != nil {
		return 0, err
	}

	s.watchers.notify(key, value, rev, OpPut)
	return rev, nil
}

// Delete removes a key.
func (s *BadgerStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	var rev uint64
	err := s.update(func(txn *badger.Txn) error {
		rev = 0
		existing, err := loadTxn(txn, key)
		if err != nil || existing == nil {
			return err
		}
		if rev, err = nextRevision(txn); err != nil {
			return err
		}
		return txn.Delete(badgerKey(key))
	})
	if err != nil {
		return err
	}
	if rev > 0 {
		s.watchers.notify(key, nil, rev, OpDelete)
	}
	return nil
}

// Keys returns all keys matching a pattern.
func (s *BadgerStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = badgerDataPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(badgerDataPrefix); it.ValidForPrefix(badgerDataPrefix); it.Next() {
			key := string(it.Item().Key()[len(badgerDataPrefix):])
			if MatchPattern(pattern, key) {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger iterate: %w", err)
	}
	return keys, nil
}

// Watch watches for changes made through this store instance.
func (s *BadgerStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.watchers.add(pattern), nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.watchers.closeAll()
	return s.db.Close()
}
