package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

var (
	pebbleDataPrefix = []byte("kv/")
	pebbleDataUpper  = []byte("kv0") // '0' sorts right after '/'
	pebbleRevKey     = []byte("meta/rev")
)

// PebbleStore implements StateStore on a local Pebble database.
// It is the durable choice when every coordinator lives in one process:
// Pebble holds an exclusive lock on its directory, so separate processes
// cannot share it. Conditional writes are serialized by an in-process mutex.
type PebbleStore struct {
	db       *pebble.DB
	writeOpt *pebble.WriteOptions
	closed   atomic.Bool

	mu       sync.Mutex // serializes writes and revision allocation
	revision uint64
	watchers watchers
}

// PebbleStoreConfig holds Pebble store configuration.
type PebbleStoreConfig struct {
	// Dir is the database directory. Required.
	Dir string

	// Sync forces a WAL fsync on every write.
	// Default: false (Pebble group-commits).
	Sync bool

	// Options allows advanced tuning of Pebble. If nil, defaults are used.
	Options *pebble.Options
}

type pebbleRecord struct {
	Value    []byte `json:"v"`
	Revision uint64 `json:"rev"`
	Created  int64  `json:"created"`
	Modified int64  `json:"mod"`
}

// NewPebbleStore opens (or creates) a Pebble-backed store.
func NewPebbleStore(cfg PebbleStoreConfig) (*PebbleStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("pebble: directory required")
	}
	opts := cfg.Options
	if opts == nil {
		opts = &pebble.Options{}
	}

	db, err := pebble.Open(cfg.Dir, opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}

	s := &PebbleStore{
		db:       db,
		writeOpt: pebble.NoSync,
	}
	if cfg.Sync {
		s.writeOpt = pebble.Sync
	}

	raw, closer, err := db.Get(pebbleRevKey)
	switch {
	case err == nil:
		if len(raw) == 8 {
			s.revision = binary.BigEndian.Uint64(raw)
		}
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, fmt.Errorf("pebble read revision: %w", err)
	}

	return s, nil
}

func pebbleKey(key string) []byte {
	return append(append([]byte(nil), pebbleDataPrefix...), key...)
}

// load reads a record; nil when absent.
func (s *PebbleStore) load(key string) (*pebbleRecord, error) {
	raw, closer, err := s.db.Get(pebbleKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	var rec pebbleRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("pebble decode %s: %w", key, err)
	}
	return &rec, nil
}

// Get retrieves a value by key.
func (s *PebbleStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *PebbleStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rec, err := s.load(key)
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
func (s *PebbleStore) Put(key string, value []byte) (uint64, error) {
	return s.write(key, value, func(*pebbleRecord) bool { return true })
}

// Create stores a value only if the key is absent.
func (s *PebbleStore) Create(key string, value []byte) (uint64, error) {
	return s.write(key, value, func(rec *pebbleRecord) bool { return rec == nil })
}

// Update stores a value only if the stored revision equals lastRevision.
func (s *PebbleStore) Update(key string, value []byte, lastRevision uint64) (uint64, error) {
	return s.write(key, value, func(rec *pebbleRecord) bool {
		return rec != nil && rec.Revision == lastRevision
	})
}

func (s *PebbleStore) write(key string, value []byte, allow func(*pebbleRecord) bool) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load(key)
	if err != nil {
		return 0, err
	}
	if !allow(existing) {
		return 0, ErrRevisionMismatch
	}

	now := time.Now().UnixNano()
	rev := s.revision + 1
	rec := pebbleRecord{
		Value:    value,
		Revision: rev,
		Created:  now,
		Modified: now,
	}
	if existing != nil {
		rec.Created = existing.Created
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return 0, err
	}

	if err := s.commit(rev, func(b *pebble.Batch) error {
		return b.Set(pebbleKey(key), data, nil)
	}); err != nil {
		return 0, err
	}

	s.watchers.notify(key, value, rev, OpPut)
	return rev, nil
}

// commit applies op and the new revision counter in one batch.
// Must be called with s.mu held.
func (s *PebbleStore) commit(rev uint64, op func(*pebble.Batch) error) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := op(b); err != nil {
		return fmt.Errorf("pebble batch: %w", err)
	}
	var revBuf [8]byte
	binary.BigEndian.PutUint64(revBuf[:], rev)
	if err := b.Set(pebbleRevKey, revBuf[:], nil); err != nil {
		return fmt.Errorf("pebble batch: %w", err)
	}
	if err := b.Commit(s.writeOpt); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	s.revision = rev
	return nil
}

// Delete removes a key.
func (s *PebbleStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load(key)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	rev := s.revision + 1
	if err := s.commit(rev, func(b *pebble.Batch) error {
		return b.Delete(pebbleKey(key), nil)
	}); err != nil {
		return err
	}
	s.watchers.notify(key, nil, rev, OpDelete)
	return nil
}

// Keys returns all keys matching a pattern.
func (s *PebbleStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: pebbleDataPrefix,
		UpperBound: pebbleDataUpper,
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key()[len(pebbleDataPrefix):])
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	return keys, nil
}

// Watch watches for changes made through this store instance.
func (s *PebbleStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.watchers.add(pattern), nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.watchers.closeAll()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
