package storage

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	qerrors "github.com/vinayprograms/sharedqueue/errors"
	"github.com/vinayprograms/sharedqueue/state"
)

// Default retry policy for read-modify-write cycles.
const (
	DefaultMaxRetries = 10
	DefaultRetryWait  = 5 * time.Millisecond
)

// Key suffixes under the namespace.
const (
	queueKey   = "queue"
	errorsKey  = "errors"
	backoffKey = "backoff"
	activeKey  = "active"
)

// StateStorage implements Storage over a state.StateStore.
// Read-modify-write cycles use the store's compare-and-swap and retry on
// conflicts.
type StateStorage struct {
	store      state.StateStore
	namespace  string
	maxRetries int
	retryWait  time.Duration
}

// Option configures a StateStorage.
type Option func(*StateStorage)

// WithNamespace sets the key prefix.
func WithNamespace(ns string) Option {
	return func(s *StateStorage) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// WithMaxRetries sets how many compare-and-swap conflicts are retried.
func WithMaxRetries(n int) Option {
	return func(s *StateStorage) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryWait sets the pause between conflicting attempts.
func WithRetryWait(d time.Duration) Option {
	return func(s *StateStorage) {
		if d >= 0 {
			s.retryWait = d
		}
	}
}

// New creates a StateStorage over store.
func New(store state.StateStore, opts ...Option) *StateStorage {
	s := &StateStorage{
		store:      store,
		namespace:  DefaultNamespace,
		maxRetries: DefaultMaxRetries,
		retryWait:  DefaultRetryWait,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewMemory creates a StateStorage over a fresh in-memory store.
func NewMemory(opts ...Option) *StateStorage {
	return New(state.NewMemoryStore(), opts...)
}

// Store returns the underlying state store.
func (s *StateStorage) Store() state.StateStore {
	return s.store
}

// Namespace returns the key prefix.
func (s *StateStorage) Namespace() string {
	return s.namespace
}

// Key returns the full store key for a field name.
func (s *StateStorage) Key(field string) string {
	return s.namespace + "." + field
}

// Queue returns the persisted items.
func (s *StateStorage) Queue() ([]Item, error) {
	var items []Item
	if _, err := s.read(queueKey, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SetQueue replaces the persisted items.
func (s *StateStorage) SetQueue(items []Item) error {
	if items == nil {
		items = []Item{}
	}
	return s.write(queueKey, items)
}

// UpdateQueue atomically rewrites the item list.
func (s *StateStorage) UpdateQueue(fn func([]Item) []Item) ([]Item, error) {
	var result []Item
	err := s.modify(queueKey, func(raw []byte) ([]byte, bool, error) {
		var items []Item
		if raw != nil {
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, false, s.corrupt(queueKey, err)
			}
		}
		result = fn(items)
		if result == nil {
			result = []Item{}
		}
		data, err := json.Marshal(result)
		return data, true, err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ErrorCount returns the consecutive failure count.
func (s *StateStorage) ErrorCount() (int, error) {
	var n int
	if _, err := s.read(errorsKey, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// SetErrorCount stores the consecutive failure count.
func (s *StateStorage) SetErrorCount(n int) error {
	return s.write(errorsKey, n)
}

// BackoffTime returns the backoff duration. Stored as milliseconds.
func (s *StateStorage) BackoffTime() (time.Duration, error) {
	var ms int64
	if _, err := s.read(backoffKey, &ms); err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// SetBackoffTime stores the backoff duration.
func (s *StateStorage) SetBackoffTime(d time.Duration) error {
	return s.write(backoffKey, d.Milliseconds())
}

// SetFailureState writes the error count first, then the backoff.
func (s *StateStorage) SetFailureState(count int, backoff time.Duration) error {
	if err := s.SetErrorCount(count); err != nil {
		return err
	}
	return s.SetBackoffTime(backoff)
}

// ActiveQueue returns the owner record, or nil when absent.
func (s *StateStorage) ActiveQueue() (*ActiveOwner, error) {
	var owner ActiveOwner
	found, err := s.read(activeKey, &owner)
	if err != nil || !found {
		return nil, err
	}
	return &owner, nil
}

// SetActiveQueue stores the owner record unconditionally.
func (s *StateStorage) SetActiveQueue(id string, at time.Time) error {
	return s.write(activeKey, ActiveOwner{ID: id, Timestamp: at})
}

// UpdateActiveQueue atomically replaces the owner record.
func (s *StateStorage) UpdateActiveQueue(fn func(*ActiveOwner) *ActiveOwner) (*ActiveOwner, error) {
	var result *ActiveOwner
	err := s.modify(activeKey, func(raw []byte) ([]byte, bool, error) {
		var current *ActiveOwner
		if raw != nil {
			current = &ActiveOwner{}
			if err := json.Unmarshal(raw, current); err != nil {
				return nil, false, s.corrupt(activeKey, err)
			}
		}
		next := fn(current)
		if next == nil {
			result = current
			return nil, false, nil
		}
		result = next
		data, err := json.Marshal(next)
		return data, true, err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClearActiveQueue deletes the owner record if it names id.
// There is no conditional delete, so a claim landing between the read and
// the delete is lost; the other owner re-claims on its next tick.
func (s *StateStorage) ClearActiveQueue(id string) error {
	owner, err := s.ActiveQueue()
	if err != nil {
		return err
	}
	if owner == nil || owner.ID != id {
		return nil
	}
	if err := s.store.Delete(s.Key(activeKey)); err != nil {
		return s.storageErr("delete", activeKey, err)
	}
	return nil
}

// read decodes the field into v. Reports false when the key is absent.
func (s *StateStorage) read(field string, v interface{}) (bool, error) {
	data, err := s.store.Get(s.Key(field))
	if errors.Is(err, state.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, s.storageErr("read", field, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, s.corrupt(field, err)
	}
	return true, nil
}

func (s *StateStorage) write(field string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return qerrors.Wrap(err, "encode "+field, qerrors.WithMetadata("key", s.Key(field)))
	}
	if _, err := s.store.Put(s.Key(field), data); err != nil {
		return s.storageErr("write", field, err)
	}
	return nil
}

// modify runs a compare-and-swap loop. fn receives the raw stored value
// (nil when absent) and returns the replacement and whether to write it.
func (s *StateStorage) modify(field string, fn func(raw []byte) ([]byte, bool, error)) error {
	key := s.Key(field)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 && s.retryWait > 0 {
			time.Sleep(s.retryWait)
		}

		var raw []byte
		var rev uint64
		kv, err := s.store.GetKeyValue(key)
		switch {
		case errors.Is(err, state.ErrNotFound):
		case err != nil:
			return s.storageErr("read", field, err)
		default:
			raw, rev = kv.Value, kv.Revision
		}

		data, ok, err := fn(raw)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if kv == nil {
			_, err = s.store.Create(key, data)
		} else {
			_, err = s.store.Update(key, data, rev)
		}
		if errors.Is(err, state.ErrRevisionMismatch) {
			continue
		}
		if err != nil {
			return s.storageErr("write", field, err)
		}
		return nil
	}

	return qerrors.Conflict("concurrent modification of "+key,
		qerrors.WithMetadata("key", key),
		qerrors.WithMetadata("attempts", strconv.Itoa(s.maxRetries)))
}

func (s *StateStorage) storageErr(op, field string, err error) error {
	if errors.Is(err, state.ErrClosed) {
		return qerrors.Closed("state store closed", qerrors.WithCause(err))
	}
	return qerrors.Storage(op+" "+s.Key(field), err, qerrors.WithMetadata("key", s.Key(field)))
}

func (s *StateStorage) corrupt(field string, err error) error {
	return qerrors.Corruption("decode "+s.Key(field), err, qerrors.WithMetadata("key", s.Key(field)))
}

var _ Storage = (*StateStorage)(nil)
