package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisStore implements StateStore on Redis. Each key is a hash holding
// the value, its revision and timestamps. Revisions come from a single
// counter per namespace, and conditional writes run as Lua scripts so the
// check and the write are one atomic step on the server.
type RedisStore struct {
	pool   *redis.Pool
	ns     string
	closed atomic.Bool

	subsMu sync.Mutex
	subs   []redis.Conn
}

// RedisStoreConfig holds Redis store configuration.
type RedisStoreConfig struct {
	// Addr is the server address. Default: ":6379"
	Addr string

	// Password for AUTH, if any.
	Password string

	// DB is the database index selected on connect.
	DB int

	// Namespace prefixes all keys. Default: "sharedqueue"
	Namespace string

	// Pool overrides the connection pool built from Addr/Password/DB.
	Pool *redis.Pool
}

// DefaultRedisStoreConfig returns configuration with sensible defaults.
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		Addr:      ":6379",
		Namespace: "sharedqueue",
	}
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	defaults := DefaultRedisStoreConfig()
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.Namespace == "" {
		cfg.Namespace = defaults.Namespace
	}
	pool := cfg.Pool
	if pool == nil {
		pool = newRedisPool(cfg.Addr, cfg.Password, cfg.DB)
	}
	return &RedisStore{
		pool: pool,
		ns:   cfg.Namespace,
	}
}

// newRedisPool creates a new Redis pool with sane defaults.
func newRedisPool(server, password string, db int) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     5,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			c, err := redis.Dial("tcp", server)
			if err != nil {
				return nil, err
			}
			if password != "" {
				if _, err := c.Do("AUTH", password); err != nil {
					c.Close()
					return nil, err
				}
			}
			if _, err := c.Do("SELECT", db); err != nil {
				c.Close()
				return nil, err
			}
			return c, nil
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}
}

// Ping checks that the server is reachable.
func (s *RedisStore) Ping() error {
	if s.closed.Load() {
		return ErrClosed
	}
	c := s.pool.Get()
	defer c.Close()
	_, err := c.Do("PING")
	return err
}

func (s *RedisStore) dataKey(key string) string { return s.ns + ":kv:" + key }
func (s *RedisStore) revKey() string            { return s.ns + ":rev" }
func (s *RedisStore) eventsKey() string         { return s.ns + ":events" }

// KEYS[1] = data hash, KEYS[2] = revision counter
// ARGV[1] = value, ARGV[2] = now (unix nanos), ARGV[3] = mode, ARGV[4] = expected revision
// mode: "put" unconditional, "create" only if absent, "update" only if rev matches.
// Returns the new revision, or -1 when the condition fails.
var writeScript = redis.NewScript(2, `
	local mode = ARGV[3]
	if mode == 'create' then
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return -1
		end
	elseif mode == 'update' then
		local cur = redis.call('HGET', KEYS[1], 'rev')
		if not cur or tonumber(cur) ~= tonumber(ARGV[4]) then
			return -1
		end
	end
	local rev = redis.call('INCR', KEYS[2])
	redis.call('HSETNX', KEYS[1], 'created', ARGV[2])
	redis.call('HSET', KEYS[1], 'v', ARGV[1], 'rev', rev, 'mod', ARGV[2])
	return rev
`)

// redisEvent is published on every change for watchers.
type redisEvent struct {
	Key      string    `json:"key"`
	Value    []byte    `json:"value,omitempty"`
	Revision uint64    `json:"rev"`
	Op       Operation `json:"op"`
}

// Get retrieves a value by key.
func (s *RedisStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *RedisStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	c := s.pool.Get()
	defer c.Close()

	vals, err := redis.Values(c.Do("HMGET", s.dataKey(key), "v", "rev", "created", "mod"))
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}
	if len(vals) != 4 || vals[0] == nil {
		return nil, ErrNotFound
	}

	value, err := redis.Bytes(vals[0], nil)
	if err != nil {
		return nil, fmt.Errorf("redis value: %w", err)
	}
	rev, err := redis.Uint64(vals[1], nil)
	if err != nil {
		return nil, fmt.Errorf("redis revision: %w", err)
	}
	created, _ := redis.Int64(vals[2], nil)
	modified, _ := redis.Int64(vals[3], nil)

	return &KeyValue{
		Key:       key,
		Value:     value,
		Revision:  rev,
		Operation: OpPut,
		Created:   time.Unix(0, created),
		Modified:  time.Unix(0, modified),
	}, nil
}

// Put stores a value unconditionally.
func (s *RedisStore) Put(key string, value []byte) (uint64, error) {
	return s.write(key, value, "put", 0)
}

// Create stores a value only if the key is absent.
func (s *RedisStore) Create(key string, value []byte) (uint64, error) {
	return s.write(key, value, "create", 0)
}

// Update stores a value only if the key is still at lastRevision.
func (s *RedisStore) Update(key string, value []byte, lastRevision uint64) (uint64, error) {
	return s.write(key, value, "update", lastRevision)
}

func (s *RedisStore) write(key string, value []byte, mode string, expected uint64) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	c := s.pool.Get()
	defer c.Close()

	now := time.Now().UnixNano()
	rev, err := redis.Int64(writeScript.Do(c, s.dataKey(key), s.revKey(), value, now, mode, expected))
	if err != nil {
		return 0, fmt.Errorf("redis %s: %w", mode, err)
	}
	if rev < 0 {
		return 0, ErrRevisionMismatch
	}

	s.publish(c, &redisEvent{Key: key, Value: value, Revision: uint64(rev), Op: OpPut})
	return uint64(rev), nil
}

// publish notifies watchers; failures only cost a missed notification.
func (s *RedisStore) publish(c redis.Conn, e *redisEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	c.Do("PUBLISH", s.eventsKey(), data)
}

// Delete removes a key.
func (s *RedisStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	c := s.pool.Get()
	defer c.Close()

	n, err := redis.Int(c.Do("DEL", s.dataKey(key)))
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if n > 0 {
		rev, _ := redis.Uint64(c.Do("INCR", s.revKey()))
		s.publish(c, &redisEvent{Key: key, Revision: rev, Op: OpDelete})
	}
	return nil
}

// Keys returns all keys matching a pattern.
func (s *RedisStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	c := s.pool.Get()
	defer c.Close()

	prefix := s.dataKey("")
	match := prefix + "*"
	if strings.HasSuffix(pattern, "*") && pattern != "*" {
		match = prefix + pattern
	}

	var keys []string
	cursor := 0
	for {
		values, err := redis.Values(c.Do("SCAN", cursor, "MATCH", match, "COUNT", 100))
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		var batch []string
		if _, err := redis.Scan(values, &cursor, &batch); err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, k := range batch {
			key := strings.TrimPrefix(k, prefix)
			if MatchPattern(pattern, key) {
				keys = append(keys, key)
			}
		}
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Watch subscribes to the namespace event channel and filters by pattern.
func (s *RedisStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	c := s.pool.Get()
	psc := redis.PubSubConn{Conn: c}
	if err := psc.Subscribe(s.eventsKey()); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	s.subsMu.Lock()
	s.subs = append(s.subs, c)
	s.subsMu.Unlock()

	ch := make(chan *KeyValue, 64)
	go func() {
		defer close(ch)
		defer c.Close()
		for {
			switch n := psc.Receive().(type) {
			case redis.Message:
				var e redisEvent
				if err := json.Unmarshal(n.Data, &e); err != nil {
					continue
				}
				if !MatchPattern(pattern, e.Key) {
					continue
				}
				kv := &KeyValue{
					Key:       e.Key,
					Value:     e.Value,
					Revision:  e.Revision,
					Operation: e.Op,
					Modified:  time.Now(),
				}
				select {
				case ch <- kv:
				default:
				}
			case redis.Subscription:
				if n.Count == 0 {
					return
				}
			case error:
				return
			}
		}
	}()
	return ch, nil
}

// Close unsubscribes watchers and closes the pool.
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.subsMu.Lock()
	subs := s.subs
	s.subs = nil
	s.subsMu.Unlock()

	var errs []error
	for _, c := range subs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
