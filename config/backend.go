package config

import (
	"github.com/nats-io/nats.go"

	qerrors "github.com/vinayprograms/sharedqueue/errors"
	"github.com/vinayprograms/sharedqueue/state"
	"github.com/vinayprograms/sharedqueue/storage"
)

// Backend is an open state store and the connection it owns, if any.
type Backend struct {
	Name  string
	Store state.StateStore

	conn *nats.Conn
}

// Storage wraps the store with the configured namespace and retry policy.
func (b *Backend) Storage(c *Config) *storage.StateStorage {
	return storage.New(b.Store, c.StorageOptions()...)
}

// Close closes the store, then its connection.
func (b *Backend) Close() error {
	err := b.Store.Close()
	if b.conn != nil {
		b.conn.Close()
	}
	return err
}

// OpenBackend connects to the configured state backend.
func (c *Config) OpenBackend() (*Backend, error) {
	switch c.Store.Backend {
	case BackendMemory:
		return &Backend{Name: BackendMemory, Store: state.NewMemoryStore()}, nil

	case BackendNATS:
		conn, err := nats.Connect(c.NATS.URL, nats.Name("sharedqueue"))
		if err != nil {
			return nil, qerrors.Storage("connect to nats at "+c.NATS.URL, err)
		}
		store, err := state.NewNATSStore(state.NATSStoreConfig{
			Conn:    conn,
			Bucket:  c.NATS.Bucket,
			Timeout: c.NATS.Timeout.Duration,
		})
		if err != nil {
			conn.Close()
			return nil, qerrors.Storage("open kv bucket "+c.NATS.Bucket, err)
		}
		return &Backend{Name: BackendNATS, Store: store, conn: conn}, nil

	case BackendRedis:
		store := state.NewRedisStore(state.RedisStoreConfig{
			Addr:      c.Redis.Addr,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			Namespace: c.Queue.Namespace,
		})
		if err := store.Ping(); err != nil {
			store.Close()
			return nil, qerrors.Storage("connect to redis at "+c.Redis.Addr, err)
		}
		return &Backend{Name: BackendRedis, Store: store}, nil

	case BackendPebble:
		store, err := state.NewPebbleStore(state.PebbleStoreConfig{
			Dir:  c.Pebble.Dir,
			Sync: c.Pebble.Sync,
		})
		if err != nil {
			return nil, qerrors.Storage("open pebble at "+c.Pebble.Dir, err)
		}
		return &Backend{Name: BackendPebble, Store: store}, nil

	case BackendBadger:
		store, err := state.NewBadgerStore(state.BadgerStoreConfig{
			Dir:        c.Badger.Dir,
			SyncWrites: c.Badger.Sync,
		})
		if err != nil {
			return nil, qerrors.Storage("open badger at "+c.Badger.Dir, err)
		}
		return &Backend{Name: BackendBadger, Store: store}, nil
	}

	return nil, qerrors.Configuration("unknown backend " + c.Store.Backend)
}
