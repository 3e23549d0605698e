// Package state provides the shared key-value substrate that coordinators
// use to talk to each other.
//
// The StateStore interface offers plain reads and writes plus revision-based
// compare-and-swap, so read-modify-write cycles on a single key can be made
// atomic on backends that support it.
//
// # Backends
//
//   - MemoryStore: in-process, for tests and single-process setups
//   - NATSStore: NATS JetStream KV, shared across hosts
//   - RedisStore: Redis hashes with Lua-scripted CAS
//   - PebbleStore: local persistent store, survives restarts
//   - BadgerStore: local persistent store with transactional CAS
//
// # Usage
//
//	store := state.NewMemoryStore()
//	defer store.Close()
//
//	rev, _ := store.Create("sharedqueue.queue", []byte("[]"))
//	kv, _ := store.GetKeyValue("sharedqueue.queue")
//	_, err := store.Update(kv.Key, []byte(`[{"id":"a"}]`), kv.Revision)
//	if errors.Is(err, state.ErrRevisionMismatch) {
//	    // someone else wrote first; re-read and retry
//	}
package state
