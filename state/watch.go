package state

import (
	"sync"
	"sync/atomic"
	"time"
)

type watcher struct {
	pattern string
	ch      chan *KeyValue
	closed  atomic.Bool
}

// watchers fans out change notifications to in-process subscribers.
// Used by backends without a native watch mechanism.
type watchers struct {
	mu   sync.Mutex
	list []*watcher
}

func (ws *watchers) add(pattern string) <-chan *KeyValue {
	w := &watcher{
		pattern: pattern,
		ch:      make(chan *KeyValue, 64),
	}
	ws.mu.Lock()
	ws.list = append(ws.list, w)
	ws.mu.Unlock()
	return w.ch
}

func (ws *watchers) notify(key string, value []byte, rev uint64, op Operation) {
	kv := &KeyValue{
		Key:       key,
		Value:     value,
		Revision:  rev,
		Operation: op,
		Modified:  time.Now(),
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, w := range ws.list {
		if w.closed.Load() || !MatchPattern(w.pattern, key) {
			continue
		}
		select {
		case w.ch <- kv:
		default:
			// Channel full, drop notification
		}
	}
}

func (ws *watchers) closeAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, w := range ws.list {
		if !w.closed.Swap(true) {
			close(w.ch)
		}
	}
	ws.list = nil
}
