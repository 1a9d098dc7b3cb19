package oms

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex serializes mutators of a single order so a request-path
// cancel and a worker-path fill cannot interleave their updates. Entries
// are refcounted and dropped once the last holder unlocks, so the map
// does not grow with the number of orders ever touched.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// lock acquires the mutex for key and returns its unlock function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
