package oms

import (
	"sync"
	"testing"
)

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.lock("ord-1")
	k.mu.Lock()
	if len(k.locks) != 1 {
		t.Errorf("expected 1 live entry while held, got %d", len(k.locks))
	}
	k.mu.Unlock()
	unlock()

	k.mu.Lock()
	if len(k.locks) != 0 {
		t.Errorf("expected entry dropped after unlock, got %d live", len(k.locks))
	}
	k.mu.Unlock()
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := newKeyedMutex()

	const workers = 8
	const iterations = 50
	var counter int

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				unlock := k.lock("ord-1")
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()

	if counter != workers*iterations {
		t.Errorf("expected %d increments, got %d", workers*iterations, counter)
	}
	k.mu.Lock()
	if len(k.locks) != 0 {
		t.Errorf("expected no live entries after all unlocks, got %d", len(k.locks))
	}
	k.mu.Unlock()
}
