package syncutil

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	var sm ShardedMutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := sm.Lock("ord_1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected 100 increments, got %d", counter)
	}
}

func TestUnlockReleasesLock(t *testing.T) {
	var sm ShardedMutex

	unlock := sm.Lock("key")
	unlock()

	done := make(chan struct{})
	go func() {
		unlock := sm.Lock("key")
		unlock()
		close(done)
	}()
	<-done
}
