package orglock

import (
	"sync"
	"testing"
)

func TestLockSerializesPerKey(t *testing.T) {
	reg := NewRegistry()
	const n = 50
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := reg.Lock("org-a")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	if counter != n {
		t.Errorf("counter = %d, want %d", counter, n)
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	reg := NewRegistry()
	unlockA := reg.Lock("org-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := reg.Lock("org-b")
		unlockB()
		close(done)
	}()
	<-done
}
