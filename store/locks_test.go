package store

import (
	"sync"
	"testing"
)

func TestUserLocksSerializePerUser(t *testing.T) {
	var l userLocks
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("u1")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}

	// other users do not share the mutex
	unlock := l.lock("u1")
	defer unlock()
	done := make(chan struct{})
	go func() {
		l.lock("u2")()
		close(done)
	}()
	<-done
}
