package store

import "sync"

// userLocks hands out process-local per-user mutexes so goroutines in this process
// do not race on the same cart. Keys are user_id -> *sync.Mutex.
type userLocks struct {
	m sync.Map
}

// lock acquires the mutex of userID and returns its unlock func.
func (l *userLocks) lock(userID string) func() {
	// fast path Load
	if v, ok := l.m.Load(userID); ok {
		mtx := v.(*sync.Mutex)
		mtx.Lock()
		return mtx.Unlock
	}

	// Otherwise create and store a new mutex (race-safe via LoadOrStore)
	actual, _ := l.m.LoadOrStore(userID, &sync.Mutex{})
	mtx := actual.(*sync.Mutex)
	mtx.Lock()
	return mtx.Unlock
}
