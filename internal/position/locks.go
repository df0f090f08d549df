package position

import "sync"

// lockArena hands out one mutex per symbol, created lazily, so transitions
// on unrelated symbols never contend on a global lock.
type lockArena struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[string]*sync.Mutex)}
}

// tryAcquire attempts the symbol's lock without blocking. On success the
// returned func releases it.
func (a *lockArena) tryAcquire(symbol string) (func(), bool) {
	a.mu.Lock()
	lk, ok := a.locks[symbol]
	if !ok {
		lk = &sync.Mutex{}
		a.locks[symbol] = lk
	}
	a.mu.Unlock()

	if !lk.TryLock() {
		return nil, false
	}
	return lk.Unlock, true
}
